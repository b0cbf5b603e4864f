package brokkr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
)

// client is the slice of Conn the replicator needs to talk to the
// partition leader.
type client interface {
	FetchContext(ctx context.Context, fetchRequest *protocol.FetchRequest) (*protocol.FetchResponse, error)
	Close() error
}

// Replicator fetches from the partition's leader and appends to the
// local follower log, replicating the partition.
type Replicator struct {
	config              ReplicatorConfig
	partition           *PartitionLog
	highwaterMarkOffset int64
	offset              int64
	msgs                chan []byte
	done                chan struct{}
	leader              client
	backoff             *backoff.ExponentialBackOff
	cancel              context.CancelFunc
}

type ReplicatorConfig struct {
	// BrokerID identifies this follower in fetch requests.
	BrokerID    int32
	MinBytes    int32
	MaxWaitTime time.Duration
}

// NewReplicator returns a replicator for the given follower partition,
// reading from the leader over the given connection.
func NewReplicator(config ReplicatorConfig, partition *PartitionLog, leader client) *Replicator {
	if config.MinBytes == 0 {
		config.MinBytes = 1
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 250 * time.Millisecond
	}
	return &Replicator{
		config:    config,
		partition: partition,
		leader:    leader,
		done:      make(chan struct{}, 2),
		msgs:      make(chan []byte, 2),
		backoff:   backoff.NewExponentialBackOff(),
	}
}

// Replicate starts fetching batches from the leader and appending them
// to the local log. The context bounds the replication goroutines.
func (r *Replicator) Replicate(ctx context.Context) {
	// Resume from the local tail; anything below it is already here.
	r.offset = r.partition.NewestOffset()
	ctx, r.cancel = context.WithCancel(ctx)
	go r.fetchMessages(ctx)
	go r.appendMessages(ctx)
}

func (r *Replicator) fetchMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
			fetchRequest := &protocol.FetchRequest{
				ReplicaID:   r.config.BrokerID,
				MaxWaitTime: r.config.MaxWaitTime,
				MinBytes:    r.config.MinBytes,
				Topics: []*protocol.FetchTopic{{
					Topic: r.partition.Topic(),
					Partitions: []*protocol.FetchPartition{{
						Partition:   r.partition.PartitionID(),
						FetchOffset: r.offset,
						MaxBytes:    1024 * 1024,
					}},
				}},
			}

			fetchCtx, cancel := context.WithTimeout(ctx, r.config.MaxWaitTime+5*time.Second)
			fetchResponse, err := r.leader.FetchContext(fetchCtx, fetchRequest)
			cancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error.Printf("replicator/%s: fetch error: %s", r.partition, err)
				time.Sleep(r.backoff.NextBackOff())
				continue
			}

			needBackoff := false
			for _, resp := range fetchResponse.Responses {
				for _, p := range resp.PartitionResponses {
					if p.ErrorCode != protocol.ErrNone.Code() {
						log.Error.Printf("replicator/%s: partition response error: %d", r.partition, p.ErrorCode)
						needBackoff = true
						break
					}
					if len(p.RecordSet) == 0 {
						needBackoff = true
						break
					}
					next, err := frameEndOffset(p.RecordSet)
					if err != nil {
						log.Error.Printf("replicator/%s: bad record set: %s", r.partition, err)
						needBackoff = true
						break
					}
					if next > r.offset {
						select {
						case r.msgs <- p.RecordSet:
							r.highwaterMarkOffset = p.HighWatermark
							r.offset = next
						case <-ctx.Done():
							return
						}
					}
				}
				if needBackoff {
					break
				}
			}

			if needBackoff {
				time.Sleep(r.backoff.NextBackOff())
			} else {
				r.backoff.Reset()
			}
		}
	}
}

func (r *Replicator) appendMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case msg := <-r.msgs:
			if err := r.appendFrame(ctx, msg); err != nil {
				// The frame will be fetched again from the last good
				// offset.
				log.Error.Printf("replicator/%s: append error: %s", r.partition, err)
			}
		}
	}
}

// appendFrame splits a fetch response's record set back into batches;
// the leader may have returned several. A truncated tail is left for the
// next fetch round.
func (r *Replicator) appendFrame(ctx context.Context, frame []byte) error {
	for len(frame) >= protocol.RecordBatchOverhead {
		hdr, err := protocol.PeekRecordBatchHeader(frame)
		if err != nil {
			return err
		}
		n := hdr.Size()
		if n > len(frame) {
			return nil
		}
		if err := r.partition.AppendAsFollower(ctx, frame[:n]); err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// frameEndOffset walks the frame's batch headers and returns the offset
// after the last complete batch.
func frameEndOffset(frame []byte) (int64, error) {
	var end int64 = -1
	for len(frame) >= protocol.RecordBatchOverhead {
		hdr, err := protocol.PeekRecordBatchHeader(frame)
		if err != nil {
			return 0, err
		}
		if hdr.Size() > len(frame) {
			break
		}
		end = hdr.LastOffset()
		frame = frame[hdr.Size():]
	}
	if end < 0 {
		return 0, errors.New("record set holds no complete batch")
	}
	return end + 1, nil
}

// Close stops replication; called when this broker stops following the
// partition.
func (r *Replicator) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	close(r.done)
	if r.leader != nil {
		return r.leader.Close()
	}
	return nil
}
