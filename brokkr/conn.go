package brokkr

import (
	"bufio"
	"context"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/protocol"
)

// Conn is a client connection to a single broker. Methods are safe for
// concurrent use: requests are serialized onto the wire and responses
// are handed back to their callers by correlation id.
type Conn struct {
	conn     net.Conn
	clientID string

	wlock sync.Mutex

	rlock sync.Mutex
	rbuf  *bufio.Reader

	correlationID int32
}

// NewConn wraps an established network connection. clientID is stamped
// into the header of every request sent on the connection.
func NewConn(conn net.Conn, clientID string) (*Conn, error) {
	return &Conn{
		conn:     conn,
		clientID: clientID,
		rbuf:     bufio.NewReader(conn),
	}, nil
}

// Close closes the underlying network connection. In-flight calls fail.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the broker's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines for calls made on the
// connection. Per-call context deadlines take precedence when earlier.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// APIVersions asks the broker which api versions it speaks.
func (c *Conn) APIVersions(req *protocol.APIVersionsRequest) (*protocol.APIVersionsResponse, error) {
	res := new(protocol.APIVersionsResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// CreateTopics creates the requested topics on the cluster.
func (c *Conn) CreateTopics(req *protocol.CreateTopicRequests) (*protocol.CreateTopicsResponse, error) {
	return c.CreateTopicsContext(context.Background(), req)
}

// CreateTopicsContext is CreateTopics bounded by ctx.
func (c *Conn) CreateTopicsContext(ctx context.Context, req *protocol.CreateTopicRequests) (*protocol.CreateTopicsResponse, error) {
	res := new(protocol.CreateTopicsResponse)
	err := c.roundTrip(ctx, req, res)
	return res, err
}

// DeleteTopics deletes the named topics from the cluster.
func (c *Conn) DeleteTopics(req *protocol.DeleteTopicsRequest) (*protocol.DeleteTopicsResponse, error) {
	res := new(protocol.DeleteTopicsResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// Metadata fetches cluster metadata for the requested topics, or for
// every topic when the request names none.
func (c *Conn) Metadata(req *protocol.MetadataRequest) (*protocol.MetadataResponse, error) {
	return c.MetadataContext(context.Background(), req)
}

// MetadataContext is Metadata bounded by ctx.
func (c *Conn) MetadataContext(ctx context.Context, req *protocol.MetadataRequest) (*protocol.MetadataResponse, error) {
	res := new(protocol.MetadataResponse)
	err := c.roundTrip(ctx, req, res)
	return res, err
}

// Produce sends record sets to the partition leaders named in the
// request. With Acks of zero the broker sends nothing back and the
// returned response is empty.
func (c *Conn) Produce(req *protocol.ProduceRequest) (*protocol.ProduceResponse, error) {
	return c.ProduceContext(context.Background(), req)
}

// ProduceContext is Produce bounded by ctx.
func (c *Conn) ProduceContext(ctx context.Context, req *protocol.ProduceRequest) (*protocol.ProduceResponse, error) {
	if req.APIVersion == 0 {
		req.APIVersion = 3
	}
	res := new(protocol.ProduceResponse)
	if req.Acks == 0 {
		_, err := c.writeRequest(ctx, req)
		return res, err
	}
	err := c.roundTrip(ctx, req, res)
	return res, err
}

// Fetch reads record sets from the partitions named in the request,
// waiting up to the request's MaxWaitTime for MinBytes to accumulate.
func (c *Conn) Fetch(req *protocol.FetchRequest) (*protocol.FetchResponse, error) {
	return c.FetchContext(context.Background(), req)
}

// FetchContext is Fetch bounded by ctx.
func (c *Conn) FetchContext(ctx context.Context, req *protocol.FetchRequest) (*protocol.FetchResponse, error) {
	if req.APIVersion == 0 {
		req.APIVersion = 4
	}
	res := new(protocol.FetchResponse)
	err := c.roundTrip(ctx, req, res)
	return res, err
}

// Offsets queries partition offsets by timestamp, or the earliest and
// latest offsets with the -2 and -1 sentinels.
func (c *Conn) Offsets(req *protocol.OffsetsRequest) (*protocol.OffsetsResponse, error) {
	if req.APIVersion == 0 {
		req.APIVersion = 1
	}
	res := new(protocol.OffsetsResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// OffsetCommit commits consumer offsets for a group.
func (c *Conn) OffsetCommit(req *protocol.OffsetCommitRequest) (*protocol.OffsetCommitResponse, error) {
	res := new(protocol.OffsetCommitResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// OffsetFetch reads a group's committed offsets.
func (c *Conn) OffsetFetch(req *protocol.OffsetFetchRequest) (*protocol.OffsetFetchResponse, error) {
	res := new(protocol.OffsetFetchResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// FindCoordinator locates the group or transaction coordinator for the
// key in the request.
func (c *Conn) FindCoordinator(req *protocol.FindCoordinatorRequest) (*protocol.FindCoordinatorResponse, error) {
	res := new(protocol.FindCoordinatorResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// JoinGroup enters a consumer group, blocking until the join window
// closes and the broker assigns a generation.
func (c *Conn) JoinGroup(req *protocol.JoinGroupRequest) (*protocol.JoinGroupResponse, error) {
	res := new(protocol.JoinGroupResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// SyncGroup waits for the group leader's partition assignment.
func (c *Conn) SyncGroup(req *protocol.SyncGroupRequest) (*protocol.SyncGroupResponse, error) {
	res := new(protocol.SyncGroupResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// Heartbeat keeps a group member's session alive.
func (c *Conn) Heartbeat(req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	res := new(protocol.HeartbeatResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// LeaveGroup removes a member from its consumer group.
func (c *Conn) LeaveGroup(req *protocol.LeaveGroupRequest) (*protocol.LeaveGroupResponse, error) {
	res := new(protocol.LeaveGroupResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// DescribeGroups describes the named consumer groups.
func (c *Conn) DescribeGroups(req *protocol.DescribeGroupsRequest) (*protocol.DescribeGroupsResponse, error) {
	res := new(protocol.DescribeGroupsResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// ListGroups lists the groups coordinated by the broker.
func (c *Conn) ListGroups(req *protocol.ListGroupsRequest) (*protocol.ListGroupsResponse, error) {
	res := new(protocol.ListGroupsResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// SaslHandshake negotiates a SASL mechanism with the broker.
func (c *Conn) SaslHandshake(req *protocol.SaslHandshakeRequest) (*protocol.SaslHandshakeResponse, error) {
	res := new(protocol.SaslHandshakeResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// LeaderAndISR installs partition leadership on the receiving broker.
// Only the controller sends this.
func (c *Conn) LeaderAndISR(req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {
	return c.LeaderAndISRContext(context.Background(), req)
}

// LeaderAndISRContext is LeaderAndISR bounded by ctx.
func (c *Conn) LeaderAndISRContext(ctx context.Context, req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {
	res := new(protocol.LeaderAndISRResponse)
	err := c.roundTrip(ctx, req, res)
	return res, err
}

// StopReplica stops, and optionally deletes, partition replicas on the
// receiving broker. Only the controller sends this.
func (c *Conn) StopReplica(req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {
	res := new(protocol.StopReplicaResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// InitProducerID allocates a producer id, and for transactional
// producers fences earlier epochs.
func (c *Conn) InitProducerID(req *protocol.InitProducerIDRequest) (*protocol.InitProducerIDResponse, error) {
	res := new(protocol.InitProducerIDResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// AddPartitionsToTxn adds partitions to an ongoing transaction.
func (c *Conn) AddPartitionsToTxn(req *protocol.AddPartitionsToTxnRequest) (*protocol.AddPartitionsToTxnResponse, error) {
	res := new(protocol.AddPartitionsToTxnResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// AddOffsetsToTxn folds a consumer group's offsets topic into an
// ongoing transaction.
func (c *Conn) AddOffsetsToTxn(req *protocol.AddOffsetsToTxnRequest) (*protocol.AddOffsetsToTxnResponse, error) {
	res := new(protocol.AddOffsetsToTxnResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// EndTxn commits or aborts an ongoing transaction.
func (c *Conn) EndTxn(req *protocol.EndTxnRequest) (*protocol.EndTxnResponse, error) {
	res := new(protocol.EndTxnResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// TxnOffsetCommit stages consumer offsets inside an ongoing
// transaction.
func (c *Conn) TxnOffsetCommit(req *protocol.TxnOffsetCommitRequest) (*protocol.TxnOffsetCommitResponse, error) {
	res := new(protocol.TxnOffsetCommitResponse)
	err := c.roundTrip(context.Background(), req, res)
	return res, err
}

// roundTrip sends req and decodes the matching response into res.
func (c *Conn) roundTrip(ctx context.Context, req protocol.Body, res protocol.VersionedDecoder) error {
	id, err := c.writeRequest(ctx, req)
	if err != nil {
		return err
	}
	payload, err := c.readResponse(ctx, id, req.Key(), req.Version())
	if err != nil {
		return err
	}
	if err := res.Decode(protocol.NewDecoder(payload), req.Version()); err != nil {
		return errors.Wrapf(err, "decode response failed: client id: %s, correlation id: %d", c.clientID, id)
	}
	return nil
}

// writeRequest frames req and writes it to the connection, returning
// the correlation id the response will carry.
func (c *Conn) writeRequest(ctx context.Context, body protocol.Body) (int32, error) {
	id := atomic.AddInt32(&c.correlationID, 1)
	b, err := protocol.Encode(&protocol.Request{
		CorrelationID: id,
		ClientID:      c.clientID,
		Body:          body,
	})
	if err != nil {
		return 0, err
	}
	c.wlock.Lock()
	defer c.wlock.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return 0, err
		}
	}
	if _, err := c.conn.Write(b); err != nil {
		return 0, errors.Wrap(err, "write request failed")
	}
	return id, nil
}

// readResponse reads frames off the connection until the one carrying
// id shows up and returns its body with the header stripped. When the
// frame at the head of the stream belongs to another caller the read
// lock is released so that caller can claim it.
func (c *Conn) readResponse(ctx context.Context, id int32, key, version int16) ([]byte, error) {
	for {
		c.rlock.Lock()
		if err := ctx.Err(); err != nil {
			c.rlock.Unlock()
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := c.conn.SetReadDeadline(deadline); err != nil {
				c.rlock.Unlock()
				return nil, err
			}
		}
		head, err := c.rbuf.Peek(8)
		if err != nil {
			c.rlock.Unlock()
			return nil, errors.Wrap(err, "read response header failed")
		}
		size := int32(protocol.Encoding.Uint32(head[:4]))
		if rid := int32(protocol.Encoding.Uint32(head[4:])); rid != id {
			c.rlock.Unlock()
			runtime.Gosched()
			continue
		}
		frame := make([]byte, 4+size)
		if _, err := io.ReadFull(c.rbuf, frame); err != nil {
			c.rlock.Unlock()
			return nil, errors.Wrap(err, "read response body failed")
		}
		c.rlock.Unlock()

		payload := frame[8:]
		if protocol.FlexibleResponseHeader(key, version) {
			d := protocol.NewDecoder(payload)
			if err := d.TaggedFields(); err != nil {
				return nil, err
			}
			payload = payload[len(payload)-d.Remaining():]
		}
		return payload, nil
	}
}
