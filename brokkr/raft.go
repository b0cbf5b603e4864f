package brokkr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/brokkr/fsm"
	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
)

const (
	raftState         = "raft/"
	raftLogCacheSize  = 512
	snapshotsRetained = 2

	// raftApplyTimeout bounds a single apply; the raft library queues
	// behind the leader so this mostly guards a wedged cluster.
	raftApplyTimeout = 30 * time.Second

	// barrierWriteTimeout is how long a new leader waits for its initial
	// barrier before retrying the leader loop.
	barrierWriteTimeout = 2 * time.Minute
)

// setupRaft builds the raft node: the FSM over the metadata store, the
// TCP transport on RaftAddr, and either in-memory stores (dev mode) or
// boltdb-backed log/stable stores with file snapshots.
func (b *Broker) setupRaft() error {
	// On an unclean exit close the store we may have opened.
	defer func() {
		if b.raft == nil && b.raftStore != nil {
			if err := b.raftStore.Close(); err != nil {
				log.Error.Printf("broker/%d: close raft store error: %s", b.config.ID, err)
			}
		}
	}()

	var err error
	if b.fsm, err = fsm.New(b.config.ID); err != nil {
		return err
	}

	trans, err := raft.NewTCPTransport(b.config.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return errors.Wrap(err, "raft transport failed")
	}
	b.raftTransport = trans

	b.config.RaftConfig.LocalID = raft.ServerID(fmt.Sprintf("%d", b.config.ID))

	var logStore raft.LogStore
	var stable raft.StableStore
	var snap raft.SnapshotStore
	if b.config.DevMode {
		store := raft.NewInmemStore()
		b.raftInmem = store
		logStore = store
		stable = store
		snap = raft.NewInmemSnapshotStore()
	} else {
		path := filepath.Join(b.config.DataDir, raftState)
		if err := ensurePath(path, true); err != nil {
			return err
		}

		store, err := raftboltdb.NewBoltStore(filepath.Join(path, "raft.db"))
		if err != nil {
			return err
		}
		b.raftStore = store
		stable = store

		cacheStore, err := raft.NewLogCache(raftLogCacheSize, store)
		if err != nil {
			return err
		}
		logStore = cacheStore

		if snap, err = raft.NewFileSnapshotStore(path, snapshotsRetained, os.Stderr); err != nil {
			return err
		}
	}

	if b.config.Bootstrap || b.config.DevMode {
		hasState, err := raft.HasExistingState(logStore, stable, snap)
		if err != nil {
			return err
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{{
					ID:      b.config.RaftConfig.LocalID,
					Address: trans.LocalAddr(),
				}},
			}
			if err := raft.BootstrapCluster(b.config.RaftConfig, logStore, stable, snap, trans, configuration); err != nil {
				return err
			}
		}
	}

	// Reliable leader transition notifications.
	raftNotifyCh := make(chan bool, 1)
	b.config.RaftConfig.NotifyCh = raftNotifyCh
	b.raftNotifyCh = raftNotifyCh

	b.raft, err = raft.NewRaft(b.config.RaftConfig, b.fsm, logStore, stable, snap, trans)
	return err
}

// raftApply encodes msg as a raft log entry and applies it through the
// leader. The FSM answers each command; an error answer surfaces here.
func (b *Broker) raftApply(t structs.MessageType, msg interface{}) (interface{}, error) {
	buf, err := structs.Encode(t, msg)
	if err != nil {
		return nil, errors.Wrap(err, "raft apply encode failed")
	}
	future := b.raft.Apply(buf, raftApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	res := future.Response()
	if err, ok := res.(error); ok {
		return nil, err
	}
	return res, nil
}
