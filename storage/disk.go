package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/commitlog"
)

// DiskConfig sizes the commit logs a Disk backend manages.
type DiskConfig struct {
	// Dir is the root data directory; each partition lives under
	// Dir/<topic>/<partition>.
	Dir             string
	MaxSegmentBytes int64
	// MaxLogBytes caps each partition's log; zero or below is unbounded.
	MaxLogBytes int64
}

// Disk stores each partition in a commit log on the local filesystem.
// Existing partitions found under the data directory are reopened, which is
// how a restarted broker recovers its logs.
type Disk struct {
	cfg DiskConfig

	mu   sync.RWMutex
	logs map[PartitionID]*commitlog.CommitLog
}

var _ Backend = (*Disk)(nil)

// NewDisk opens the backend over cfg.Dir, recovering any partitions already
// on disk.
func NewDisk(cfg DiskConfig) (*Disk, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage: disk backend requires a data dir")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, Transient(errors.Wrap(err, "storage: mkdir failed"))
	}
	d := &Disk{cfg: cfg, logs: make(map[PartitionID]*commitlog.CommitLog)}
	if err := d.recover(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) recover() error {
	topics, err := os.ReadDir(d.cfg.Dir)
	if err != nil {
		return Transient(errors.Wrap(err, "storage: read data dir failed"))
	}
	for _, t := range topics {
		if !t.IsDir() {
			continue
		}
		parts, err := os.ReadDir(filepath.Join(d.cfg.Dir, t.Name()))
		if err != nil {
			return Transient(errors.Wrap(err, "storage: read topic dir failed"))
		}
		for _, p := range parts {
			if !p.IsDir() {
				continue
			}
			n, err := strconv.ParseInt(p.Name(), 10, 32)
			if err != nil {
				continue // not a partition dir
			}
			id := PartitionID{Topic: t.Name(), Partition: int32(n)}
			if err := d.openLog(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Disk) path(p PartitionID) string {
	return filepath.Join(d.cfg.Dir, p.Topic, strconv.Itoa(int(p.Partition)))
}

func (d *Disk) openLog(p PartitionID) error {
	l, err := commitlog.New(commitlog.Options{
		Path:            d.path(p),
		MaxSegmentBytes: d.cfg.MaxSegmentBytes,
		MaxLogBytes:     d.cfg.MaxLogBytes,
		CleanupPolicy:   commitlog.DeleteCleanupPolicy,
	})
	if err != nil {
		return Transient(err)
	}
	d.logs[p] = l
	return nil
}

func (d *Disk) log(p PartitionID) (*commitlog.CommitLog, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.logs[p]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPartition, "%s", p)
	}
	return l, nil
}

func (d *Disk) CreatePartition(p PartitionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.logs[p]; ok {
		return nil
	}
	return d.openLog(p)
}

func (d *Disk) RemovePartition(p PartitionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.logs[p]
	if !ok {
		return nil
	}
	delete(d.logs, p)
	if err := l.Delete(); err != nil {
		return Transient(err)
	}
	return nil
}

func (d *Disk) Append(ctx context.Context, p PartitionID, batch []byte) error {
	l, err := d.log(p)
	if err != nil {
		return err
	}
	if _, err = l.Append(batch); err != nil {
		if errors.Is(err, commitlog.ErrNonContiguous) {
			return errors.Wrapf(ErrNonContiguous, "%s: %v", p, err)
		}
		return Transient(err)
	}
	return nil
}

func (d *Disk) Read(ctx context.Context, p PartitionID, offset int64, maxBytes int32) ([]byte, error) {
	l, err := d.log(p)
	if err != nil {
		return nil, err
	}
	raw, err := l.ReadFrom(offset, maxBytes)
	if err != nil {
		if errors.Is(err, commitlog.ErrOffsetOutOfRange) {
			return nil, errors.Wrapf(ErrOffsetOutOfRange, "%s: %v", p, err)
		}
		return nil, Transient(err)
	}
	return raw, nil
}

func (d *Disk) Offsets(p PartitionID) (oldest, next int64, err error) {
	l, err := d.log(p)
	if err != nil {
		return 0, 0, err
	}
	return l.OldestOffset(), l.NewestOffset(), nil
}

func (d *Disk) Flush(p PartitionID) error {
	l, err := d.log(p)
	if err != nil {
		return err
	}
	if err = l.Flush(); err != nil {
		return Transient(err)
	}
	return nil
}

func (d *Disk) Truncate(p PartitionID, before int64) error {
	l, err := d.log(p)
	if err != nil {
		return err
	}
	if err = l.Truncate(before); err != nil {
		return Transient(err)
	}
	return nil
}

func (d *Disk) ListPartitions(ctx context.Context) ([]PartitionID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PartitionID, 0, len(d.logs))
	for p := range d.logs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, l := range d.logs {
		if err := l.Close(); err != nil {
			return errors.Wrapf(err, "storage: closing %s", p)
		}
	}
	d.logs = make(map[PartitionID]*commitlog.CommitLog)
	return nil
}
