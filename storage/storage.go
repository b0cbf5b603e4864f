// Package storage holds partition data behind a backend interface. Backends
// are dumb byte stores: batches arrive with base offsets already stamped by
// the partition coordinator, and a backend only verifies that appends
// continue the log.
package storage

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// PartitionID names one partition of one topic.
type PartitionID struct {
	Topic     string
	Partition int32
}

func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// Backend stores record batches per partition.
//
// Append requires batch to be a single complete magic-2 frame whose stamped
// base offset equals the partition's next offset. Read returns whole frames
// beginning with the batch containing offset; it returns at least one batch
// when data exists at the offset, regardless of maxBytes.
type Backend interface {
	CreatePartition(p PartitionID) error
	RemovePartition(p PartitionID) error
	Append(ctx context.Context, p PartitionID, batch []byte) error
	Read(ctx context.Context, p PartitionID, offset int64, maxBytes int32) ([]byte, error)
	// Offsets reports the oldest held offset and the next offset to be
	// written.
	Offsets(p PartitionID) (oldest, next int64, err error)
	Flush(p PartitionID) error
	// Truncate drops data before the given offset, best effort.
	Truncate(p PartitionID, before int64) error
	ListPartitions(ctx context.Context) ([]PartitionID, error)
	Close() error
}

var (
	// ErrUnknownPartition is returned for operations on partitions the
	// backend has not created.
	ErrUnknownPartition = errors.New("storage: unknown partition")
	// ErrOffsetOutOfRange is returned by Read for offsets outside the
	// held range.
	ErrOffsetOutOfRange = errors.New("storage: offset out of range")
	// ErrNonContiguous is returned when an appended batch does not
	// continue the log.
	ErrNonContiguous = errors.New("storage: batch does not continue the log")
)

// transientError marks a failure worth retrying, e.g. an I/O hiccup, as
// opposed to a permanent refusal like a contiguity violation.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }

func (e transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is worth retrying against the same
// backend.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
