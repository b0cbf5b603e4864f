// Package commitlog stores a partition's record batches on disk as a set
// of segment files with memory-mapped offset indexes. Batches arrive with
// their base offsets already stamped by the owning partition; the log
// verifies contiguity and never assigns offsets itself.
package commitlog

import (
	"encoding/binary"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var enc = binary.BigEndian

var (
	// ErrOffsetOutOfRange is returned by ReadFrom for offsets outside
	// [OldestOffset, NewestOffset].
	ErrOffsetOutOfRange = errors.New("commitlog: offset out of range")
	// ErrNonContiguous is returned when an appended batch's stamped base
	// offset is not the log's next offset.
	ErrNonContiguous = errors.New("commitlog: batch base offset does not continue the log")
)

// Options configures a CommitLog.
type Options struct {
	// Path is the directory holding this log's segments.
	Path string
	// MaxSegmentBytes caps a segment before the log rolls a new one.
	MaxSegmentBytes int64
	// MaxLogBytes caps the whole log; zero or below means unbounded.
	MaxLogBytes int64
	// MaxIndexBytes caps each segment's offset index file.
	MaxIndexBytes int64
	CleanupPolicy CleanupPolicy
}

const defaultMaxSegmentBytes = 64 << 20

// CommitLog is an append-only, offset-addressed batch store.
type CommitLog struct {
	Options

	mu       sync.RWMutex
	segments []*segment
	cleaner  cleaner
}

// New opens the log at opts.Path, creating the directory when missing and
// recovering any existing segments.
func New(opts Options) (*CommitLog, error) {
	if opts.Path == "" {
		return nil, errors.New("commitlog: path is required")
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if opts.CleanupPolicy == "" {
		opts.CleanupPolicy = DeleteCleanupPolicy
	}
	l := &CommitLog{
		Options: opts,
		cleaner: deleteCleaner{maxLogBytes: opts.MaxLogBytes},
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *CommitLog) open() error {
	if err := os.MkdirAll(l.Path, 0755); err != nil {
		return errors.Wrap(err, "commitlog: mkdir failed")
	}
	entries, err := os.ReadDir(l.Path)
	if err != nil {
		return errors.Wrap(err, "commitlog: read dir failed")
	}
	var bases []int64
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), logSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), logSuffix), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "commitlog: bad segment name %q", e.Name())
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	for _, base := range bases {
		s, err := newSegment(l.Path, base, l.MaxSegmentBytes, l.MaxIndexBytes)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, s)
	}
	if len(l.segments) == 0 {
		s, err := newSegment(l.Path, 0, l.MaxSegmentBytes, l.MaxIndexBytes)
		if err != nil {
			return err
		}
		l.segments = []*segment{s}
	}
	return nil
}

func (l *CommitLog) activeSegment() *segment {
	return l.segments[len(l.segments)-1]
}

// Append writes one stamped batch frame and returns its base offset. The
// stamped base offset must equal NewestOffset or the append is refused.
func (l *CommitLog) Append(raw []byte) (int64, error) {
	bi, err := peekBatch(raw)
	if err != nil {
		return 0, err
	}
	if int64(len(raw)) != int64(bi.size) {
		return 0, errors.Errorf("commitlog: frame length %d does not match batch header %d", len(raw), bi.size)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	active := l.activeSegment()
	if bi.baseOffset != active.nextOffset {
		return 0, errors.Wrapf(ErrNonContiguous, "stamped %d, want %d", bi.baseOffset, active.nextOffset)
	}
	if active.isFull(len(raw)) {
		if active, err = l.roll(); err != nil {
			return 0, err
		}
	}
	if err = active.append(bi, raw); err != nil {
		return 0, err
	}
	return bi.baseOffset, nil
}

// roll closes out the active segment for appends, opens a fresh one at the
// next offset, and runs cleanup over the closed segments.
func (l *CommitLog) roll() (*segment, error) {
	next := l.activeSegment().nextOffset
	s, err := newSegment(l.Path, next, l.MaxSegmentBytes, l.MaxIndexBytes)
	if err != nil {
		return nil, err
	}
	closed, err := l.cleaner.clean(l.segments)
	if err != nil {
		s.Close()
		return nil, err
	}
	l.segments = append(closed, s)
	return s, nil
}

// ReadFrom returns complete batch frames beginning with the batch containing
// offset, up to maxBytes. At least one complete batch is returned when the
// offset has data, regardless of maxBytes, so a reader can always progress.
// Reading exactly at NewestOffset returns no data and no error.
func (l *CommitLog) ReadFrom(offset int64, maxBytes int32) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newest := l.activeSegment().nextOffset
	if offset == newest {
		return nil, nil
	}
	if offset < l.segments[0].baseOffset || offset > newest {
		return nil, errors.Wrapf(ErrOffsetOutOfRange, "offset %d, log [%d, %d)", offset, l.segments[0].baseOffset, newest)
	}

	i := l.segmentFor(offset)
	var out []byte
	for ; i < len(l.segments); i++ {
		s := l.segments[i]
		pos, err := s.findPosition(offset)
		if err != nil {
			return nil, err
		}
		avail := s.position - pos
		if avail <= 0 {
			offset = s.nextOffset
			continue
		}
		want := int64(maxBytes) - int64(len(out))
		if len(out) == 0 {
			// Always return the first batch whole.
			hdr := make([]byte, batchOverhead)
			if _, err := s.log.ReadAt(hdr, pos); err != nil {
				return nil, errors.Wrap(err, "commitlog: header read failed")
			}
			bi, err := peekBatch(hdr)
			if err != nil {
				return nil, err
			}
			if want < int64(bi.size) {
				want = int64(bi.size)
			}
		}
		if want <= 0 {
			break
		}
		if want > avail {
			want = avail
		}
		buf := make([]byte, want)
		n, err := s.readAt(buf, pos)
		if err != nil {
			return nil, errors.Wrap(err, "commitlog: read failed")
		}
		out = append(out, buf[:n]...)
		if int64(len(out)) >= int64(maxBytes) {
			break
		}
		offset = s.nextOffset
	}
	return trimPartialFrame(out), nil
}

// trimPartialFrame cuts a trailing partial batch produced by the byte cap,
// keeping at least the first frame.
func trimPartialFrame(raw []byte) []byte {
	var pos int64
	for {
		rest := raw[pos:]
		if len(rest) == 0 {
			return raw
		}
		if len(rest) < frameHeaderLen {
			return raw[:pos]
		}
		size := int64(frameHeaderLen) + int64(int32(enc.Uint32(rest[8:12])))
		if size < batchOverhead {
			return raw[:pos]
		}
		if int64(len(rest)) < size {
			if pos == 0 {
				return raw
			}
			return raw[:pos]
		}
		pos += size
	}
}

// segmentFor returns the index of the segment containing offset, assuming
// the caller holds the lock and validated the range.
func (l *CommitLog) segmentFor(offset int64) int {
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].baseOffset > offset
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// NewestOffset is the next offset to be written, i.e. the log end offset.
func (l *CommitLog) NewestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment().nextOffset
}

// OldestOffset is the first offset still held by the log.
func (l *CommitLog) OldestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].baseOffset
}

// Truncate drops whole segments whose offsets all precede before. The
// active segment always survives, so truncation is best effort at segment
// granularity.
func (l *CommitLog) Truncate(before int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.segments) > 1 && l.segments[0].nextOffset <= before {
		if err := l.segments[0].Delete(); err != nil {
			return err
		}
		l.segments = l.segments[1:]
	}
	return nil
}

// Flush syncs the active segment's data and index to stable storage.
func (l *CommitLog) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment().Flush()
}

func (l *CommitLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	l.segments = nil
	return nil
}

// Delete closes the log and removes its directory.
func (l *CommitLog) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	l.segments = nil
	return errors.Wrap(os.RemoveAll(l.Path), "commitlog: remove failed")
}
