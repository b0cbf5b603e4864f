package commitlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	logSuffix   = ".log"
	indexSuffix = ".index"

	// batchOverhead is the fixed prefix of a magic-2 record batch, through
	// the record count. Frames shorter than this are torn writes.
	batchOverhead = 61
	// frameHeaderLen covers the base offset and length fields.
	frameHeaderLen = 12
)

// batchInfo is the slice of a batch frame's header the log cares about.
type batchInfo struct {
	baseOffset      int64
	size            int32 // full frame length including the 12-byte prefix
	lastOffsetDelta int32
}

func (bi batchInfo) lastOffset() int64 { return bi.baseOffset + int64(bi.lastOffsetDelta) }
func (bi batchInfo) nextOffset() int64 { return bi.lastOffset() + 1 }

// peekBatch reads the frame header fields out of raw without validating the
// payload.
func peekBatch(raw []byte) (batchInfo, error) {
	if len(raw) < batchOverhead {
		return batchInfo{}, errSplitBatch
	}
	bi := batchInfo{
		baseOffset:      int64(enc.Uint64(raw[0:8])),
		size:            frameHeaderLen + int32(enc.Uint32(raw[8:12])),
		lastOffsetDelta: int32(enc.Uint32(raw[23:27])),
	}
	// A length shorter than the batch header can only come from
	// corruption; treating it as a torn frame stops the scan.
	if bi.size < batchOverhead {
		return batchInfo{}, errSplitBatch
	}
	return bi, nil
}

var errSplitBatch = errors.New("commitlog: incomplete batch frame")

// segment is one log file plus its offset index. Writes are serialized by
// the owning CommitLog; reads go through ReadAt and are safe alongside
// appends.
type segment struct {
	baseOffset int64
	nextOffset int64
	position   int64
	maxBytes   int64

	log   *os.File
	index *index
	path  string
}

func segmentPath(dir string, baseOffset int64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", baseOffset))
}

// newSegment opens or creates the segment rooted at baseOffset. Existing
// data is recovered by scanning forward from the last indexed batch; a torn
// frame at the tail is cut off.
func newSegment(dir string, baseOffset, maxBytes, maxIndexBytes int64) (*segment, error) {
	path := segmentPath(dir, baseOffset)
	f, err := os.OpenFile(path+logSuffix, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "segment: open log failed")
	}
	idx, err := newIndex(path+indexSuffix, baseOffset, maxIndexBytes)
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &segment{
		baseOffset: baseOffset,
		nextOffset: baseOffset,
		maxBytes:   maxBytes,
		log:        f,
		index:      idx,
		path:       path,
	}
	if err = s.recover(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *segment) recover() error {
	fi, err := s.log.Stat()
	if err != nil {
		return errors.Wrap(err, "segment: stat failed")
	}
	size := fi.Size()

	// Resume scanning after the last indexed batch. Only the tail of the
	// log can be torn, so everything the index covers before it is sound.
	var pos int64
	if last, ok := s.index.lastEntry(); ok {
		if bi, ok := s.peekAt(int64(last.position), size); ok {
			pos = int64(last.position) + int64(bi.size)
			s.nextOffset = bi.nextOffset()
		} else {
			// The index points past the data it describes. Drop it and
			// rebuild from the log, which is authoritative.
			s.index.truncateEntries(0)
		}
	}
	for pos < size {
		bi, ok := s.peekAt(pos, size)
		if !ok {
			break // torn tail
		}
		// A full index only degrades lookups to scans.
		_ = s.index.writeEntry(int32(bi.baseOffset-s.baseOffset), int32(pos))
		s.nextOffset = bi.nextOffset()
		pos += int64(bi.size)
	}
	if pos < size {
		if err := s.log.Truncate(pos); err != nil {
			return errors.Wrap(err, "segment: tail truncate failed")
		}
	}
	s.position = pos
	return nil
}

// peekAt reads the frame header at pos, reporting false when the frame runs
// past the end of the file.
func (s *segment) peekAt(pos, size int64) (batchInfo, bool) {
	if pos+batchOverhead > size {
		return batchInfo{}, false
	}
	hdr := make([]byte, batchOverhead)
	if _, err := s.log.ReadAt(hdr, pos); err != nil {
		return batchInfo{}, false
	}
	bi, err := peekBatch(hdr)
	if err != nil || pos+int64(bi.size) > size {
		return batchInfo{}, false
	}
	return bi, true
}

// isFull reports whether an append of n bytes would exceed the segment cap.
// The first batch always fits so oversized batches can be rejected above
// this layer by message limits, not segment math.
func (s *segment) isFull(n int) bool {
	if s.position == 0 {
		return false
	}
	return s.position+int64(n) > s.maxBytes
}

// append writes one pre-stamped batch frame and indexes it.
func (s *segment) append(bi batchInfo, raw []byte) error {
	if _, err := s.log.WriteAt(raw, s.position); err != nil {
		return errors.Wrap(err, "segment: write failed")
	}
	// A full index just degrades lookups; the data is already durable.
	_ = s.index.writeEntry(int32(bi.baseOffset-s.baseOffset), int32(s.position))
	s.position += int64(len(raw))
	s.nextOffset = bi.nextOffset()
	return nil
}

// findPosition returns the file position of the first batch whose last
// offset is at or after the target.
func (s *segment) findPosition(offset int64) (int64, error) {
	pos, _ := s.index.lookup(int32(offset - s.baseOffset))
	p := int64(pos)
	hdr := make([]byte, batchOverhead)
	for p < s.position {
		if _, err := s.log.ReadAt(hdr, p); err != nil {
			return 0, errors.Wrap(err, "segment: header read failed")
		}
		bi, err := peekBatch(hdr)
		if err != nil {
			return 0, err
		}
		if bi.lastOffset() >= offset {
			return p, nil
		}
		p += int64(bi.size)
	}
	return s.position, nil
}

// readAt fills p starting at the given file position, stopping at the
// current write position.
func (s *segment) readAt(p []byte, position int64) (int, error) {
	if max := s.position - position; int64(len(p)) > max {
		p = p[:max]
	}
	if len(p) == 0 {
		return 0, nil
	}
	return s.log.ReadAt(p, position)
}

func (s *segment) Flush() error {
	if err := s.log.Sync(); err != nil {
		return errors.Wrap(err, "segment: log sync failed")
	}
	return s.index.sync()
}

func (s *segment) Close() error {
	if err := s.index.close(); err != nil {
		s.log.Close()
		return err
	}
	return errors.Wrap(s.log.Close(), "segment: close log failed")
}

// Delete closes the segment and removes its files.
func (s *segment) Delete() error {
	if err := s.index.delete(); err != nil {
		return err
	}
	if err := s.log.Close(); err != nil {
		return errors.Wrap(err, "segment: close log failed")
	}
	return errors.Wrap(os.Remove(s.path+logSuffix), "segment: remove log failed")
}
