package commitlog

import (
	"os"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const (
	// Each entry maps a batch's offset, relative to the segment base, to
	// its byte position in the log file.
	indexEntryWidth = 8

	defaultMaxIndexBytes = 10 << 20
)

// index is a memory-mapped lookup table from relative offset to log file
// position. Entries are appended in offset order, one per batch.
type index struct {
	mu         sync.RWMutex
	file       *os.File
	mmap       mmap.MMap
	baseOffset int64
	// pos is the byte offset of the next entry to write.
	pos int64
	path string
}

type indexEntry struct {
	relOffset int32
	position  int32
}

func newIndex(path string, baseOffset, maxBytes int64) (*index, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxIndexBytes
	}
	// Round down to whole entries.
	maxBytes -= maxBytes % indexEntryWidth

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "index: open failed")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "index: stat failed")
	}
	if fi.Size() < maxBytes {
		if err = f.Truncate(maxBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "index: resize failed")
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "index: mmap failed")
	}
	idx := &index{
		file:       f,
		mmap:       m,
		baseOffset: baseOffset,
		path:       path,
	}
	idx.pos = idx.recoverPos()
	return idx, nil
}

// recoverPos finds the end of the written entries. Entries carry strictly
// increasing positions after the first, so the first non-increasing entry
// marks unused space. An all-zero first entry is indistinguishable from an
// empty index; the segment scan re-adds it if the log holds data.
func (idx *index) recoverPos() int64 {
	count := int64(len(idx.mmap)) / indexEntryWidth
	if count == 0 || idx.entryAt(0) == (indexEntry{}) {
		return 0
	}
	n := int64(1)
	for ; n < count; n++ {
		e := idx.entryAt(n)
		if e.position <= idx.entryAt(n-1).position {
			break
		}
	}
	return n * indexEntryWidth
}

func (idx *index) entryAt(n int64) indexEntry {
	b := idx.mmap[n*indexEntryWidth:]
	return indexEntry{
		relOffset: int32(enc.Uint32(b[0:4])),
		position:  int32(enc.Uint32(b[4:8])),
	}
}

func (idx *index) entries() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.pos / indexEntryWidth
}

// writeEntry appends one entry. A full index is not fatal: lookups fall
// back to scanning from the last indexed position.
func (idx *index) writeEntry(relOffset, position int32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.pos+indexEntryWidth > int64(len(idx.mmap)) {
		return errors.Errorf("index: full at %d entries", idx.pos/indexEntryWidth)
	}
	b := idx.mmap[idx.pos:]
	enc.PutUint32(b[0:4], uint32(relOffset))
	enc.PutUint32(b[4:8], uint32(position))
	idx.pos += indexEntryWidth
	return nil
}

// lookup returns the position of the last entry at or before relOffset.
// ok is false when the index holds nothing at or before it.
func (idx *index) lookup(relOffset int32) (position int32, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := idx.pos / indexEntryWidth
	if n == 0 {
		return 0, false
	}
	// First entry strictly after relOffset.
	i := sort.Search(int(n), func(i int) bool {
		return idx.entryAt(int64(i)).relOffset > relOffset
	})
	if i == 0 {
		return 0, false
	}
	return idx.entryAt(int64(i - 1)).position, true
}

// lastEntry returns the final written entry for tail recovery.
func (idx *index) lastEntry() (indexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := idx.pos / indexEntryWidth
	if n == 0 {
		return indexEntry{}, false
	}
	return idx.entryAt(n - 1), true
}

// truncateEntries drops entries at or above relOffset.
func (idx *index) truncateEntries(relOffset int32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := idx.pos / indexEntryWidth
	i := sort.Search(int(n), func(i int) bool {
		return idx.entryAt(int64(i)).relOffset >= relOffset
	})
	idx.pos = int64(i) * indexEntryWidth
	zero := make([]byte, (n-int64(i))*indexEntryWidth)
	copy(idx.mmap[idx.pos:], zero)
}

func (idx *index) sync() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if err := idx.mmap.Flush(); err != nil {
		return errors.Wrap(err, "index: mmap flush failed")
	}
	return errors.Wrap(idx.file.Sync(), "index: file sync failed")
}

func (idx *index) close() error {
	if err := idx.sync(); err != nil {
		return err
	}
	if err := idx.mmap.Unmap(); err != nil {
		return errors.Wrap(err, "index: unmap failed")
	}
	return errors.Wrap(idx.file.Close(), "index: close failed")
}

func (idx *index) delete() error {
	if err := idx.mmap.Unmap(); err != nil {
		return errors.Wrap(err, "index: unmap failed")
	}
	if err := idx.file.Close(); err != nil {
		return errors.Wrap(err, "index: close failed")
	}
	return errors.Wrap(os.Remove(idx.path), "index: remove failed")
}
