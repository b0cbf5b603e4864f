package commitlog

// CleanupPolicy selects what happens to old segments as the log grows.
type CleanupPolicy string

const (
	// DeleteCleanupPolicy drops whole segments from the front of the log
	// once the log exceeds its byte budget.
	DeleteCleanupPolicy CleanupPolicy = "delete"
)

// cleaner prunes the closed segments of a log. The active segment is never
// touched.
type cleaner interface {
	clean(segments []*segment) ([]*segment, error)
}

// deleteCleaner keeps the newest segments whose combined size fits in
// maxLogBytes. A budget of zero or below keeps everything.
type deleteCleaner struct {
	maxLogBytes int64
}

func (c deleteCleaner) clean(segments []*segment) ([]*segment, error) {
	if c.maxLogBytes <= 0 || len(segments) <= 1 {
		return segments, nil
	}
	var total int64
	for _, s := range segments {
		total += s.position
	}
	keep := segments
	for len(keep) > 1 && total > c.maxLogBytes {
		total -= keep[0].position
		if err := keep[0].Delete(); err != nil {
			return keep, err
		}
		keep = keep[1:]
	}
	return keep, nil
}
