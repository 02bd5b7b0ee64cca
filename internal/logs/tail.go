package logs

import (
	"sync"

	"github.com/repobox/control-plane/internal/models"
)

// DefaultMaxLines is the default retention cap per case.
const DefaultMaxLines = 5000

// Tail maintains a bounded, append-ordered collection of log records for
// one case. When the cap is exceeded the oldest records are dropped;
// dropping never reorders the remaining records.
type Tail struct {
	mu       sync.RWMutex
	records  []*models.LogRecord
	maxLines int
}

// NewTail creates a tail with the given retention cap.
func NewTail(maxLines int) *Tail {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Tail{
		records:  make([]*models.LogRecord, 0, maxLines),
		maxLines: maxLines,
	}
}

// Add appends a record, evicting the oldest records when at capacity.
func (t *Tail) Add(rec *models.LogRecord) {
	if rec == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) >= t.maxLines {
		// Drop the oldest 10% in one slice op to avoid per-append shifts.
		drop := t.maxLines / 10
		if drop < 1 {
			drop = 1
		}
		t.records = t.records[drop:]
	}
	t.records = append(t.records, rec)
}

// All returns the retained records in append order.
func (t *Tail) All() []*models.LogRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.LogRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Last returns up to n of the most recent records in append order.
func (t *Tail) Last(n int) []*models.LogRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.records) {
		n = len(t.records)
	}
	out := make([]*models.LogRecord, n)
	copy(out, t.records[len(t.records)-n:])
	return out
}

// Len returns the number of retained records.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
