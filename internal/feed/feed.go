// Package feed holds the local, bounded list of captured calls that an
// observer renders, and the in-process notification used to fill it.
package feed

import (
	"sync"

	"github.com/ParleSec/reqwatch/pkg/models"
)

// DefaultMaxLogs bounds a Feed created with a non-positive limit
const DefaultMaxLogs = 100

// Feed is an append-only list of captured calls in arrival order. Once the
// limit is reached the oldest entries are evicted first.
type Feed struct {
	mu    sync.RWMutex
	calls []models.CapturedCall
	limit int
}

// New creates a feed retaining at most limit calls
func New(limit int) *Feed {
	if limit <= 0 {
		limit = DefaultMaxLogs
	}
	return &Feed{
		calls: make([]models.CapturedCall, 0, limit),
		limit: limit,
	}
}

// OnEvent appends call, evicting the oldest entries over the limit
func (f *Feed) OnEvent(call models.CapturedCall) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
	if over := len(f.calls) - f.limit; over > 0 {
		// Shift in place so the backing array does not grow without bound
		n := copy(f.calls, f.calls[over:])
		clear(f.calls[n:])
		f.calls = f.calls[:n]
	}
}

// ClearAll drops every retained call
func (f *Feed) ClearAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.calls)
	f.calls = f.calls[:0]
}

// Snapshot returns a copy of the retained calls, oldest first
func (f *Feed) Snapshot() []models.CapturedCall {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.CapturedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Len returns the number of retained calls
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.calls)
}

// Limit returns the retention bound
func (f *Feed) Limit() int {
	return f.limit
}
