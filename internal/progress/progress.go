package progress

import (
	"math"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of a tracked job.
type Snapshot struct {
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	// Percentage of items in a terminal state, rounded.
	Percentage int `json:"percentage"`
	// ETA is nil until at least one item has completed.
	ETA     *time.Duration `json:"eta,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
	Active  bool           `json:"active"`
}

// Delta describes one progress update. NewTotal, when non-nil, replaces the
// total (used when the true item count is only known after expansion).
type Delta struct {
	Completed int
	Failed    int
	Skipped   int
	NewTotal  *int
}

// Tracker accumulates monotonic completed/failed/skipped counters over one
// job run and reports derived percentage and ETA through OnProgress.
// It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	total      int
	completed  int
	failed     int
	skipped    int
	startTime  time.Time
	active     bool
	onProgress func(Snapshot)
}

func NewTracker(total int, onProgress func(Snapshot)) *Tracker {
	return &Tracker{total: total, onProgress: onProgress}
}

func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = time.Now()
	t.active = true
}

// Update applies d and synchronously invokes OnProgress with the recomputed
// snapshot.
func (t *Tracker) Update(d Delta) Snapshot {
	t.mu.Lock()
	t.completed += d.Completed
	t.failed += d.Failed
	t.skipped += d.Skipped
	if d.NewTotal != nil {
		t.total = *d.NewTotal
	}
	snap := t.snapshotLocked()
	cb := t.onProgress
	t.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	return snap
}

// Complete marks the run inactive and emits one final snapshot.
func (t *Tracker) Complete() Snapshot {
	t.mu.Lock()
	t.active = false
	snap := t.snapshotLocked()
	cb := t.onProgress
	t.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	return snap
}

// Reset zeroes all counters and timestamps so the tracker can be reused for
// a subsequent job.
func (t *Tracker) Reset(newTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = newTotal
	t.completed = 0
	t.failed = 0
	t.skipped = 0
	t.startTime = time.Time{}
	t.active = false
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		Total:     t.total,
		Completed: t.completed,
		Failed:    t.failed,
		Skipped:   t.skipped,
		Active:    t.active,
	}

	done := t.completed + t.failed + t.skipped
	if t.total > 0 {
		snap.Percentage = int(math.Round(100 * float64(done) / float64(t.total)))
	}
	if !t.startTime.IsZero() {
		snap.Elapsed = time.Since(t.startTime)
	}
	if t.completed > 0 && t.total > done {
		eta := time.Duration(float64(t.total-done) * float64(snap.Elapsed) / float64(t.completed))
		snap.ETA = &eta
	}
	return snap
}
