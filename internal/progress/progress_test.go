package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_percentageRounds(t *testing.T) {
	tr := NewTracker(3, nil)
	tr.Start()

	snap := tr.Update(Delta{Completed: 1})
	assert.Equal(t, 33, snap.Percentage)

	snap = tr.Update(Delta{Completed: 1})
	assert.Equal(t, 67, snap.Percentage)

	snap = tr.Update(Delta{Completed: 1})
	assert.Equal(t, 100, snap.Percentage)
}

func TestTracker_etaNilUntilFirstCompletion(t *testing.T) {
	tr := NewTracker(4, nil)
	tr.Start()

	snap := tr.Update(Delta{Skipped: 1})
	assert.Nil(t, snap.ETA, "skips alone give no throughput signal")

	time.Sleep(2 * time.Millisecond)
	snap = tr.Update(Delta{Completed: 1})
	require.NotNil(t, snap.ETA)
	assert.Greater(t, *snap.ETA, time.Duration(0))
}

func TestTracker_etaShrinksTowardZero(t *testing.T) {
	tr := NewTracker(10, nil)
	tr.Start()

	time.Sleep(2 * time.Millisecond)
	early := tr.Update(Delta{Completed: 2})
	require.NotNil(t, early.ETA)

	late := tr.Update(Delta{Completed: 7})
	require.NotNil(t, late.ETA)
	assert.Less(t, *late.ETA, *early.ETA, "expected the estimate to shrink as work completes")

	done := tr.Update(Delta{Completed: 1})
	assert.Nil(t, done.ETA, "nothing left to estimate once all items are terminal")
	assert.Equal(t, 100, done.Percentage)
}

func TestTracker_onProgressCalledPerUpdate(t *testing.T) {
	var snaps []Snapshot
	tr := NewTracker(2, func(s Snapshot) {
		snaps = append(snaps, s)
	})
	tr.Start()

	tr.Update(Delta{Completed: 1})
	tr.Update(Delta{Failed: 1})
	tr.Complete()

	require.Len(t, snaps, 3)
	assert.Equal(t, 1, snaps[0].Completed)
	assert.True(t, snaps[0].Active)
	assert.Equal(t, 1, snaps[1].Failed)
	assert.Equal(t, 100, snaps[1].Percentage)
	assert.False(t, snaps[2].Active, "Complete must emit an inactive snapshot")
}

func TestTracker_newTotalReplacesTotal(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.Start()

	newTotal := 8
	snap := tr.Update(Delta{Completed: 2, NewTotal: &newTotal})
	assert.Equal(t, 8, snap.Total)
	assert.Equal(t, 25, snap.Percentage)
}

func TestTracker_resetClearsState(t *testing.T) {
	tr := NewTracker(3, nil)
	tr.Start()
	tr.Update(Delta{Completed: 2, Failed: 1})
	tr.Complete()

	tr.Reset(5)
	snap := tr.Snapshot()
	assert.Equal(t, 5, snap.Total)
	assert.Zero(t, snap.Completed)
	assert.Zero(t, snap.Failed)
	assert.Zero(t, snap.Skipped)
	assert.Zero(t, snap.Percentage)
	assert.Zero(t, snap.Elapsed)
	assert.False(t, snap.Active)

	tr.Start()
	for i := 0; i < 3; i++ {
		tr.Update(Delta{Completed: 1})
	}
	assert.Equal(t, 60, tr.Snapshot().Percentage)

	snap = tr.Update(Delta{Completed: 1})
	assert.Equal(t, 80, snap.Percentage)
}

func TestTracker_zeroTotal(t *testing.T) {
	tr := NewTracker(0, nil)
	tr.Start()

	snap := tr.Update(Delta{Completed: 1})
	assert.Zero(t, snap.Percentage, "zero total must not divide")
	assert.Nil(t, snap.ETA)
}
