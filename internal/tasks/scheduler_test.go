package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

const delay = 5 * time.Second

func setupScheduler(t *testing.T) (*Scheduler, *recordingArchiver, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	a := newRecordingArchiver()
	s := NewScheduler(a, delay, clk, discardLogger())
	t.Cleanup(s.Stop)
	return s, a, clk
}

func TestArmFiresAfterDelay(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Arm("t1")
	assert.True(t, s.Pending("t1"))
	assert.Equal(t, 1, s.Live())

	clk.Advance(delay - time.Millisecond)
	assert.Zero(t, a.count("t1"))

	clk.Advance(time.Millisecond)
	assert.Equal(t, 1, a.count("t1"))
	assert.False(t, s.Pending("t1"))
	assert.Zero(t, s.Live())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, a.count("t1"), "a fired timer does not fire again")
}

func TestRearmReplacesTimer(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Arm("t1")
	clk.Advance(3 * time.Second)
	s.Arm("t1")
	assert.Equal(t, 1, s.Live())
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(3 * time.Second)
	assert.Zero(t, a.count("t1"), "the first timer was canceled")

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, a.count("t1"))
}

func TestDisarm(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Arm("t1")
	clk.Advance(2 * time.Second)
	s.Disarm("t1")
	s.Disarm("t1")
	assert.False(t, s.Pending("t1"))

	clk.Advance(time.Minute)
	assert.Zero(t, a.count("t1"))

	s.Disarm("never-armed")
	s.Arm("t2")
	clk.Advance(delay)
	s.Disarm("t2")
	assert.Equal(t, 1, a.count("t2"), "disarm after fire is a no-op")
}

func TestTimersAreIndependentPerID(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Arm("t1")
	clk.Advance(time.Second)
	s.Arm("t2")
	s.Disarm("t1")
	assert.Equal(t, 1, s.Live())

	clk.Advance(delay)
	assert.Zero(t, a.count("t1"))
	assert.Equal(t, 1, a.count("t2"))
}

func TestAtMostOneTimerPerID(t *testing.T) {
	s, _, clk := setupScheduler(t)
	ids := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := ids[(g+i)%len(ids)]
				if i%3 == 2 {
					s.Disarm(id)
				} else {
					s.Arm(id)
				}
				assert.LessOrEqual(t, s.Live(), len(ids))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Live(), len(ids))
	assert.Equal(t, s.Live(), clk.Pending(), "every live timer is the only clock timer for its id")
}

func TestObserveTransitions(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Observe(1, []types.Task{
		{ID: "done", Completed: true},
		{ID: "open"},
		{ID: "gone", Completed: true, IsArchived: true},
	})
	assert.True(t, s.Pending("done"), "first sighting of a completed task arms")
	assert.False(t, s.Pending("open"))
	assert.False(t, s.Pending("gone"), "archived tasks are not armed")

	clk.Advance(2 * time.Second)
	s.Observe(2, []types.Task{{ID: "done", Completed: true, Title: "renamed"}, {ID: "open", Completed: true}})
	assert.True(t, s.Pending("open"), "transition to completed arms")

	clk.Advance(3 * time.Second)
	assert.Equal(t, 1, a.count("done"), "title changes do not re-arm")

	s.Observe(3, []types.Task{{ID: "open", Completed: false}})
	assert.False(t, s.Pending("open"), "transition to not completed disarms")
	clk.Advance(time.Minute)
	assert.Zero(t, a.count("open"))
}

func TestObserveIgnoresSnapshotsOlderThanToggle(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Observe(1, []types.Task{{ID: "t1"}})
	s.Toggled("t1", true, 2)
	s.Toggled("t1", false, 3)

	// A snapshot taken between the two toggles arrives late.
	s.Observe(2, []types.Task{{ID: "t1", Completed: true}})
	assert.False(t, s.Pending("t1"))

	s.Observe(3, []types.Task{{ID: "t1"}})
	clk.Advance(time.Minute)
	assert.Zero(t, a.count("t1"))
}

func TestObserveArchivedDisarms(t *testing.T) {
	s, a, clk := setupScheduler(t)

	s.Toggled("t1", true, 1)
	s.Observe(2, []types.Task{{ID: "t1", Completed: true, IsArchived: true}})
	assert.False(t, s.Pending("t1"), "archived by a peer")

	clk.Advance(delay)
	assert.Zero(t, a.count("t1"))
}

func TestArchiveFailureIsLogged(t *testing.T) {
	s, a, clk := setupScheduler(t)
	a.err = errors.New("replica unavailable")

	s.Arm("t1")
	clk.Advance(delay)
	assert.Equal(t, 1, a.count("t1"))
	assert.Zero(t, s.Live())
}

func TestWait(t *testing.T) {
	s, a, clk := setupScheduler(t)
	require.NoError(t, s.Wait(context.Background()), "nothing pending")

	s.Arm("t1")
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned with a timer pending")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(delay)
	require.NoError(t, <-done)
	assert.Equal(t, 1, a.count("t1"))
}

func TestWaitHonorsContext(t *testing.T) {
	s, _, _ := setupScheduler(t)
	s.Arm("t1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestStopCancelsEverything(t *testing.T) {
	s, a, clk := setupScheduler(t)
	for i := range 3 {
		s.Arm(fmt.Sprintf("t%d", i))
	}

	s.Stop()
	s.Stop()
	assert.Zero(t, s.Live())
	require.NoError(t, s.Wait(context.Background()))

	s.Arm("late")
	assert.False(t, s.Pending("late"))

	clk.Advance(time.Minute)
	for i := range 3 {
		assert.Zero(t, a.count(fmt.Sprintf("t%d", i)))
	}
}
