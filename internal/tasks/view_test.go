package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

func insert(t *testing.T, g *Gateway, id, title string) {
	t.Helper()
	_, err := g.Insert(context.Background(), types.Task{ID: id, Title: title})
	require.NoError(t, err)
}

func receive(t *testing.T, ch <-chan *Snapshot) *Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
		return nil
	}
}

func ids(s *Snapshot) []string {
	var out []string
	for _, task := range s.Tasks() {
		out = append(out, task.ID)
	}
	return out
}

func TestOpenViewStartsFromCurrentSet(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	g := NewGateway(staticReplicas{store}, discardLogger())
	insert(t, g, "t1", "one")
	insert(t, g, "t2", "two")
	require.NoError(t, g.Archive(context.Background(), "t2"))

	v, err := OpenView(context.Background(), store, ActiveFilter(), discardLogger())
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, []string{"t1"}, ids(v.Current()))

	all, err := OpenView(context.Background(), store, nil, discardLogger())
	require.NoError(t, err)
	defer all.Close()
	assert.Equal(t, []string{"t1", "t2"}, ids(all.Current()))
}

func TestViewKeepsInsertionOrder(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	g := NewGateway(staticReplicas{store}, discardLogger())
	v, err := OpenView(context.Background(), store, ActiveFilter(), discardLogger())
	require.NoError(t, err)
	defer v.Close()

	insert(t, g, "zeta", "z")
	insert(t, g, "alpha", "a")
	insert(t, g, "mid", "m")
	insert(t, g, "zeta", "z again")

	eventually(t, v, func(s *Snapshot) bool { return s.Len() == 3 }, "three tasks")
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids(v.Current()))

	entries := v.Current().Entries()
	assert.Less(t, entries[0].Ref, entries[1].Ref)
	assert.Less(t, entries[1].Ref, entries[2].Ref)
}

func TestWatchYieldsCurrentThenUpdates(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	g := NewGateway(staticReplicas{store}, discardLogger())
	v, err := OpenView(context.Background(), store, ActiveFilter(), discardLogger())
	require.NoError(t, err)
	defer v.Close()

	ch := v.Watch(context.Background())
	assert.Zero(t, receive(t, ch).Len())

	insert(t, g, "t1", "one")
	snap := receive(t, ch)
	for snap.Len() == 0 {
		snap = receive(t, ch)
	}
	assert.Equal(t, []string{"t1"}, ids(snap))
}

func TestWatchIsLatestWins(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	g := NewGateway(staticReplicas{store}, discardLogger())
	v, err := OpenView(context.Background(), store, nil, discardLogger())
	require.NoError(t, err)
	defer v.Close()

	ch := v.Watch(context.Background())
	for _, id := range []string{"a", "b", "c", "d"} {
		insert(t, g, id, id)
	}
	eventually(t, v, func(s *Snapshot) bool { return s.Len() == 4 }, "all inserted")

	var last *Snapshot
	for last == nil || last.Len() < 4 {
		next := receive(t, ch)
		if last != nil {
			assert.GreaterOrEqual(t, next.Seq(), last.Seq(), "never older after newer")
		}
		last = next
	}
	select {
	case <-ch:
		t.Fatal("stale snapshots must not queue up")
	default:
	}
}

func TestWatchClosesWithContext(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	v, err := OpenView(context.Background(), store, nil, discardLogger())
	require.NoError(t, err)
	defer v.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := v.Watch(ctx)
	receive(t, ch)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestViewClose(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	g := NewGateway(staticReplicas{store}, discardLogger())
	v, err := OpenView(context.Background(), store, nil, discardLogger())
	require.NoError(t, err)
	other, err := OpenView(context.Background(), store, nil, discardLogger())
	require.NoError(t, err)
	defer other.Close()

	ch := v.Watch(context.Background())
	v.Close()
	v.Close()

	for range ch {
	}
	_, ok := <-v.Watch(context.Background())
	assert.False(t, ok, "watching a closed view yields a closed channel")

	insert(t, g, "t1", "after close")
	eventually(t, other, func(s *Snapshot) bool { return s.Len() == 1 }, "other views keep updating")
}

func TestViewEndsWhenStoreCloses(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	v, err := OpenView(context.Background(), store, nil, discardLogger())
	require.NoError(t, err)

	require.NoError(t, store.Close())
	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("view did not end")
	}
	v.Close()
}

func TestOpenViewOnClosedStore(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	require.NoError(t, store.Close())

	_, err := OpenView(context.Background(), store, nil, discardLogger())
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}

func TestSnapshotAccessorsReturnCopies(t *testing.T) {
	snap := newSnapshot(types.Snapshot{
		Seq: 7,
		Documents: []types.Document{
			{ID: "t1", Ref: 1, Fields: map[string]any{types.FieldTitle: "one"}},
			{ID: "t2", Ref: 2, Fields: map[string]any{types.FieldTitle: "two", types.FieldCompleted: true}},
		},
	})
	assert.Equal(t, uint64(7), snap.Seq())

	tasks := snap.Tasks()
	tasks[0].Title = "mutated"
	entries := snap.Entries()
	entries[1].Task.Completed = false

	got, ok := snap.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "one", got.Title)
	got, _ = snap.Get("t2")
	assert.True(t, got.Completed)

	_, ok = snap.Get("missing")
	assert.False(t, ok)
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	sub, err := Subscribe(context.Background(), store, types.CollectionTasks, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{types.CollectionTasks}, store.Interests())

	sub.Cancel()
	sub.Cancel()
	assert.Empty(t, store.Interests())
	for range sub.Snapshots() {
	}

	require.NoError(t, store.Close())
	sub.Cancel()
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	store := setupStore(t, clock.Fake(epoch))
	a, err := Subscribe(context.Background(), store, types.CollectionTasks, ActiveFilter())
	require.NoError(t, err)
	b, err := Subscribe(context.Background(), store, types.CollectionTasks, nil)
	require.NoError(t, err)
	defer b.Cancel()

	a.Cancel()
	assert.Equal(t, []string{types.CollectionTasks}, store.Interests())

	<-b.Snapshots()
	g := NewGateway(staticReplicas{store}, discardLogger())
	insert(t, g, "t1", "still flowing")
	snap := <-b.Snapshots()
	assert.Len(t, snap.Documents, 1)
}
