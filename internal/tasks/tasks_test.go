package tasks

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/internal/sqlite"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticReplicas always yields the same store.
type staticReplicas struct{ store types.Store }

func (r staticReplicas) Active() (types.Store, error) { return r.store, nil }

// noReplica is a handle that was never initialized.
type noReplica struct{}

func (noReplica) Active() (types.Store, error) { return nil, types.ErrNotInitialized }

// setupStore attaches a SQLite replica on the fake clock.
func setupStore(t *testing.T, clk clock.Clock) *sqlite.Backend {
	t.Helper()
	b := sqlite.NewBackend(sqlite.WithLogger(discardLogger()), sqlite.WithClock(clk))
	require.NoError(t, b.Attach(types.DefaultConfig(t.TempDir())))
	t.Cleanup(func() { b.Detach() })
	return b
}

// setupList returns a List over a fresh replica with an open default view.
func setupList(t *testing.T) (*List, *View, *sqlite.Backend, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	store := setupStore(t, clk)
	l := NewList(staticReplicas{store},
		WithLogger(discardLogger()),
		WithClock(clk),
		WithArchiveDelay(5*time.Second),
	)
	v, err := l.Open(context.Background(), ActiveFilter())
	require.NoError(t, err)
	t.Cleanup(func() {
		v.Close()
		l.Close()
	})
	return l, v, store, clk
}

// eventually waits for cond on the view's current snapshot.
func eventually(t *testing.T, v *View, cond func(*Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(v.Current()) }, 2*time.Second, 5*time.Millisecond, msg)
}

func fetchTask(t *testing.T, b *sqlite.Backend, id string) (types.Task, bool) {
	t.Helper()
	docs, err := b.Fetch(context.Background(), types.Query{Collection: types.CollectionTasks})
	require.NoError(t, err)
	for _, d := range docs {
		if d.ID == id {
			return types.TaskFromDocument(d), true
		}
	}
	return types.Task{}, false
}

// recordingArchiver counts Archive calls per id.
type recordingArchiver struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newRecordingArchiver() *recordingArchiver {
	return &recordingArchiver{calls: make(map[string]int)}
}

func (a *recordingArchiver) Archive(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[id]++
	return a.err
}

func (a *recordingArchiver) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}
