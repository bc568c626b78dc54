package mesh

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/checklist/internal/sqlite"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

var testSettings = Settings{
	PingInterval:   50 * time.Millisecond,
	ReadTimeout:    2 * time.Second,
	WriteTimeout:   time.Second,
	ReconnectDelay: 20 * time.Millisecond,
	BatchLimit:     2,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type peerOpts struct {
	listen bool
	peers  []string
	token  string
}

// startPeer attaches a replica with a mesh node, subscribes it to tasks, and
// starts sync. Everything is torn down when the test ends.
func startPeer(t *testing.T, opts peerOpts) (*sqlite.Backend, *Node) {
	t.Helper()

	cfg := types.DefaultConfig(t.TempDir())
	cfg.AppID = "test-app"
	cfg.Token = opts.token
	cfg.Sync = types.SyncConfig{
		Peers:    opts.peers,
		Interval: 10 * time.Millisecond,
		Compress: true,
	}
	if opts.listen {
		cfg.Sync.Listen = "127.0.0.1:0"
	}

	b := sqlite.NewBackend(sqlite.WithLogger(discardLogger()))
	require.NoError(t, b.Attach(cfg))
	t.Cleanup(func() { b.Detach() })

	n := NewNode(b, cfg, WithLogger(discardLogger()), WithSettings(testSettings))
	b.SetSyncer(n)

	_, err := b.Subscribe(types.Query{Collection: types.CollectionTasks})
	require.NoError(t, err)
	require.NoError(t, b.StartSync())
	return b, n
}

func syncURL(n *Node) string {
	return "ws://" + n.Addr() + SyncPath
}

func putTask(t *testing.T, b *sqlite.Backend, task types.Task) {
	t.Helper()
	_, err := b.Execute(context.Background(), types.Intent{
		Kind:       types.IntentUpsert,
		Collection: types.CollectionTasks,
		DocID:      task.ID,
		Fields:     task.Fields(),
	})
	require.NoError(t, err)
}

func setField(t *testing.T, b *sqlite.Backend, id, field string, value any) {
	t.Helper()
	_, err := b.Execute(context.Background(), types.Intent{
		Kind:       types.IntentUpdate,
		Collection: types.CollectionTasks,
		DocID:      id,
		Fields:     map[string]any{field: value},
	})
	require.NoError(t, err)
}

func tasksOf(b *sqlite.Backend) map[string]types.Task {
	docs, err := b.Fetch(context.Background(), types.Query{Collection: types.CollectionTasks})
	if err != nil {
		return nil
	}
	out := make(map[string]types.Task, len(docs))
	for _, d := range docs {
		out[d.ID] = types.TaskFromDocument(d)
	}
	return out
}

func TestPeersConverge(t *testing.T) {
	a, nodeA := startPeer(t, peerOpts{listen: true, token: "secret"})
	require.NotEmpty(t, nodeA.Addr())
	b, _ := startPeer(t, peerOpts{peers: []string{syncURL(nodeA)}, token: "secret"})

	putTask(t, a, types.Task{ID: "t1", Title: "Buy milk"})
	putTask(t, a, types.Task{ID: "t2", Title: "Walk dog"})
	putTask(t, a, types.Task{ID: "t3", Title: "Water plants"})
	putTask(t, b, types.Task{ID: "t4", Title: "From b"})

	require.Eventually(t, func() bool {
		return len(tasksOf(a)) == 4 && len(tasksOf(b)) == 4
	}, 5*time.Second, 20*time.Millisecond)

	// Concurrent edits to different fields of one task both survive.
	setField(t, a, "t1", types.FieldCompleted, true)
	setField(t, b, "t1", types.FieldTitle, "Buy oat milk")

	want := types.Task{ID: "t1", Title: "Buy oat milk", Completed: true}
	assert.Eventually(t, func() bool {
		return tasksOf(a)["t1"] == want && tasksOf(b)["t1"] == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestChangesRelayThroughIntermediatePeer(t *testing.T) {
	a, nodeA := startPeer(t, peerOpts{listen: true})
	_, nodeB := startPeer(t, peerOpts{listen: true, peers: []string{syncURL(nodeA)}})
	c, _ := startPeer(t, peerOpts{peers: []string{syncURL(nodeB)}})

	putTask(t, c, types.Task{ID: "from-c", Title: "relayed"})

	assert.Eventually(t, func() bool {
		_, ok := tasksOf(a)["from-c"]
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPeerWithWrongTokenIsRejected(t *testing.T) {
	a, nodeA := startPeer(t, peerOpts{listen: true, token: "secret"})
	b, _ := startPeer(t, peerOpts{peers: []string{syncURL(nodeA)}, token: "wrong"})

	putTask(t, a, types.Task{ID: "t1", Title: "private"})
	putTask(t, b, types.Task{ID: "t2", Title: "intruder"})

	assert.Never(t, func() bool {
		return len(tasksOf(a)) > 1 || len(tasksOf(b)) > 1
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestHandleSyncRequiresToken(t *testing.T) {
	cfg := types.DefaultConfig(t.TempDir())
	cfg.Token = "secret"
	n := NewNode(nil, cfg, WithLogger(discardLogger()))

	rec := httptest.NewRecorder()
	n.handleSync(rec, httptest.NewRequest(http.MethodGet, SyncPath, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNodeLifecycle(t *testing.T) {
	b, n := startPeer(t, peerOpts{listen: true})
	assert.True(t, n.Running())
	assert.True(t, b.SyncActive())

	require.NoError(t, n.Start(), "start while running is a no-op")

	require.NoError(t, b.StopSync())
	assert.False(t, n.Running())
	assert.False(t, b.SyncActive())
	assert.Empty(t, n.Addr())
	require.NoError(t, n.Stop(), "stop is idempotent")

	require.NoError(t, b.StartSync())
	assert.True(t, n.Running())
	assert.NotEmpty(t, n.Addr())
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	_, first := startPeer(t, peerOpts{listen: true})

	cfg := types.DefaultConfig(t.TempDir())
	cfg.Sync.Listen = first.Addr()
	n := NewNode(nil, cfg, WithLogger(discardLogger()))
	assert.Error(t, n.Start())
	assert.False(t, n.Running())
}
