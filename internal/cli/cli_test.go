package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/checklist/internal/paths"
	"github.com/mesh-intelligence/checklist/internal/sqlite"
	"github.com/mesh-intelligence/checklist/pkg/checklist"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// environment variables the CLI reads; cleared so the host cannot leak in.
var cliEnvVars = []string{
	"CHECKLIST_CONFIG_DIR",
	"CHECKLIST_DATA_DIR",
	"CHECKLIST_BACKEND",
	"CHECKLIST_APP_ID",
	"CHECKLIST_TOKEN",
	"CHECKLIST_LOG_LEVEL",
	"CHECKLIST_ARCHIVE_DELAY",
	"CHECKLIST_SYNC_LISTEN",
	"CHECKLIST_SYNC_PEERS",
	"CHECKLIST_SYNC_INTERVAL",
	"CHECKLIST_SYNC_COMPRESS",
	"DITTO_APP_ID",
	"DITTO_PLAYGROUND_TOKEN",
}

type testEnv struct {
	t         *testing.T
	ConfigDir string
	DataDir   string
}

type cliResult struct {
	Stdout string
	Stderr string
	Code   int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range cliEnvVars {
		t.Setenv(k, "")
	}
	root := t.TempDir()
	return &testEnv{
		t:         t,
		ConfigDir: filepath.Join(root, "config"),
		DataDir:   filepath.Join(root, "data"),
	}
}

func (e *testEnv) runContext(ctx context.Context, args ...string) cliResult {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config-dir", e.ConfigDir, "--data-dir", e.DataDir}, args...)
	code := run(ctx, full, &stdout, &stderr)
	return cliResult{Stdout: stdout.String(), Stderr: stderr.String(), Code: code}
}

func (e *testEnv) Run(args ...string) cliResult {
	e.t.Helper()
	return e.runContext(context.Background(), args...)
}

func (e *testEnv) MustRun(args ...string) cliResult {
	e.t.Helper()
	res := e.Run(args...)
	require.Equal(e.t, exitSuccess, res.Code, "checklist %v failed: %s", args, res.Stderr)
	return res
}

func (e *testEnv) listJSON(args ...string) []types.Task {
	e.t.Helper()
	res := e.MustRun(append([]string{"list", "--json"}, args...)...)
	var list []types.Task
	require.NoError(e.t, json.Unmarshal([]byte(res.Stdout), &list))
	return list
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	res := env.MustRun("version")
	assert.Equal(t, "checklist "+checklist.Version+"\n", res.Stdout)
}

func TestInitWritesDefaultConfig(t *testing.T) {
	env := newTestEnv(t)

	res := env.MustRun("init")
	assert.Contains(t, res.Stdout, "initialized")

	data, err := os.ReadFile(paths.ConfigFile(env.ConfigDir))
	require.NoError(t, err)
	var cfg configFile
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, types.BackendSQLite, cfg.Backend)
	assert.Equal(t, env.DataDir, cfg.DataDir)
	assert.Equal(t, "5s", cfg.ArchiveDelay)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Sync.Compress)
	assert.NotContains(t, string(data), "token")

	_, err = os.Stat(filepath.Join(env.DataDir, sqlite.DatabaseFile))
	assert.NoError(t, err)
}

func TestInitKeepsExistingConfig(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.ConfigDir, 0o755))
	custom := []byte("backend: sqlite\narchive_delay: 2s\n")
	require.NoError(t, os.WriteFile(paths.ConfigFile(env.ConfigDir), custom, 0o644))

	env.MustRun("init")

	data, err := os.ReadFile(paths.ConfigFile(env.ConfigDir))
	require.NoError(t, err)
	assert.Equal(t, custom, data)
}

func TestAddAndList(t *testing.T) {
	env := newTestEnv(t)

	res := env.MustRun("add", "buy", "oat", "milk")
	id := strings.TrimSpace(res.Stdout)
	require.NotEmpty(t, id)

	list := env.listJSON()
	require.Len(t, list, 1)
	assert.Equal(t, types.Task{ID: id, Title: "buy oat milk"}, list[0])

	res = env.MustRun("list")
	assert.Contains(t, res.Stdout, "TITLE")
	assert.Contains(t, res.Stdout, id)
	assert.Contains(t, res.Stdout, "buy oat milk")
	assert.NotContains(t, res.Stdout, "ARCHIVED")
}

func TestAddJSON(t *testing.T) {
	env := newTestEnv(t)

	res := env.MustRun("add", "--json", "walk dog")
	var task types.Task
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "walk dog", task.Title)
	assert.False(t, task.Completed)
}

func TestListEmptyJSON(t *testing.T) {
	env := newTestEnv(t)
	res := env.MustRun("list", "--json")
	assert.Equal(t, "[]\n", res.Stdout)
}

func TestListKeepsInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"one", "two", "three"} {
		env.MustRun("add", title)
	}

	list := env.listJSON()
	require.Len(t, list, 3)
	assert.Equal(t, "one", list[0].Title)
	assert.Equal(t, "two", list[1].Title)
	assert.Equal(t, "three", list[2].Title)
}

func TestToggleArchivesAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("CHECKLIST_ARCHIVE_DELAY", "10ms")

	id := strings.TrimSpace(env.MustRun("add", "buy milk").Stdout)
	keep := strings.TrimSpace(env.MustRun("add", "walk dog").Stdout)

	res := env.MustRun("toggle", id)
	assert.Equal(t, "archived "+id+"\n", res.Stdout)

	active := env.listJSON()
	require.Len(t, active, 1)
	assert.Equal(t, keep, active[0].ID)

	all := env.listJSON("--all")
	require.Len(t, all, 2)
	assert.Equal(t, types.Task{ID: id, Title: "buy milk", Completed: true, IsArchived: true}, all[0])
}

func TestToggleNoWaitLeavesTaskVisible(t *testing.T) {
	env := newTestEnv(t)
	id := strings.TrimSpace(env.MustRun("add", "buy milk").Stdout)

	res := env.MustRun("toggle", "--no-wait", id)
	assert.Equal(t, "completed "+id+"\n", res.Stdout)

	list := env.listJSON()
	require.Len(t, list, 1)
	assert.True(t, list[0].Completed)
	assert.False(t, list[0].IsArchived)
}

func TestToggleUndo(t *testing.T) {
	env := newTestEnv(t)
	id := strings.TrimSpace(env.MustRun("add", "buy milk").Stdout)
	env.MustRun("toggle", "--no-wait", id)

	res := env.MustRun("toggle", "--undo", "--json", id)
	var task types.Task
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &task))
	assert.Equal(t, types.Task{ID: id, Title: "buy milk"}, task)
}

func TestToggleUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	res := env.Run("toggle", "no-such-task")
	assert.Equal(t, exitUserError, res.Code)
	assert.Contains(t, res.Stderr, "not found")
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("CHECKLIST_ARCHIVE_DELAY", "10ms")
	env.MustRun("add", "buy milk")
	done := strings.TrimSpace(env.MustRun("add", "walk dog").Stdout)
	env.MustRun("toggle", done)

	file := filepath.Join(t.TempDir(), "tasks.jsonl")
	res := env.MustRun("export", file)
	assert.Equal(t, "exported 2 task(s)\n", res.Stdout)

	other := newTestEnv(t)
	res = other.MustRun("import", "--json", file)
	assert.JSONEq(t, `{"imported": 2}`, res.Stdout)

	assert.Equal(t, env.listJSON("--all"), other.listJSON("--all"))
	require.Len(t, other.listJSON(), 1)
}

func TestImportMissingFile(t *testing.T) {
	env := newTestEnv(t)
	res := env.Run("import", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Equal(t, exitUserError, res.Code)
}

func TestWatchPrintsUntilCanceled(t *testing.T) {
	env := newTestEnv(t)
	env.MustRun("add", "buy milk")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := env.runContext(ctx, "watch")
	require.Equal(t, exitSuccess, res.Code, res.Stderr)
	assert.Contains(t, res.Stdout, "-- 1 task(s)")
	assert.Contains(t, res.Stdout, "buy milk")
}

func TestWatchArchivesLeftoverCompletedTasks(t *testing.T) {
	env := newTestEnv(t)
	id := strings.TrimSpace(env.MustRun("add", "buy milk").Stdout)
	env.MustRun("toggle", "--no-wait", id)

	t.Setenv("CHECKLIST_ARCHIVE_DELAY", "10ms")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res := env.runContext(ctx, "watch")
	require.Equal(t, exitSuccess, res.Code, res.Stderr)
	assert.Contains(t, res.Stdout, "-- 0 task(s)")

	assert.Empty(t, env.listJSON())
}

func TestCommandErrorsExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown command", []string{"frobnicate"}, exitUserError},
		{"unknown flag", []string{"list", "--bogus"}, exitUserError},
		{"missing argument", []string{"toggle"}, exitUserError},
		{"bad log level", []string{"--log-level", "loud", "list"}, exitUserError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			res := env.Run(tt.args...)
			assert.Equal(t, tt.code, res.Code)
			assert.Contains(t, res.Stderr, "Error:")
		})
	}
}

func TestInvalidConfigIsUserError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.ConfigDir, 0o755))
	require.NoError(t, os.WriteFile(paths.ConfigFile(env.ConfigDir), []byte("archive_delay: -1s\n"), 0o644))

	res := env.Run("list")
	assert.Equal(t, exitUserError, res.Code)
	assert.Contains(t, res.Stderr, "archive delay")
}
