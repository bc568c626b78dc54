// Package sqlite implements the replicated document store on SQLite. Every
// local write is recorded as a stamped change; changes from peers merge in
// field by field with last-writer-wins on (stamp, site). Observers receive a
// fresh snapshot of their query after every commit.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// DatabaseFile is the replica database name inside DataDir.
const DatabaseFile = "replica.db"

// ErrAlreadyAttached is returned by Attach on an attached backend.
var ErrAlreadyAttached = errors.New("backend is already attached")

// Syncer exchanges changes with peers on behalf of a Backend.
type Syncer interface {
	Start() error
	Stop() error
	Running() bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithClock sets the clock used for change stamps.
func WithClock(clk clock.Clock) Option {
	return func(b *Backend) { b.clock = clk }
}

// Backend implements types.Store on a single SQLite connection.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
	site     string
	lastHLC  int64
	clock    clock.Clock
	logger   *slog.Logger

	syncer  Syncer
	syncing bool

	// version counts published commits; snapshots carry it as Seq.
	version uint64

	// Observer registry. Lock order: mu before obsMu.
	obsMu     sync.Mutex
	observers map[uint64]*stream
	nextObs   uint64
	interests map[string]int
}

var _ types.Store = (*Backend)(nil)

// NewBackend creates a detached backend. Call Attach to open the replica.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		clock:     clock.Real(),
		logger:    slog.Default(),
		observers: make(map[uint64]*stream),
		interests: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach opens (or creates) the replica database in config.DataDir and loads
// the site identity. Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, DatabaseFile))
	if err != nil {
		return err
	}
	// One connection serializes every statement; SQLite allows a single
	// writer anyway and this avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaDDL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	site, err := loadSiteID(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("loading site id: %w", err)
	}
	last, err := loadLastStamp(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("loading last stamp: %w", err)
	}

	b.db = db
	b.lastHLC = last
	b.config = config
	b.site = site
	b.attached = true
	b.logger.Debug("replica attached", "data_dir", dataDir, "site", site)
	return nil
}

// loadSiteID returns the persisted site identity, creating one on first use.
func loadSiteID(db *sql.DB) (string, error) {
	var site string
	err := db.QueryRow("SELECT value FROM meta WHERE key = ?", metaSiteID).Scan(&site)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	site = types.NewID()
	if _, err := db.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", metaSiteID, site); err != nil {
		return "", err
	}
	return site, nil
}

// loadLastStamp returns the highest stamp stored in the replica, so stamps
// issued after a reopen order after every write this replica has seen.
func loadLastStamp(db *sql.DB) (int64, error) {
	var last int64
	err := db.QueryRow(`SELECT MAX(
    (SELECT COALESCE(MAX(stamp), 0) FROM changes),
    (SELECT COALESCE(MAX(stamp), 0) FROM doc_fields))`).Scan(&last)
	return last, err
}

// Detach stops sync, cancels every stream, and closes the database.
// Idempotent.
func (b *Backend) Detach() error {
	// The syncer's goroutines call back into the backend, so it is stopped
	// before b.mu is taken for teardown.
	if err := b.StopSync(); err != nil {
		b.logger.Warn("stopping sync on detach", "error", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	b.obsMu.Lock()
	for id, s := range b.observers {
		delete(b.observers, id)
		s.closeLocked()
	}
	b.interests = make(map[string]int)
	b.obsMu.Unlock()

	b.attached = false
	b.syncing = false
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		if err != nil {
			return err
		}
	}
	return nil
}

// Close implements types.Store.
func (b *Backend) Close() error {
	return b.Detach()
}

// SiteID returns this replica's identity. Empty while detached.
func (b *Backend) SiteID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.site
}

// SetSyncer installs the peer exchange driven by StartSync and StopSync.
func (b *Backend) SetSyncer(s Syncer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncer = s
}

// StartSync starts peer exchange. Without a Syncer the replica is local-only
// and StartSync only records that sync was requested.
func (b *Backend) StartSync() error {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return types.ErrStoreClosed
	}
	syncer := b.syncer
	b.mu.Unlock()

	if syncer != nil && !syncer.Running() {
		if err := syncer.Start(); err != nil {
			return fmt.Errorf("starting sync: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncing = b.attached
	return nil
}

// StopSync stops peer exchange. Idempotent.
func (b *Backend) StopSync() error {
	b.mu.Lock()
	syncer := b.syncer
	wasSyncing := b.syncing
	b.syncing = false
	b.mu.Unlock()

	if !wasSyncing || syncer == nil {
		return nil
	}
	return syncer.Stop()
}

// SyncActive reports whether sync was started and, when a Syncer is
// installed, whether it is still running.
func (b *Backend) SyncActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached || !b.syncing {
		return false
	}
	if b.syncer != nil {
		return b.syncer.Running()
	}
	return true
}

// nextStampLocked returns a hybrid logical timestamp: wall-clock nanoseconds,
// bumped past every stamp this replica has issued or seen. The caller must
// hold b.mu for writing.
func (b *Backend) nextStampLocked() int64 {
	now := b.clock.Now().UnixNano()
	if now <= b.lastHLC {
		now = b.lastHLC + 1
	}
	b.lastHLC = now
	return now
}

// observeStampLocked advances the hybrid clock past a stamp seen from a peer.
func (b *Backend) observeStampLocked(stamp int64) {
	if stamp > b.lastHLC {
		b.lastHLC = stamp
	}
}
