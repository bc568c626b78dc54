// Package replica owns the lifecycle of the local replicated store: opening
// it, keeping sync running, and tearing it down. A Handle is constructed
// explicitly and passed to the components that need the store.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Opener opens a store for a configuration. The store is returned with
// sync stopped; the Handle starts it.
type Opener interface {
	Open(ctx context.Context, config types.Config) (types.Store, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, config types.Config) (types.Store, error)

func (f OpenerFunc) Open(ctx context.Context, config types.Config) (types.Store, error) {
	return f(ctx, config)
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) { h.logger = logger }
}

// WithOpener replaces the default SQLite opener.
func WithOpener(o Opener) Option {
	return func(h *Handle) { h.opener = o }
}

// Handle holds at most one active store.
type Handle struct {
	mu     sync.Mutex
	config types.Config
	opener Opener
	logger *slog.Logger
	store  types.Store
}

// NewHandle returns an uninitialized handle for config.
func NewHandle(config types.Config, opts ...Option) *Handle {
	h := &Handle{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.opener == nil {
		h.opener = SQLite{Logger: h.logger}
	}
	return h
}

// Config returns the configuration the handle opens stores with.
func (h *Handle) Config() types.Config {
	return h.config
}

// Initialize opens the store and starts sync. On an initialized handle it
// only checks that sync is still running and restarts it if not; when the
// restart fails the store is closed and opened again. Concurrent calls are
// serialized, so at most one store is ever open.
func (h *Handle) Initialize(ctx context.Context) (types.Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h.store != nil {
		if h.store.SyncActive() {
			return h.store, nil
		}
		err := h.store.StartSync()
		if err == nil {
			h.logger.Info("sync restarted")
			return h.store, nil
		}
		h.logger.Warn("restarting sync failed, reopening replica", "error", err)
		if err := h.store.Close(); err != nil {
			h.logger.Warn("closing replica", "error", err)
		}
		h.store = nil
	}

	store, err := h.opener.Open(ctx, h.config)
	if err != nil {
		return nil, fmt.Errorf("opening replica: %w", err)
	}
	if err := store.StartSync(); err != nil {
		store.Close()
		return nil, fmt.Errorf("starting sync: %w", err)
	}
	h.store = store
	h.logger.Debug("replica initialized", "data_dir", h.config.DataDir)
	return store, nil
}

// Active returns the open store, or ErrNotInitialized if Initialize has not
// completed or the handle was shut down.
func (h *Handle) Active() (types.Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.store == nil {
		return nil, types.ErrNotInitialized
	}
	return h.store, nil
}

// Shutdown stops sync and closes the store. Idempotent.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.store == nil {
		return nil
	}
	store := h.store
	h.store = nil
	return errors.Join(store.StopSync(), store.Close())
}
