package replica

import (
	"context"
	"log/slog"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/internal/mesh"
	"github.com/mesh-intelligence/checklist/internal/sqlite"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// SQLite opens the SQLite replica in config.DataDir and links it to the peer
// mesh when a listen address or peers are configured.
type SQLite struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// LocalOnly skips the mesh, for short-lived commands that must not
	// take the sync listen address.
	LocalOnly bool
}

func (o SQLite) Open(ctx context.Context, config types.Config) (types.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real()
	}

	b := sqlite.NewBackend(sqlite.WithLogger(logger), sqlite.WithClock(clk))
	if err := b.Attach(config); err != nil {
		return nil, err
	}

	if !o.LocalOnly && (config.Sync.Listen != "" || len(config.Sync.Peers) > 0) {
		node := mesh.NewNode(b, config,
			mesh.WithLogger(logger.With("component", "mesh")),
			mesh.WithClock(clk),
		)
		b.SetSyncer(node)
	}
	return b, nil
}
