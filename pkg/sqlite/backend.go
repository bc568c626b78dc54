// Package sqlite opens the SQLite task replica for programs built on this
// module. The replica joins the peer mesh when the config names a listen
// address or peers.
//
// Example:
//
//	store, err := sqlite.Open(ctx, types.DefaultConfig(dir), nil)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package sqlite

import (
	"context"
	"log/slog"

	"github.com/mesh-intelligence/checklist/internal/replica"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Open attaches the replica in config.DataDir. Sync is not started; call
// StartSync on the returned store. A nil logger means slog.Default().
func Open(ctx context.Context, config types.Config, logger *slog.Logger) (types.Store, error) {
	return replica.SQLite{Logger: logger}.Open(ctx, config)
}
