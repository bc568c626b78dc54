package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Replicas yields the active store. *replica.Handle implements it.
type Replicas interface {
	Active() (types.Store, error)
}

// Gateway submits task intents to the active store. Every call returns once
// the local replica has committed the intent; none waits for peers.
type Gateway struct {
	replicas Replicas
	logger   *slog.Logger
}

// NewGateway returns a gateway over replicas.
func NewGateway(replicas Replicas, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{replicas: replicas, logger: logger}
}

// Insert upserts task: a document with task.ID is created, or merged into
// if one exists. Returns the committed ID.
func (g *Gateway) Insert(ctx context.Context, task types.Task) (string, error) {
	if task.ID == "" {
		return "", types.ErrInvalidID
	}
	res, err := g.execute(ctx, types.Intent{
		Kind:       types.IntentUpsert,
		Collection: types.CollectionTasks,
		DocID:      task.ID,
		Fields:     task.Fields(),
	})
	if err != nil {
		return "", err
	}
	return res.DocID, nil
}

// UpdateField writes one field of task id without reading the others. An
// id not yet in the replica is accepted; the write shows once the task
// merges in.
func (g *Gateway) UpdateField(ctx context.Context, id, field string, value any) error {
	_, err := g.updateField(ctx, id, field, value)
	return err
}

func (g *Gateway) updateField(ctx context.Context, id, field string, value any) (types.Result, error) {
	if id == "" {
		return types.Result{}, types.ErrInvalidID
	}
	if err := types.CheckTaskField(field, value); err != nil {
		return types.Result{}, err
	}
	return g.execute(ctx, types.Intent{
		Kind:       types.IntentUpdate,
		Collection: types.CollectionTasks,
		DocID:      id,
		Fields:     map[string]any{field: value},
	})
}

// Archive marks task id archived. Idempotent.
func (g *Gateway) Archive(ctx context.Context, id string) error {
	return g.UpdateField(ctx, id, types.FieldIsArchived, true)
}

// execute runs in on the active store. A missing or closed store is
// reported as ErrReplicaUnavailable and logged.
func (g *Gateway) execute(ctx context.Context, in types.Intent) (types.Result, error) {
	store, err := g.replicas.Active()
	if err != nil {
		g.logger.Warn("replica unavailable", "op", in.Kind.String(), "id", in.DocID, "error", err)
		return types.Result{}, fmt.Errorf("%w: %w", types.ErrReplicaUnavailable, err)
	}

	res, err := store.Execute(ctx, in)
	if errors.Is(err, types.ErrStoreClosed) {
		g.logger.Warn("replica unavailable", "op", in.Kind.String(), "id", in.DocID, "error", err)
		return types.Result{}, fmt.Errorf("%w: %w", types.ErrReplicaUnavailable, err)
	}
	if err != nil {
		return types.Result{}, fmt.Errorf("%s %s: %w", in.Kind, in.DocID, err)
	}
	return res, nil
}
