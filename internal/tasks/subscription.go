// Package tasks is the reactive access layer over the replicated task
// collection: live subscriptions, ordered views, the mutation gateway, and
// the archival scheduler that archives completed tasks after a grace
// period.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Subscription pairs sync interest in a query with the store's observation
// stream for it. Snapshots start with the query's current matching set.
type Subscription struct {
	query  types.Query
	sync   types.Subscription
	stream types.Stream
	once   sync.Once
}

// Subscribe registers interest in the documents of collection matching
// filter and starts streaming them. A nil filter matches every document.
func Subscribe(ctx context.Context, store types.Store, collection string, filter map[string]any) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := types.Query{Collection: collection, Filter: filter}
	interest, err := store.Subscribe(q)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", collection, err)
	}
	stream, err := store.Observe(q)
	if err != nil {
		interest.Cancel()
		return nil, fmt.Errorf("observing %s: %w", collection, err)
	}
	return &Subscription{query: q, sync: interest, stream: stream}, nil
}

// Query returns the query the subscription was opened with.
func (s *Subscription) Query() types.Query { return s.query }

// Snapshots is closed after Cancel or when the store closes.
func (s *Subscription) Snapshots() <-chan types.Snapshot { return s.stream.Snapshots() }

// Cancel stops updates and withdraws sync interest. Safe to call more than
// once and after the store has closed.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.stream.Cancel()
		s.sync.Cancel()
	})
}
