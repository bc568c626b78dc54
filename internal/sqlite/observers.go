package sqlite

import (
	"context"
	"sort"
	"sync"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// stream is one observer registration. Its channel holds at most one
// snapshot; publishing replaces an unread snapshot with the newer one.
type stream struct {
	b      *Backend
	id     uint64
	query  types.Query
	ch     chan types.Snapshot
	once   sync.Once
	closed bool
}

var _ types.Stream = (*stream)(nil)

func (s *stream) Snapshots() <-chan types.Snapshot { return s.ch }

// Cancel removes the stream and closes its channel. Safe to call repeatedly
// and after the backend detached.
func (s *stream) Cancel() {
	s.once.Do(func() {
		s.b.obsMu.Lock()
		defer s.b.obsMu.Unlock()
		delete(s.b.observers, s.id)
		s.closeLocked()
	})
}

// closeLocked closes the channel once. The caller must hold obsMu.
func (s *stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliverLocked replaces any unread snapshot with snap. The caller must hold
// obsMu, which makes the publisher the only sender.
func (s *stream) deliverLocked(snap types.Snapshot) {
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

// Observe registers a stream for q and delivers the current matching set
// immediately.
func (b *Backend) Observe(q types.Query) (types.Stream, error) {
	if q.Collection == "" {
		return nil, types.ErrInvalidIntent
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrStoreClosed
	}
	docs, err := b.loadCollectionLocked(context.Background(), q.Collection)
	if err != nil {
		return nil, err
	}

	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	b.nextObs++
	s := &stream{
		b:     b,
		id:    b.nextObs,
		query: q,
		ch:    make(chan types.Snapshot, 1),
	}
	b.observers[s.id] = s
	s.deliverLocked(types.Snapshot{Query: q, Documents: filterDocuments(docs, q), Seq: b.version})
	return s, nil
}

// publishLocked sends every observer a fresh snapshot of its query. Each
// collection is read once per publish. The caller must hold b.mu.
func (b *Backend) publishLocked(ctx context.Context) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	loaded := make(map[string][]types.Document)
	for _, s := range b.observers {
		docs, ok := loaded[s.query.Collection]
		if !ok {
			var err error
			docs, err = b.loadCollectionLocked(ctx, s.query.Collection)
			if err != nil {
				b.logger.Warn("publishing snapshot", "collection", s.query.Collection, "error", err)
				continue
			}
			loaded[s.query.Collection] = docs
		}
		s.deliverLocked(types.Snapshot{Query: s.query, Documents: filterDocuments(docs, s.query), Seq: b.version})
	}
}

// subscription is sync interest in one collection.
type subscription struct {
	b     *Backend
	query types.Query
	once  sync.Once
}

var _ types.Subscription = (*subscription)(nil)

func (s *subscription) Query() types.Query { return s.query }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.b.obsMu.Lock()
		defer s.b.obsMu.Unlock()
		if n := s.b.interests[s.query.Collection]; n > 1 {
			s.b.interests[s.query.Collection] = n - 1
		} else {
			delete(s.b.interests, s.query.Collection)
		}
	})
}

// Subscribe registers sync interest in q's collection. When a collection
// gains its first subscriber, peer cursors are reset so the next pulls fetch
// changes that earlier pulls skipped as uninteresting.
func (b *Backend) Subscribe(q types.Query) (types.Subscription, error) {
	if q.Collection == "" {
		return nil, types.ErrInvalidIntent
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil, types.ErrStoreClosed
	}

	b.obsMu.Lock()
	first := b.interests[q.Collection] == 0
	b.interests[q.Collection]++
	b.obsMu.Unlock()

	if first {
		if _, err := b.db.Exec("DELETE FROM peers"); err != nil {
			b.logger.Warn("resetting peer cursors", "collection", q.Collection, "error", err)
		}
	}
	return &subscription{b: b, query: q}, nil
}

// Interests returns the collections with active subscriptions, sorted.
func (b *Backend) Interests() []string {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	out := make([]string, 0, len(b.interests))
	for c := range b.interests {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
