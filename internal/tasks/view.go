package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// ActiveFilter selects tasks that are not archived. Documents without an
// isArchived field match.
func ActiveFilter() map[string]any {
	return map[string]any{types.FieldIsArchived: false}
}

// Entry is one task in a snapshot with the store's identity reference.
type Entry struct {
	Ref  int64
	Task types.Task
}

// Snapshot is an immutable, ordered view of the task collection. Order is
// the store's insertion order.
type Snapshot struct {
	seq     uint64
	entries []Entry
	index   map[string]int
}

func newSnapshot(s types.Snapshot) *Snapshot {
	snap := &Snapshot{
		seq:     s.Seq,
		entries: make([]Entry, 0, len(s.Documents)),
		index:   make(map[string]int, len(s.Documents)),
	}
	for _, d := range s.Documents {
		snap.index[d.ID] = len(snap.entries)
		snap.entries = append(snap.entries, Entry{Ref: d.Ref, Task: types.TaskFromDocument(d)})
	}
	return snap
}

// Seq is the store sequence the snapshot was taken at.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Len returns the number of tasks in the snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// Get returns the task with id, if the snapshot holds it.
func (s *Snapshot) Get(id string) (types.Task, bool) {
	i, ok := s.index[id]
	if !ok {
		return types.Task{}, false
	}
	return s.entries[i].Task, true
}

// Tasks returns a copy of the tasks in order.
func (s *Snapshot) Tasks() []types.Task {
	out := make([]types.Task, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Task
	}
	return out
}

// Entries returns a copy of the entries in order.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// View projects a subscription into snapshots shared by any number of
// watchers.
type View struct {
	sub    *Subscription
	logger *slog.Logger

	mu       sync.Mutex
	current  *Snapshot
	watchers map[uint64]chan *Snapshot
	nextID   uint64
	closed   bool
	done     chan struct{}
}

// OpenView subscribes to the tasks collection with filter and waits for
// the first snapshot, so Current is populated when OpenView returns.
func OpenView(ctx context.Context, store types.Store, filter map[string]any, logger *slog.Logger) (*View, error) {
	sub, err := Subscribe(ctx, store, types.CollectionTasks, filter)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var first types.Snapshot
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			sub.Cancel()
			return nil, fmt.Errorf("opening view: %w", types.ErrStoreClosed)
		}
		first = snap
	case <-ctx.Done():
		sub.Cancel()
		return nil, ctx.Err()
	}

	v := &View{
		sub:      sub,
		logger:   logger,
		current:  newSnapshot(first),
		watchers: make(map[uint64]chan *Snapshot),
		done:     make(chan struct{}),
	}
	go v.run()
	return v, nil
}

func (v *View) run() {
	defer v.shutdown()
	for s := range v.sub.Snapshots() {
		snap := newSnapshot(s)

		v.mu.Lock()
		v.current = snap
		for _, ch := range v.watchers {
			offer(ch, snap)
		}
		v.mu.Unlock()
	}
}

// offer replaces any unread snapshot on ch with snap.
func offer(ch chan *Snapshot, snap *Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

// Current returns the latest snapshot.
func (v *View) Current() *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Watch returns a channel that yields the current snapshot and then every
// later one. A slow reader skips intermediate snapshots but never receives
// an older snapshot after a newer one. The channel closes when ctx ends or
// the view closes.
func (v *View) Watch(ctx context.Context) <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch
	}
	v.nextID++
	id := v.nextID
	v.watchers[id] = ch
	ch <- v.current
	v.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			v.unwatch(id)
		case <-v.done:
		}
	}()
	return ch
}

func (v *View) unwatch(id uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ch, ok := v.watchers[id]; ok {
		delete(v.watchers, id)
		close(ch)
	}
}

// Done is closed once the view has stopped receiving snapshots.
func (v *View) Done() <-chan struct{} { return v.done }

// Close cancels the subscription and closes every watch channel.
// Idempotent.
func (v *View) Close() {
	v.sub.Cancel()
	<-v.done
}

// shutdown runs when the stream ends, from Close or from the store closing.
func (v *View) shutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	for id, ch := range v.watchers {
		delete(v.watchers, id)
		close(ch)
	}
	close(v.done)
	v.logger.Debug("view closed", "filter", v.sub.Query().Filter)
}
