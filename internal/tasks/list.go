package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Option configures a List.
type Option func(*List)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *List) { l.logger = logger }
}

// WithClock sets the clock the archival timers run on.
func WithClock(clk clock.Clock) Option {
	return func(l *List) { l.clock = clk }
}

// WithArchiveDelay sets the grace period between completion and archival.
func WithArchiveDelay(d time.Duration) Option {
	return func(l *List) { l.delay = d }
}

// List is what a presentation layer talks to: it adds tasks, toggles
// completion, and opens views, and keeps the archival scheduler in step
// with both local toggles and changes observed from peers.
type List struct {
	replicas  Replicas
	gateway   *Gateway
	scheduler *Scheduler
	logger    *slog.Logger
	clock     clock.Clock
	delay     time.Duration

	wg sync.WaitGroup
}

// NewList returns a List over replicas.
func NewList(replicas Replicas, opts ...Option) *List {
	l := &List{
		replicas: replicas,
		logger:   slog.Default(),
		clock:    clock.Real(),
		delay:    types.DefaultArchiveDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.gateway = NewGateway(replicas, l.logger)
	l.scheduler = NewScheduler(l.gateway, l.delay, l.clock, l.logger)
	return l
}

func (l *List) Gateway() *Gateway { return l.gateway }

func (l *List) Scheduler() *Scheduler { return l.scheduler }

// Add inserts a new, incomplete task titled title. Empty titles are
// accepted.
func (l *List) Add(ctx context.Context, title string) (types.Task, error) {
	task := types.NewTask(title)
	if _, err := l.gateway.Insert(ctx, task); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// Toggle sets the completed flag of task id. Completing arms the archival
// timer; un-completing cancels it.
func (l *List) Toggle(ctx context.Context, id string, completed bool) error {
	res, err := l.gateway.updateField(ctx, id, types.FieldCompleted, completed)
	if err != nil {
		return err
	}
	l.scheduler.Toggled(id, completed, res.Seq)
	return nil
}

// Open opens a view of the tasks matching filter and feeds its snapshots to
// the scheduler, so completions made by peers are archived here too.
func (l *List) Open(ctx context.Context, filter map[string]any) (*View, error) {
	store, err := l.replicas.Active()
	if err != nil {
		return nil, err
	}
	v, err := OpenView(ctx, store, filter, l.logger)
	if err != nil {
		return nil, err
	}

	updates := v.Watch(context.Background())
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for snap := range updates {
			l.scheduler.Observe(snap.Seq(), snap.Tasks())
		}
	}()
	return v, nil
}

// Wait blocks until every pending archival has fired.
func (l *List) Wait(ctx context.Context) error {
	return l.scheduler.Wait(ctx)
}

// Close stops the scheduler and waits for view followers to finish. Views
// returned by Open must be closed first.
func (l *List) Close() {
	l.scheduler.Stop()
	l.wg.Wait()
}
