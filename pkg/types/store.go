package types

import (
	"context"
	"errors"
	"reflect"
)

// Store is the replicated document store the access layer is built on. The
// merge and replication engine behind it is opaque: callers rely only on
// eventual convergence, field-level merge, and local read-your-writes.
type Store interface {
	// StartSync begins exchanging changes with peers. Calling it while sync
	// is running is a no-op.
	StartSync() error

	// StopSync stops peer exchange. Idempotent.
	StopSync() error

	// SyncActive reports whether peer exchange is running.
	SyncActive() bool

	// Subscribe declares continuing interest in q so that matching
	// documents keep replicating to this device.
	Subscribe(q Query) (Subscription, error)

	// Observe streams snapshots of the documents matching q. The first
	// snapshot is the current matching set.
	Observe(q Query) (Stream, error)

	// Execute commits an intent to the local replica and returns once it is
	// durable locally, before peers acknowledge it.
	Execute(ctx context.Context, in Intent) (Result, error)

	// Close stops sync, cancels every stream, and releases resources.
	// Idempotent.
	Close() error
}

// Subscription is sync interest registered with Store.Subscribe.
type Subscription interface {
	Query() Query
	// Cancel withdraws the interest. Safe to call more than once.
	Cancel()
}

// Stream delivers snapshots for an observed query. The channel is closed
// after Cancel or when the store closes.
type Stream interface {
	Snapshots() <-chan Snapshot
	// Cancel stops delivery. Safe to call more than once and after the
	// store has closed.
	Cancel()
}

// Query selects documents in one collection. Filter holds equality
// conditions on document fields; a nil Filter matches every document.
type Query struct {
	Collection string
	Filter     map[string]any
}

// Matches reports whether fields satisfy every condition in the filter.
// An absent field compares as nil, and nil equals false so that documents
// lacking a boolean flag match a "flag = false" condition.
func (q Query) Matches(fields map[string]any) bool {
	for k, want := range q.Filter {
		if !valuesEqual(fields[k], want) {
			return false
		}
	}
	return true
}

func valuesEqual(got, want any) bool {
	if got == nil {
		got = zeroFor(want)
	}
	if want == nil {
		want = zeroFor(got)
	}
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
	}
	return reflect.DeepEqual(got, want)
}

func zeroFor(v any) any {
	if _, ok := v.(bool); ok {
		return false
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// IntentKind distinguishes the two mutations a store executes.
type IntentKind int

const (
	// IntentUpsert inserts a document or merges its fields into the existing
	// document with the same ID.
	IntentUpsert IntentKind = iota + 1
	// IntentUpdate writes fields of one document without reading others.
	IntentUpdate
)

func (k IntentKind) String() string {
	switch k {
	case IntentUpsert:
		return "upsert"
	case IntentUpdate:
		return "update"
	}
	return "unknown"
}

// Intent is one atomic, independent mutation request.
type Intent struct {
	Kind       IntentKind
	Collection string
	DocID      string
	Fields     map[string]any
}

// Validate checks the intent shape. It does not check field semantics.
func (in Intent) Validate() error {
	if in.Kind != IntentUpsert && in.Kind != IntentUpdate {
		return ErrInvalidIntent
	}
	if in.Collection == "" {
		return ErrInvalidIntent
	}
	if in.DocID == "" {
		return ErrInvalidID
	}
	if in.Kind == IntentUpdate && len(in.Fields) == 0 {
		return ErrInvalidIntent
	}
	if _, ok := in.Fields[FieldID]; ok {
		return ErrImmutableField
	}
	return nil
}

// Result reports the committed intent. Seq is the snapshot sequence that
// first includes it.
type Result struct {
	DocID    string
	ChangeID string
	Seq      uint64
}

// Document is one replicated document as seen by this device. Ref is the
// store-assigned identity reference; it orders documents by the time they
// first reached this replica.
type Document struct {
	ID     string
	Ref    int64
	Fields map[string]any
}

// Snapshot is the materialized result set of an observed query, in store
// insertion order. Snapshots are values: the store never mutates one after
// delivering it. Seq increases with every commit the store publishes, so a
// consumer can tell a snapshot taken before a write from one taken after.
type Snapshot struct {
	Query     Query
	Documents []Document
	Seq       uint64
}

// Store and access layer errors.
var (
	ErrNotInitialized     = errors.New("replica is not initialized")
	ErrReplicaUnavailable = errors.New("replica is unavailable")
	ErrStoreClosed        = errors.New("store is closed")
	ErrInvalidID          = errors.New("invalid document ID")
	ErrInvalidIntent      = errors.New("invalid intent")
	ErrUnknownField       = errors.New("unknown field")
	ErrImmutableField     = errors.New("field is immutable")
	ErrTypeMismatch       = errors.New("type mismatch")
)
