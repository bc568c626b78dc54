package types

import (
	"fmt"

	"github.com/google/uuid"
)

// CollectionTasks is the replicated collection holding task documents.
const CollectionTasks = "tasks"

// Document keys of a task. FieldID is the store identity key and is never
// written through a field update.
const (
	FieldID         = "_id"
	FieldTitle      = "title"
	FieldCompleted  = "completed"
	FieldIsArchived = "isArchived"
)

// taskFieldKinds maps each mutable task field to the Go kind its value
// must carry.
var taskFieldKinds = map[string]string{
	FieldTitle:      "string",
	FieldCompleted:  "bool",
	FieldIsArchived: "bool",
}

// Task is the only domain entity: a titled checklist entry that can be
// completed and, after a grace period, archived. Archived tasks stay in the
// replica so they keep merging across peers.
type Task struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Completed  bool   `json:"completed" yaml:"completed"`
	IsArchived bool   `json:"isArchived" yaml:"isArchived"`
}

// NewTask returns an incomplete, unarchived task with a fresh UUID v7.
// Empty titles are accepted; input validation belongs to the presentation
// layer.
func NewTask(title string) Task {
	return Task{
		ID:    NewID(),
		Title: title,
	}
}

// NewID generates a UUID v7, falling back to v4 if v7 generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Fields returns the task's mutable fields keyed by document key.
func (t Task) Fields() map[string]any {
	return map[string]any{
		FieldTitle:      t.Title,
		FieldCompleted:  t.Completed,
		FieldIsArchived: t.IsArchived,
	}
}

// TaskFromDocument projects a store document onto a Task. Missing or
// mistyped fields read as their zero value, so documents written by older
// peers without isArchived are treated as not archived.
func TaskFromDocument(d Document) Task {
	t := Task{ID: d.ID}
	if v, ok := d.Fields[FieldTitle].(string); ok {
		t.Title = v
	}
	if v, ok := d.Fields[FieldCompleted].(bool); ok {
		t.Completed = v
	}
	if v, ok := d.Fields[FieldIsArchived].(bool); ok {
		t.IsArchived = v
	}
	return t
}

// CheckTaskField reports whether value may be written to field through a
// single-field update. It returns ErrImmutableField for the identity key,
// ErrUnknownField for keys a task does not have, and ErrTypeMismatch when
// the value has the wrong type.
func CheckTaskField(field string, value any) error {
	if field == FieldID {
		return ErrImmutableField
	}
	kind, ok := taskFieldKinds[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	switch kind {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: %s wants string, got %T", ErrTypeMismatch, field, value)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s wants bool, got %T", ErrTypeMismatch, field, value)
		}
	}
	return nil
}
