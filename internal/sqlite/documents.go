package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/mesh-intelligence/checklist/internal/codec"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Execute records the intent as a change, merges it into the local replica,
// and publishes fresh snapshots to observers before returning, so a caller
// observing the collection sees its own write on the next snapshot.
func (b *Backend) Execute(ctx context.Context, in types.Intent) (types.Result, error) {
	if err := in.Validate(); err != nil {
		return types.Result{}, err
	}
	fields, err := codec.EncodeFields(in.Fields)
	if err != nil {
		return types.Result{}, fmt.Errorf("encoding fields: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.Result{}, types.ErrStoreClosed
	}

	op := types.OpUpdate
	if in.Kind == types.IntentUpsert {
		op = types.OpUpsert
	}
	ch := types.Change{
		ID:         ulid.Make().String(),
		Op:         op,
		Collection: in.Collection,
		DocID:      in.DocID,
		Fields:     fields,
		Stamp:      b.nextStampLocked(),
		Site:       b.site,
	}
	if _, err := b.applyLocked(ctx, ch); err != nil {
		return types.Result{}, fmt.Errorf("executing %s on %s/%s: %w", in.Kind, in.Collection, in.DocID, err)
	}
	b.version++
	b.publishLocked(ctx)

	return types.Result{DocID: in.DocID, ChangeID: ch.ID, Seq: b.version}, nil
}

// applyLocked records ch in the change log and merges its fields. A change
// already in the log is skipped and reported as not applied. Upserts create
// the document row; updates only write fields, so an update that arrives
// before its document stays invisible until the upsert merges in.
// The caller must hold b.mu for writing.
func (b *Backend) applyLocked(ctx context.Context, ch types.Change) (bool, error) {
	encoded, err := codec.Marshal(ch.Fields)
	if err != nil {
		return false, fmt.Errorf("encoding change: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO changes (change_id, op, collection, doc_id, fields, stamp, site)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Op, ch.Collection, ch.DocID, encoded, ch.Stamp, ch.Site,
	)
	if err != nil {
		return false, fmt.Errorf("recording change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if ch.Op == types.OpUpsert {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO documents (collection, doc_id, created_at) VALUES (?, ?, ?)",
			ch.Collection, ch.DocID, b.clock.Now().UnixNano(),
		); err != nil {
			return false, fmt.Errorf("creating document: %w", err)
		}
	}

	for field, value := range ch.Fields {
		if err := mergeField(ctx, tx, ch, field, value); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing change: %w", err)
	}
	return true, nil
}

// mergeField writes one field value if (stamp, site) beats the stored pair.
func mergeField(ctx context.Context, tx *sql.Tx, ch types.Change, field string, value []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO doc_fields (collection, doc_id, field, value, stamp, site)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (collection, doc_id, field) DO UPDATE SET
		     value = excluded.value, stamp = excluded.stamp, site = excluded.site
		 WHERE excluded.stamp > doc_fields.stamp
		    OR (excluded.stamp = doc_fields.stamp AND excluded.site > doc_fields.site)`,
		ch.Collection, ch.DocID, field, value, ch.Stamp, ch.Site,
	)
	if err != nil {
		return fmt.Errorf("merging field %s of %s/%s: %w", field, ch.Collection, ch.DocID, err)
	}
	return nil
}

// loadCollectionLocked returns every document of collection in insertion
// order with decoded field values. The caller must hold b.mu.
func (b *Backend) loadCollectionLocked(ctx context.Context, collection string) ([]types.Document, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT d.seq, d.doc_id, f.field, f.value
		 FROM documents d
		 LEFT JOIN doc_fields f ON f.collection = d.collection AND f.doc_id = d.doc_id
		 WHERE d.collection = ?
		 ORDER BY d.seq, f.field`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []types.Document
	for rows.Next() {
		var (
			seq   int64
			docID string
			field sql.NullString
			value []byte
		)
		if err := rows.Scan(&seq, &docID, &field, &value); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", collection, err)
		}
		if len(docs) == 0 || docs[len(docs)-1].Ref != seq {
			docs = append(docs, types.Document{ID: docID, Ref: seq, Fields: map[string]any{}})
		}
		if !field.Valid {
			continue
		}
		v, err := codec.DecodeValue(value)
		if err != nil {
			b.logger.Warn("skipping undecodable field", "collection", collection, "doc", docID, "field", field.String, "error", err)
			continue
		}
		docs[len(docs)-1].Fields[field.String] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", collection, err)
	}
	return docs, nil
}

// Fetch returns the current documents matching q. It is a one-shot read;
// use Observe for a live stream.
func (b *Backend) Fetch(ctx context.Context, q types.Query) ([]types.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrStoreClosed
	}
	docs, err := b.loadCollectionLocked(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return filterDocuments(docs, q), nil
}

func filterDocuments(docs []types.Document, q types.Query) []types.Document {
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d.Fields) {
			out = append(out, cloneDocument(d))
		}
	}
	return out
}

// cloneDocument copies the field map so snapshots handed to different
// observers never share mutable state.
func cloneDocument(d types.Document) types.Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	d.Fields = fields
	return d
}
