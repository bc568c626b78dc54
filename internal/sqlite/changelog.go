package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/checklist/internal/codec"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// ChangesSince returns up to limit changes recorded after seq, restricted to
// the given collections (all collections when empty), and the highest log
// sequence scanned. last advances past skipped changes so the caller's
// cursor keeps moving.
func (b *Backend) ChangesSince(ctx context.Context, after int64, collections []string, limit int) (changes []types.Change, last int64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, after, types.ErrStoreClosed
	}
	if limit <= 0 {
		limit = 500
	}

	want := make(map[string]bool, len(collections))
	for _, c := range collections {
		want[c] = true
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, change_id, op, collection, doc_id, fields, stamp, site
		 FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, after, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	last = after
	for rows.Next() {
		var (
			seq     int64
			ch      types.Change
			encoded []byte
		)
		if err := rows.Scan(&seq, &ch.ID, &ch.Op, &ch.Collection, &ch.DocID, &encoded, &ch.Stamp, &ch.Site); err != nil {
			return nil, after, fmt.Errorf("scanning change: %w", err)
		}
		last = seq
		if len(want) > 0 && !want[ch.Collection] {
			continue
		}
		if err := codec.Unmarshal(encoded, &ch.Fields); err != nil {
			b.logger.Warn("skipping undecodable change", "change", ch.ID, "error", err)
			continue
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("iterating changes: %w", err)
	}
	return changes, last, nil
}

// ApplyRemote merges changes received from a peer and publishes snapshots if
// any of them was new. It returns how many changes were applied.
func (b *Backend) ApplyRemote(ctx context.Context, changes []types.Change) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return 0, types.ErrStoreClosed
	}

	applied := 0
	for _, ch := range changes {
		if ch.ID == "" || ch.DocID == "" || ch.Collection == "" {
			b.logger.Warn("dropping malformed remote change", "change", ch.ID, "site", ch.Site)
			continue
		}
		if _, ok := ch.Fields[types.FieldID]; ok {
			fields := make(map[string][]byte, len(ch.Fields)-1)
			for k, v := range ch.Fields {
				if k != types.FieldID {
					fields[k] = v
				}
			}
			ch.Fields = fields
		}
		b.observeStampLocked(ch.Stamp)
		ok, err := b.applyLocked(ctx, ch)
		if err != nil {
			if applied > 0 {
				b.version++
				b.publishLocked(ctx)
			}
			return applied, err
		}
		if ok {
			applied++
		}
	}
	if applied > 0 {
		b.version++
		b.publishLocked(ctx)
	}
	return applied, nil
}

// Cursor returns the last change sequence pulled from the given peer site.
func (b *Backend) Cursor(ctx context.Context, site string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return 0, types.ErrStoreClosed
	}
	var cursor int64
	err := b.db.QueryRowContext(ctx, "SELECT cursor FROM peers WHERE site = ?", site).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cursor for %s: %w", site, err)
	}
	return cursor, nil
}

// SetCursor records the last change sequence pulled from a peer site.
func (b *Backend) SetCursor(ctx context.Context, site string, cursor int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrStoreClosed
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO peers (site, cursor) VALUES (?, ?)
		 ON CONFLICT (site) DO UPDATE SET cursor = excluded.cursor`,
		site, cursor,
	)
	if err != nil {
		return fmt.Errorf("writing cursor for %s: %w", site, err)
	}
	return nil
}
