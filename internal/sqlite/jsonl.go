package sqlite

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// readJSONL reads a JSONL file and returns each non-empty, parseable line as
// a json.RawMessage. Malformed lines are skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail(fmt.Errorf("writing record: %w", err))
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail(fmt.Errorf("writing newline: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Export writes every document of collection to path as JSONL, one object
// per line with the document ID under "_id". Archived documents are
// included. Returns the number of documents written.
func (b *Backend) Export(ctx context.Context, collection, path string) (int, error) {
	docs, err := b.Fetch(ctx, types.Query{Collection: collection})
	if err != nil {
		return 0, err
	}

	records := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		obj := make(map[string]any, len(d.Fields)+1)
		for k, v := range d.Fields {
			obj[k] = v
		}
		obj[types.FieldID] = d.ID
		rec, err := json.Marshal(obj)
		if err != nil {
			return 0, fmt.Errorf("encoding %s: %w", d.ID, err)
		}
		records = append(records, rec)
	}
	if err := writeJSONL(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Import upserts each JSONL record of path into collection as a local
// intent. Records carry their ID under "_id" (or "id"); records without one
// are skipped. Task records with a mistyped field are skipped and unknown
// task fields are dropped. Returns the number of documents imported.
func (b *Backend) Import(ctx context.Context, collection, path string) (int, error) {
	records, err := readJSONL(path)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range records {
		var obj map[string]any
		if err := json.Unmarshal(rec, &obj); err != nil {
			continue
		}
		id, _ := obj[types.FieldID].(string)
		if id == "" {
			id, _ = obj["id"].(string)
		}
		if id == "" {
			b.logger.Warn("skipping record without id", "path", path)
			continue
		}
		delete(obj, types.FieldID)
		delete(obj, "id")
		if collection == types.CollectionTasks && !b.checkTaskRecord(path, id, obj) {
			continue
		}

		_, err := b.Execute(ctx, types.Intent{
			Kind:       types.IntentUpsert,
			Collection: collection,
			DocID:      id,
			Fields:     obj,
		})
		if err != nil {
			return n, fmt.Errorf("importing %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// checkTaskRecord drops fields a task does not have from obj and reports
// whether the remaining fields carry the right types.
func (b *Backend) checkTaskRecord(path, id string, obj map[string]any) bool {
	for field, value := range obj {
		err := types.CheckTaskField(field, value)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrUnknownField):
			b.logger.Warn("dropping unknown task field", "path", path, "id", id, "field", field)
			delete(obj, field)
		default:
			b.logger.Warn("skipping task record", "path", path, "id", id, "error", err)
			return false
		}
	}
	return true
}
