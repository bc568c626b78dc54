package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// transferer is implemented by stores that can dump and load a collection
// as JSONL.
type transferer interface {
	Export(ctx context.Context, collection, path string) (int, error)
	Import(ctx context.Context, collection, path string) (int, error)
}

func (e *env) transferer(sess *session) (transferer, error) {
	store, err := sess.handle.Active()
	if err != nil {
		return nil, sysError(err)
	}
	t, ok := store.(transferer)
	if !ok {
		return nil, userError(fmt.Errorf("backend %q does not support JSONL transfer", e.settings.config.Backend))
	}
	return t, nil
}

func newExportCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every task to a JSONL file",
		Long:  "Export writes all tasks, archived ones included, to file with one JSON\nobject per line. The file is replaced atomically.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := e.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.close(e)

			t, err := e.transferer(sess)
			if err != nil {
				return err
			}
			n, err := t.Export(ctx, types.CollectionTasks, args[0])
			if err != nil {
				return sysError(fmt.Errorf("export: %w", err))
			}
			return printCount(cmd, e, "exported", n)
		},
	}
}

func newImportCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert tasks from a JSONL file",
		Long:  "Import merges each task of a JSONL file into the local replica as a\nlocal change, so it replicates to peers like any other edit. Lines that\nare not JSON objects or lack an ID are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := e.open(ctx, false)
			if err != nil {
				return err
			}
			defer sess.close(e)

			t, err := e.transferer(sess)
			if err != nil {
				return err
			}
			n, err := t.Import(ctx, types.CollectionTasks, args[0])
			if errors.Is(err, fs.ErrNotExist) {
				return userError(fmt.Errorf("import: %w", err))
			}
			if err != nil {
				return sysError(fmt.Errorf("import: %w", err))
			}
			return printCount(cmd, e, "imported", n)
		},
	}
}

func printCount(cmd *cobra.Command, e *env, verb string, n int) error {
	if e.flags.jsonMode {
		return printJSON(cmd.OutOrStdout(), map[string]int{verb: n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d task(s)\n", verb, n)
	return nil
}
