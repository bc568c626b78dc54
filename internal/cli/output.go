package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mesh-intelligence/checklist/pkg/types"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return sysError(fmt.Errorf("marshal output: %w", err))
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func mark(b bool) string {
	if b {
		return "x"
	}
	return " "
}

// printTasks writes a table of tasks. The archived column appears only
// when showArchived is set.
func printTasks(w io.Writer, list []types.Task, showArchived bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if showArchived {
		fmt.Fprintln(tw, "ID\tDONE\tARCHIVED\tTITLE")
	} else {
		fmt.Fprintln(tw, "ID\tDONE\tTITLE")
	}
	for _, t := range list {
		if showArchived {
			fmt.Fprintf(tw, "%s\t[%s]\t[%s]\t%s\n", t.ID, mark(t.Completed), mark(t.IsArchived), t.Title)
		} else {
			fmt.Fprintf(tw, "%s\t[%s]\t%s\n", t.ID, mark(t.Completed), t.Title)
		}
	}
	return tw.Flush()
}
