package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lzjever/crawlhub/internal/core"
)

var stdout io.Writer = os.Stdout

func checkOutput(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

func printResult(v interface{}) {
	if err := render(stdout, output, v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return renderYAML(w, v)
	}
	renderTable(w, v)
	return nil
}

// renderYAML goes through JSON first so YAML keys match the API's field
// names and custom marshalers apply.
func renderYAML(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func renderTable(out io.Writer, v interface{}) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	switch data := v.(type) {
	case core.Workspace:
		fmt.Fprintf(w, "Spider:\t%s\n", data.SpiderID)
		fmt.Fprintf(w, "Phase:\t%s\n", data.Phase())
		if data.ProviderWorkspaceID == "" {
			return
		}
		fmt.Fprintf(w, "Workspace ID:\t%s\n", data.ProviderWorkspaceID)
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		fmt.Fprintf(w, "Ready:\t%t\n", data.Ready())
		fmt.Fprintf(w, "Code sync:\t%s\n", data.CodeSyncStatus)
		if data.URL() != "" {
			fmt.Fprintf(w, "URL:\t%s\n", data.URL())
		}
		fmt.Fprintf(w, "Updated:\t%s\n", stamp(data.UpdatedAt))
	case []*core.Deployment:
		if len(data) == 0 {
			fmt.Fprintln(w, "No deployments found.")
			return
		}
		fmt.Fprintln(w, "VERSION\tID\tSTATUS\tFILES\tSIZE\tCREATED\tNOTE")
		for _, d := range data {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
				d.Version, d.ID, d.Status, d.FileCount, d.ArchiveSize, stamp(d.CreatedAt), truncate(d.DeployNote, 40))
		}
	case *core.Deployment:
		fmt.Fprintf(w, "Deployment:\t%s\n", data.ID)
		fmt.Fprintf(w, "Version:\t%d\n", data.Version)
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		fmt.Fprintf(w, "Files:\t%d\n", data.FileCount)
		fmt.Fprintf(w, "Size:\t%d\n", data.ArchiveSize)
		fmt.Fprintf(w, "Checksum:\t%s\n", data.Checksum)
		if data.DeployNote != "" {
			fmt.Fprintf(w, "Note:\t%s\n", data.DeployNote)
		}
	case []*core.Task:
		if len(data) == 0 {
			fmt.Fprintln(w, "No tasks found.")
			return
		}
		fmt.Fprintln(w, "TASK ID\tSPIDER\tSTATUS\tTRIGGER\tPROGRESS\tCREATED")
		for _, t := range data {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
				t.ID, t.SpiderID, t.Status, t.TriggerType, t.Progress, stamp(t.CreatedAt))
		}
	case *core.Task:
		fmt.Fprintf(w, "Task ID:\t%s\n", data.ID)
		fmt.Fprintf(w, "Spider:\t%s\n", data.SpiderID)
		if data.DeploymentID != nil {
			fmt.Fprintf(w, "Deployment:\t%s\n", *data.DeploymentID)
		}
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		fmt.Fprintf(w, "Trigger:\t%s\n", data.TriggerType)
		fmt.Fprintf(w, "Progress:\t%d%%\n", data.Progress)
		fmt.Fprintf(w, "Items:\t%d ok / %d failed / %d total\n", data.SuccessCount, data.FailedCount, data.TotalCount)
		if data.CancelRequested && !data.IsTerminal() {
			fmt.Fprintf(w, "Cancel:\trequested\n")
		}
		if data.ErrorMessage != "" {
			fmt.Fprintf(w, "Error:\t%s\n", data.ErrorMessage)
		}
		if data.ErrorCategory != nil {
			fmt.Fprintf(w, "Category:\t%s\n", *data.ErrorCategory)
		}
	case core.TaskLogs:
		// Raw output; log lines carry their own tabs.
		if !data.HasLogs {
			fmt.Fprintln(out, "No logs.")
			return
		}
		fmt.Fprint(out, data.Stdout)
		if data.Stderr != "" {
			fmt.Fprintln(out, "--- stderr ---")
			fmt.Fprint(out, data.Stderr)
		}
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
