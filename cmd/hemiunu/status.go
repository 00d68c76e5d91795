package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/khufu-labs/hemiunu/internal/persistence"
)

// statusOrder fixes the display order of task buckets.
var statusOrder = []persistence.TaskStatus{
	persistence.StatusTodo,
	persistence.StatusWorking,
	persistence.StatusGreen,
	persistence.StatusRed,
	persistence.StatusSplit,
	persistence.StatusDeployed,
}

type statusReport struct {
	Vision    string                      `json:"vision,omitempty"`
	Tasks     []*persistence.Task         `json:"tasks"`
	Deploys   []*persistence.DeployRecord `json:"deploys"`
	Conflicts []*persistence.Conflict     `json:"open_conflicts"`
}

func runStatusCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "emit JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	report := statusReport{}
	var err error
	if report.Vision, err = a.store.Vision(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if report.Tasks, err = a.store.ListTasks(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if report.Deploys, err = a.store.ListDeployRecords(ctx, 5); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if report.Conflicts, err = a.store.ListConflicts(ctx, true); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	writeStatusText(os.Stdout, report)
	return 0
}

func writeStatusText(w io.Writer, report statusReport) {
	if report.Vision != "" {
		fmt.Fprintf(w, "Vision: %s\n\n", clip(report.Vision, 100))
	}

	byStatus := map[persistence.TaskStatus][]*persistence.Task{}
	for _, t := range report.Tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	fmt.Fprintf(w, "Tasks (%d):\n", len(report.Tasks))
	for _, status := range statusOrder {
		for _, t := range byStatus[status] {
			line := fmt.Sprintf("  [%-8s] %s  %s", t.Status, t.ID, clip(t.Description, 60))
			if t.Error != "" {
				line += "  (" + clip(t.Error, 40) + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(report.Tasks) == 0 {
		fmt.Fprintln(w, "  none")
	}

	if len(report.Deploys) > 0 {
		fmt.Fprintf(w, "\nRecent deploys:\n")
		for _, d := range report.Deploys {
			fmt.Fprintf(w, "  %s  %-7s  %d branch(es)", d.CreatedAt.Format("2006-01-02 15:04"), d.Status, len(d.Branches))
			if d.Error != "" {
				fmt.Fprintf(w, "  %s", clip(d.Error, 60))
			}
			fmt.Fprintln(w)
		}
	}

	if len(report.Conflicts) > 0 {
		fmt.Fprintf(w, "\nOpen conflicts (%d):\n", len(report.Conflicts))
		for _, c := range report.Conflicts {
			fmt.Fprintf(w, "  %s vs %s  %s\n", c.BranchA, c.BranchB, c.FilePath)
		}
	}
}

// clip shortens s to at most n runes, appending "..." when it cuts.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
