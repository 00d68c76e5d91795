package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/khufu-labs/hemiunu/internal/contract"
	"github.com/khufu-labs/hemiunu/internal/deploy"
	"github.com/khufu-labs/hemiunu/internal/persistence"
)

func runCreateCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	cliTest := fs.String("test", "", "CLI test command that proves the task done")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	description := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if description == "" {
		fmt.Fprintln(os.Stderr, "usage: hemiunu create <description> [-test <cmd>]")
		return 2
	}

	c, err := contract.New(description, *cliTest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		return 1
	}

	task, err := a.store.CreateTask(ctx, c.Description, c.CLITest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		return 1
	}
	fmt.Printf("created task %s\n", task.ID)

	if estimate := contract.EstimateTestCases(c.Description); !c.IsVerifiable(estimate) {
		fmt.Printf("note: description suggests ~%d test cases (ceiling %d); the agent may split it\n",
			estimate, c.MaxTestCases)
	}
	return 0
}

func runRunCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	all := fs.Bool("all", false, "run until the TODO queue is empty")
	taskFlag := fs.String("task", "", "task id to run (defaults to the oldest TODO task)")
	maxIterations := fs.Int("max-iterations", 0, "override the iteration budget for this invocation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *maxIterations > 0 {
		a.mu.Lock()
		a.cfg.Agent.MaxIterations = *maxIterations
		a.mu.Unlock()
	}

	runner, err := a.newRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	if *all {
		if err := runner.DriveAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return 1
		}
		fmt.Println("queue drained")
		return 0
	}

	taskID := *taskFlag
	if taskID == "" {
		if rest := fs.Args(); len(rest) > 0 {
			taskID = rest[0]
		}
	}
	if taskID == "" {
		task, err := a.store.NextTodoTask(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return 1
		}
		if task == nil {
			fmt.Println("nothing to do")
			return 0
		}
		taskID = task.ID
	}

	outcome, err := runner.Run(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s: %v\n", taskID, err)
		return 1
	}
	fmt.Printf("task %s: %s\n", taskID, outcome)
	return 0
}

func runDeployCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report candidates without touching git")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cycle := a.newCycle(a.notifier())
	report, err := cycle.Run(ctx, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deploy: %v\n", err)
		return 1
	}

	fmt.Print(formatDeployReport(report))
	if report.Status == persistence.DeployFailed {
		return 1
	}
	return 0
}

func formatDeployReport(r *deploy.Report) string {
	var b strings.Builder
	if len(r.Candidates) == 0 {
		b.WriteString("nothing green to deploy\n")
		return b.String()
	}
	if r.DryRun {
		fmt.Fprintf(&b, "dry-run: %d candidate branch(es)\n", len(r.Candidates))
		for _, br := range r.Candidates {
			fmt.Fprintf(&b, "  %s\n", br)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "deploy %s: %s\n", r.DeployID, r.Status)
	for _, br := range r.Merged {
		fmt.Fprintf(&b, "  merged    %s\n", br)
	}
	for _, br := range r.Conflicted {
		fmt.Fprintf(&b, "  conflict  %s\n", br)
	}
	for _, br := range r.Skipped {
		fmt.Fprintf(&b, "  skipped   %s\n", br)
	}
	if r.CommitHash != "" {
		fmt.Fprintf(&b, "  commit    %s\n", r.CommitHash)
	}
	if r.Err != "" {
		fmt.Fprintf(&b, "  error     %s\n", r.Err)
	}
	return b.String()
}

func runVisionCommand(ctx context.Context, a *app, args []string) int {
	if len(args) == 0 {
		vision, err := a.store.Vision(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vision: %v\n", err)
			return 1
		}
		if vision == "" {
			fmt.Println("no vision set; run: hemiunu vision <text>")
			return 0
		}
		fmt.Println(vision)
		return 0
	}

	vision := strings.TrimSpace(strings.Join(args, " "))
	if err := a.store.SetVision(ctx, vision); err != nil {
		fmt.Fprintf(os.Stderr, "vision: %v\n", err)
		return 1
	}
	fmt.Println("vision updated")
	return 0
}
