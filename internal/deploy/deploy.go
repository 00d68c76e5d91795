// Package deploy merges GREEN task branches into main behind a single
// all-or-nothing integration test gate. Conflicting branches are skipped
// and recorded; a failed gate rolls main back to its pre-cycle state.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/khufu-labs/hemiunu/internal/bus"
	"github.com/khufu-labs/hemiunu/internal/gitflow"
	otelPkg "github.com/khufu-labs/hemiunu/internal/otel"
	"github.com/khufu-labs/hemiunu/internal/persistence"
	"github.com/khufu-labs/hemiunu/internal/tools"
)

// ErrCycleInProgress is returned when Run is called while another
// cycle is still executing. Only one cycle may touch the tree at a time.
var ErrCycleInProgress = errors.New("deploy cycle already in progress")

const (
	defaultRemote      = "origin"
	defaultMainBranch  = "main"
	defaultTestTimeout = 300 * time.Second

	testFilePrefix = "test_"
)

// Notifier receives human-facing deploy notifications. Implementations
// live in the channels package; a nil Notifier disables notifications.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config tunes a deploy cycle.
type Config struct {
	Remote     string
	MainBranch string
	// TestDir holds the integration test scripts (test_* files). A
	// missing directory means the gate trivially passes.
	TestDir string
	// TestTimeout bounds the whole test phase; zero selects the default.
	TestTimeout time.Duration
	// Tracer wraps each cycle in a span; nil selects a noop tracer.
	Tracer trace.Tracer
}

// Report summarizes one cycle.
type Report struct {
	DeployID   string
	DryRun     bool
	Candidates []string // branches eligible at cycle start
	Merged     []string // branches merged cleanly
	Conflicted []string // branches skipped on conflict
	Skipped    []string // branches whose merge failed for another reason
	TestsRun   bool
	TestOutput string
	CommitHash string
	Status     persistence.DeployStatus
	Err        string
}

// Cycle executes deploys against one project.
type Cycle struct {
	store    *persistence.Store
	git      *gitflow.Manager
	shell    tools.Shell
	notifier Notifier
	bus      *bus.Bus
	cfg      Config
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// New wires a Cycle. shell defaults to HostShell; notifier and eventBus
// may be nil.
func New(store *persistence.Store, git *gitflow.Manager, shell tools.Shell, notifier Notifier, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Cycle {
	if cfg.Remote == "" {
		cfg.Remote = defaultRemote
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = defaultMainBranch
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = defaultTestTimeout
	}
	if shell == nil {
		shell = &tools.HostShell{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cycle{
		store:    store,
		git:      git,
		shell:    shell,
		notifier: notifier,
		bus:      eventBus,
		cfg:      cfg,
		tracer:   tracer,
		logger:   logger,
	}
}

// Run executes one deploy cycle. With dryRun set it only reports which
// branches would merge. A second concurrent call fails with
// ErrCycleInProgress instead of queueing.
func (c *Cycle) Run(ctx context.Context, dryRun bool) (*Report, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	started := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, c.tracer, "deploy.cycle")
	defer span.End()

	candidates, err := c.store.ListTasksByStatus(ctx, persistence.StatusGreen)
	if err != nil {
		return nil, err
	}

	report := &Report{DeployID: uuid.NewString(), DryRun: dryRun}
	span.SetAttributes(otelPkg.AttrDeployID.String(report.DeployID))
	for _, task := range candidates {
		report.Candidates = append(report.Candidates, c.branchFor(task))
	}
	sort.Strings(report.Candidates)

	if len(candidates) == 0 {
		c.logger.Info("deploy cycle: nothing to deploy")
		report.Status = persistence.DeploySuccess
		return report, nil
	}
	if dryRun {
		c.logger.Info("deploy cycle dry run", "candidates", report.Candidates)
		report.Status = persistence.DeploySuccess
		return report, nil
	}

	c.publish(bus.TopicDeployStarted, bus.DeployEvent{DeployID: report.DeployID})
	c.logger.Info("deploy cycle started", "deploy_id", report.DeployID, "candidates", len(candidates))

	var deployed []*persistence.Task
	err = c.git.Locked(func(g *gitflow.Tx) error {
		deployed, err = c.runLocked(ctx, g, candidates, report)
		return err
	})
	if err != nil {
		return report, err
	}

	switch report.Status {
	case persistence.DeploySuccess:
		for _, task := range deployed {
			if err := c.store.DeployTask(ctx, task.ID); err != nil {
				c.logger.Error("mark task deployed", "task_id", task.ID, "error", err)
			}
		}
		if _, err := c.store.AppendDeployRecord(ctx, report.Merged, persistence.DeploySuccess, report.CommitHash, ""); err != nil {
			c.logger.Error("append deploy record", "error", err)
		}
		c.publish(bus.TopicDeployCompleted, bus.DeployEvent{
			DeployID: report.DeployID, Merged: report.Merged, Conflicts: report.Conflicted,
			DurationSeconds: time.Since(started).Seconds(),
		})
		c.notify(ctx, fmt.Sprintf("Deploy %s succeeded: %d branch(es) merged at %s.",
			report.DeployID, len(report.Merged), report.CommitHash))
	case persistence.DeployFailed:
		if _, err := c.store.AppendDeployRecord(ctx, report.Merged, persistence.DeployFailed, "", report.Err); err != nil {
			c.logger.Error("append deploy record", "error", err)
		}
		c.publish(bus.TopicDeployFailed, bus.DeployEvent{
			DeployID: report.DeployID, Merged: report.Merged, Conflicts: report.Conflicted, Error: report.Err,
			DurationSeconds: time.Since(started).Seconds(),
		})
		c.notify(ctx, fmt.Sprintf("Deploy %s failed: %s", report.DeployID, report.Err))
	}
	return report, nil
}

// runLocked is the tree-touching half of a cycle. It returns the tasks
// whose branches landed; report.Status says whether they stayed in.
func (c *Cycle) runLocked(ctx context.Context, g *gitflow.Tx, candidates []*persistence.Task, report *Report) ([]*persistence.Task, error) {
	if _, res, err := g.CheckoutMain(ctx); err != nil {
		return nil, err
	} else if !res.Success {
		report.Status = persistence.DeployFailed
		report.Err = "checkout main: " + res.Stderr
		return nil, nil
	}
	if res, err := g.Pull(ctx, c.cfg.Remote, c.cfg.MainBranch); err != nil {
		return nil, err
	} else if !res.Success {
		// No remote or offline; deploy against the local main.
		c.logger.Warn("pull before deploy failed", "stderr", res.Stderr)
	}

	preHash, err := g.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, err
	}

	var deployed []*persistence.Task
	for _, task := range candidates {
		branch := c.branchFor(task)
		exists, err := g.BranchExists(ctx, branch)
		if err != nil {
			return nil, err
		}
		if !exists {
			c.logger.Warn("candidate branch missing", "task_id", task.ID, "branch", branch)
			continue
		}

		outcome, res, err := g.Merge(ctx, branch)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case gitflow.MergeClean:
			report.Merged = append(report.Merged, branch)
			deployed = append(deployed, task)
			c.publish(bus.TopicDeployMerged, bus.DeployEvent{DeployID: report.DeployID, Branch: branch})
			c.logger.Info("merged branch", "branch", branch)
		case gitflow.MergeConflict:
			c.recordConflict(ctx, g, report, branch)
		case gitflow.MergeError:
			// Not a conflict: no row is recorded, the branch is only
			// reported so operators can tell the two apart.
			c.logger.Error("merge failed", "branch", branch, "stderr", res.Stderr)
			if _, abortErr := g.AbortMerge(ctx); abortErr != nil {
				return nil, abortErr
			}
			report.Skipped = append(report.Skipped, branch)
		}
	}

	if len(report.Merged) == 0 {
		report.Status = persistence.DeployFailed
		report.Err = "no branches merged cleanly"
		return nil, nil
	}

	passed, output := c.runTests(ctx)
	report.TestsRun = true
	report.TestOutput = output
	if !passed {
		c.rollback(ctx, g, preHash)
		report.Status = persistence.DeployFailed
		report.Err = "integration tests failed: " + firstLine(output)
		return nil, nil
	}

	head, err := g.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, err
	}
	report.CommitHash = head

	if res, err := g.Push(ctx, c.cfg.Remote, c.cfg.MainBranch); err != nil {
		return nil, err
	} else if !res.Success {
		c.logger.Warn("push main failed", "stderr", res.Stderr)
	}

	report.Status = persistence.DeploySuccess
	return deployed, nil
}

// recordConflict aborts the merge, persists one conflict row per
// unmerged file, and moves on to the next branch.
func (c *Cycle) recordConflict(ctx context.Context, g *gitflow.Tx, report *Report, branch string) {
	files, err := g.ConflictedFiles(ctx)
	if err != nil {
		c.logger.Error("list conflicted files", "branch", branch, "error", err)
	}
	if _, err := g.AbortMerge(ctx); err != nil {
		c.logger.Error("abort merge", "branch", branch, "error", err)
	}

	if len(files) == 0 {
		files = []string{""}
	}
	// branch_a is the merge target, branch_b the task branch.
	for _, file := range files {
		if _, err := c.store.RecordConflict(ctx, c.cfg.MainBranch, branch, file); err != nil {
			c.logger.Error("record conflict", "branch", branch, "error", err)
		}
	}

	report.Conflicted = append(report.Conflicted, branch)
	c.publish(bus.TopicDeployConflict, bus.DeployEvent{DeployID: report.DeployID, Branch: branch, Conflicts: files})
	c.notify(ctx, fmt.Sprintf("Merge conflict: %s vs %s (%s). Branch skipped.", branch, c.cfg.MainBranch, strings.Join(files, ", ")))
	c.logger.Warn("merge conflict, branch skipped", "branch", branch, "files", files)
}

// rollback restores main after a failed test gate. The remote tip is
// authoritative when it exists; otherwise the pre-cycle commit is.
func (c *Cycle) rollback(ctx context.Context, g *gitflow.Tx, preHash string) {
	ref := c.cfg.Remote + "/" + c.cfg.MainBranch
	res, err := g.ResetHard(ctx, ref)
	if err == nil && res.Success {
		return
	}
	if res, err = g.ResetHard(ctx, preHash); err != nil || !res.Success {
		c.logger.Error("rollback failed", "ref", preHash, "error", err, "stderr", res.Stderr)
	}
}

// runTests executes every test_* file in the test directory through the
// shell. All must exit zero for the gate to pass. A missing directory
// passes trivially.
func (c *Cycle) runTests(ctx context.Context) (bool, string) {
	if c.cfg.TestDir == "" {
		return true, ""
	}
	entries, err := os.ReadDir(c.cfg.TestDir)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("no integration test dir, gate passes", "dir", c.cfg.TestDir)
			return true, ""
		}
		return false, fmt.Sprintf("read test dir: %v", err)
	}

	testCtx, cancel := context.WithTimeout(ctx, c.cfg.TestTimeout)
	defer cancel()

	var out strings.Builder
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), testFilePrefix) {
			continue
		}
		script := filepath.Join(c.cfg.TestDir, entry.Name())
		stdout, stderr, exitCode, err := c.shell.Exec(testCtx, "sh "+script, c.git.Root())
		fmt.Fprintf(&out, "--- %s (exit %d)\n%s%s", entry.Name(), exitCode, stdout, stderr)
		if err != nil {
			fmt.Fprintf(&out, "exec error: %v\n", err)
			return false, out.String()
		}
		if exitCode != 0 {
			c.logger.Warn("integration test failed", "script", entry.Name(), "exit_code", exitCode)
			return false, out.String()
		}
	}
	return true, out.String()
}

func (c *Cycle) branchFor(task *persistence.Task) string {
	if task.Branch != "" {
		return task.Branch
	}
	return gitflow.TaskBranchName(task.ID)
}

func (c *Cycle) publish(topic string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, payload)
}

func (c *Cycle) notify(ctx context.Context, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, message); err != nil {
		c.logger.Warn("notify", "error", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
