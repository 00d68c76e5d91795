package deploy

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/khufu-labs/hemiunu/internal/gitflow"
	"github.com/khufu-labs/hemiunu/internal/persistence"
)

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// newDeployRepo builds a work repo with a bare origin so pull, push,
// and origin/main rollback behave like production.
func newDeployRepo(t *testing.T) (work, bare string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	bare = filepath.Join(t.TempDir(), "origin.git")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatal(err)
	}
	mustGit(t, bare, "init", "--bare", "-b", "main")

	work = t.TempDir()
	mustGit(t, work, "init", "-b", "main")
	mustGit(t, work, "config", "user.email", "test@example.com")
	mustGit(t, work, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(work, "README.md"), []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, work, "add", "-A")
	mustGit(t, work, "commit", "-m", "initial commit")
	mustGit(t, work, "remote", "add", "origin", bare)
	mustGit(t, work, "push", "-u", "origin", "main")
	return work, bare
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// greenTask creates a GREEN task whose branch carries one committed file.
func greenTask(t *testing.T, store *persistence.Store, repo, description, file, content string) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, description, "")
	if err != nil {
		t.Fatal(err)
	}

	branch := gitflow.TaskBranchName(task.ID)
	mustGit(t, repo, "checkout", "-b", branch, "main")
	path := filepath.Join(repo, file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, repo, "add", "-A")
	mustGit(t, repo, "commit", "-m", "work for "+task.ID)
	mustGit(t, repo, "checkout", "main")

	if err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTaskBranch(ctx, task.ID, branch); err != nil {
		t.Fatal(err)
	}
	return task
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func TestRunMergesGreenBranches(t *testing.T) {
	work, bare := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	t1 := greenTask(t, store, work, "add feature a", "a.txt", "a\n")
	t2 := greenTask(t, store, work, "add feature b", "b.txt", "b\n")

	cycle := New(store, gitflow.New(work, nil), nil, nil, nil, Config{}, nil)
	report, err := cycle.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != persistence.DeploySuccess {
		t.Fatalf("status = %s (%s)", report.Status, report.Err)
	}
	if len(report.Merged) != 2 || len(report.Conflicted) != 0 {
		t.Fatalf("merged = %v conflicted = %v", report.Merged, report.Conflicted)
	}

	for _, file := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(work, file)); err != nil {
			t.Errorf("%s missing on main: %v", file, err)
		}
	}
	for _, task := range []*persistence.Task{t1, t2} {
		got, _ := store.GetTask(ctx, task.ID)
		if got.Status != persistence.StatusDeployed {
			t.Errorf("task %s status = %s, want DEPLOYED", task.ID, got.Status)
		}
	}

	// Main was pushed.
	if mustGit(t, bare, "rev-parse", "main") != mustGit(t, work, "rev-parse", "main") {
		t.Error("origin main not updated")
	}

	records, err := store.ListDeployRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Status != persistence.DeploySuccess || len(records[0].Branches) != 2 {
		t.Errorf("deploy records = %+v", records)
	}
	if records[0].CommitHash == "" {
		t.Error("deploy record missing commit hash")
	}
}

func TestRunWithNothingGreenIsNoOp(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)

	cycle := New(store, gitflow.New(work, nil), nil, nil, nil, Config{}, nil)
	report, err := cycle.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != persistence.DeploySuccess || len(report.Merged) != 0 {
		t.Fatalf("report = %+v", report)
	}

	records, _ := store.ListDeployRecords(context.Background(), 10)
	if len(records) != 0 {
		t.Errorf("no-op cycle wrote %d deploy records", len(records))
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	task := greenTask(t, store, work, "dry run candidate", "c.txt", "c\n")
	before := mustGit(t, work, "rev-parse", "main")

	cycle := New(store, gitflow.New(work, nil), nil, nil, nil, Config{}, nil)
	report, err := cycle.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.DryRun || len(report.Candidates) != 1 || len(report.Merged) != 0 {
		t.Fatalf("report = %+v", report)
	}

	if mustGit(t, work, "rev-parse", "main") != before {
		t.Error("dry run moved main")
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.StatusGreen {
		t.Errorf("task status = %s, want GREEN", got.Status)
	}
	records, _ := store.ListDeployRecords(ctx, 10)
	if len(records) != 0 {
		t.Error("dry run wrote a deploy record")
	}
}

func TestConflictSkipsBranchAndContinues(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	// Both branches rewrite the same line of README.md.
	t1 := greenTask(t, store, work, "first readme edit", "README.md", "version one\n")
	t2 := greenTask(t, store, work, "second readme edit", "README.md", "version two\n")

	notifier := &recordingNotifier{}
	cycle := New(store, gitflow.New(work, nil), nil, notifier, nil, Config{}, nil)
	report, err := cycle.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != persistence.DeploySuccess {
		t.Fatalf("status = %s (%s)", report.Status, report.Err)
	}
	if len(report.Merged) != 1 || len(report.Conflicted) != 1 {
		t.Fatalf("merged = %v conflicted = %v", report.Merged, report.Conflicted)
	}
	if report.Conflicted[0] != gitflow.TaskBranchName(t2.ID) {
		t.Errorf("conflicted = %v", report.Conflicted)
	}

	got1, _ := store.GetTask(ctx, t1.ID)
	got2, _ := store.GetTask(ctx, t2.ID)
	if got1.Status != persistence.StatusDeployed {
		t.Errorf("t1 status = %s", got1.Status)
	}
	if got2.Status != persistence.StatusGreen {
		t.Errorf("t2 status = %s, want GREEN (retry later)", got2.Status)
	}

	conflicts, err := store.ListConflicts(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0].FilePath != "README.md" {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	// branch_a is the merge target, branch_b the skipped task branch.
	if conflicts[0].BranchA != "main" {
		t.Errorf("branch_a = %q, want main", conflicts[0].BranchA)
	}
	if want := gitflow.TaskBranchName(t2.ID); conflicts[0].BranchB != want {
		t.Errorf("branch_b = %q, want %q", conflicts[0].BranchB, want)
	}

	// Aborted merge left a clean tree.
	if status := mustGit(t, work, "status", "--porcelain"); status != "" {
		t.Errorf("tree dirty after conflict: %q", status)
	}

	msgs := strings.Join(notifier.all(), "\n")
	if !strings.Contains(msgs, "Merge conflict") {
		t.Errorf("no conflict notification: %q", msgs)
	}
}

// TestUnmergeableBranchReportedAsSkipped covers merge failures that are
// not conflicts: the branch lands in Skipped, not Conflicted, and no
// conflict row is written.
func TestUnmergeableBranchReportedAsSkipped(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	clean := greenTask(t, store, work, "clean change", "g.txt", "g\n")

	// A branch with an unrelated history: git refuses the merge outright
	// without producing unmerged paths.
	orphan, err := store.CreateTask(ctx, "unrelated history", "")
	if err != nil {
		t.Fatal(err)
	}
	orphanBranch := gitflow.TaskBranchName(orphan.ID)
	mustGit(t, work, "checkout", "--orphan", orphanBranch)
	mustGit(t, work, "commit", "-m", "unrelated root")
	mustGit(t, work, "checkout", "main")
	if err := store.StartTask(ctx, orphan.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveTask(ctx, orphan.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTaskBranch(ctx, orphan.ID, orphanBranch); err != nil {
		t.Fatal(err)
	}

	cycle := New(store, gitflow.New(work, nil), nil, nil, nil, Config{}, nil)
	report, err := cycle.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Status != persistence.DeploySuccess {
		t.Fatalf("status = %s (%s)", report.Status, report.Err)
	}
	if len(report.Merged) != 1 || report.Merged[0] != gitflow.TaskBranchName(clean.ID) {
		t.Errorf("merged = %v", report.Merged)
	}
	if len(report.Conflicted) != 0 {
		t.Errorf("conflicted = %v, want none", report.Conflicted)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != orphanBranch {
		t.Errorf("skipped = %v, want [%s]", report.Skipped, orphanBranch)
	}

	conflicts, err := store.ListConflicts(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("merge failure recorded as conflict: %+v", conflicts)
	}
}

func TestFailedTestGateRollsBackMain(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	task := greenTask(t, store, work, "breaks integration", "d.txt", "d\n")
	before := mustGit(t, work, "rev-parse", "main")

	testDir := filepath.Join(t.TempDir(), "integration")
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(testDir, "test_gate.sh"), []byte("echo broken\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cycle := New(store, gitflow.New(work, nil), nil, nil, nil, Config{TestDir: testDir}, nil)
	report, err := cycle.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != persistence.DeployFailed {
		t.Fatalf("status = %s, want FAILED", report.Status)
	}
	if !strings.Contains(report.Err, "integration tests failed") {
		t.Errorf("err = %q", report.Err)
	}

	// Main is back where it started and the task keeps its GREEN slot.
	if mustGit(t, work, "rev-parse", "main") != before {
		t.Error("main not rolled back")
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.StatusGreen {
		t.Errorf("task status = %s, want GREEN", got.Status)
	}

	records, _ := store.ListDeployRecords(ctx, 10)
	if len(records) != 1 || records[0].Status != persistence.DeployFailed {
		t.Errorf("deploy records = %+v", records)
	}
}

func TestPassingTestGateDeploys(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	greenTask(t, store, work, "clean change", "e.txt", "e\n")

	testDir := filepath.Join(t.TempDir(), "integration")
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(testDir, "test_gate.sh"), []byte("test -f e.txt\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cycle := New(store, gitflow.New(work, nil), nil, nil, nil, Config{TestDir: testDir}, nil)
	report, err := cycle.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != persistence.DeploySuccess || !report.TestsRun {
		t.Fatalf("report = %+v", report)
	}
}

// blockingShell parks the first Exec until released, holding the cycle
// open so a second Run can be attempted.
type blockingShell struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingShell) Exec(ctx context.Context, _, _ string) (string, string, int, error) {
	close(s.started)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return "", "", 0, nil
}

func TestConcurrentRunRefused(t *testing.T) {
	work, _ := newDeployRepo(t)
	store := newTestStore(t)
	ctx := context.Background()

	greenTask(t, store, work, "slow deploy", "f.txt", "f\n")

	testDir := filepath.Join(t.TempDir(), "integration")
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(testDir, "test_slow.sh"), []byte("true\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	shell := &blockingShell{started: make(chan struct{}), release: make(chan struct{})}
	cycle := New(store, gitflow.New(work, nil), shell, nil, nil, Config{TestDir: testDir}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := cycle.Run(ctx, false)
		done <- err
	}()

	<-shell.started
	if _, err := cycle.Run(ctx, false); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("second run err = %v, want ErrCycleInProgress", err)
	}
	close(shell.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
