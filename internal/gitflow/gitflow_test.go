package gitflow

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestRepo(t *testing.T) *Manager {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	m := New(root, nil)
	ctx := context.Background()

	mustGit(t, m, ctx, "init", "-b", "main")
	mustGit(t, m, ctx, "config", "user.email", "test@example.com")
	mustGit(t, m, ctx, "config", "user.name", "Test")
	writeFile(t, root, "README.md", "hello\n")
	mustGit(t, m, ctx, "add", "-A")
	mustGit(t, m, ctx, "commit", "-m", "initial commit")
	return m
}

func mustGit(t *testing.T, m *Manager, ctx context.Context, args ...string) {
	t.Helper()
	res, err := m.run(ctx, args...)
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	if !res.Success {
		t.Fatalf("git %v failed: %s %s", args, res.Stdout, res.Stderr)
	}
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCreateTaskBranch(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	branch, res, err := m.CreateTaskBranch(ctx, "abc123")
	if err != nil {
		t.Fatalf("CreateTaskBranch: %v", err)
	}
	if !res.Success {
		t.Fatalf("create failed: %s", res.Stderr)
	}
	if branch != "feature/task-abc123" {
		t.Fatalf("branch = %q", branch)
	}
	current, err := m.CurrentBranch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if current != branch {
		t.Fatalf("current branch = %q, want %q", current, branch)
	}

	// Creating again checks out, does not fail.
	if _, _, err := m.CheckoutMain(ctx); err != nil {
		t.Fatal(err)
	}
	_, res, err = m.CreateTaskBranch(ctx, "abc123")
	if err != nil || !res.Success {
		t.Fatalf("re-create: %v %s", err, res.Stderr)
	}
}

func TestCommitChanges(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	writeFile(t, m.Root(), "app.go", "package main\n")
	hash, res, err := m.CommitChanges(ctx, "t1", "add app entrypoint")
	if err != nil {
		t.Fatalf("CommitChanges: %v", err)
	}
	if !res.Success {
		t.Fatalf("commit failed: %s %s", res.Stdout, res.Stderr)
	}
	if hash == "" {
		t.Fatal("empty commit hash")
	}

	logRes, _ := m.run(ctx, "log", "-1", "--format=%s")
	if want := "feat(task-t1): add app entrypoint"; logRes.Stdout != want {
		t.Fatalf("commit subject = %q, want %q", logRes.Stdout, want)
	}
}

func TestCommitChangesTruncatesSubject(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	long := strings.Repeat("x", 80)
	writeFile(t, m.Root(), "f.txt", "data\n")
	_, res, err := m.CommitChanges(ctx, "t2", long)
	if err != nil || !res.Success {
		t.Fatalf("commit: %v %s", err, res.Stderr)
	}
	logRes, _ := m.run(ctx, "log", "-1", "--format=%s")
	if want := "feat(task-t2): " + strings.Repeat("x", 50); logRes.Stdout != want {
		t.Fatalf("subject = %q (len %d)", logRes.Stdout, len(logRes.Stdout))
	}
}

func TestTruncateSubjectKeepsRunesIntact(t *testing.T) {
	// 30 three-byte runes: byte 50 falls mid-rune, so the cut backs up
	// to the previous boundary instead of emitting invalid UTF-8.
	long := strings.Repeat("日", 30)
	got := truncateSubject(long, commitSubjectLimit)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if want := strings.Repeat("日", 16); got != want {
		t.Fatalf("subject = %q, want %q", got, want)
	}
	if short := "fix the thing"; truncateSubject(short, commitSubjectLimit) != short {
		t.Fatal("short subject modified")
	}
}

func TestCommitNothingToCommit(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	hash, res, err := m.CommitChanges(ctx, "t3", "no changes")
	if err != nil {
		t.Fatalf("CommitChanges: %v", err)
	}
	if !res.Success {
		t.Fatalf("clean-tree commit should succeed: %s %s", res.Stdout, res.Stderr)
	}
	if hash != "" {
		t.Fatalf("hash = %q, want empty for no-op commit", hash)
	}
}

func TestMergeCleanAndConflict(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	// Clean branch changes its own file.
	m.CreateTaskBranch(ctx, "clean")
	writeFile(t, m.Root(), "clean.txt", "clean\n")
	m.CommitChanges(ctx, "clean", "clean change")

	// Conflicting branch edits README, then main diverges on README too.
	m.CheckoutMain(ctx)
	m.CreateTaskBranch(ctx, "conflict")
	writeFile(t, m.Root(), "README.md", "conflict branch\n")
	m.CommitChanges(ctx, "conflict", "conflicting change")

	m.CheckoutMain(ctx)
	writeFile(t, m.Root(), "README.md", "main change\n")
	mustGit(t, m, ctx, "add", "-A")
	mustGit(t, m, ctx, "commit", "-m", "main edit")

	outcome, res, err := m.Merge(ctx, TaskBranchName("clean"))
	if err != nil {
		t.Fatalf("merge clean: %v", err)
	}
	if outcome != MergeClean {
		t.Fatalf("outcome = %v, want clean (stderr %s)", outcome, res.Stderr)
	}

	outcome, _, err = m.Merge(ctx, TaskBranchName("conflict"))
	if err != nil {
		t.Fatalf("merge conflict: %v", err)
	}
	if outcome != MergeConflict {
		t.Fatalf("outcome = %v, want conflict", outcome)
	}

	files, err := m.ConflictedFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "README.md" {
		t.Fatalf("conflicted files = %v", files)
	}

	if res, err := m.AbortMerge(ctx); err != nil || !res.Success {
		t.Fatalf("abort merge: %v %s", err, res.Stderr)
	}
	changes, err := m.UncommittedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("changes after abort = %v", changes)
	}
}

func TestCheckoutMainFallsBackToMaster(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	m := New(root, nil)
	ctx := context.Background()

	mustGit(t, m, ctx, "init", "-b", "master")
	mustGit(t, m, ctx, "config", "user.email", "test@example.com")
	mustGit(t, m, ctx, "config", "user.name", "Test")
	writeFile(t, root, "a.txt", "a\n")
	mustGit(t, m, ctx, "add", "-A")
	mustGit(t, m, ctx, "commit", "-m", "init")

	branch, res, err := m.CheckoutMain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || branch != "master" {
		t.Fatalf("branch = %q success = %v", branch, res.Success)
	}
}

func TestUncommittedChanges(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	writeFile(t, m.Root(), "new.txt", "new\n")
	writeFile(t, m.Root(), "README.md", "edited\n")

	changes, err := m.UncommittedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, c := range changes {
		got[c.Path] = c.Status
	}
	if got["new.txt"] != "??" {
		t.Errorf("new.txt status = %q, want ??", got["new.txt"])
	}
	if got["README.md"] != "M" {
		t.Errorf("README.md status = %q, want M", got["README.md"])
	}
}

func TestStatusWithoutUpstream(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	status, err := m.Status(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if status.HasRemote {
		t.Fatal("HasRemote = true for branch without upstream")
	}
	if status.Ahead != 0 || status.Behind != 0 {
		t.Fatalf("ahead/behind = %d/%d, want 0/0", status.Ahead, status.Behind)
	}
}

func TestResetHard(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	before, err := m.RevParse(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, m.Root(), "junk.txt", "junk\n")
	mustGit(t, m, ctx, "add", "-A")
	mustGit(t, m, ctx, "commit", "-m", "junk")

	if res, err := m.ResetHard(ctx, before); err != nil || !res.Success {
		t.Fatalf("reset: %v %s", err, res.Stderr)
	}
	after, _ := m.RevParse(ctx, "HEAD")
	if after != before {
		t.Fatalf("HEAD = %s, want %s", after, before)
	}
}

func TestLockedSequence(t *testing.T) {
	m := newTestRepo(t)
	ctx := context.Background()

	m.CreateTaskBranch(ctx, "seq")
	writeFile(t, m.Root(), "seq.txt", "seq\n")
	m.CommitChanges(ctx, "seq", "seq change")

	err := m.Locked(func(g *Tx) error {
		branch, res, err := g.CheckoutMain(ctx)
		if err != nil || !res.Success {
			t.Fatalf("checkout main: %v %s", err, res.Stderr)
		}
		if branch != "main" {
			t.Fatalf("branch = %q", branch)
		}
		outcome, res, err := g.Merge(ctx, TaskBranchName("seq"))
		if err != nil {
			return err
		}
		if outcome != MergeClean {
			t.Fatalf("outcome = %v (%s)", outcome, res.Stderr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Locked: %v", err)
	}
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/app/app.go\n?? newfile.go\nA  staged.go"
	changes := parsePorcelain(out)
	if len(changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(changes))
	}
	if changes[0].Status != "M" || changes[0].Path != "internal/app/app.go" {
		t.Errorf("first = %+v", changes[0])
	}
	if changes[1].Status != "??" || changes[1].Path != "newfile.go" {
		t.Errorf("second = %+v", changes[1])
	}
	if changes[2].Status != "A" || changes[2].Path != "staged.go" {
		t.Errorf("third = %+v", changes[2])
	}
	if got := parsePorcelain(""); len(got) != 0 {
		t.Fatalf("empty output parsed to %v", got)
	}
}
