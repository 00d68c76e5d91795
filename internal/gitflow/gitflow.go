// Package gitflow is the only component that touches the project working
// tree. Every operation shells out to git in the project root and captures
// the outcome instead of raising it; callers branch on Result.Success.
// A process-wide mutex serializes all git invocations so concurrent agent
// runs and deploy cycles never interleave on the tree.
package gitflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

const commitSubjectLimit = 50

// Result captures the outcome of one git invocation.
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileChange is one entry from git status --porcelain.
type FileChange struct {
	Status string
	Path   string
}

// BranchStatus describes a branch's position relative to its upstream.
type BranchStatus struct {
	Branch    string
	HasRemote bool
	Ahead     int
	Behind    int
}

// MergeOutcome classifies a merge attempt.
type MergeOutcome int

const (
	MergeClean MergeOutcome = iota
	MergeConflict
	MergeError
)

// Manager runs git subprocesses in a fixed project root.
type Manager struct {
	root   string
	logger *slog.Logger

	// mu makes the working tree a single-writer resource: every git
	// invocation holds it, and Locked holds it across a whole sequence.
	mu sync.Mutex
}

// New creates a Manager for the given project root.
func New(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, logger: logger}
}

// Root returns the project root the manager operates in.
func (m *Manager) Root() string {
	return m.root
}

// Locked runs fn while holding the tree lock. Git operations called from
// within fn reuse the already-held lock.
func (m *Manager) Locked(fn func(g *Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&Tx{m: m})
}

// Tx exposes git operations inside a Locked section without re-locking.
type Tx struct {
	m *Manager
}

// run executes git with the given args, capturing output. Only process
// spawn failures surface as errors; git failures land in the Result.
func (m *Manager) run(ctx context.Context, args ...string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runLocked(ctx, args...)
}

func (m *Manager) runLocked(ctx context.Context, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.root
	// Never prompt; fail instead.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	res := Result{
		Stdout: strings.TrimRight(outBuf.String(), "\n"),
		Stderr: strings.TrimRight(errBuf.String(), "\n"),
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return res, fmt.Errorf("spawn git %s: %w", args[0], runErr)
		}
	}
	res.Success = res.ExitCode == 0
	if !res.Success {
		m.logger.Debug("git command failed",
			"args", strings.Join(args, " "),
			"exit_code", res.ExitCode,
			"stderr", res.Stderr,
		)
	}
	return res, nil
}

// truncateSubject cuts the commit subject to at most limit bytes,
// backing up so a multi-byte rune is never split.
func truncateSubject(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// TaskBranchName returns the canonical branch name for a task.
func TaskBranchName(taskID string) string {
	return "feature/task-" + taskID
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	res, err := m.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("current branch: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(ctx context.Context, name string) (bool, error) {
	res, err := m.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

// CreateTaskBranch creates and checks out feature/task-<id>. If the
// branch already exists it is checked out instead of recreated.
func (m *Manager) CreateTaskBranch(ctx context.Context, taskID string) (string, Result, error) {
	branch := TaskBranchName(taskID)
	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return branch, Result{}, err
	}
	var res Result
	if exists {
		res, err = m.run(ctx, "checkout", branch)
	} else {
		res, err = m.run(ctx, "checkout", "-b", branch)
	}
	return branch, res, err
}

// CommitChanges stages everything and commits with the canonical task
// message. "Nothing to commit" counts as success with an empty hash.
func (m *Manager) CommitChanges(ctx context.Context, taskID, description string) (string, Result, error) {
	res, err := m.run(ctx, "add", "-A")
	if err != nil || !res.Success {
		return "", res, err
	}

	msg := fmt.Sprintf("feat(task-%s): %s", taskID, truncateSubject(description, commitSubjectLimit))

	res, err = m.run(ctx, "commit", "-m", msg)
	if err != nil {
		return "", res, err
	}
	if !res.Success {
		combined := res.Stdout + res.Stderr
		if strings.Contains(combined, "nothing to commit") ||
			strings.Contains(combined, "working tree clean") {
			return "", Result{Success: true, Stdout: res.Stdout}, nil
		}
		return "", res, nil
	}

	hashRes, err := m.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil || !hashRes.Success {
		return "", res, err
	}
	return strings.TrimSpace(hashRes.Stdout), res, nil
}

// PushBranch pushes a branch to the remote, setting upstream.
func (m *Manager) PushBranch(ctx context.Context, remote, name string) (Result, error) {
	return m.run(ctx, "push", "-u", remote, name)
}

// CheckoutMain checks out the integration branch, trying main then
// master, and returns the branch that worked.
func (m *Manager) CheckoutMain(ctx context.Context) (string, Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return checkoutMain(ctx, m)
}

func checkoutMain(ctx context.Context, m *Manager) (string, Result, error) {
	var last Result
	for _, candidate := range []string{"main", "master"} {
		res, err := m.runLocked(ctx, "checkout", candidate)
		if err != nil {
			return "", res, err
		}
		if res.Success {
			return candidate, res, nil
		}
		last = res
	}
	return "", last, nil
}

// Pull pulls a branch from the remote. "Already up to date" and a
// missing remote both count as tolerable; callers inspect Result.
func (m *Manager) Pull(ctx context.Context, remote, branch string) (Result, error) {
	return m.run(ctx, "pull", remote, branch)
}

// Merge merges the branch into the current one without opening an editor.
func (m *Manager) Merge(ctx context.Context, branch string) (MergeOutcome, Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return merge(ctx, m, branch)
}

func merge(ctx context.Context, m *Manager, branch string) (MergeOutcome, Result, error) {
	res, err := m.runLocked(ctx, "merge", branch, "--no-edit")
	if err != nil {
		return MergeError, res, err
	}
	if res.Success {
		return MergeClean, res, nil
	}
	conflicted, cerr := hasUnmergedPaths(ctx, m)
	if cerr == nil && conflicted {
		return MergeConflict, res, nil
	}
	// Fallback signal when ls-files itself failed.
	if strings.Contains(res.Stdout+res.Stderr, "CONFLICT") {
		return MergeConflict, res, nil
	}
	return MergeError, res, nil
}

// hasUnmergedPaths reports whether the index holds unmerged entries.
func hasUnmergedPaths(ctx context.Context, m *Manager) (bool, error) {
	res, err := m.runLocked(ctx, "ls-files", "-u")
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, fmt.Errorf("ls-files -u: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// ConflictedFiles lists paths with unmerged index entries.
func (m *Manager) ConflictedFiles(ctx context.Context) ([]string, error) {
	res, err := m.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("list conflicted files: %s", res.Stderr)
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge aborts an in-progress merge.
func (m *Manager) AbortMerge(ctx context.Context) (Result, error) {
	return m.run(ctx, "merge", "--abort")
}

// ResetHard resets the current branch to the given ref.
func (m *Manager) ResetHard(ctx context.Context, ref string) (Result, error) {
	return m.run(ctx, "reset", "--hard", ref)
}

// RevParse resolves a ref to a short hash.
func (m *Manager) RevParse(ctx context.Context, ref string) (string, error) {
	res, err := m.run(ctx, "rev-parse", "--short", ref)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("rev-parse %s: %s", ref, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// UncommittedChanges parses git status --porcelain into file changes.
func (m *Manager) UncommittedChanges(ctx context.Context) ([]FileChange, error) {
	res, err := m.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("status: %s", res.Stderr)
	}
	return parsePorcelain(res.Stdout), nil
}

func parsePorcelain(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		changes = append(changes, FileChange{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	return changes
}

// Status returns a branch's position relative to its upstream. A branch
// without an upstream reports HasRemote=false and zero counts.
func (m *Manager) Status(ctx context.Context, branch string) (BranchStatus, error) {
	status := BranchStatus{Branch: branch}
	res, err := m.run(ctx, "rev-list", "--left-right", "--count", branch+"..."+branch+"@{upstream}")
	if err != nil {
		return status, err
	}
	if !res.Success {
		// No upstream configured.
		return status, nil
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 {
		return status, fmt.Errorf("unexpected rev-list output %q", res.Stdout)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return status, fmt.Errorf("parse ahead count: %w", err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return status, fmt.Errorf("parse behind count: %w", err)
	}
	status.HasRemote = true
	status.Ahead = ahead
	status.Behind = behind
	return status, nil
}

// Tx variants reuse the lock already held by Locked.

func (t *Tx) CheckoutMain(ctx context.Context) (string, Result, error) {
	return checkoutMain(ctx, t.m)
}

func (t *Tx) Pull(ctx context.Context, remote, branch string) (Result, error) {
	return t.m.runLocked(ctx, "pull", remote, branch)
}

func (t *Tx) Merge(ctx context.Context, branch string) (MergeOutcome, Result, error) {
	return merge(ctx, t.m, branch)
}

func (t *Tx) ConflictedFiles(ctx context.Context) ([]string, error) {
	res, err := t.m.runLocked(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("list conflicted files: %s", res.Stderr)
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (t *Tx) AbortMerge(ctx context.Context) (Result, error) {
	return t.m.runLocked(ctx, "merge", "--abort")
}

func (t *Tx) ResetHard(ctx context.Context, ref string) (Result, error) {
	return t.m.runLocked(ctx, "reset", "--hard", ref)
}

func (t *Tx) Push(ctx context.Context, remote, branch string) (Result, error) {
	return t.m.runLocked(ctx, "push", remote, branch)
}

func (t *Tx) RevParse(ctx context.Context, ref string) (string, error) {
	res, err := t.m.runLocked(ctx, "rev-parse", "--short", ref)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("rev-parse %s: %s", ref, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (t *Tx) BranchExists(ctx context.Context, name string) (bool, error) {
	res, err := t.m.runLocked(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}
