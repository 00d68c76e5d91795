// Package goldenthread assembles the working context handed to the
// model at the start of an agent run: the product vision, a compact
// view of the repository, and the state of neighbouring tasks. The
// result is capped so a sprawling repository cannot blow the prompt.
package goldenthread

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/khufu-labs/hemiunu/internal/gitflow"
	"github.com/khufu-labs/hemiunu/internal/persistence"
)

const (
	// MaxContextChars caps the formatted context.
	MaxContextChars = 8000

	maxTreeLines    = 50
	maxRelevantHits = 5
	maxTaskLines    = 10
	maxTaskChars    = 40

	truncationMarker = "\n...[context truncated]"

	conventionsFile = "CONVENTIONS.md"
)

// skipDirs are directories never worth showing the model.
var skipDirs = map[string]struct{}{
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	"__pycache__":  {},
}

// Context is the assembled material for one task.
type Context struct {
	Vision           string
	Task             *persistence.Task
	Structure        []string
	Conventions      string
	GitBranch        string
	UncommittedFiles []string
	RelevantFiles    []string
	ExistingTasks    []string
}

// Builder gathers context from the store, the git tree, and the
// project files. Every source is best effort: a failed lookup is
// logged and its section left empty rather than failing the run.
type Builder struct {
	store    *persistence.Store
	git      *gitflow.Manager
	root     string
	maxChars int
	logger   *slog.Logger
}

// NewBuilder builds a Builder rooted at the project directory.
// maxChars <= 0 selects MaxContextChars; a cap smaller than the
// truncation marker is raised to fit it.
func NewBuilder(store *persistence.Store, git *gitflow.Manager, root string, maxChars int, logger *slog.Logger) *Builder {
	if maxChars <= 0 {
		maxChars = MaxContextChars
	}
	if maxChars < len(truncationMarker) {
		maxChars = len(truncationMarker)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, git: git, root: root, maxChars: maxChars, logger: logger}
}

// Build assembles the context for a task.
func (b *Builder) Build(ctx context.Context, task *persistence.Task) *Context {
	gc := &Context{Task: task}

	if b.store != nil {
		vision, err := b.store.Vision(ctx)
		if err != nil {
			b.logger.Warn("context: vision unavailable", "error", err)
		} else {
			gc.Vision = strings.TrimSpace(vision)
		}
		gc.ExistingTasks = b.otherTasks(ctx, task)
	}

	gc.Structure = b.projectTree()
	gc.Conventions = b.conventions()
	gc.RelevantFiles = b.relevantFiles(task.Description)

	if b.git != nil {
		branch, err := b.git.CurrentBranch(ctx)
		if err != nil {
			b.logger.Warn("context: current branch unavailable", "error", err)
		} else {
			gc.GitBranch = branch
		}
		changes, err := b.git.UncommittedChanges(ctx)
		if err != nil {
			b.logger.Warn("context: git status unavailable", "error", err)
		} else {
			for _, c := range changes {
				gc.UncommittedFiles = append(gc.UncommittedFiles, c.Path)
			}
		}
	}

	return gc
}

// Format renders the context as prompt text, clipped to the cap with a
// trailing truncation marker when it overflows.
func (b *Builder) Format(gc *Context) string {
	var sb strings.Builder

	if gc.Vision != "" {
		sb.WriteString("# Vision\n")
		sb.WriteString(gc.Vision)
		sb.WriteString("\n\n")
	}

	sb.WriteString("# Current Task\n")
	sb.WriteString(gc.Task.Description)
	sb.WriteString("\n")
	if gc.Task.CLITest != "" {
		sb.WriteString("Acceptance test: ")
		sb.WriteString(gc.Task.CLITest)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if len(gc.Structure) > 0 {
		sb.WriteString("# Project Structure\n")
		for _, line := range gc.Structure {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if gc.Conventions != "" {
		sb.WriteString("# Conventions\n")
		sb.WriteString(gc.Conventions)
		sb.WriteString("\n\n")
	}

	if gc.GitBranch != "" || len(gc.UncommittedFiles) > 0 {
		sb.WriteString("# Git\n")
		if gc.GitBranch != "" {
			fmt.Fprintf(&sb, "Branch: %s\n", gc.GitBranch)
		}
		for _, path := range gc.UncommittedFiles {
			fmt.Fprintf(&sb, "Uncommitted: %s\n", path)
		}
		sb.WriteString("\n")
	}

	if len(gc.RelevantFiles) > 0 {
		sb.WriteString("# Possibly Relevant Files\n")
		for _, path := range gc.RelevantFiles {
			fmt.Fprintf(&sb, "- %s\n", path)
		}
		sb.WriteString("\n")
	}

	if len(gc.ExistingTasks) > 0 {
		sb.WriteString("# Other Tasks\n")
		for _, line := range gc.ExistingTasks {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	out := strings.TrimRight(sb.String(), "\n")
	if len(out) <= b.maxChars {
		return out
	}
	return truncateRunes(out, b.maxChars-len(truncationMarker)) + truncationMarker
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// projectTree renders the repository two levels deep.
func (b *Builder) projectTree() []string {
	top, err := os.ReadDir(b.root)
	if err != nil {
		b.logger.Warn("context: read project root", "error", err)
		return nil
	}

	var lines []string
	for _, entry := range top {
		if len(lines) >= maxTreeLines {
			break
		}
		name := entry.Name()
		if skipEntry(name) {
			continue
		}
		if !entry.IsDir() {
			lines = append(lines, name)
			continue
		}
		lines = append(lines, name+"/")
		children, err := os.ReadDir(filepath.Join(b.root, name))
		if err != nil {
			continue
		}
		for _, child := range children {
			if len(lines) >= maxTreeLines {
				break
			}
			if skipEntry(child.Name()) {
				continue
			}
			suffix := ""
			if child.IsDir() {
				suffix = "/"
			}
			lines = append(lines, "  "+child.Name()+suffix)
		}
	}
	return lines
}

func skipEntry(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, skip := skipDirs[name]
	return skip
}

// conventions loads CONVENTIONS.md from the project root, if present.
func (b *Builder) conventions() string {
	data, err := os.ReadFile(filepath.Join(b.root, conventionsFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// relevantFiles matches file names against the task description's
// keywords. Only tokens longer than three characters count, and at
// most maxRelevantHits paths come back.
func (b *Builder) relevantFiles(description string) []string {
	keywords := descriptionKeywords(description)
	if len(keywords) == 0 {
		return nil
	}

	var hits []string
	err := filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != b.root && skipEntry(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= maxRelevantHits {
			return filepath.SkipAll
		}
		lower := strings.ToLower(d.Name())
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				rel, relErr := filepath.Rel(b.root, path)
				if relErr != nil {
					rel = path
				}
				hits = append(hits, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("context: keyword scan", "error", err)
	}
	sort.Strings(hits)
	return hits
}

func descriptionKeywords(description string) []string {
	var keywords []string
	for _, tok := range strings.Fields(strings.ToLower(description)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) > 3 {
			keywords = append(keywords, tok)
		}
	}
	return keywords
}

// otherTasks summarizes neighbouring tasks, newest capped list with
// clipped descriptions.
func (b *Builder) otherTasks(ctx context.Context, current *persistence.Task) []string {
	tasks, err := b.store.ListTasks(ctx)
	if err != nil {
		b.logger.Warn("context: list tasks", "error", err)
		return nil
	}

	var lines []string
	for _, t := range tasks {
		if t.ID == current.ID {
			continue
		}
		if len(lines) >= maxTaskLines {
			break
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", t.Status, truncateRunes(t.Description, maxTaskChars)))
	}
	return lines
}
