package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxReadBytes   = 100 * 1024 // 100KB
	maxListEntries = 200
)

// ReadFileInput is the input for the read_file tool.
type ReadFileInput struct {
	Path string `json:"path"`
}

// ReadFileOutput is the output for the read_file tool.
type ReadFileOutput struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileInput is the input for the write_file tool.
type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileOutput is the output for the write_file tool.
type WriteFileOutput struct {
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

// ListFilesInput is the input for the list_files tool.
type ListFilesInput struct {
	Path string `json:"path,omitempty"`
}

// DirEntry represents a single directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListFilesOutput is the output for the list_files tool.
type ListFilesOutput struct {
	Entries []DirEntry `json:"entries"`
	Path    string     `json:"path"`
}

// resolveUnderRoot resolves rawPath relative to root and rejects any
// path (including via symlinks) that escapes it.
func resolveUnderRoot(root, rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rawPath) {
		return "", fmt.Errorf("absolute paths not allowed: %q", rawPath)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	resolved := filepath.Join(rootAbs, rawPath)

	// Resolve symlinks in the parent to prevent symlink-based traversal.
	// The parent may not exist yet for write_file.
	evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved))
	if err == nil {
		resolved = filepath.Join(evaluated, filepath.Base(resolved))
	}

	rootEval, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		rootEval = rootAbs
	}
	inside := resolved == rootEval || strings.HasPrefix(resolved, rootEval+string(filepath.Separator))
	if !inside && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) && resolved != rootAbs {
		return "", fmt.Errorf("path %q escapes the project root", rawPath)
	}
	return resolved, nil
}

func readFile(root string, input ReadFileInput) (ReadFileOutput, error) {
	resolved, err := resolveUnderRoot(root, input.Path)
	if err != nil {
		return ReadFileOutput{}, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return ReadFileOutput{}, fmt.Errorf("path is a directory, use list_files instead")
	}
	if info.Size() > maxReadBytes {
		return ReadFileOutput{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("read: %w", err)
	}
	return ReadFileOutput{Content: string(data), Size: info.Size()}, nil
}

func writeFile(root string, input WriteFileInput) (WriteFileOutput, error) {
	resolved, err := resolveUnderRoot(root, input.Path)
	if err != nil {
		return WriteFileOutput{}, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return WriteFileOutput{}, fmt.Errorf("mkdir: %w", err)
	}

	// Atomic write: write to temp file then rename.
	tmpFile := resolved + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(input.Content), 0o644); err != nil {
		return WriteFileOutput{}, fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpFile, resolved); err != nil {
		_ = os.Remove(tmpFile)
		return WriteFileOutput{}, fmt.Errorf("rename: %w", err)
	}

	return WriteFileOutput{
		Written: true,
		Path:    input.Path,
		Size:    len(input.Content),
	}, nil
}

func listFiles(root string, input ListFilesInput) (ListFilesOutput, error) {
	path := input.Path
	if path == "" {
		path = "."
	}
	resolved, err := resolveUnderRoot(root, path)
	if err != nil {
		return ListFilesOutput{}, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ListFilesOutput{}, fmt.Errorf("read dir: %w", err)
	}

	var result []DirEntry
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		result = append(result, DirEntry{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
			Size:  size,
		})
	}
	return ListFilesOutput{Entries: result, Path: path}, nil
}
