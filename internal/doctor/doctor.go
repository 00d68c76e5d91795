// Package doctor runs preflight diagnostics: everything the
// orchestrator needs before it can usefully start an agent run or a
// deploy cycle.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/khufu-labs/hemiunu/internal/config"
	"github.com/khufu-labs/hemiunu/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkProject,
		checkTestDir,
		checkExternalTools,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.ProviderAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "Anthropic API key configured"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "FAIL",
		Message: "No Anthropic API key",
		Detail:  "Set ANTHROPIC_API_KEY or provider.api_key in config.yaml",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "hemiunu.db")
	}

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.Vision(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid at %s", dbPath)}
}

// checkProject verifies the project root exists and is a git work tree.
func checkProject(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Project", Status: "SKIP", Message: "Config missing"}
	}
	root := cfg.Project.Root
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Project", Status: "FAIL", Message: fmt.Sprintf("Project root %q is not a directory", root)}
	}

	cmd := exec.CommandContext(ctx, "git", "-C", root, "rev-parse", "--git-dir")
	if err := cmd.Run(); err != nil {
		return CheckResult{
			Name:    "Project",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s is not a git repository", root),
			Detail:  "Run git init, or point project.root at an existing repository",
		}
	}
	return CheckResult{Name: "Project", Status: "PASS", Message: fmt.Sprintf("Git repository at %s", root)}
}

// checkTestDir warns when the integration test directory is missing:
// the deploy gate then passes without running anything.
func checkTestDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Test Gate", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.Deploy.TestDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name:    "Test Gate",
			Status:  "WARN",
			Message: fmt.Sprintf("No test dir at %s", cfg.Deploy.TestDir),
			Detail:  "Deploy cycles will merge without running integration tests",
		}
	}
	return CheckResult{Name: "Test Gate", Status: "PASS", Message: fmt.Sprintf("Integration tests at %s", cfg.Deploy.TestDir)}
}

func checkExternalTools(ctx context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	// git is mandatory: the whole workflow is branch-based.
	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing")
		status = "FAIL"
	} else {
		details = append(details, "git: ok")
	}

	if cfg != nil && cfg.Sandbox.Enabled {
		if _, err := exec.LookPath("docker"); err != nil {
			details = append(details, "docker: missing (required for sandbox)")
			status = "FAIL"
		} else {
			cmd := exec.CommandContext(ctx, "docker", "info")
			if err := cmd.Run(); err != nil {
				details = append(details, fmt.Sprintf("docker: daemon unreachable (%v)", err))
				status = "FAIL"
			} else {
				details = append(details, "docker: ok")
			}
		}
	} else {
		details = append(details, "docker: skipped (sandbox disabled)")
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	const host = "api.anthropic.com"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
