package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/khufu-labs/hemiunu/internal/agent"
	"github.com/khufu-labs/hemiunu/internal/bus"
	"github.com/khufu-labs/hemiunu/internal/channels"
	"github.com/khufu-labs/hemiunu/internal/config"
	"github.com/khufu-labs/hemiunu/internal/cron"
	"github.com/khufu-labs/hemiunu/internal/deploy"
	"github.com/khufu-labs/hemiunu/internal/gitflow"
	"github.com/khufu-labs/hemiunu/internal/goldenthread"
	otelPkg "github.com/khufu-labs/hemiunu/internal/otel"
	"github.com/khufu-labs/hemiunu/internal/persistence"
	"github.com/khufu-labs/hemiunu/internal/provider"
	"github.com/khufu-labs/hemiunu/internal/telemetry"
	"github.com/khufu-labs/hemiunu/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s create <description>     Create a task
                              Flags: -test <cmd> CLI test that proves it done
  %s run [task-id]            Run the next TODO task (or the given task)
                              Flags: -task <id>, -all to drain the queue,
                              -max-iterations <n> to override the budget
  %s deploy                   Merge GREEN branches into main and push
                              Flags: -dry-run to report without touching git
  %s status                   Show tasks, recent deploys, open conflicts
                              Flags: -json for JSON output
  %s vision [text]            Show or set the product vision
  %s doctor                   Run diagnostic checks
                              Flags: -json for JSON output

DAEMON MODE:
  %s -daemon                  Poll the queue and deploy on schedule

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HEMIUNU_HOME            Data directory (default: ~/.hemiunu)
  HEMIUNU_PROJECT_ROOT    Project working tree (default: cwd)
  ANTHROPIC_API_KEY       Required to run tasks

EXAMPLES:
  Create a task:          %s create "Add a --verbose flag" -test "app --verbose | grep DEBUG"
  Drain the queue:        %s run -all
  Deploy what is green:   %s deploy
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run the daemon: poll the TODO queue and deploy on schedule")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 && !*daemon {
		printUsage()
		os.Exit(2)
	}

	// Commands that manage their own config load run before the runtime boots.
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// One-shot commands on a terminal keep stdout clean: logs go to the
	// file only. The daemon logs to stderr as well.
	quietLogs := !*daemon && isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    eventBus,
		otel:   otelProvider,
		store:  store,
		git:    gitflow.New(cfg.Project.Root, logger),
	}

	if *daemon {
		os.Exit(runDaemon(ctx, a))
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "create":
		os.Exit(runCreateCommand(ctx, a, args[1:]))
	case "run":
		os.Exit(runRunCommand(ctx, a, args[1:]))
	case "deploy":
		os.Exit(runDeployCommand(ctx, a, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, a, args[1:]))
	case "vision":
		os.Exit(runVisionCommand(ctx, a, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app holds the booted runtime shared by subcommands and the daemon.
// cfg is guarded by mu so the daemon's hot-reload can swap the safe subset.
type app struct {
	logger *slog.Logger
	bus    *bus.Bus
	otel   *otelPkg.Provider
	store  *persistence.Store
	git    *gitflow.Manager

	mu  sync.Mutex
	cfg config.Config
}

func (a *app) snapshot() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// notifier returns the configured notification channel, falling back to
// a no-op when telegram is disabled or misconfigured.
func (a *app) notifier() channels.Notifier {
	cfg := a.snapshot()
	if !cfg.Channels.Telegram.Enabled {
		return channels.NopNotifier{}
	}
	tg, err := channels.NewTelegramNotifier(cfg.TelegramToken(), cfg.Channels.Telegram.ChatIDs, a.logger)
	if err != nil {
		a.logger.Warn("telegram notifier disabled", "error", err)
		return channels.NopNotifier{}
	}
	return tg
}

// agentShell returns nil for the host shell; the executor applies the default.
func (a *app) agentShell() tools.Shell {
	cfg := a.snapshot()
	if !cfg.Sandbox.Enabled {
		return nil
	}
	shell, err := tools.NewDockerShell(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB, cfg.Project.Root)
	if err != nil {
		a.logger.Warn("docker sandbox unavailable, falling back to host shell", "error", err)
		return nil
	}
	a.logger.Info("agent sandbox enabled", "image", cfg.Sandbox.Image)
	return shell
}

func (a *app) newRunner() (*agent.Runner, error) {
	cfg := a.snapshot()
	llm, err := provider.NewAnthropic(provider.AnthropicConfig{
		APIKey:  cfg.ProviderAPIKey(),
		Model:   cfg.Provider.Model,
		BaseURL: cfg.Provider.BaseURL,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	exec := tools.NewExecutor(cfg.Project.Root, a.agentShell(), a.logger)
	thread := goldenthread.NewBuilder(a.store, a.git, cfg.Project.Root, cfg.Agent.MaxContextChars, a.logger)
	return agent.NewRunner(a.store, a.git, llm, exec, thread, a.bus, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		Remote:        cfg.Project.Remote,
		Tracer:        a.otel.Tracer,
	}, a.logger), nil
}

func (a *app) newCycle(notifier channels.Notifier) *deploy.Cycle {
	cfg := a.snapshot()
	return deploy.New(a.store, a.git, nil, notifier, a.bus, deploy.Config{
		Remote:      cfg.Project.Remote,
		MainBranch:  cfg.Project.MainBranch,
		TestDir:     cfg.Deploy.TestDir,
		TestTimeout: time.Duration(cfg.Deploy.TestTimeoutSeconds) * time.Second,
		Tracer:      a.otel.Tracer,
	}, a.logger)
}

// daemonPollInterval is how often the daemon checks the TODO queue.
const daemonPollInterval = 30 * time.Second

func runDaemon(ctx context.Context, a *app) int {
	cfg := a.snapshot()
	a.logger.Info("daemon starting", "project_root", cfg.Project.Root, "schedule", cfg.Deploy.Schedule)

	if metrics, err := otelPkg.NewMetrics(a.otel.Meter); err != nil {
		a.logger.Warn("metrics bridge disabled", "error", err)
	} else {
		bridge := telemetry.NewMetricsBridge(a.bus, metrics, a.logger)
		go bridge.Start(ctx)
	}

	notifier := a.notifier()
	go channels.NewWatcher(a.bus, notifier, a.logger).Start(ctx)

	runner, err := a.newRunner()
	if err != nil {
		a.logger.Error("provider init failed", "error", err)
		return 1
	}
	cycle := a.newCycle(notifier)

	if expr := cfg.Deploy.Schedule; expr != "" {
		sched, err := cron.NewScheduler(cron.Config{Runner: cycle, Expr: expr, Logger: a.logger})
		if err != nil {
			a.logger.Error("invalid deploy schedule", "schedule", expr, "error", err)
			return 1
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, cfg.Project.Root, a.logger)
	if err := confWatcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher failed to start", "error", err)
	} else {
		go a.consumeReloads(confWatcher)
	}

	a.logger.Info("daemon started", "poll_interval", daemonPollInterval.String())

	a.sweep(ctx, runner)
	ticker := time.NewTicker(daemonPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received")
			return 0
		case <-ticker.C:
			a.sweep(ctx, runner)
		}
	}
}

// sweep drains the TODO queue. Provider errors end the sweep; the tasks
// involved stay WORKING and are diagnosed via status/doctor.
func (a *app) sweep(ctx context.Context, runner *agent.Runner) {
	if err := runner.DriveAll(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("queue sweep aborted", "error", err)
	}
}

// consumeReloads applies the safe config subset on config.yaml changes.
// CONVENTIONS.md needs no handling: the context builder re-reads it per run.
// Schedule and sandbox changes take effect after a restart.
func (a *app) consumeReloads(w *config.Watcher) {
	for ev := range w.Events() {
		if filepath.Base(ev.Path) != "config.yaml" {
			continue
		}
		newCfg, err := config.Load()
		if err != nil {
			a.logger.Error("config.yaml reload failed", "error", err)
			continue
		}
		a.mu.Lock()
		old := a.cfg
		a.cfg = newCfg
		a.mu.Unlock()
		if old.Fingerprint() != newCfg.Fingerprint() {
			a.logger.Info("config.yaml hot-reloaded",
				"fingerprint", newCfg.Fingerprint(),
				"restart_needed", old.Deploy.Schedule != newCfg.Deploy.Schedule,
			)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// writeStarterConfig writes a commented config.yaml on first run so the
// operator has something to edit instead of a wall of defaults.
func writeStarterConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	starter := `# hemiunu configuration. Env vars override: ANTHROPIC_API_KEY,
# HEMIUNU_PROJECT_ROOT, HEMIUNU_MODEL, HEMIUNU_DEPLOY_SCHEDULE.
log_level: info

project:
  root: ""          # working tree; empty means cwd
  main_branch: ""   # empty autodetects main, then master
  remote: origin

provider:
  name: anthropic
  model: claude-sonnet-4-5

agent:
  max_iterations: 20
  max_tokens: 8192

deploy:
  test_dir: tests/integration
  schedule: ""      # 5-field cron, e.g. "0 * * * *"; empty disables

sandbox:
  enabled: false
  image: alpine:3.20

channels:
  telegram:
    enabled: false
    token: ""
    chat_ids: []
`
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte(starter), 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
