package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/taskherd/taskherd/internal/activity"
	"github.com/taskherd/taskherd/internal/auditlog"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/lockfile"
	"github.com/taskherd/taskherd/internal/orchestrator"
	"github.com/taskherd/taskherd/internal/resultstore"
	"github.com/taskherd/taskherd/internal/supervisor"
	"github.com/taskherd/taskherd/internal/task"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("taskherd %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskherd

Usage:
  taskherd init [flags]
  taskherd run [flags]
  taskherd audit [flags]
  taskherd version

Commands:
  init      Write a config file with the given interpreter/script and defaults.
  run       Execute one task request to a terminal result and print it as JSON.
  audit     Print recent task lifecycle audit entries as JSON lines.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	interpreter := fs.String("interpreter", "", "Interpreter executable (e.g. python3 path)")
	script := fs.String("script", "", "Agent script path")
	logRoot := fs.String("log-root", "", "Per-session log root directory")
	resultDB := fs.String("result-db", "", "SQLite path for terminal results (empty: memory only)")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *interpreter == "" || *script == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		Interpreter:  *interpreter,
		Script:       *script,
		LogRoot:      *logRoot,
		ResultDBPath: *resultDB,
		LogFormat:    *logFormat,
		LogLevel:     *logLevel,
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	requestPath := fs.String("request", "", "Task request JSON file (- for stdin)")
	profileName := fs.String("profile", "", "Named option profile to overlay")

	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	req, err := readRequest(*requestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read request: %v\n", err)
		os.Exit(1)
	}

	if strings.TrimSpace(*profileName) != "" {
		profiles, err := config.LoadProfiles(cfg.ProfilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load profiles: %v\n", err)
			os.Exit(1)
		}
		p, ok := profiles[*profileName]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown profile: %s\n", *profileName)
			os.Exit(1)
		}
		req.Options = config.ApplyProfile(req.Options, p)
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	// One host per state directory: the lock keeps a second run from
	// sharing the log root, audit trail and result database.
	stateDir := filepath.Dir(filepath.Clean(*cfgPath))
	lock, err := lockfile.Acquire(filepath.Join(stateDir, "taskherd.lock"))
	if err != nil {
		if err == lockfile.ErrAlreadyLocked {
			pid := lockfile.HolderPID(filepath.Join(stateDir, "taskherd.lock"))
			fmt.Fprintf(os.Stderr, "another taskherd (pid %d) already uses %s\n", pid, stateDir)
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: stateDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	audit.Append(auditlog.Entry{Action: "host_started", Detail: map[string]any{"version": Version}})
	defer audit.Append(auditlog.Entry{Action: "host_stopped"})

	// Components come up in dependency order and are torn down in reverse.
	sup := supervisor.New(log, cfg.GracePeriod())

	mon := activity.New(activity.Options{
		Log:                 log,
		Prober:              sup,
		HealthCheckInterval: cfg.HealthCheckInterval(),
		WatchSettle:         cfg.WatchSettle(),
		InactivityTimeout:   cfg.InactivityTimeout(),
	})
	if err := mon.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start monitor: %v\n", err)
		os.Exit(1)
	}
	defer mon.Stop()

	var store *resultstore.Store
	if strings.TrimSpace(cfg.ResultDBPath) != "" {
		store, err = resultstore.Open(cfg.ResultDBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open result store: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Log:        log,
		Config:     cfg,
		Supervisor: sup,
		Monitor:    mon,
		Store:      store,
		Audit:      audit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init orchestrator: %v\n", err)
		os.Exit(1)
	}
	orch.Start()
	defer orch.Stop()

	res, err := orch.ExecuteTask(ctx, req, orchestrator.ExecOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "task rejected: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if !res.Success {
		os.Exit(1)
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 50, "Maximum entries to print, newest first")

	_ = fs.Parse(args)

	stateDir := filepath.Dir(filepath.Clean(*cfgPath))
	store, err := auditlog.New(auditlog.Options{StateDir: stateDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	entries, err := store.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read audit log: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(&e); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode entry: %v\n", err)
			os.Exit(1)
		}
	}
}

func readRequest(path string) (task.ExecutionRequest, error) {
	var req task.ExecutionRequest
	if strings.TrimSpace(path) == "" {
		return req, fmt.Errorf("missing -request")
	}

	var b []byte
	var err error
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("invalid request json: %w", err)
	}
	return req, nil
}
