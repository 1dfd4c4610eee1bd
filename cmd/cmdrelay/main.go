package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/api"
	"github.com/cmdrelay/cmdrelay/internal/blob"
	"github.com/cmdrelay/cmdrelay/internal/broker"
	"github.com/cmdrelay/cmdrelay/internal/client"
	"github.com/cmdrelay/cmdrelay/internal/config"
	"github.com/cmdrelay/cmdrelay/internal/dispatch"
	"github.com/cmdrelay/cmdrelay/internal/doctor"
	"github.com/cmdrelay/cmdrelay/internal/events"
	"github.com/cmdrelay/cmdrelay/internal/lock"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/palette"
	"github.com/cmdrelay/cmdrelay/internal/staging"
	"github.com/cmdrelay/cmdrelay/internal/storage"
	"github.com/cmdrelay/cmdrelay/internal/store"
	"github.com/cmdrelay/cmdrelay/internal/worker"
	"github.com/cmdrelay/cmdrelay/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "server":
		return runServerNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "palette":
		return runPaletteNoun(args)
	case "job":
		return runJobNoun(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`cmdrelay - Palette-constrained remote command execution

Usage:
  cmdrelay <noun> <action> [flags]

Server Commands:
  server start      Run the dispatcher and HTTP API in the foreground
  server check      Run preflight checks over the deployment

Worker Commands:
  worker start      Run a worker process consuming the jobs queue

Palette Commands:
  palette check     Validate palette syntax and lock integrity
  palette lock      Authorize the current palette (write integrity manifest)
  palette list      Show available command templates

Job Commands:
  job submit        Submit a job and wait for its result
  job inspect <id>  Show a job record and its result envelope
  job cancel <id>   Cancel a job that has not started running

General:
  version           Show version information
  help              Show this help message

Use 'cmdrelay <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("cmdrelay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- SHARED WIRING ---

// loadConfig resolves the config location: explicit flag, then the
// CMDRELAY_CONFIG environment variable, then ./config.yaml.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CMDRELAY_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	return config.Load(path)
}

func loadPalette(cfg *config.Config) (*palette.Palette, error) {
	if cfg.Palette.VerifyLock {
		if err := config.VerifyLock(cfg.Palette.Path); err != nil {
			return nil, err
		}
	}
	if cfg.Palette.Environments != "" {
		return palette.LoadWithEnvironments(cfg.Palette.Path, cfg.Palette.Environments)
	}
	return palette.Load(cfg.Palette.Path)
}

func buildBackends(cfg *config.Config, db *sql.DB) (map[string]blob.Store, error) {
	backends := make(map[string]blob.Store, len(cfg.Blobs.Backends))
	for name, conf := range cfg.Blobs.Backends {
		switch conf.Kind {
		case "sqlite":
			backends[name] = blob.NewSQLiteStore(db)
		case "dir":
			s, err := blob.NewDirStore(conf.Dir)
			if err != nil {
				return nil, fmt.Errorf("blob backend %q: %w", name, err)
			}
			backends[name] = s
		default:
			return nil, fmt.Errorf("blob backend %q: unknown kind %q", name, conf.Kind)
		}
	}
	return backends, nil
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		MaxRetries:   cfg.Dispatch.MaxRetries,
		ClaimTimeout: cfg.Dispatch.ClaimTimeout.Std(),
		ReapInterval: cfg.Dispatch.ReapInterval.Std(),
	}
}

// kvFlags collects repeatable key=value flags.
type kvFlags []string

func (f *kvFlags) String() string { return strings.Join(*f, ",") }

func (f *kvFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func parseKVs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// --- SERVER ---

func runServerNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay server <action>")
		fmt.Fprintln(os.Stderr, "Actions: start")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: cmdrelay server <action>")
		fmt.Println("Actions: start, check")
		return 0
	}
	switch args[0] {
	case "start":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: cmdrelay server start [--config PATH]")
			fmt.Println("Run the dispatcher and HTTP API in the foreground.")
			return 0
		}
		return runServerStart(args[1:])
	case "check":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: cmdrelay server check [--config PATH] [--json]")
			fmt.Println("Run preflight checks over the configuration and deployment directories.")
			return 0
		}
		return runServerCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown server action: %s\n", args[0])
		return 1
	}
}

func runServerStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("cmdrelay server starting", "version", version, "store", cfg.Store.Path)

	dataDir := filepath.Dir(cfg.Store.Path)
	guard, err := lock.Acquire(dataDir, "server")
	if err != nil {
		logger.Error("failed to acquire instance lock", "error", err)
		return 1
	}
	defer guard.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Store.Path)

	pal, err := loadPalette(cfg)
	if err != nil {
		logger.Error("failed to load palette", "path", cfg.Palette.Path, "error", err)
		return 1
	}
	logger.Info("palette loaded", "path", cfg.Palette.Path, "templates", len(pal.Names()))

	brk := broker.NewSQLiteBroker(db)
	st := store.NewSQLiteStore(db)
	hub := events.NewHub(256)

	disp := dispatch.New(st, brk, hub, dispatchConfig(cfg))
	disp.Start(ctx)
	defer disp.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, disp, st, brk, disp.Events(), pal)
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("cmdrelay server running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("cmdrelay server stopped")
	return 0
}

func runServerCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, issue := range result.Errors {
			fmt.Printf("ERROR [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Printf("WARN  [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		if result.Valid {
			fmt.Println("Status: preflight checks PASSED")
		} else {
			fmt.Println("Status: preflight checks FAILED")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

// --- WORKER ---

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay worker <action>")
		fmt.Fprintln(os.Stderr, "Actions: start")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: cmdrelay worker start [--config PATH] [--name NAME]")
		return 0
	}
	switch args[0] {
	case "start":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: cmdrelay worker start [--config PATH] [--name NAME]")
			fmt.Println("Run a worker consuming the jobs queue in the foreground.")
			return 0
		}
		return runWorkerStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		return 1
	}
}

func runWorkerStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	name := fs.String("name", "", "Worker name (overrides config)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	workerName := *name
	if workerName == "" {
		workerName = cfg.Worker.Name
	}
	if workerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	logger.Info("cmdrelay worker starting", "version", version, "worker", workerName)

	guard, err := lock.Acquire(cfg.Worker.ScratchDir, "worker-"+workerName)
	if err != nil {
		logger.Error("failed to acquire instance lock", "error", err)
		return 1
	}
	defer guard.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer db.Close()

	backends, err := buildBackends(cfg, db)
	if err != nil {
		logger.Error("failed to configure blob backends", "error", err)
		return 1
	}

	wsManager, err := workspace.NewFSManager(cfg.Worker.ScratchDir)
	if err != nil {
		logger.Error("failed to initialize scratch directory", "dir", cfg.Worker.ScratchDir, "error", err)
		return 1
	}

	runner := worker.New(broker.NewSQLiteBroker(db), staging.NewStager(wsManager, backends), worker.Config{
		Name:        workerName,
		LogsBackend: cfg.Worker.LogsBackend,
		JobTimeout:  cfg.Worker.JobTimeout.Std(),
	})
	runner.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("cmdrelay worker running (press Ctrl+C to stop)")
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	cancel()
	runner.Stop()
	logger.Info("cmdrelay worker stopped")
	return 0
}

// --- PALETTE ---

func runPaletteNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay palette <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: check, lock, list")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: cmdrelay palette <action> [flags]")
		fmt.Println("Actions: check, lock, list")
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: cmdrelay palette check [--config PATH]")
			fmt.Println("Validate palette syntax and lock integrity.")
			return 0
		}
		return runPaletteCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: cmdrelay palette lock [--config PATH]")
			fmt.Println("Authorize the current palette by writing its integrity manifest.")
			return 0
		}
		return runPaletteLock(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: cmdrelay palette list [--config PATH]")
			return 0
		}
		return runPaletteList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown palette action: %s\n", action)
		return 1
	}
}

func runPaletteCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	var p *palette.Palette
	if cfg.Palette.Environments != "" {
		p, err = palette.LoadWithEnvironments(cfg.Palette.Path, cfg.Palette.Environments)
	} else {
		p, err = palette.Load(cfg.Palette.Path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Palette check FAILED: %v\n", err)
		return 1
	}
	fmt.Printf("Syntax OK: %d templates\n", len(p.Names()))

	if err := config.VerifyLock(cfg.Palette.Path); err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check FAILED: %v\n", err)
		return 1
	}
	fmt.Println("Integrity OK: palette matches its lock manifest")
	return 0
}

func runPaletteLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Refuse to lock a palette that does not parse.
	if _, err := palette.Load(cfg.Palette.Path); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid palette: %v\n", err)
		return 1
	}

	manifest, err := config.WriteLock(cfg.Palette.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write lock manifest: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", cfg.Palette.Path)
	fmt.Printf("digest: %s\n", manifest.Digest)
	return 0
}

func runPaletteList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	p, err := loadPalette(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load palette: %v\n", err)
		return 1
	}
	for _, name := range p.Names() {
		fmt.Println(name)
	}
	return 0
}

// --- JOB ---

func runJobNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay job <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: submit, inspect, cancel")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: cmdrelay job <action> [flags]")
		fmt.Println("Actions: submit, inspect, cancel")
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "submit":
		if hasHelpFlag(actionArgs) {
			printJobSubmitHelp()
			return 0
		}
		return runJobSubmit(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: cmdrelay job inspect <job_id> [--config PATH] [--json]")
			return 0
		}
		return runJobInspect(actionArgs)
	case "cancel":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: cmdrelay job cancel <job_id> [--config PATH]")
			return 0
		}
		return runJobCancel(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func printJobSubmitHelp() {
	fmt.Println("Usage: cmdrelay job submit --template NAME [flags]")
	fmt.Println()
	fmt.Println("Submit a job against the shared store and wait for its result.")
	fmt.Println("A server must be running for the job to complete.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH       Path to configuration file or directory")
	fmt.Println("  --template NAME     Palette template to run (required)")
	fmt.Println("  --arg k=v           Template argument (repeatable)")
	fmt.Println("  --input role=path   Local file for a declared input role (repeatable)")
	fmt.Println("  --output role=path  Local destination for a declared output role (repeatable)")
	fmt.Println("  --env k=v           Environment override (repeatable)")
	fmt.Println("  --backend NAME      Blob backend for staged files (default: default)")
	fmt.Println("  --timeout DUR       Wait budget for the result (default: 10m)")
	fmt.Println("  --json              Print the full result as JSON")
}

func runJobSubmit(args []string) int {
	var argPairs, inputPairs, outputPairs, envPairs kvFlags

	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	template := fs.String("template", "", "Palette template to run")
	backend := fs.String("backend", "default", "Blob backend for staged files")
	timeout := fs.Duration("timeout", 10*time.Minute, "Wait budget for the result")
	jsonOut := fs.Bool("json", false, "Print the full result as JSON")
	fs.Var(&argPairs, "arg", "Template argument key=value (repeatable)")
	fs.Var(&inputPairs, "input", "Input role=path (repeatable)")
	fs.Var(&outputPairs, "output", "Output role=path (repeatable)")
	fs.Var(&envPairs, "env", "Environment override key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *template == "" {
		fmt.Fprintln(os.Stderr, "Error: --template is required")
		return 1
	}

	cmdArgs, err := parseKVs(argPairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad --arg: %v\n", err)
		return 1
	}
	inputs, err := parseKVs(inputPairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad --input: %v\n", err)
		return 1
	}
	outputs, err := parseKVs(outputPairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad --output: %v\n", err)
		return 1
	}
	env, err := parseKVs(envPairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad --env: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("WARN")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	pal, err := loadPalette(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load palette: %v\n", err)
		return 1
	}

	backends, err := buildBackends(cfg, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure blob backends: %v\n", err)
		return 1
	}
	blobs, ok := backends[*backend]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown blob backend: %s\n", *backend)
		return 1
	}

	// The dispatcher here is submit-only. Record creation, queue publish,
	// and result polling all go through the shared database; the running
	// server folds the result.
	disp := dispatch.New(store.NewSQLiteStore(db), broker.NewSQLiteBroker(db), events.NewHub(16), dispatchConfig(cfg))

	cl := client.New(pal, disp, blobs, client.Config{
		Backend:      *backend,
		AwaitTimeout: *timeout,
		Env:          env,
	})

	res, err := cl.Run(ctx, *template, cmdArgs, inputs, outputs)
	if err != nil {
		var failed *client.JobFailedError
		if errors.As(err, &failed) {
			fmt.Fprintf(os.Stderr, "Job %s failed (%s): %s\n", failed.JobID, failed.Kind, failed.Detail)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(struct {
			JobID    string                `json:"job_id"`
			ExitCode int                   `json:"exit_code"`
			Stdout   string                `json:"stdout"`
			Stderr   string                `json:"stderr"`
			Outputs  []client.OutputStatus `json:"outputs,omitempty"`
		}{res.JobID, res.ExitCode, string(res.Stdout), string(res.Stderr), res.Outputs}, "", "  ")
		fmt.Println(string(data))
		return res.ExitCode
	}

	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	for _, out := range res.Outputs {
		if !out.Present {
			fmt.Fprintf(os.Stderr, "warning: declared output %q was not produced\n", out.Name)
		}
	}
	return res.ExitCode
}

func runJobInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay job inspect <job_id> [--config PATH] [--json]")
		return 1
	}
	jobID := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	rec, err := store.NewSQLiteStore(db).Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Job not found: %s\n", jobID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("job_id:      %s\n", rec.JobID)
	fmt.Printf("status:      %s\n", rec.Status)
	fmt.Printf("retry_count: %d\n", rec.RetryCount)
	fmt.Printf("created_at:  %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("updated_at:  %s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
	if rec.Envelope != nil {
		fmt.Printf("template:    %s\n", rec.Envelope.Template)
		fmt.Printf("argv:        %s\n", strings.Join(rec.Envelope.Argv, " "))
	}
	if rec.Result != nil {
		fmt.Printf("exit_code:   %d\n", rec.Result.ExitCode)
		if rec.Result.FailureKind != "" {
			fmt.Printf("failure:     %s (%s)\n", rec.Result.FailureKind, rec.Result.Detail)
		}
		if rec.Result.StdoutKey != "" {
			fmt.Printf("stdout_key:  %s\n", rec.Result.StdoutKey)
		}
		if rec.Result.StderrKey != "" {
			fmt.Printf("stderr_key:  %s\n", rec.Result.StderrKey)
		}
	}
	return 0
}

func runJobCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cmdrelay job cancel <job_id> [--config PATH]")
		return 1
	}
	jobID := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("WARN")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	disp := dispatch.New(store.NewSQLiteStore(db), broker.NewSQLiteBroker(db), events.NewHub(16), dispatchConfig(cfg))
	if err := disp.Cancel(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Job not found: %s\n", jobID)
		} else if errors.Is(err, dispatch.ErrNotCancellable) {
			fmt.Fprintf(os.Stderr, "Job %s has already started; not cancellable\n", jobID)
		} else {
			fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		}
		return 1
	}

	fmt.Printf("Cancelled %s\n", jobID)
	return 0
}
