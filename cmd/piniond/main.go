// Command piniond is the Pinion server daemon.
// It wires the task store, dependency service, message bus, workflow
// executor, and agent runtimes together and serves the REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/pinion/agent"
	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/config"
	"github.com/GoCodeAlone/pinion/internal/version"
	"github.com/GoCodeAlone/pinion/server"
	"github.com/GoCodeAlone/pinion/server/api"
	"github.com/GoCodeAlone/pinion/task"
	"github.com/GoCodeAlone/pinion/workflow"
)

var configPath = flag.String("config", "pinion.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting piniond",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}

	store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "pinion.db"))
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	tasks, err := task.NewService(store, logger)
	if err != nil {
		log.Fatalf("Failed to build task service: %v", err)
	}

	bus := comms.NewInMemoryBus()

	executor := workflow.NewExecutor(logger)
	registerStepHandlers(executor, bus)

	agents := api.NewAgentManager(cfg, bus, store, echoExecutor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	if err := agents.StartAll(ctx); err != nil {
		log.Fatalf("Failed to start agents: %v", err)
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetAgentManager(agents)
	srv.SetTaskService(tasks)
	srv.SetExecutor(executor)
	srv.SetBus(bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("Pinion server running on http://localhost%s\n", cfg.Server.Addr)
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	fmt.Println("Shutting down...")
	cancel()
	agents.StopAll(context.Background())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	fmt.Println("Shutdown complete")
}

// loadConfig reads the config file, falling back to defaults when the
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// registerStepHandlers installs the built-in step handlers on the executor.
func registerStepHandlers(e *workflow.Executor, bus comms.Bus) {
	must(e.RegisterHandler(workflow.StepTask, &workflow.TaskHandler{Bus: bus}))
	must(e.RegisterHandler(workflow.StepDecision, workflow.DecisionHandler{}))
	must(e.RegisterHandler(workflow.StepCondition, workflow.DecisionHandler{}))
	must(e.RegisterHandler(workflow.StepParallel, &workflow.ParallelHandler{Resolver: e}))
	must(e.RegisterHandler(workflow.StepSequence, &workflow.SequenceHandler{Resolver: e}))
}

func must(err error) {
	if err != nil {
		log.Fatalf("Failed to register step handler: %v", err)
	}
}

// echoExecutor is the default agent payload: it acknowledges the task
// without doing any real work. Deployments replace this with a real
// worker implementation.
func echoExecutor(_ context.Context, t *task.Task) (string, error) {
	return "completed: " + t.Title, nil
}

var _ agent.Executor = echoExecutor
