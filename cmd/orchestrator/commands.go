package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/fortiqa/mcp-orchestrator/internal/agent"
	"github.com/fortiqa/mcp-orchestrator/internal/config"
	"github.com/fortiqa/mcp-orchestrator/internal/orchestrator"
	"github.com/fortiqa/mcp-orchestrator/internal/runstore"
	"github.com/fortiqa/mcp-orchestrator/internal/runworker"
	"github.com/fortiqa/mcp-orchestrator/internal/sessionpool"
	"github.com/fortiqa/mcp-orchestrator/internal/taskregistry"
	"github.com/fortiqa/mcp-orchestrator/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and its API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running orchestrator",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	queueCmd := &cobra.Command{
		Use:   "queue TEST_CASE_ID...",
		Short: "Queue persisted test cases for execution",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQueue,
	}
	rootCmd.AddCommand(queueCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if len(cfg.Sessions) == 0 {
		return fmt.Errorf("no sessions configured")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return err
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening run ledger: %w", err)
	}
	defer store.Close()
	if err := store.EnsureDefaultPrompt(cfg.Prompt.Name, cfg.Prompt.Template); err != nil {
		return fmt.Errorf("seeding default prompt: %w", err)
	}

	registry := taskregistry.New(cfg.Redis.Addr, cfg.General.LogDir)
	defer registry.Close()

	sessions := sessionpool.New(cfg.SessionHandles())
	source := agent.NewHTTPSource()
	tasks := orchestrator.New(sessions, registry, store, source)
	runs := runworker.New(store, sessions, source, cfg.General.RunWorkers)

	// Re-enqueue anything a previous process left unfinished before
	// accepting new work.
	if err := runs.Recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runs.Start(ctx)

	scheduler := cron.New()
	retention := time.Duration(cfg.General.LogRetentionDays) * 24 * time.Hour
	scheduler.AddFunc("@daily", func() {
		n, err := registry.PruneLogFiles(retention)
		if err != nil {
			log.Printf("pruning task log files: %v", err)
			return
		}
		if n > 0 {
			log.Printf("pruned %d task log files", n)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, registry, tasks, runs, sessions, addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()
	log.Printf("orchestrator listening on %s with %d sessions", addr, len(cfg.Sessions))

	select {
	case err := <-serveErr:
		runs.Shutdown()
		return err
	case <-ctx.Done():
		log.Print("shutting down")
		runs.Shutdown()
		return nil
	}
}

func apiBase(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := http.Get(apiBase(cfg) + "/api/status")
	if err != nil {
		return fmt.Errorf("orchestrator not reachable: %w", err)
	}
	defer resp.Body.Close()

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Uptime:\t%s\n", status.Uptime)
	fmt.Fprintf(w, "Sessions:\t%d total, %d in use, %d waiting\n",
		status.Sessions.Total, status.Sessions.InUse, status.Sessions.Waiting)
	fmt.Fprintf(w, "Run queue:\t%d queued, %d workers\n", status.QueueDepth, status.RunWorkers)
	fmt.Fprintf(w, "Active tasks:\t%d\n", status.ActiveTasks)
	return w.Flush()
}

func runQueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid test case id %q", arg)
		}
		ids[i] = id
	}

	body, err := json.Marshal(api.QueueRunsRequest{TestCaseIDs: ids})
	if err != nil {
		return err
	}
	resp, err := http.Post(apiBase(cfg)+"/api/runs/queue", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("orchestrator not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queueing failed: %s", resp.Status)
	}

	var result api.QueueRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	fmt.Printf("Queued %d runs", len(result.Queued))
	if len(result.Missing) > 0 {
		fmt.Printf(" (%d test cases not found)", len(result.Missing))
	}
	fmt.Println()
	return nil
}
