package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/inboxrag/internal/api"
	"github.com/kalambet/inboxrag/internal/config"
	"github.com/kalambet/inboxrag/internal/poller"
	"github.com/kalambet/inboxrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the HTTP API and poll the inbox on a fixed interval (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running inboxrag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, storage and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "inboxrag.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "inboxrag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Server.Token == "" {
		return errors.New("missing required config: INBOXRAG_SERVER_TOKEN")
	}
	setupLogging(cfg)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureEngine(ctx); err != nil {
		return err
	}
	proc, err := a.processor(ctx)
	if err != nil {
		return err
	}
	p := poller.New(proc, cfg.Poller.Interval)

	deps := api.Deps{
		Runner:       p,
		Searcher:     a.retriever,
		Store:        a.store,
		Token:        cfg.Server.Token,
		DefaultLimit: cfg.Pipeline.TopK,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		p.Run(ctx)
	}()

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "inboxrag listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	// The poller returns once the in-flight batch has finished its messages.
	<-pollDone
	return serveErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("inboxrag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop inboxrag (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to inboxrag (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.Token,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	ctx := context.Background()

	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		if stats, err := fetchStats(ctx, client); err == nil {
			printStats(stats)
		} else {
			printStatus("Stats", "unavailable (%v)", err)
		}
	} else {
		// Read SQLite directly; a Postgres URL is not dialed from status.
		if cfg.Storage.DatabaseURL == "" {
			if s, err := storage.Open(cfg.Storage.DataDir); err == nil {
				if stats, err := s.Stats(ctx); err == nil {
					printStats(stats)
				}
				s.Close()
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		printStatus("Config", "%s", colorize(colorYellow, err.Error()))
	} else {
		printStatus("Config", "ok")
	}
	printStatus("Provider", "%s", cfg.LLM.Provider)
	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)
	printStatus("Poll interval", "%s", cfg.Poller.Interval)
	if cfg.Storage.DatabaseURL != "" {
		printStatus("Storage", "postgres")
	} else {
		printStatus("Storage", "sqlite in %s", cfg.Storage.DataDir)
	}
	return nil
}

func fetchStats(ctx context.Context, client *apiClient) (storage.Stats, error) {
	resp, err := client.get(ctx, "/stats")
	if err != nil {
		return storage.Stats{}, err
	}
	var stats storage.Stats
	if err := decodeJSON(resp, &stats); err != nil {
		return storage.Stats{}, err
	}
	return stats, nil
}

func printStats(s storage.Stats) {
	printStatus("Messages", "%d (%d answered)", s.Messages, s.Processed)
	printStatus("Replies", "%d", s.Replies)
}

