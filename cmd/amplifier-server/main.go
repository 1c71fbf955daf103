// Package main is the entry point for the amplifier-server runtime: a
// subcommand-less binary that serves the command/event protocol over
// stdio by default, or HTTP+SSE/WebSocket (and optionally the JSON-RPC
// editor-integration adapter) when --http is given.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amplifier-run/runtime/internal/bundle"
	"github.com/amplifier-run/runtime/internal/bundlehost/eino"
	"github.com/amplifier-run/runtime/internal/command"
	"github.com/amplifier-run/runtime/internal/config"
	"github.com/amplifier-run/runtime/internal/eventbus"
	"github.com/amplifier-run/runtime/internal/logging"
	"github.com/amplifier-run/runtime/internal/session"
	"github.com/amplifier-run/runtime/internal/store"
	"github.com/amplifier-run/runtime/internal/transport/httpsse"
	"github.com/amplifier-run/runtime/internal/transport/jsonrpc"
	"github.com/amplifier-run/runtime/internal/transport/stdio"
)

const maxTokens = 8192

var (
	useHTTP    bool
	host       string
	port       int
	reload     bool
	useACP     bool
	storageDir string
	noPersist  bool
	doHealth   bool
	healthURL  string
)

var rootCmd = &cobra.Command{
	Use:           "amplifier-server",
	Short:         "Serve the amplifier command/event protocol over stdio, HTTP+SSE, WebSocket, or JSON-RPC",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().BoolVar(&useHTTP, "http", false, "Serve HTTP+SSE and WebSocket instead of stdio")
	rootCmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host to bind when --http is set")
	rootCmd.Flags().IntVar(&port, "port", 8080, "Port to bind when --http is set")
	rootCmd.Flags().BoolVar(&reload, "reload", false, "Watch the bundle directory and hot-reload definitions")
	rootCmd.Flags().BoolVar(&useACP, "acp", false, "Mount the JSON-RPC editor-integration adapter (requires --http)")
	rootCmd.Flags().StringVar(&storageDir, "storage-dir", "", "Override the session storage directory")
	rootCmd.Flags().BoolVar(&noPersist, "no-persist", false, "Disable session persistence (store to a scratch directory)")
	rootCmd.Flags().BoolVar(&doHealth, "health", false, "Check the server's health endpoint and exit")
	rootCmd.Flags().StringVar(&healthURL, "health-url", "", "URL for --health (defaults to http://<host>:<port>/health)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if ue, ok := err.(*usageError); ok {
			fmt.Fprintln(os.Stderr, ue.Error())
			os.Exit(2)
		}
		logging.Error().Err(err).Msg("amplifier-server exited with error")
		os.Exit(1)
	}
}

// usageError marks a bad flag combination; main exits 2 for these
// rather than the generic 1 used for runtime errors (spec §6).
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func run(cmd *cobra.Command, args []string) error {
	if useACP && !useHTTP {
		return &usageError{msg: "--acp requires --http"}
	}

	logging.Init(logging.DefaultConfig())

	if doHealth {
		return runHealthCheck()
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	root, err := resolveStorageRoot(workDir)
	if err != nil {
		return err
	}

	st := store.New(root)
	bus := eventbus.New()

	bundleDir := filepath.Join(config.GetPaths().Config, "bundles")
	bundles := bundle.NewManager(bundleDir)
	if err := bundles.LoadAll(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("failed to load bundle definitions")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reload {
		if err := bundles.Watch(ctx, func(name string) {
			logging.Info().Str("bundle", name).Msg("bundle definition reloaded")
		}); err != nil {
			logging.Warn().Err(err).Msg("failed to watch bundle directory")
		}
	}
	defer bundles.Close()

	factory := eino.Factory(bundles, maxTokens)
	sessions := session.NewManager(st, bus, factory)
	dispatcher := command.New(sessions)

	if useHTTP {
		return runHTTP(ctx, dispatcher, bus)
	}
	return runStdio(ctx, dispatcher, bus)
}

func resolveStorageRoot(workDir string) (string, error) {
	if noPersist {
		return os.MkdirTemp("", "amplifier-sessions-")
	}
	if storageDir != "" {
		return storageDir, nil
	}
	if env := os.Getenv("AMPLIFIER_STORAGE_DIR"); env != "" {
		return env, nil
	}
	return filepath.Join(config.GetPaths().Data, "projects", store.EncodeProjectSlug(workDir), "sessions"), nil
}

func runStdio(ctx context.Context, dispatcher *command.Dispatcher, bus *eventbus.Bus) error {
	logging.Info().Msg("serving amplifier protocol over stdio")
	t := stdio.New(dispatcher, bus, os.Stdin, os.Stdout)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go waitForSignal(cancel)

	return t.Run(runCtx)
}

func runHTTP(ctx context.Context, dispatcher *command.Dispatcher, bus *eventbus.Bus) error {
	t := httpsse.New(dispatcher, bus, httpsse.Config{Host: host, Port: port})
	if useACP {
		t.MountACP(jsonrpc.New(dispatcher))
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("host", host).Int("port", port).Bool("acp", useACP).Msg("serving amplifier protocol over HTTP+SSE/WebSocket")
		if err := t.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return t.Shutdown(shutdownCtx)
}

func waitForSignal(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
}

func runHealthCheck() error {
	url := healthURL
	if url == "" {
		url = fmt.Sprintf("http://%s:%d/health", host, port)
	}

	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	logging.Info().Str("url", url).Msg("health check OK")
	return nil
}
