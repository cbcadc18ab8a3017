// Command mcp-gateway runs the MCP routing gateway: a single HTTP endpoint
// fronting heterogeneous upstream MCP tool servers, or (with --introspect) a
// stdio MCP server exposing the gateway's own health as tools.
//
// Grounded on the teacher's cmd/brum/main.go cobra wiring: package-level
// flag variables bound in init, a single Run function that resolves flags
// into concrete components, and a --mcp-style flag that switches the whole
// process into stdio mode instead of serving HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/mcp-gateway/internal/cache"
	"github.com/standardbeagle/mcp-gateway/internal/config"
	"github.com/standardbeagle/mcp-gateway/internal/dispatcher"
	"github.com/standardbeagle/mcp-gateway/internal/enhance"
	"github.com/standardbeagle/mcp-gateway/internal/inference"
	"github.com/standardbeagle/mcp-gateway/internal/introspect"
	"github.com/standardbeagle/mcp-gateway/internal/jsonrpc"
	"github.com/standardbeagle/mcp-gateway/internal/observability"
	"github.com/standardbeagle/mcp-gateway/internal/session"
	"github.com/standardbeagle/mcp-gateway/internal/upstream"
	"github.com/standardbeagle/mcp-gateway/internal/vectorstore"
	"github.com/standardbeagle/mcp-gateway/pkg/events"
)

// Version is set at build time.
var Version = "dev"

var (
	serversPath    string
	rulesPath      string
	settingsPath   string
	listenPort     int
	introspectMode bool
)

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "A routing gateway fronting heterogeneous MCP tool servers",
	Long: `mcp-gateway is a single HTTP endpoint that fronts multiple upstream MCP
tool servers, reached over stdio or HTTP JSON-RPC. It enhances prompts
through a local inference service before forwarding them and protects
callers from upstream faults with a per-upstream circuit breaker.

Examples:
  mcp-gateway --servers servers.json --rules rules.json
  mcp-gateway --port 9091 --config gateway.toml
  mcp-gateway --introspect              # stdio MCP server over gateway state`,
	RunE: runGateway,
}

func init() {
	rootCmd.Flags().StringVar(&serversPath, "servers", "servers.json", "Path to the upstream server registry file")
	rootCmd.Flags().StringVar(&rulesPath, "rules", "rules.json", "Path to the enhancement rule set file")
	rootCmd.Flags().StringVar(&settingsPath, "config", "gateway.toml", "Path to the ambient settings file")
	rootCmd.Flags().IntVar(&listenPort, "port", 0, "HTTP listen port (overrides config)")
	rootCmd.Flags().BoolVar(&introspectMode, "introspect", false, "Run as a stdio MCP server over the gateway's own health/breaker/cache state")
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return err
	}
	if listenPort != 0 {
		settings.ListenPort = listenPort
	}

	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	fileLock := flock.New(filepath.Join(stateDir, "gateway.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire single-instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another mcp-gateway instance is already running (lock held at %s)", fileLock.Path())
	}
	defer fileLock.Unlock()

	serversFile, err := config.LoadServers(serversPath)
	if err != nil {
		return err
	}
	rules, err := config.LoadRules(rulesPath)
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.BreakerOpened, func(e events.Event) {
		log.Printf("breaker opened for upstream %q", e.Upstream)
	})
	eventBus.Subscribe(events.BreakerClosed, func(e events.Event) {
		log.Printf("breaker closed for upstream %q", e.Upstream)
	})
	eventBus.Subscribe(events.EnhancementFailed, func(e events.Event) {
		log.Printf("enhancement fell through to passthrough for client %v", e.Data["client"])
	})

	registry := upstream.NewRegistry()
	registry.SetEventBus(eventBus)
	for _, d := range serversFile.Servers {
		if d.TimeoutMs == 0 {
			d.TimeoutMs = settings.DefaultTimeoutMs
		}
		if err := registry.Register(d); err != nil {
			return fmt.Errorf("register upstream %q: %w", d.Name, err)
		}
	}
	var vs *vectorstore.Client
	if settings.VectorStoreURL != "" {
		vs = vectorstore.NewClient(settings.VectorStoreURL, "prompt-cache", 5*time.Second)
		if err := vs.EnsureCollection(context.Background(), 768); err != nil {
			log.Printf("vector store unavailable, cache running L1-only: %v", err)
			vs = nil
		}
	}

	var inf *inference.Client
	if settings.InferenceURL != "" {
		inf = inference.NewClient(settings.InferenceURL, settings.DefaultTimeout())
	}

	promptCache := cache.New(cache.Config{
		L1Capacity:          settings.CacheCapacity,
		EmbeddingModel:      settings.EmbeddingModel,
		SimilarityThreshold: settings.SimilarityThreshold,
	}, vs, inf)
	promptCache.SetEventBus(eventBus)

	enhancer := enhance.NewMiddleware(rules, promptCache, inf)
	enhancer.SetEventBus(eventBus)

	if introspectMode {
		return introspect.Serve(Version, registry, promptCache)
	}

	sessions := session.NewManager(session.Config{
		IdleTimeout: settings.IdleSessionTimeout(),
		MaxSessions: settings.MaxSessions,
	}, func(ctx context.Context, server string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
		return registry.Call(ctx, server, req)
	})
	sessions.SetEventBus(eventBus)

	ring := observability.NewRing(settings.RingCapacity)
	d := dispatcher.New(registry, enhancer, sessions, ring)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.ListenPort),
		Handler: d.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("mcp-gateway listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Println("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Printf("session shutdown error: %v", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Printf("upstream shutdown error: %v", err)
	}
	eventBus.Shutdown()

	return nil
}
