// ABOUTME: Gateway wires store, agents, conversation streaming and the group coordinator behind one HTTP server
// ABOUTME: Manages server lifecycle, health endpoints and the stale-request report

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-chorus/internal/agent"
	"github.com/2389/coven-chorus/internal/config"
	"github.com/2389/coven-chorus/internal/connections"
	"github.com/2389/coven-chorus/internal/conversation"
	"github.com/2389/coven-chorus/internal/dedupe"
	"github.com/2389/coven-chorus/internal/group"
	"github.com/2389/coven-chorus/internal/metrics"
	"github.com/2389/coven-chorus/internal/store"
)

// duplicateWindowKeys caps the stream-end dedupe window.
const duplicateWindowKeys = 100_000

// Gateway orchestrates the chorus-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	metrics      *metrics.Collector
	registry     *prometheus.Registry
	agentManager *agent.Manager
	connections  *connections.Registry
	conversation *conversation.Service
	speech       *conversation.SpeechQueue
	coordinator  *group.Coordinator
	seen         *dedupe.Window
	httpServer   *http.Server
	logger       *slog.Logger

	// lifetime outlives any single socket; turns and stream-end continuations
	// run under it so a client or agent disconnect does not abort a round.
	lifetime context.Context
	stop     context.CancelFunc
	turnsMu  sync.Mutex
	closing  bool
	turns    sync.WaitGroup
}

// ErrShuttingDown is returned for work arriving after Shutdown began.
var ErrShuttingDown = errors.New("gateway shutting down")

// track registers one unit of round work. It reports false once Shutdown has
// started waiting.
func (g *Gateway) track() bool {
	g.turnsMu.Lock()
	defer g.turnsMu.Unlock()
	if g.closing {
		return false
	}
	g.turns.Add(1)
	return true
}

// initStore creates the SQLite store from config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway backed by the configured SQLite database.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, s, logger), nil
}

// NewWithStore creates a gateway on an existing store. The gateway owns s and
// closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	lifetime, stop := context.WithCancel(context.Background())

	orch := cfg.Orchestration
	seen := dedupe.NewWindow(orch.DuplicateTTL, duplicateWindowKeys, time.Minute)

	g := &Gateway{
		config:   cfg,
		store:    s,
		metrics:  collector,
		registry: reg,
		seen:     seen,
		logger:   logger,
		lifetime: lifetime,
		stop:     stop,
	}

	g.connections = connections.NewRegistry(orch.PushTimeout, collector, logger)
	g.speech = conversation.NewSpeechQueue(g.connections, cfg.Streaming.TTSBuffer, orch.PushTimeout, logger)
	g.conversation = conversation.New(conversation.Config{
		Store:      s,
		Pusher:     g.connections,
		TTS:        g.speech,
		Metrics:    collector,
		Logger:     logger,
		SinkBuffer: cfg.Streaming.SinkBuffer,
	})

	g.agentManager = agent.NewManager(agent.ManagerConfig{
		DispatchTimeout: orch.DispatchTimeout,
		Seen:            seen,
		Metrics:         collector,
		Logger:          logger,
	})
	g.agentManager.SetRelay(g.conversation)

	g.coordinator = group.New(group.Config{
		Store:         s,
		Router:        g.agentManager,
		Pusher:        g.connections,
		ContextWindow: orch.ContextWindow,
		Metrics:       collector,
		Logger:        logger,
	})

	g.agentManager.OnStreamEnd(g.handleStreamEnd)
	g.agentManager.OnChunk(g.handleChunk)

	for _, name := range cfg.Agents.Echo {
		g.agentManager.RegisterProvider(name, &agent.EchoProvider{Name: name})
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

// AgentManager exposes the agent manager so callers can register providers.
func (g *Gateway) AgentManager() *agent.Manager {
	return g.agentManager
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /ready", g.handleReady)
	mux.HandleFunc("GET /ws", g.handleClientWS)
	mux.HandleFunc("GET /agents/ws", g.handleAgentWS)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/requests/pending", g.handlePendingRequests)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the gateway on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if after := g.config.Orchestration.StaleAfter; after > 0 {
		go g.reportStale(ctx, after)
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// reportStale periodically logs queued turns that never got a reply.
func (g *Gateway) reportStale(ctx context.Context, after time.Duration) {
	ticker := time.NewTicker(max(after/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.coordinator.ExpirePending(ctx, after); err != nil {
				g.logger.Error("stale request report failed", "error", err)
			}
		}
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, cancels in-flight rounds and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.turnsMu.Lock()
	g.closing = true
	g.turnsMu.Unlock()
	g.stop()
	waited := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		g.logger.Warn("rounds still running at shutdown")
	}

	g.seen.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent can take turns.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := len(g.agentManager.ListAgents()) + len(g.agentManager.Providers())
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents available"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
