// ABOUTME: Gateway orchestrator that wires the turn pipeline behind an HTTP server
// ABOUTME: Builds store, classifier, commerce, escalation and sessions from config and manages their lifecycle

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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/triage-gateway/internal/auth"
	"github.com/2389/triage-gateway/internal/classifier"
	"github.com/2389/triage-gateway/internal/commerce"
	"github.com/2389/triage-gateway/internal/config"
	"github.com/2389/triage-gateway/internal/conversation"
	"github.com/2389/triage-gateway/internal/dedupe"
	"github.com/2389/triage-gateway/internal/escalation"
	"github.com/2389/triage-gateway/internal/intent"
	"github.com/2389/triage-gateway/internal/session"
	"github.com/2389/triage-gateway/internal/store"
)

// Deps are the collaborators the gateway is built around. New derives them
// from config; tests supply their own.
type Deps struct {
	Store      store.Repository
	Classifier intent.Classifier
	Commerce   commerce.Client
	Queue      escalation.Queue
}

// Gateway serves the chat API and WebSocket channel.
type Gateway struct {
	config      *config.Config
	store       store.Repository
	sessions    *session.Manager
	service     *conversation.Service
	coordinator *escalation.Coordinator
	verifier    auth.TokenVerifier // nil when auth is disabled
	logger      *slog.Logger

	// replay answers retried chat requests that carry a message_id
	replay   *dedupe.Cache[*conversation.TurnResult]
	inflight singleflight.Group

	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time

	// sockets tracks live WebSocket handlers so shutdown can wait for them
	socketMu  sync.Mutex
	sockets   sync.WaitGroup
	draining  bool
	closeOnce sync.Once
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	clf, err := newClassifier(cfg.Classifier)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	return NewWithDeps(cfg, Deps{
		Store:      repo,
		Classifier: clf,
		Commerce:   newCommerce(cfg.Commerce),
		Queue:      newQueue(cfg.Escalation, repo),
	}, logger), nil
}

// NewWithDeps creates a Gateway around the given collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	sessions := session.NewManager(deps.Store, logger)
	sessions.Connections().SetSendTimeout(cfg.Routing.SendTimeout)

	coordinator := escalation.NewCoordinator(sessions, deps.Store, deps.Queue, cfg.Escalation.EnqueueTimeout, logger)
	responder := conversation.NewResponder(deps.Commerce, logger)
	service := conversation.New(sessions, deps.Classifier, coordinator, responder, conversation.Options{
		Threshold:   cfg.Routing.Threshold,
		TurnTimeout: cfg.Routing.TurnTimeout,
	}, logger)

	gw := &Gateway{
		config:      cfg,
		store:       deps.Store,
		sessions:    sessions,
		service:     service,
		coordinator: coordinator,
		logger:      logger.With("component", "gateway"),
		replay:      dedupe.New[*conversation.TurnResult](cfg.Replay.TTL, cfg.Replay.MaxEntries),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		},
		startedAt: time.Now(),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		gw.logger.Info("bearer auth enabled")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.router = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// OpenStore opens the repository selected by database.driver.
func OpenStore(cfg *config.Config) (store.Repository, error) {
	var (
		s   *store.SQLStore
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err = store.Open(store.DriverPostgres, cfg.Database.DSN)
	default:
		s, err = store.NewSQLiteStore(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newClassifier builds the configured intent classifier.
func newClassifier(cfg config.ClassifierConfig) (intent.Classifier, error) {
	switch cfg.Provider {
	case config.ClassifierKeyword, "":
		return classifier.NewKeyword(), nil
	case config.ClassifierHTTP:
		return classifier.NewHTTP(cfg.URL, cfg.APIKey, cfg.Timeout), nil
	case config.ClassifierOpenAI:
		return classifier.NewOpenAI(cfg.APIKey, cfg.URL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}

// newCommerce builds the configured order and product backend.
func newCommerce(cfg config.CommerceConfig) commerce.Client {
	if cfg.Provider == config.CommerceHTTP {
		return commerce.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	}
	return commerce.NewDemoCatalog()
}

// newQueue builds the configured escalation hand-off.
func newQueue(cfg config.EscalationConfig, repo store.Repository) escalation.Queue {
	switch cfg.Queue {
	case config.QueueWebhook:
		return escalation.NewWebhookQueue(cfg.WebhookURL, cfg.Secret)
	case config.QueueNone:
		return escalation.NopQueue{}
	default:
		return escalation.NewStoreQueue(repo)
	}
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Run serves HTTP until ctx is canceled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")

		// The parent context is already canceled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes live WebSocket connections,
// waits for their handlers and releases the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		g.socketMu.Lock()
		g.draining = true
		g.socketMu.Unlock()

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		// Hijacked WebSocket connections are not covered by http.Server.Shutdown
		g.sessions.Connections().Close()
		errs = appendCloseError(errs, "websocket drain", g.waitForSockets(ctx))

		g.replay.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())
	})
	return errors.Join(errs...)
}

// trackSocket registers a WebSocket handler. It returns false once shutdown
// has started.
func (g *Gateway) trackSocket() bool {
	g.socketMu.Lock()
	defer g.socketMu.Unlock()
	if g.draining {
		return false
	}
	g.sockets.Add(1)
	return true
}

func (g *Gateway) isDraining() bool {
	g.socketMu.Lock()
	defer g.socketMu.Unlock()
	return g.draining
}

func (g *Gateway) waitForSockets(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sockets.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
