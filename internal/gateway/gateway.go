// ABOUTME: Gateway orchestrator that wires the inbox pipeline and serves its HTTP and gRPC surfaces
// ABOUTME: Manages store, oracle, channel sender, realtime fan-out, and graceful shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/coven-inbox/internal/actions"
	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/channel"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/crm"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/oracle"
	"github.com/2389/coven-inbox/internal/pipeline"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/webhook"
)

// Gateway owns every coven-inbox component and the servers in front of them.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	published   *dedupe.Cache
	broadcaster *conversation.EventBroadcaster
	pipeline    *pipeline.Pipeline
	metrics     *metrics.Metrics
	verifier    *auth.JWTVerifier
	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	logger      *slog.Logger
}

// Option customizes how New builds the gateway.
type Option func(*options)

type options struct {
	sender    channel.Sender
	transport oracle.Transport
}

// WithSender replaces the configured outbound channel.
func WithSender(s channel.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithOracleTransport replaces the configured oracle transport.
func WithOracleTransport(t oracle.Transport) Option {
	return func(o *options) { o.transport = t }
}

// initStore opens the message store named by the database config.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.Database.Driver, "path", cfg.Database.Path)
	return s, nil
}

// initSender builds the outbound channel from config.
func initSender(cfg *config.Config, logger *slog.Logger) (channel.Sender, error) {
	if cfg.Channel.Provider != "whatsapp" {
		logger.Warn("channel provider is log, outbound messages will not be delivered")
		return channel.LogSender{Logger: logger}, nil
	}
	return channel.NewWhatsApp(channel.Config{
		BaseURL:       cfg.Channel.BaseURL,
		APIVersion:    cfg.Channel.APIVersion,
		PhoneNumberID: cfg.Channel.PhoneNumberID,
		AccessToken:   cfg.Channel.AccessToken,
		Timeout:       cfg.Channel.Timeout,
	}, nil, logger)
}

// initOracle builds the oracle adapter, or returns nil when AI is disabled.
func initOracle(ctx context.Context, cfg *config.Config, transport oracle.Transport, logger *slog.Logger) (*oracle.Adapter, error) {
	if !cfg.AI.Enabled {
		logger.Info("AI replies disabled")
		return nil, nil
	}

	if transport == nil {
		switch cfg.AI.Provider {
		case "gemini":
			t, err := oracle.NewGeminiTransport(ctx, cfg.AI.APIKey, cfg.AI.Model)
			if err != nil {
				return nil, err
			}
			transport = t
		default:
			transport = &oracle.HTTPTransport{
				Endpoint: cfg.AI.Endpoint,
				APIKey:   cfg.AI.APIKey,
				Model:    cfg.AI.Model,
				Client:   &http.Client{Timeout: cfg.AI.Timeout + 5*time.Second},
			}
		}
	}

	logger.Info("AI replies enabled",
		"provider", cfg.AI.Provider,
		"model", cfg.AI.Model,
		"confidence_floor", *cfg.AI.ConfidenceFloor,
	)
	return oracle.NewAdapter(transport, oracle.Options{
		ConfidenceFloor: *cfg.AI.ConfidenceFloor,
		Timeout:         cfg.AI.Timeout,
		RateLimit:       cfg.AI.RateLimit,
		RateBurst:       cfg.AI.RateBurst,
	}, logger), nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		AIEnabled:          cfg.AI.Enabled,
		FallbackReply:      cfg.AI.FallbackReply,
		HistoryLimit:       cfg.AI.HistoryLimit,
		Workers:            cfg.AI.Workers,
		QueueSize:          cfg.AI.QueueSize,
		StoreRetryAttempts: cfg.Pipeline.StoreRetryAttempts,
		StoreRetryBackoff:  cfg.Pipeline.StoreRetryBackoff,
		AsyncRetryAttempts: *cfg.Pipeline.AsyncRetryAttempts,
		AsyncRetryDelay:    cfg.Pipeline.AsyncRetryDelay,
		Scope: conversation.Scope{
			TenantID:           cfg.Pipeline.TenantID,
			DefaultTenantID:    cfg.Pipeline.DefaultTenantID,
			DefaultOwnerUserID: cfg.Pipeline.DefaultOwnerUserID,
			DefaultAIEnabled:   cfg.Pipeline.DefaultAIEnabled,
		},
	}
}

// New creates a Gateway with every component wired from cfg. ctx bounds
// client construction only.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	sqlStore, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	sender := o.sender
	if sender == nil {
		sender, err = initSender(cfg, logger)
		if err != nil {
			_ = sqlStore.Close()
			return nil, fmt.Errorf("creating channel sender: %w", err)
		}
	}

	adapter, err := initOracle(ctx, cfg, o.transport, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("creating oracle: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	published := dedupe.New(dedupe.Options{TTL: cfg.Dedupe.TTL, MaxSize: cfg.Dedupe.MaxSize})
	broadcaster := conversation.NewEventBroadcaster(logger)
	notifier := conversation.NewNotifier(broadcaster, published, logger)
	resolver := conversation.NewResolver(sqlStore, logger)
	domain := crm.NewService(sqlStore, cfg.Pipeline.Location, logger)
	executor := actions.NewExecutor(domain, sqlStore, logger).WithDefaultActor(cfg.Pipeline.DefaultOwnerUserID)

	deps := pipeline.Deps{
		Store:    sqlStore,
		Resolver: resolver,
		Executor: executor,
		Notifier: notifier,
		Sender:   sender,
		Metrics:  m,
		Logger:   logger,
	}
	if adapter != nil {
		deps.Oracle = adapter
	}
	pl := pipeline.New(pipelineConfig(cfg), deps)

	gw := &Gateway{
		config:      cfg,
		store:       sqlStore,
		published:   published,
		broadcaster: broadcaster,
		pipeline:    pl,
		metrics:     m,
		verifier:    verifier,
		logger:      logger.With("component", "gateway"),
	}

	hook := webhook.NewHandler(webhook.Config{
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
	}, pl, m, logger)
	if cfg.Webhook.AppSecret == "" {
		gw.logger.Warn("webhook.app_secret not set, webhook signatures are not checked")
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	mux.Handle(cfg.Webhook.Path, hook)

	if m != nil {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.registerAPIRoutes(mux)

	gw.handler = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newHealthServer()
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Pipeline returns the message pipeline.
func (g *Gateway) Pipeline() *pipeline.Pipeline {
	return g.pipeline
}

// Verifier returns the API token verifier.
func (g *Gateway) Verifier() *auth.JWTVerifier {
	return g.verifier
}

// setupListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"webhook_path", g.config.Webhook.Path,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// startServers starts the servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
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

// Run starts the servers and blocks until ctx is canceled or a server fails,
// then shuts everything down. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context bounded by
// server.shutdown_timeout, since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops intake, drains queued AI work, then releases resources.
// Realtime streams end when the broadcaster closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.shutdownGRPCServer(ctx)

	// Close streams first; HTTP shutdown waits on open handlers.
	g.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "pipeline drain", g.pipeline.Close(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.published.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
