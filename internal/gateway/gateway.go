// ABOUTME: Gateway orchestrator that wires the conversation engine behind one HTTP server
// ABOUTME: Manages store, providers, background workers and the listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/breaker"
	"github.com/2389/coven-inbox/internal/cache"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/inbound"
	"github.com/2389/coven-inbox/internal/macro"
	"github.com/2389/coven-inbox/internal/metrics"
	"github.com/2389/coven-inbox/internal/notify"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/ratelimit"
	"github.com/2389/coven-inbox/internal/routing"
	"github.com/2389/coven-inbox/internal/snooze"
	"github.com/2389/coven-inbox/internal/store"
	"github.com/2389/coven-inbox/internal/whatsapp"
)

// replySender delivers agent replies. *outbound.Sender in production.
type replySender interface {
	Send(ctx context.Context, req outbound.Request) (*store.Message, error)
}

// Gateway owns every component of the engine and serves its HTTP surface.
type Gateway struct {
	config        *config.Config
	store         store.Store
	conversations *conversation.Service
	broadcaster   *conversation.EventBroadcaster
	pipeline      *inbound.Pipeline
	sender        replySender
	macros        *macro.Service
	executor      *macro.Executor
	router        *routing.Router
	notifier      notify.Notifier
	metrics       *metrics.Metrics
	verifier      *auth.JWTVerifier
	ingress       *ingressLimiter

	// recent inbound messages by dedupe key, in front of the store lookup
	recent *cache.Cache[string, store.Message]
	// inbox list responses by agent and filter
	inbox *cache.Cache[string, []*store.Conversation]

	bridge      *whatsapp.Bridge
	waker       *snooze.Waker
	redis       redis.UniversalClient
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	workers     sync.WaitGroup
	logger      *slog.Logger
}

// initStore opens the SQLite store, honoring COVEN_INBOX_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_INBOX_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// seedTargets writes the configured channel targets into the store.
func seedTargets(ctx context.Context, s store.Store, targets []config.ChannelTarget) error {
	for _, t := range targets {
		if err := s.UpsertChannelTarget(ctx, &store.ChannelTarget{
			ID:          t.ID,
			ChannelType: t.ChannelType,
			Name:        t.Name,
			Address:     t.Address,
			AuthConfig:  t.AuthConfig,
			Metadata:    t.Metadata,
			IsDefault:   t.IsDefault,
		}); err != nil {
			return fmt.Errorf("seeding channel target %s: %w", t.ID, err)
		}
	}
	return nil
}

// New opens the store and builds a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := build(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// build wires every component over an open store. extra providers are
// registered after the configured ones and replace them by name.
func build(cfg *config.Config, s store.Store, logger *slog.Logger, extra ...outbound.Provider) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := seedTargets(context.Background(), s, cfg.Channels); err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		metrics: metrics.New(cfg.Metrics.Namespace),
		ingress: newIngressLimiter(cfg.Webhooks.RatePerSecond, cfg.Webhooks.Burst),
		recent:  cache.New[string, store.Message](cfg.Cache.DedupeTTL, cfg.Cache.DedupeMaxSize),
		inbox:   cache.New[string, []*store.Conversation](cfg.Cache.InboxTTL, cfg.Cache.InboxMaxSize),
		logger:  logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = v
	}

	gw.broadcaster = conversation.NewEventBroadcaster(logger)
	gw.conversations = conversation.New(s, gw.broadcaster, logger)
	gw.router = routing.New(s, logger)

	engine := dedupe.NewEngine(s, gw.recent, logger)
	base := inbound.NewBase(s, gw.conversations, engine, logger)
	gw.pipeline = inbound.NewPipeline(s, engine, gw.metrics, logger,
		inbound.NewEmailHandler(base),
		inbound.NewWhatsAppHandler(base),
	)

	if cfg.Redis.Addr != "" {
		gw.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return nil, err
	}
	gw.notifier = notifier

	providers := gw.buildProviders(cfg.Providers, logger)
	providers = append(providers, extra...)
	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout,
		func(provider string, from, to breaker.State) {
			gw.metrics.SetBreakerOpen(provider, to == breaker.StateOpen)
			gw.logger.Warn("circuit state changed", "provider", provider, "from", from, "to", to)
		})
	gw.sender = outbound.NewSender(s, outbound.Options{
		Limiter:     ratelimit.New(gw.redis, logger),
		Limits:      cfg.RateLimits,
		Breakers:    breakers,
		Broadcaster: gw.broadcaster,
		Metrics:     gw.metrics,
		Logger:      logger,
	}, providers...)

	gw.macros = macro.NewService(s, logger)
	gw.executor = macro.NewExecutor(s, gw.conversations, gw.router, gw.sender, gw.metrics, logger)

	waker, err := snooze.New(s, gw.conversations, cfg.Snooze.Schedule, logger)
	if err != nil {
		return nil, err
	}
	gw.waker = waker

	gw.registerHooks()

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// buildProviders creates the configured outbound providers.
func (g *Gateway) buildProviders(cfg config.ProvidersConfig, logger *slog.Logger) []outbound.Provider {
	var providers []outbound.Provider
	if cfg.SMTP.Enabled {
		providers = append(providers, outbound.NewEmailProvider(outbound.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	}
	if cfg.WhatsApp.Enabled {
		g.bridge = whatsapp.NewBridge(cfg.WhatsApp.BridgeURL, cfg.WhatsApp.TargetID, g.ingestBridgeMessage, logger)
		providers = append(providers, g.bridge)
	}
	return providers
}

// buildNotifier creates the enabled notifiers, or nil when none is.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Matrix.Enabled {
		n, err := notify.NewMatrixNotifier(notify.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			DefaultRoom: cfg.Matrix.DefaultRoom,
		})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if cfg.Slack.Enabled {
		multi = append(multi, notify.NewSlackNotifier(notify.SlackConfig{
			BotToken:       cfg.Slack.BotToken,
			Channels:       cfg.Slack.Channels,
			DefaultChannel: cfg.Slack.DefaultChannel,
		}))
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListener creates the HTTP listener on a tailnet or plain TCP.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startWorkers starts the snooze waker and the WhatsApp bridge reader.
func (g *Gateway) startWorkers(ctx context.Context) {
	g.workers.Go(func() { g.waker.Run(ctx) })
	if g.bridge != nil {
		g.workers.Go(func() {
			if err := g.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("whatsapp bridge stopped", "error", err)
			}
		})
	}
}

// Run starts the HTTP server and background workers and blocks until the
// context is canceled. Returns nil on graceful shutdown, or the server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	g.startWorkers(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopWorkers()
	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-inbox", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server, waits for workers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.bridge != nil {
		g.bridge.Close()
	}
	g.workers.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.broadcaster.Close()
	g.recent.Close()
	g.inbox.Close()

	return errors.Join(errs...)
}
