// ABOUTME: Gateway orchestrator that wires the messaging core to an HTTP server
// ABOUTME: Manages the store, presence, rooms, relay, websocket gateway and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/cluster"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/presence"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/receipts"
	"github.com/2389/chat-gateway/internal/relay"
	"github.com/2389/chat-gateway/internal/rooms"
	"github.com/2389/chat-gateway/internal/store"
)

// connectTimeout bounds store, Redis and NATS dialing during New
const connectTimeout = 10 * time.Second

// Gateway orchestrates the chat-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	authn       *auth.Authenticator
	presence    *presence.Registry
	mirror      *presence.RedisMirror
	rooms       *rooms.Manager
	bus         *cluster.Bus
	relay       *relay.Relay
	receipts    *receipts.Coordinator
	realtime    *realtime.Gateway
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// nodeID identifies this gateway instance in Redis and on the cluster bus
	nodeID string

	// createMu serialises find-or-create of direct conversations
	createMu sync.Mutex
}

// OpenStore opens the configured store. CHAT_DB_PATH overrides the sqlite path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == config.DriverMongo {
		s, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:      cfg.Database.MongoURI,
			Database: cfg.Database.MongoDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway from cfg. The store is opened and optional Redis and
// NATS connections are dialed; nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newWithStore(ctx, cfg, s, logger)
}

// newWithStore finishes construction around an already opened store.
// On error the store is closed.
func newWithStore(ctx context.Context, cfg *config.Config, s store.Store, logger *slog.Logger) (gw *Gateway, err error) {
	g := &Gateway{
		config: cfg,
		store:  s,
		logger: logger,
		nodeID: generateNodeID(),
	}
	defer func() {
		if err != nil {
			g.closeOptionalComponents()
			_ = s.Close()
		}
	}()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	g.authn = auth.NewAuthenticator(verifier, s, cfg.Auth.CookieName)

	g.presence = presence.NewRegistry(logger)
	if cfg.Presence.Redis.Enabled {
		g.mirror, err = presence.NewRedisMirror(ctx, presence.RedisConfig{
			Addr:     cfg.Presence.Redis.Addr,
			Password: cfg.Presence.Redis.Password,
			DB:       cfg.Presence.Redis.DB,
			TTL:      cfg.Presence.Redis.TTL,
			NodeID:   g.nodeID,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting presence mirror: %w", err)
		}
		g.presence.SetMirror(g.mirror)
		logger.Info("presence mirrored to redis", "addr", cfg.Presence.Redis.Addr)
	}

	g.rooms = rooms.NewManager(s, logger)
	if g.mirror != nil {
		g.rooms.SetMembershipMirror(g.mirror)
	}
	if cfg.Cluster.NATS.Enabled {
		g.bus, err = cluster.NewBus(cluster.Config{
			URL:     cfg.Cluster.NATS.URL,
			Subject: cfg.Cluster.NATS.Subject,
			Name:    cfg.Cluster.NATS.Name,
		}, g.nodeID, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting cluster bus: %w", err)
		}
		g.rooms.SetPublisher(g.bus)
		if err = g.bus.Start(g.rooms.DeliverLocal); err != nil {
			return nil, fmt.Errorf("starting cluster bus: %w", err)
		}
		logger.Info("cluster fan-out enabled", "url", cfg.Cluster.NATS.URL, "subject", cfg.Cluster.NATS.Subject)
	}

	g.relay = relay.New(s, g.rooms, cfg.Realtime.DedupeTTL, logger)
	g.receipts = receipts.New(s, g.rooms, logger)
	g.realtime = realtime.NewGateway(realtime.Config{
		Auth:     g.authn,
		Presence: g.presence,
		Rooms:    g.rooms,
		Relay:    g.relay,
		Receipts: g.receipts,
		Options: realtime.Options{
			WriteWait:     cfg.Realtime.WriteWait,
			PongWait:      cfg.Realtime.PongWait,
			PingPeriod:    cfg.Realtime.PingPeriod,
			SendBuffer:    cfg.Realtime.SendBuffer,
			MaxFrameBytes: cfg.Realtime.MaxFrameBytes,
		},
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		Logger:         logger,
	})

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway initialized", "node_id", g.nodeID, "driver", cfg.Database.Driver)
	return g, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("GET /ws", g.realtime)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("POST /api/conversations/{userId}", g.handleCreateConversation)
	api.HandleFunc("GET /api/messages/{conversationId}", g.handleGetMessages)
	api.HandleFunc("GET /api/online", g.handleOnline)
	mux.Handle("/api/", auth.HTTPAuthMiddleware(g.authn)(api))

	return mux
}

// Handler returns the HTTP handler serving the API and websocket endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// warnIgnoredAddress logs a warning if server.http_addr is set but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
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
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

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
	return filepath.Join(homeDir, ".local", "share", "chat-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on :80, or :443
// with tailnet certificates when https is enabled.
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

	if tsCfg.HTTPS {
		return g.createTailscaleTLSListener()
	}
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

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.relay != nil {
		g.relay.Close()
	}
	if g.bus != nil {
		if err := g.bus.Close(); err != nil {
			g.logger.Warn("closing cluster bus", "error", err)
		}
	}
	if g.mirror != nil {
		if err := g.mirror.Close(); err != nil {
			g.logger.Warn("closing presence mirror", "error", err)
		}
	}
}

// Shutdown stops accepting requests, closes every websocket connection and
// releases resources. Connection teardown runs before the store closes so
// presence transitions are still broadcast.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "websocket shutdown", g.realtime.Shutdown(ctx))

	g.closeOptionalComponents()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := g.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.realtime.ConnectionCount())
}

// generateNodeID creates a unique identifier for this gateway instance.
func generateNodeID() string {
	return "chat-gateway-" + uuid.NewString()[:8]
}

var _ rooms.MembershipMirror = (*presence.RedisMirror)(nil)
