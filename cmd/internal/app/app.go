// Package app wires the chat server runtime: config, logging, metrics, HTTP routes,
// the push gateway and the optional Postgres, Redis, NATS and RabbitMQ backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"chatcore/cmd/internal/auth"
	"chatcore/cmd/internal/chat"
	"chatcore/cmd/internal/chatapi"
	"chatcore/cmd/internal/events"
	"chatcore/cmd/internal/presence"
	"chatcore/cmd/internal/realtime"
)

const producerName = "chatcore"

// App is the chat server runtime: it owns the HTTP server and every backend connection.
type App struct {
	cfg Config
	log Logger

	metrics *Metrics
	handler http.Handler

	dbPool *pgxpool.Pool
	svc    *chat.Service
	fanout *chat.Fanout

	// closers run in reverse order of registration once the HTTP server has drained.
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, metrics: NewMetrics()}
	wired := false
	defer func() {
		if !wired {
			a.closeAll(context.Background())
		}
	}()

	chatMetrics := chat.NewMetrics(a.metrics.Registry)

	store, profiles, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	typing, err := a.openTyping(ctx)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	hub.OnSessionCount(a.metrics.SetSessions)

	notifier, err := a.openNotifier(hub)
	if err != nil {
		return nil, err
	}

	fanoutOpts := []chat.FanoutOption{chat.WithFanoutMetrics(chatMetrics)}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		fanoutOpts = append(fanoutOpts, chat.WithEventPublisher(publisher))
	}

	a.fanout = chat.NewFanout(log, notifier, chat.FanoutConfig{
		Workers:       cfg.FanoutWorkers,
		QueueSize:     cfg.FanoutQueueSize,
		NotifyTimeout: cfg.FanoutNotifyTimeout,
	}, fanoutOpts...)
	a.onClose("fanout", a.fanout.Close)

	a.svc, err = chat.NewService(store,
		chat.WithLogger(log),
		chat.WithLimiter(chat.NewSendLimiter(cfg.SendRateLimit, cfg.SendRateWindow)),
		chat.WithDispatcher(a.fanout),
		chat.WithProfiles(profiles),
		chat.WithTyping(typing),
		chat.WithMetrics(chatMetrics),
		chat.WithDeleteWindow(cfg.DeleteWindow),
	)
	if err != nil {
		return nil, err
	}

	authn, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	ws := realtime.NewWSGateway(log, hub, a.svc, authn, realtime.GatewayConfig{
		AllowedOrigins:    cfg.WSAllowedOrigins,
		OriginRequired:    cfg.WSOriginRequired,
		DevInsecure:       cfg.WSDevInsecure,
		SendQueueSize:     cfg.WSSendQueue,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
	})

	router := newRouter(routes{
		log:     log,
		cfg:     cfg,
		dbPool:  a.dbPool,
		metrics: a.metrics,
		ws:      ws.HandleWS,
		api:     chatapi.NewHandler(log, a.svc, authn),
	})
	a.handler = WithMetrics(WithRequestLogging(WithSecurityHeaders(router), log), a.metrics)

	wired = true
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"dev_auth", a.cfg.DevAuth,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.closeAll(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeAll(ctx context.Context) {
	if a.svc != nil {
		a.svc.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.log.Error("resource.close.fail", "resource", c.name, "err", err)
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) (chat.Store, chat.ProfileResolver, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), chat.StaticProfiles(nil), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	a.dbPool = pool
	a.onClose("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})

	schema := a.cfg.DBSchema
	if schema == "" {
		schema = chat.DefaultSchema
	}
	if a.cfg.DBAutoMigrate {
		if err := chat.EnsureSchema(ctx, pool, schema); err != nil {
			return nil, nil, err
		}
		a.log.Info("db.schema.ensured", "schema", schema)
	}

	// The app owns the pool; PostgresStore.Close is a no-op.
	store, err := chat.NewPostgresStore(pool, chat.WithSchema(schema))
	if err != nil {
		return nil, nil, err
	}
	profiles, err := chat.NewPostgresProfiles(pool, schema)
	if err != nil {
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", schema)
	return store, profiles, nil
}

func (a *App) openTyping(ctx context.Context) (chat.TypingTracker, error) {
	if a.cfg.RedisAddr == "" {
		a.log.Info("typing.memory", "ttl", a.cfg.TypingTTL.String())
		return presence.NewMemoryTyping(a.cfg.TypingTTL, nil), nil
	}

	rdb, err := presence.DialRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	a.onClose("redis", closeFunc(rdb))

	a.log.Info("typing.redis", "addr", a.cfg.RedisAddr, "ttl", a.cfg.TypingTTL.String())
	return presence.NewRedisTyping(rdb, a.cfg.TypingTTL), nil
}

// openNotifier returns the local hub, or a NATS relay in front of it when NATS is configured
// so that pushes reach sessions held by other nodes.
func (a *App) openNotifier(hub *realtime.Hub) (chat.Notifier, error) {
	if a.cfg.NATSURL == "" {
		return hub, nil
	}

	nc, err := realtime.DialNATS(a.cfg.NATSURL, producerName+"@"+hostname(), a.log)
	if err != nil {
		return nil, err
	}
	a.onClose("nats", func(ctx context.Context) error {
		return drainNATS(ctx, nc)
	})

	relay := realtime.NewNATSRelay(a.log, nc, hub, a.cfg.NATSSubject)
	if err := relay.Start(); err != nil {
		return nil, err
	}
	a.onClose("nats.relay", func(context.Context) error { return relay.Close() })

	a.log.Info("push.relay.nats", "url", a.cfg.NATSURL, "subject", a.cfg.NATSSubject)
	return relay, nil
}

func drainNATS(ctx context.Context, nc *nats.Conn) error {
	if err := nc.Drain(); err != nil {
		nc.Close()
		return err
	}
	for !nc.IsClosed() {
		select {
		case <-ctx.Done():
			nc.Close()
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) (chat.EventPublisher, error) {
	if a.cfg.AMQPURL == "" {
		return nil, nil
	}

	conn, err := events.DialAMQP(ctx, events.DialOptions{URL: a.cfg.AMQPURL, Attempts: 5, Logger: a.log})
	if err != nil {
		return nil, err
	}
	a.onClose("amqp.conn", closeFunc(conn))

	pub, err := events.NewAMQPPublisher(conn, a.cfg.AMQPExchange, producerName, a.log)
	if err != nil {
		return nil, err
	}
	a.onClose("amqp.publisher", closeFunc(pub))

	a.log.Info("events.amqp", "exchange", a.cfg.AMQPExchange)
	return pub, nil
}

func newAuthenticator(cfg Config) (*auth.Authenticator, error) {
	var verifier auth.Verifier
	if strings.TrimSpace(cfg.PasetoPublicKeyHex) != "" {
		v, err := auth.NewPasetoVerifier(cfg.PasetoPublicKeyHex, cfg.PasetoIssuer, cfg.TokenClockSkew)
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	return auth.NewAuthenticator(verifier, cfg.DevAuth), nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return producerName
	}
	return h
}
