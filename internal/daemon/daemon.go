// Package daemon wires storage, the decision engine, the prompt surface,
// and the admin API into a long-running Askari process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/connector"
	"github.com/jkaninda/askari/internal/engine"
	"github.com/jkaninda/askari/internal/gateway/httpapi"
	"github.com/jkaninda/askari/internal/gateway/ws"
	"github.com/jkaninda/askari/internal/identity"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/policy"
	"github.com/jkaninda/askari/internal/prompt"
	"github.com/jkaninda/askari/internal/ratelimit"
	"github.com/jkaninda/askari/internal/storage"
)

// FrontendWSPath is where the prompt UI connects on the admin listener.
const FrontendWSPath = "/ws/frontend"

var ErrAlreadyRunning = errors.New("daemon: already running")

// Daemon is the long-running Askari process. It owns the policy store, the
// decision engine, the frontend prompt surface, and the admin API, and it
// launches one authorization session per announced channel.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.Store
	engine   *engine.Engine
	surface  *ws.Server
	gateway  *httpapi.Gateway
	cron     *cron.Cron
	tracing  *observability.Tracing
	metrics  *observability.MetricsCollector
	health   *observability.Checker
	policies policy.Store

	mu       sync.Mutex
	running  bool
	sessions sync.WaitGroup
	baseCtx  context.Context
}

// New builds a daemon from configuration. Nothing is listening until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	store, err := storage.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening policy store: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}

	// Observability (optional).
	if obs := cfg.Observability; obs != nil {
		if obs.Metrics != nil && obs.Metrics.Enabled {
			d.metrics = observability.NewMetricsCollector()
		}
		if obs.Tracing != nil && obs.Tracing.Enabled {
			ts, err := observability.NewTracing(obs.Tracing)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("initializing tracing: %w", err)
			}
			d.tracing = ts
		}
	}

	d.health = observability.NewChecker(logger)
	d.health.Register("storage", store.Ping)

	// Frontend prompt surface. Without an admin API there is nowhere to
	// mount it, so the engine runs headless and prompts fail closed. A
	// connected frontend is a readiness concern: without one, every
	// interactive session resolves to deny.
	if cfg.API != nil {
		d.surface = ws.NewServer(cfg.API.FrontendToken, logger)
		d.health.Register("frontend", func(context.Context) error {
			if !d.surface.Connected() {
				return errors.New("no prompt frontend connected")
			}
			return nil
		})
	}

	// All store traffic goes through one instrumented handle so operation
	// counters see the engine, the admin API, and the purge sweep alike.
	d.policies = observability.NewInstrumentedStore(store.Policies(), d.metrics)

	var limiter *ratelimit.Limiter[int64]
	if cfg.Auth.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter[int64](ratelimit.Config{
			RequestsPerMinute: cfg.Auth.RequestsPerMinute,
		})
	}

	var surface prompt.Surface
	if d.surface != nil {
		surface = d.surface
	}
	var tracer = d.tracerOrNil()

	d.engine = engine.New(
		d.policies,
		identity.NewFileResolver(cfg.Auth.PackagesList),
		surface,
		&prompt.NoopAuthenticator{},
		config.NewFileAuthSource(cfg),
		limiter,
		d.metrics,
		tracer,
		logger,
	)

	// Admin API (optional).
	if cfg.API != nil {
		var apiLimiter *ratelimit.Limiter[string]
		if cfg.API.RequestsPerMinute > 0 {
			apiLimiter = ratelimit.NewLimiter[string](ratelimit.Config{
				RequestsPerMinute: cfg.API.RequestsPerMinute,
			})
		}

		apiCfg := httpapi.Config{
			ListenAddr:    cfg.API.Addr(),
			EnableDocs:    cfg.API.EnableDocs,
			APIKeys:       cfg.API.APIKeys,
			HealthChecker: d.health,
			Metrics:       d.metrics,
			Tracer:        tracer,
		}
		if d.metrics != nil {
			apiCfg.MetricsRegistry = d.metrics.Registry
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				apiCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}

		d.gateway = httpapi.NewGateway(apiCfg, d, d.policies, apiLimiter, logger).
			WithHandler(FrontendWSPath, d.surface.Handler())
	}

	// Expired policies are reaped lazily on every lookup; the cron sweep
	// keeps the table small during quiet periods.
	d.cron = cron.New()
	if _, err := d.cron.AddFunc(cfg.Daemon.Schedule(), d.purgeExpired); err != nil {
		store.Close()
		return nil, fmt.Errorf("scheduling policy purge: %w", err)
	}

	return d, nil
}

// Run starts the daemon and blocks until ctx is canceled or the admin API
// fails. In-flight sessions are drained on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.baseCtx = ctx
	d.mu.Unlock()

	if err := os.MkdirAll(d.cfg.Daemon.SocketDir, 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	d.cron.Start()
	d.logger.Info("daemon started",
		slog.String("data_dir", d.cfg.DataDir),
		slog.String("socket_dir", d.cfg.Daemon.SocketDir),
		slog.Bool("admin_api", d.gateway != nil),
	)

	errs := make(chan error, 1)
	if d.gateway != nil {
		go func() {
			errs <- d.gateway.Start(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			d.logger.Error("admin api exited", slog.String("error", err.Error()))
		}
	}

	return d.shutdown()
}

// Launch opens the announced request channel and runs an authorization
// session on it in the background. The returned ID identifies the session in
// logs; the decision itself only ever travels over the channel.
func (d *Daemon) Launch(_ context.Context, channel string, version int) (string, error) {
	d.mu.Lock()
	base := d.baseCtx
	running := d.running
	d.mu.Unlock()
	if !running {
		return "", errors.New("daemon: not running")
	}

	conn, err := connector.Open(channel, connector.Version(version), d.cfg.Daemon.SocketDir)
	if err != nil {
		return "", fmt.Errorf("opening channel %s: %w", channel, err)
	}

	sessionID := uuid.New().String()
	d.sessions.Add(1)
	go func() {
		defer d.sessions.Done()
		// Session lifetime is bound to the daemon, not to the HTTP
		// request that announced the channel.
		if _, err := d.engine.Handle(base, sessionID, conn); err != nil {
			d.logger.Warn("session ended with error",
				slog.String("session_id", sessionID),
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}()

	return sessionID, nil
}

func (d *Daemon) purgeExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.policies.PurgeExpired(ctx); err != nil {
		d.logger.Warn("scheduled purge failed", slog.String("error", err.Error()))
	}
}

func (d *Daemon) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.gateway != nil {
		if err := d.gateway.Stop(shutdownCtx); err != nil {
			d.logger.Error("stopping admin api", slog.String("error", err.Error()))
		}
	}

	cronCtx := d.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
	}

	done := make(chan struct{})
	go func() {
		d.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		d.logger.Warn("shutdown deadline reached with sessions in flight")
	}

	if d.tracing != nil {
		if err := d.tracing.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("shutting down tracing", slog.String("error", err.Error()))
		}
	}

	err := d.store.Close()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.logger.Info("daemon stopped")
	return err
}

// tracerOrNil returns the configured tracer, or nil when tracing is off.
func (d *Daemon) tracerOrNil() trace.Tracer {
	if d.tracing != nil {
		return d.tracing.Tracer()
	}
	return nil
}
