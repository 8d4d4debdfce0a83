// Package httpapi implements the local admin HTTP API for Askari.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Loopback listen address by default; TLS is out of scope for a local
//     admin surface
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/policy"
	"github.com/jkaninda/askari/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// SessionLauncher starts an authorization session for an out-of-band
// channel announcement. The daemon implements this.
type SessionLauncher interface {
	Launch(ctx context.Context, channel string, version int) (string, error)
}

// Config configures the admin API gateway.
type Config struct {
	ListenAddr string            // e.g., "127.0.0.1:8145"
	EnableDocs bool
	APIKeys    map[string]string // API key → caller ID mapping. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.Checker          // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the admin API gateway.
type Gateway struct {
	config   Config
	launcher SessionLauncher
	policies policy.Store
	limiter  *ratelimit.Limiter[string]
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (the frontend WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an admin API gateway.
func NewGateway(cfg Config, launcher SessionLauncher, policies policy.Store, rl *ratelimit.Limiter[string], logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		launcher: launcher,
		policies: policies,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the frontend WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Askari",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions", g.handleSessionSubmit,
		okapi.DocSummary("Announce an authorization request channel"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionRequest{}),
		okapi.DocResponse(http.StatusAccepted, SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/policies", g.handlePolicyList,
		okapi.DocSummary("List cached authorization decisions"),
		okapi.DocTags("Policies"),
		okapi.DocResponse([]PolicyResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Delete("/policies/{uid}", g.handlePolicyRevoke,
		okapi.DocSummary("Revoke the cached decision for one requester"),
		okapi.DocTags("Policies"),
		okapi.DocPathParam("uid", "integer", "Requester UID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/policies", g.handlePolicyClear,
		okapi.DocSummary("Forget all cached decisions"),
		okapi.DocTags("Policies"),
		okapi.DocResponse(map[string]string{}),
	)

	// Extra handlers (the frontend WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("admin api starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("admin api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SessionRequest is the JSON body for POST /v1/sessions. The su helper
// supplies the channel name and protocol version out-of-band through this
// endpoint.
type SessionRequest struct {
	Channel  string `json:"channel"`
	Protocol int    `json:"protocol"` // 1 or 2.
}

// SessionResponse acknowledges a launched session. The decision itself
// travels over the request channel, never over HTTP.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (g *Gateway) handleSessionSubmit(c *okapi.Context) error {
	callerID := c.GetString("callerID")

	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("channel and protocol are required")
	}
	if req.Channel == "" {
		return c.AbortBadRequest("channel is required")
	}
	if req.Protocol != 1 && req.Protocol != 2 {
		return c.AbortBadRequest("protocol must be 1 or 2")
	}

	sessionID, err := g.launcher.Launch(c.Context(), req.Channel, req.Protocol)
	if err != nil {
		g.logger.Error("launching session",
			slog.String("caller", callerID),
			slog.String("channel", req.Channel),
			slog.String("error", err.Error()),
		)
		return launchError(c, err)
	}

	g.logger.Info("session launched",
		slog.String("caller", callerID),
		slog.String("session_id", sessionID),
		slog.Int("protocol", req.Protocol),
	)
	return c.JSON(http.StatusAccepted, SessionResponse{SessionID: sessionID, Status: "accepted"})
}

// PolicyResponse is one cached decision in list output.
type PolicyResponse struct {
	UID         int64  `json:"uid"`
	PackageName string `json:"package_name"`
	Decision    string `json:"decision"`
	ExpiresAt   int64  `json:"expires_at"` // Unix seconds. 0 = never.
}

func (g *Gateway) handlePolicyList(c *okapi.Context) error {
	policies, err := g.policies.List(c.Context())
	if err != nil {
		g.logger.Error("listing policies", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing policies failed")
	}

	resp := make([]PolicyResponse, len(policies))
	for i, p := range policies {
		resp[i] = PolicyResponse{
			UID:         p.UID,
			PackageName: p.PackageName,
			Decision:    p.Decision.String(),
			ExpiresAt:   p.ExpiresAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handlePolicyRevoke(c *okapi.Context) error {
	uid, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil || uid < 0 {
		return c.AbortBadRequest("uid must be a non-negative integer")
	}

	if err := g.policies.Revoke(c.Context(), uid); err != nil {
		g.logger.Error("revoking policy",
			slog.Int64("uid", uid),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("revoking policy failed")
	}

	g.logger.Info("policy revoked",
		slog.String("caller", c.GetString("callerID")),
		slog.Int64("uid", uid),
	)
	return c.OK(okapi.M{"status": "revoked"})
}

func (g *Gateway) handlePolicyClear(c *okapi.Context) error {
	if err := g.policies.ClearAll(c.Context()); err != nil {
		g.logger.Error("clearing policies", slog.String("error", err.Error()))
		return c.AbortInternalServerError("clearing policies failed")
	}

	g.logger.Info("all policies cleared", slog.String("caller", c.GetString("callerID")))
	return c.OK(okapi.M{"status": "cleared"})
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.Live())
	}
	return c.OK(okapi.M{"status": "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		report := g.config.HealthChecker.Ready(c.Context())
		code := http.StatusOK
		if report.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, report)
	}
	return c.OK(okapi.M{"status": "ok"})
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = id
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// --- Helpers ---

// launchError maps launcher failures to responses without leaking channel
// details to the caller.
func launchError(c *okapi.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return c.AbortInternalServerError("daemon shutting down")
	}
	return c.AbortBadRequest("could not open request channel")
}
