// Package engine orchestrates one authorization session from accepted
// request to wire reply: purge, identity lookup, policy cache, auto-response
// config, interactive prompt, persistence, reply.
//
// Everything fails closed. Any uncertainty about identity, protocol, or
// decision resolves to deny, never allow. Persistence is best-effort: a
// store failure is logged and the peer still gets its reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/connector"
	"github.com/jkaninda/askari/internal/identity"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/policy"
	"github.com/jkaninda/askari/internal/prompt"
	"github.com/jkaninda/askari/internal/ratelimit"
)

// State is one step of the session state machine. The trail of states a
// session walked is recorded for logging and assertions.
type State int

const (
	StateReceived State = iota
	StateLookup
	StateCached
	StateNeedsPrompt
	StatePrompting
	StateResolved
	StatePersisted
	StateReplied
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateLookup:
		return "lookup"
	case StateCached:
		return "cached"
	case StateNeedsPrompt:
		return "needs_prompt"
	case StatePrompting:
		return "prompting"
	case StateResolved:
		return "resolved"
	case StatePersisted:
		return "persisted"
	case StateReplied:
		return "replied"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result is what a completed session reports back to its caller.
type Result struct {
	SessionID string
	UID       int64
	Decision  policy.Decision
	Source    string // "cached", "auto", "prompt", "veto", "unresolved", "ratelimited"
	Persisted bool
	Trail     []State
}

// Engine runs authorization sessions. Safe for concurrent use; each session
// gets its own prompt driver and connector.
type Engine struct {
	store      policy.Store
	resolver   identity.Resolver
	surface    prompt.Surface
	biometric  prompt.Authenticator
	authSource config.AuthSource
	limiter    *ratelimit.Limiter[int64]
	metrics    *observability.MetricsCollector
	tracer     trace.Tracer
	logger     *slog.Logger
}

// New creates an Engine. surface may be nil (headless install: every prompt
// fails closed). metrics and tracer may be nil.
func New(
	store policy.Store,
	resolver identity.Resolver,
	surface prompt.Surface,
	biometric prompt.Authenticator,
	authSource config.AuthSource,
	limiter *ratelimit.Limiter[int64],
	metrics *observability.MetricsCollector,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Engine {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Engine{
		store:      store,
		resolver:   resolver,
		surface:    surface,
		biometric:  biometric,
		authSource: authSource,
		limiter:    limiter,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger,
	}
}

// session is the per-request state. Discarded once the reply is sent.
type session struct {
	id    string
	conn  *connector.Connector
	req   *connector.Request
	trail []State
}

func (s *session) transition(st State) {
	s.trail = append(s.trail, st)
}

// Handle runs one complete session on the given connector: accept, decide,
// reply. The connector is closed on every exit path, including early vetoes
// and I/O failures, so per-request resources never leak. sessionID correlates
// the session with the announcement that launched it; empty means a fresh
// UUID is assigned.
func (e *Engine) Handle(ctx context.Context, sessionID string, conn *connector.Connector) (*Result, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	sess := &session{id: sessionID, conn: conn}
	sess.transition(StateReceived)
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "authz.session",
		trace.WithAttributes(attribute.String("session_id", sess.id)))
	defer span.End()

	defer conn.Close()
	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
		defer e.metrics.ActiveSessions.Dec()
	}

	// Opportunistic maintenance before touching the request.
	if err := e.store.PurgeExpired(ctx); err != nil {
		e.logger.Warn("purging expired policies", slog.String("error", err.Error()))
	}

	req, err := conn.Accept(ctx)
	if err != nil {
		// Fatal to the session: no reply, peer observes channel close
		// and its own timeout interprets that as deny.
		e.observe(sess, policy.DecisionDeny, "aborted", start)
		return nil, fmt.Errorf("accepting request: %w", err)
	}
	sess.req = req
	span.SetAttributes(attribute.Int64("uid", req.UID))

	result := e.decide(ctx, sess)

	if err := conn.Reply(result.Decision); err != nil {
		sess.transition(StateClosed)
		result.Trail = sess.trail
		e.observe(sess, result.Decision, result.Source, start)
		return result, fmt.Errorf("replying: %w", err)
	}
	sess.transition(StateReplied)
	sess.transition(StateClosed)
	result.Trail = sess.trail

	e.observe(sess, result.Decision, result.Source, start)
	e.logger.Info("session closed",
		slog.String("session_id", sess.id),
		slog.Int64("uid", req.UID),
		slog.String("decision", result.Decision.String()),
		slog.String("source", result.Source),
		slog.Bool("persisted", result.Persisted),
	)
	return result, nil
}

// decide walks Lookup → {Cached, NeedsPrompt} → Prompting → Resolved →
// Persisted and returns the final decision. Only the decision code crosses
// the wire afterwards, never the expiry.
func (e *Engine) decide(ctx context.Context, sess *session) *Result {
	result := &Result{SessionID: sess.id, UID: sess.req.UID}
	snapshot := e.authSource.Snapshot()

	sess.transition(StateLookup)

	// Flood control: a requester hammering the channel is denied without
	// prompting and without touching the cache.
	if e.limiter != nil {
		if err := e.limiter.Allow(sess.req.UID); err != nil {
			e.logger.Warn("requester rate limited",
				slog.String("session_id", sess.id),
				slog.Int64("uid", sess.req.UID),
			)
			sess.transition(StateResolved)
			result.Decision = policy.DecisionDeny
			result.Source = "ratelimited"
			return result
		}
	}

	id, err := e.resolver.Resolve(ctx, sess.req.UID)
	if err != nil {
		// An app that cannot be identified is never trusted.
		if !errors.Is(err, identity.ErrNotFound) {
			e.logger.Error("resolving identity",
				slog.String("session_id", sess.id),
				slog.Int64("uid", sess.req.UID),
				slog.String("error", err.Error()),
			)
		}
		sess.transition(StateResolved)
		result.Decision = policy.DecisionDeny
		result.Source = "unresolved"
		return result
	}

	// Hard veto: the manager never grants itself or a known clone of
	// itself elevation. Guards against spoofed self-requests.
	if id.PackageName == snapshot.SelfPackage {
		e.logger.Warn("self-package elevation request vetoed",
			slog.String("session_id", sess.id),
			slog.Int64("uid", sess.req.UID),
			slog.String("package", id.PackageName),
		)
		sess.transition(StateResolved)
		result.Decision = policy.DecisionDeny
		result.Source = "veto"
		return result
	}

	// Cached decision wins over everything, auto-response included.
	if cached, err := e.store.Get(ctx, sess.req.UID); err == nil && cached.Decision != policy.DecisionAsk {
		sess.transition(StateCached)
		sess.transition(StateResolved)
		result.Decision = cached.Decision
		result.Source = "cached"
		return result
	} else if err != nil && !errors.Is(err, policy.ErrNotFound) {
		// Store unavailable: fall through to the prompt path rather
		// than denying outright; the user can still decide.
		e.logger.Error("policy lookup failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
	}

	sess.transition(StateNeedsPrompt)

	// Auto modes are one-shot: they bypass the cache entirely and are
	// never persisted.
	switch snapshot.Mode() {
	case config.AutoAllow:
		sess.transition(StateResolved)
		result.Decision = policy.DecisionAllow
		result.Source = "auto"
		return result
	case config.AutoDeny:
		sess.transition(StateResolved)
		result.Decision = policy.DecisionDeny
		result.Source = "auto"
		return result
	}

	sess.transition(StatePrompting)
	outcome := e.runPrompt(ctx, sess, id, snapshot)
	sess.transition(StateResolved)
	result.Decision = outcome.Decision
	result.Source = "prompt"

	// Once-only skips persistence. Everything else is cached with the
	// chosen expiry; a write failure must not block the reply.
	if outcome.Expiry.Kind != policy.ExpiryOnce {
		p := &policy.Policy{
			UID:         sess.req.UID,
			PackageName: id.PackageName,
			Decision:    outcome.Decision,
			ExpiresAt:   outcome.Expiry.ExpiresAt(time.Now().UTC()),
		}
		if err := e.store.Upsert(ctx, p); err != nil {
			e.logger.Error("persisting decision",
				slog.String("session_id", sess.id),
				slog.Int64("uid", sess.req.UID),
				slog.String("error", err.Error()),
			)
		} else {
			sess.transition(StatePersisted)
			result.Persisted = true
		}
	}
	return result
}

// runPrompt drives the interactive prompt and maps every failure mode to a
// deny-once outcome. The prompt context is cancelled when the peer tears the
// channel down (v1 address disappearing, helper process exit).
func (e *Engine) runPrompt(ctx context.Context, sess *session, id *identity.Identity, snapshot config.AuthConfig) prompt.Outcome {
	denyOnce := prompt.Outcome{
		Decision: policy.DecisionDeny,
		Expiry:   policy.ExpiryChoice{Kind: policy.ExpiryOnce},
	}

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.conn.Done():
			cancel()
		case <-promptCtx.Done():
		}
	}()

	driver := prompt.NewDriver(e.surface, e.biometric, e.logger)
	spec := &prompt.Spec{
		SessionID:      sess.id,
		UID:            sess.req.UID,
		PackageName:    id.PackageName,
		DisplayName:    id.DisplayName,
		Command:        sess.req.Command,
		TimeoutSeconds: int(snapshot.PromptTimeout().Seconds()),
		Options:        policy.DefaultExpiryOptions,
	}

	outcome, err := driver.Run(promptCtx, spec, snapshot.BiometricEnabled)
	if err != nil {
		// Cancellation, missing surface, or a driver misuse all fail
		// closed with no persistence.
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("prompt failed",
				slog.String("session_id", sess.id),
				slog.String("error", err.Error()),
			)
		}
		return denyOnce
	}
	if e.metrics != nil {
		e.metrics.PromptOutcomes.WithLabelValues(outcome.Via, outcome.Decision.String()).Inc()
	}
	return outcome
}

func (e *Engine) observe(sess *session, d policy.Decision, source string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.SessionsTotal.WithLabelValues(d.String(), source).Inc()
	e.metrics.SessionDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}
