// Package prompt drives the bounded-lifetime interactive decision flow: a
// one-per-second countdown, a stream of UI actions, and an optional biometric
// authenticator race to produce exactly one terminal outcome. First decision
// wins; the losers are cancelled and joined before Run returns.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/askari/internal/policy"
)

var (
	// ErrInvalidState is returned when Run is called twice for the same
	// driver. Driving a prompt past its single resolution is a programming
	// error in the integration; callers fail closed on it.
	ErrInvalidState = errors.New("prompt already resolved")
	// ErrNoSurface is returned when no UI frontend is attached. The
	// session fails closed.
	ErrNoSurface = errors.New("no prompt surface attached")
)

// ActionKind classifies an event coming back from the UI surface.
type ActionKind int

const (
	// ActionDecide is a terminal button press: allow or deny plus the
	// selected expiry.
	ActionDecide ActionKind = iota
	// ActionSelect changes the highlighted expiry without deciding.
	ActionSelect
	// ActionCancel is the user backgrounding or dismissing the prompt.
	// Treated as an explicit deny with the currently selected expiry.
	ActionCancel
)

// Action is one event from the UI surface.
type Action struct {
	Kind     ActionKind
	Decision policy.Decision
	Expiry   policy.ExpiryChoice
}

// Spec describes the request being prompted for.
type Spec struct {
	SessionID      string
	UID            int64
	PackageName    string
	DisplayName    string
	Command        string
	TimeoutSeconds int
	Options        []policy.ExpiryChoice
}

// Surface is the rendering side of the prompt: whatever displays the request
// and produces user actions. Show begins the display and returns the action
// stream; Tick is invoked once per second with the remaining time; Dismiss
// tells the surface the session is over, on every exit path.
type Surface interface {
	Show(ctx context.Context, spec *Spec) (<-chan Action, error)
	Tick(sessionID string, remaining int)
	Dismiss(sessionID string)
}

// Outcome is the single terminal result of a prompt.
type Outcome struct {
	Decision policy.Decision
	Expiry   policy.ExpiryChoice
	Via      string // "button", "biometric", "timeout", "cancel"
}

// Driver runs one prompt to its single resolution. One driver per request;
// a second Run is ErrInvalidState.
type Driver struct {
	surface   Surface
	biometric Authenticator // nil = no biometric path
	logger    *slog.Logger

	mu  sync.Mutex
	ran bool
}

// NewDriver creates a prompt driver. biometric may be nil.
func NewDriver(surface Surface, biometric Authenticator, logger *slog.Logger) *Driver {
	return &Driver{
		surface:   surface,
		biometric: biometric,
		logger:    logger,
	}
}

// Run displays the prompt and blocks until one of button press, biometric
// success, timeout, or context cancellation resolves it. The countdown is a
// hard upper bound: it never blocks on the biometric subsystem. On return,
// the countdown timer and any pending biometric operation are cancelled and
// joined.
func (d *Driver) Run(ctx context.Context, spec *Spec, biometricEnabled bool) (Outcome, error) {
	d.mu.Lock()
	if d.ran {
		d.mu.Unlock()
		return Outcome{}, ErrInvalidState
	}
	d.ran = true
	d.mu.Unlock()

	if d.surface == nil {
		return Outcome{}, ErrNoSurface
	}
	if spec.TimeoutSeconds <= 0 {
		return Outcome{}, fmt.Errorf("prompt timeout must be positive, got %d", spec.TimeoutSeconds)
	}

	actions, err := d.surface.Show(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("showing prompt: %w", err)
	}
	defer d.surface.Dismiss(spec.SessionID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the first writer never blocks; later writers lose the
	// race and are discarded.
	results := make(chan Outcome, 1)
	var wg sync.WaitGroup

	// Countdown. Independent of everything else so timeout precision does
	// not depend on biometric OS calls.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		remaining := spec.TimeoutSeconds
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				remaining--
				d.surface.Tick(spec.SessionID, remaining)
				if remaining <= 0 {
					// Timeout never grants and never persists
					// beyond this session, whatever expiry was
					// highlighted.
					select {
					case results <- Outcome{
						Decision: policy.DecisionDeny,
						Expiry:   policy.ExpiryChoice{Kind: policy.ExpiryOnce},
						Via:      "timeout",
					}:
					default:
					}
					return
				}
			}
		}
	}()

	// Selection tracking + biometric short-circuit share the current
	// expiry choice under a lock.
	var selMu sync.Mutex
	selected := policy.ExpiryChoice{Kind: policy.ExpiryOnce}
	if len(spec.Options) > 0 {
		selected = spec.Options[0]
	}
	currentSelection := func() policy.ExpiryChoice {
		selMu.Lock()
		defer selMu.Unlock()
		return selected
	}

	if biometricEnabled && d.biometric != nil && d.biometric.Available() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.biometric.Authenticate(runCtx)
			if runCtx.Err() != nil {
				return
			}
			if err != nil {
				// Biometric failure does not end the session; the
				// manual path keeps counting down.
				d.logger.Warn("biometric authentication failed",
					slog.String("session_id", spec.SessionID),
					slog.String("error", err.Error()),
				)
				return
			}
			select {
			case results <- Outcome{
				Decision: policy.DecisionAllow,
				Expiry:   currentSelection(),
				Via:      "biometric",
			}:
			default:
			}
		}()
	}

	// UI action pump.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case a, ok := <-actions:
				if !ok {
					return
				}
				switch a.Kind {
				case ActionSelect:
					selMu.Lock()
					selected = a.Expiry
					selMu.Unlock()
				case ActionCancel:
					select {
					case results <- Outcome{
						Decision: policy.DecisionDeny,
						Expiry:   currentSelection(),
						Via:      "cancel",
					}:
					default:
					}
					return
				case ActionDecide:
					select {
					case results <- Outcome{
						Decision: a.Decision,
						Expiry:   a.Expiry,
						Via:      "button",
					}:
					default:
					}
					return
				}
			}
		}
	}()

	var outcome Outcome
	select {
	case outcome = <-results:
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return Outcome{}, ctx.Err()
	}

	// Cancel and join the losers before advancing; no double resolution.
	cancel()
	wg.Wait()

	d.logger.Info("prompt resolved",
		slog.String("session_id", spec.SessionID),
		slog.String("decision", outcome.Decision.String()),
		slog.String("expiry", outcome.Expiry.String()),
		slog.String("via", outcome.Via),
	)
	return outcome, nil
}
