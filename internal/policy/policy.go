// Package policy defines the authorization domain types: the tri-state
// decision, the expiry choice attached to an interactive decision, and the
// cached Policy record keyed by requester UID.
package policy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no live policy exists for a UID.
	ErrNotFound = errors.New("policy not found")
	// ErrNotCacheable is returned when a caller tries to persist an
	// AskEachTime decision. Ask is the in-memory default, never a row.
	ErrNotCacheable = errors.New("ask-each-time decision is not cacheable")
)

// Decision is the outcome of an authorization session.
// AskEachTime is a sentinel meaning "no cached decision, must prompt".
type Decision int16

const (
	DecisionAsk Decision = iota
	DecisionDeny
	DecisionAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionAsk:
		return "ask"
	case DecisionDeny:
		return "deny"
	case DecisionAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// Granted reports whether the decision permits elevation.
func (d Decision) Granted() bool {
	return d == DecisionAllow
}

// ExpiryKind selects how long an interactive decision stays cached.
type ExpiryKind int

const (
	// ExpiryForever caches the decision until explicitly revoked.
	ExpiryForever ExpiryKind = iota
	// ExpiryOnce applies the decision to this session only. Never persisted.
	ExpiryOnce
	// ExpiryMinutes caches the decision for a fixed number of minutes.
	ExpiryMinutes
)

// ExpiryChoice is the user-selected retention for an interactive decision.
// "Once" is a distinct variant, not a magic minute value.
type ExpiryChoice struct {
	Kind    ExpiryKind
	Minutes int // Only meaningful when Kind == ExpiryMinutes.
}

func (e ExpiryChoice) String() string {
	switch e.Kind {
	case ExpiryForever:
		return "forever"
	case ExpiryOnce:
		return "once"
	case ExpiryMinutes:
		return fmt.Sprintf("%dm", e.Minutes)
	default:
		return "unknown"
	}
}

// ExpiresAt converts the choice to an absolute unix timestamp.
// Zero means "never expires". Calling this for ExpiryOnce is a misuse;
// once-only decisions are never persisted, so it returns the current
// instant, which a correct store treats as already stale.
func (e ExpiryChoice) ExpiresAt(now time.Time) int64 {
	switch e.Kind {
	case ExpiryForever:
		return 0
	case ExpiryMinutes:
		return now.Add(time.Duration(e.Minutes) * time.Minute).Unix()
	default:
		return now.Unix()
	}
}

// DefaultExpiryOptions is the fixed set of retentions offered by the prompt.
var DefaultExpiryOptions = []ExpiryChoice{
	{Kind: ExpiryOnce},
	{Kind: ExpiryMinutes, Minutes: 10},
	{Kind: ExpiryMinutes, Minutes: 20},
	{Kind: ExpiryMinutes, Minutes: 60},
	{Kind: ExpiryForever},
}

// Policy is the cached authorization record for one requester UID.
type Policy struct {
	UID         int64 // Requester identity. Unique key.
	PackageName string
	Decision    Decision
	ExpiresAt   int64 // Unix seconds. 0 = never expires.
}

// Live reports whether the record is still valid at the given instant.
func (p *Policy) Live(now time.Time) bool {
	return p.ExpiresAt == 0 || p.ExpiresAt > now.Unix()
}
