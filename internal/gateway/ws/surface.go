// Package ws implements the WebSocket server for Daemon ↔ UI frontend
// communication. The frontend connects, identifies itself, and renders
// authorization prompts pushed by the daemon; user actions stream back and
// are routed to the session that owns them.
//
// The server is the daemon-side prompt.Surface. With no frontend connected,
// Show fails and the engine fails closed — a prompt nobody can see must not
// silently deny-by-timeout thirty seconds later.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/askari/internal/policy"
	"github.com/jkaninda/askari/internal/prompt"
	"github.com/jkaninda/askari/internal/protocol"
)

// ErrNoFrontend is returned when a prompt is requested with no UI connected.
var ErrNoFrontend = errors.New("no frontend connected")

const helloTimeout = 10 * time.Second

// Server manages the frontend connection and routes prompt traffic.
type Server struct {
	token  string // Frontend auth token. Empty = no auth (tests only).
	logger *slog.Logger

	// Single frontend connection; a reconnect replaces it.
	connMu sync.Mutex
	conn   *websocket.Conn

	// Active prompt sessions: session ID → action channel.
	sessMu   sync.Mutex
	sessions map[string]chan prompt.Action
}

// NewServer creates a prompt surface server.
func NewServer(token string, logger *slog.Logger) *Server {
	return &Server{
		token:    token,
		logger:   logger,
		sessions: make(map[string]chan prompt.Action),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Connected reports whether a frontend is currently attached. Fed into the
// daemon's readiness report: without a frontend, interactive prompts resolve
// to deny.
func (s *Server) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"askari-frontend-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	if err := s.waitForHello(ctx, conn); err != nil {
		s.logger.Error("frontend handshake failed", slog.String("error", err.Error()))
		return
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close(websocket.StatusPolicyViolation, "replaced by new frontend connection")
	}
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Info("frontend connected")

	// Main message loop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("frontend disconnected normally")
			} else {
				s.logger.Warn("frontend connection error", slog.String("error", err.Error()))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from frontend", slog.String("error", err.Error()))
			continue
		}

		s.handleMessage(&env)
	}
}

func (s *Server) waitForHello(ctx context.Context, conn *websocket.Conn) error {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parsing hello: %w", err)
	}
	if env.Type != protocol.MsgFrontendHello {
		return fmt.Errorf("expected frontend.hello, got %s", env.Type)
	}
	return nil
}

func (s *Server) handleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgPromptAction:
		var payload protocol.PromptActionPayload
		if err := env.Decode(&payload); err != nil {
			s.logger.Warn("invalid prompt action", slog.String("error", err.Error()))
			return
		}
		action, err := decodeAction(&payload)
		if err != nil {
			s.logger.Warn("unmappable prompt action",
				slog.String("session_id", env.SessionID),
				slog.String("error", err.Error()),
			)
			return
		}

		s.sessMu.Lock()
		ch, ok := s.sessions[env.SessionID]
		s.sessMu.Unlock()
		if !ok {
			// Session already resolved; late actions are dropped.
			return
		}
		select {
		case ch <- action:
		default:
		}

	default:
		s.logger.Warn("unknown message type from frontend", slog.String("type", string(env.Type)))
	}
}

// --- prompt.Surface ---

// Show pushes the prompt to the connected frontend and registers the
// session's action channel.
func (s *Server) Show(ctx context.Context, spec *prompt.Spec) (<-chan prompt.Action, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil, ErrNoFrontend
	}

	payload := protocol.PromptShowPayload{
		UID:            spec.UID,
		PackageName:    spec.PackageName,
		DisplayName:    spec.DisplayName,
		Command:        spec.Command,
		TimeoutSeconds: spec.TimeoutSeconds,
		Options:        encodeOptions(spec.Options),
	}
	env, err := protocol.NewEnvelope(protocol.MsgPromptShow, spec.SessionID, payload)
	if err != nil {
		return nil, err
	}
	if err := s.writeEnvelope(ctx, conn, env); err != nil {
		return nil, fmt.Errorf("pushing prompt: %w", err)
	}

	ch := make(chan prompt.Action, 8)
	s.sessMu.Lock()
	s.sessions[spec.SessionID] = ch
	s.sessMu.Unlock()
	return ch, nil
}

// Tick streams the remaining seconds for display.
func (s *Server) Tick(sessionID string, remaining int) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(protocol.MsgPromptTick, sessionID,
		protocol.PromptTickPayload{Remaining: remaining})
	if err != nil {
		return
	}
	_ = s.writeEnvelope(context.Background(), conn, env)
}

// Dismiss tears the prompt down and unregisters the session.
func (s *Server) Dismiss(sessionID string) {
	s.sessMu.Lock()
	delete(s.sessions, sessionID)
	s.sessMu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(protocol.MsgPromptDismiss, sessionID,
		protocol.PromptDismissPayload{Reason: "resolved"})
	if err != nil {
		return
	}
	_ = s.writeEnvelope(context.Background(), conn, env)
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// --- Codec helpers ---

func encodeOptions(options []policy.ExpiryChoice) []protocol.ExpiryOption {
	out := make([]protocol.ExpiryOption, len(options))
	for i, o := range options {
		out[i] = encodeExpiry(o)
	}
	return out
}

func encodeExpiry(e policy.ExpiryChoice) protocol.ExpiryOption {
	switch e.Kind {
	case policy.ExpiryForever:
		return protocol.ExpiryOption{Kind: "forever"}
	case policy.ExpiryOnce:
		return protocol.ExpiryOption{Kind: "once"}
	default:
		return protocol.ExpiryOption{Kind: "minutes", Minutes: e.Minutes}
	}
}

func decodeExpiry(o protocol.ExpiryOption) (policy.ExpiryChoice, error) {
	switch o.Kind {
	case "forever":
		return policy.ExpiryChoice{Kind: policy.ExpiryForever}, nil
	case "once":
		return policy.ExpiryChoice{Kind: policy.ExpiryOnce}, nil
	case "minutes":
		if o.Minutes <= 0 {
			return policy.ExpiryChoice{}, fmt.Errorf("expiry minutes must be positive, got %d", o.Minutes)
		}
		return policy.ExpiryChoice{Kind: policy.ExpiryMinutes, Minutes: o.Minutes}, nil
	default:
		return policy.ExpiryChoice{}, fmt.Errorf("unknown expiry kind %q", o.Kind)
	}
}

func decodeAction(p *protocol.PromptActionPayload) (prompt.Action, error) {
	expiry, err := decodeExpiry(p.Expiry)
	if err != nil {
		return prompt.Action{}, err
	}
	switch p.Action {
	case "select":
		return prompt.Action{Kind: prompt.ActionSelect, Expiry: expiry}, nil
	case "cancel":
		return prompt.Action{Kind: prompt.ActionCancel, Expiry: expiry}, nil
	case "decide":
		var d policy.Decision
		switch p.Decision {
		case "allow":
			d = policy.DecisionAllow
		case "deny":
			d = policy.DecisionDeny
		default:
			return prompt.Action{}, fmt.Errorf("unknown decision %q", p.Decision)
		}
		return prompt.Action{Kind: prompt.ActionDecide, Decision: d, Expiry: expiry}, nil
	default:
		return prompt.Action{}, fmt.Errorf("unknown action %q", p.Action)
	}
}

// compile-time interface check
var _ prompt.Surface = (*Server)(nil)
