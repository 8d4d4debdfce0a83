package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"encoding/binary"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/connector"
	"github.com/jkaninda/askari/internal/identity"
	"github.com/jkaninda/askari/internal/policy"
	"github.com/jkaninda/askari/internal/prompt"
	"github.com/jkaninda/askari/internal/ratelimit"
	"github.com/jkaninda/askari/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) policy.Store {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	store, err := storage.Open(cfg, testLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Policies()
}

func testResolver() *identity.StaticResolver {
	return identity.NewStaticResolver(
		&identity.Identity{UID: 10140, PackageName: "com.example.terminal", DisplayName: "Terminal"},
		&identity.Identity{UID: 10666, PackageName: "com.jkaninda.askari", DisplayName: "Askari"},
	)
}

func authSource(mode string) config.StaticAuthSource {
	return config.StaticAuthSource{Auth: config.AuthConfig{
		AutoResponse:         mode,
		PromptTimeoutSeconds: 5,
		SelfPackage:          "com.jkaninda.askari",
	}}
}

// scriptedSurface feeds a fixed action to every prompt.
type scriptedSurface struct {
	action prompt.Action

	mu    sync.Mutex
	shown int
}

func (s *scriptedSurface) Show(_ context.Context, _ *prompt.Spec) (<-chan prompt.Action, error) {
	s.mu.Lock()
	s.shown++
	s.mu.Unlock()
	ch := make(chan prompt.Action, 1)
	ch <- s.action
	return ch, nil
}

func (s *scriptedSurface) Tick(string, int) {}

func (s *scriptedSurface) Dismiss(string) {}

func (s *scriptedSurface) shownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown
}

func decideAllow(expiry policy.ExpiryChoice) *scriptedSurface {
	return &scriptedSurface{action: prompt.Action{
		Kind:     prompt.ActionDecide,
		Decision: policy.DecisionAllow,
		Expiry:   expiry,
	}}
}

// runSession opens a v1 channel, connects a fake su helper that requests
// elevation for uid, and drives one engine session over it. Returns the
// session result and the raw bytes the helper read back.
func runSession(t *testing.T, e *Engine, uid string) (*Result, string, error) {
	t.Helper()
	dir := t.TempDir()
	c, err := connector.Open("ch", connector.V1, dir)
	if err != nil {
		t.Fatalf("opening channel: %v", err)
	}

	reply := make(chan string, 1)
	go func() {
		conn, err := net.Dial("unix", filepath.Join(dir, "ch"))
		if err != nil {
			reply <- ""
			return
		}
		defer conn.Close()
		writeHelperPayload(t, conn, uid)
		data, _ := io.ReadAll(conn)
		reply <- string(data)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := e.Handle(ctx, "", c)
	return res, <-reply, err
}

func writeHelperPayload(t *testing.T, conn net.Conn, uid string) {
	t.Helper()
	for _, s := range []string{"uid", uid, "pid", "99", "eof"} {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		conn.Write(lenBuf[:])
		conn.Write([]byte(s))
	}
}

func TestEngine_CachedAllowSkipsPrompt(t *testing.T) {
	store := testStore(t)
	if err := store.Upsert(context.Background(), &policy.Policy{
		UID: 10140, PackageName: "com.example.terminal", Decision: policy.DecisionAllow,
	}); err != nil {
		t.Fatalf("seeding policy: %v", err)
	}

	surface := decideAllow(policy.ExpiryChoice{Kind: policy.ExpiryOnce})
	e := New(store, testResolver(), surface, nil, authSource("prompt"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Source != "cached" {
		t.Errorf("source = %q, want cached", res.Source)
	}
	if res.Decision != policy.DecisionAllow {
		t.Errorf("decision = %v, want allow", res.Decision)
	}
	if reply != "socket:ALLOW" {
		t.Errorf("wire reply = %q, want socket:ALLOW", reply)
	}
	if surface.shownCount() != 0 {
		t.Errorf("prompt shown %d times, want 0", surface.shownCount())
	}
}

func TestEngine_AutoDeny(t *testing.T) {
	e := New(testStore(t), testResolver(), nil, nil, authSource("deny"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Source != "auto" {
		t.Errorf("source = %q, want auto", res.Source)
	}
	if res.Decision != policy.DecisionDeny {
		t.Errorf("decision = %v, want deny", res.Decision)
	}
	if reply != "socket:DENY" {
		t.Errorf("wire reply = %q, want socket:DENY", reply)
	}
}

func TestEngine_AutoAllowNeverPersisted(t *testing.T) {
	store := testStore(t)
	e := New(store, testResolver(), nil, nil, authSource("allow"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Decision != policy.DecisionAllow || res.Source != "auto" {
		t.Errorf("result = %v/%q, want allow/auto", res.Decision, res.Source)
	}
	if res.Persisted {
		t.Error("auto decisions must not be persisted")
	}
	if reply != "socket:ALLOW" {
		t.Errorf("wire reply = %q", reply)
	}
	if _, err := store.Get(context.Background(), 10140); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("store should be empty after auto allow, got %v", err)
	}
}

func TestEngine_UnresolvedUIDDenied(t *testing.T) {
	e := New(testStore(t), testResolver(), nil, nil, authSource("allow"), nil, nil, nil, testLogger())

	// 55555 is not in the packages list; even auto-allow must not apply.
	res, reply, err := runSession(t, e, "55555")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Source != "unresolved" {
		t.Errorf("source = %q, want unresolved", res.Source)
	}
	if res.Decision != policy.DecisionDeny {
		t.Errorf("decision = %v, want deny", res.Decision)
	}
	if reply != "socket:DENY" {
		t.Errorf("wire reply = %q", reply)
	}
}

func TestEngine_SelfPackageVetoed(t *testing.T) {
	store := testStore(t)
	// A cached allow for the manager's own UID must not bypass the veto.
	if err := store.Upsert(context.Background(), &policy.Policy{
		UID: 10666, PackageName: "com.jkaninda.askari", Decision: policy.DecisionAllow,
	}); err != nil {
		t.Fatalf("seeding policy: %v", err)
	}
	e := New(store, testResolver(), nil, nil, authSource("allow"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10666")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Source != "veto" {
		t.Errorf("source = %q, want veto", res.Source)
	}
	if res.Decision != policy.DecisionDeny {
		t.Errorf("decision = %v, want deny", res.Decision)
	}
	if reply != "socket:DENY" {
		t.Errorf("wire reply = %q", reply)
	}
}

func TestEngine_PromptAllowPersisted(t *testing.T) {
	store := testStore(t)
	surface := decideAllow(policy.ExpiryChoice{Kind: policy.ExpiryMinutes, Minutes: 10})
	e := New(store, testResolver(), surface, nil, authSource("prompt"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Source != "prompt" {
		t.Errorf("source = %q, want prompt", res.Source)
	}
	if !res.Persisted {
		t.Error("timed decision should be persisted")
	}
	if reply != "socket:ALLOW" {
		t.Errorf("wire reply = %q", reply)
	}

	cached, err := store.Get(context.Background(), 10140)
	if err != nil {
		t.Fatalf("Get after prompt: %v", err)
	}
	if cached.Decision != policy.DecisionAllow {
		t.Errorf("cached decision = %v", cached.Decision)
	}
	if cached.ExpiresAt == 0 {
		t.Error("timed decision should carry an expiry")
	}
}

func TestEngine_OnceDecisionNotPersisted(t *testing.T) {
	store := testStore(t)
	surface := decideAllow(policy.ExpiryChoice{Kind: policy.ExpiryOnce})
	e := New(store, testResolver(), surface, nil, authSource("prompt"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Decision != policy.DecisionAllow {
		t.Errorf("decision = %v, want allow", res.Decision)
	}
	if res.Persisted {
		t.Error("once-only decision must not be persisted")
	}
	if reply != "socket:ALLOW" {
		t.Errorf("wire reply = %q", reply)
	}
	if _, err := store.Get(context.Background(), 10140); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("store should be empty, got %v", err)
	}
}

func TestEngine_HeadlessPromptFailsClosed(t *testing.T) {
	// No surface attached: the prompt path must deny, not hang or grant.
	e := New(testStore(t), testResolver(), nil, nil, authSource("prompt"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Decision != policy.DecisionDeny {
		t.Errorf("decision = %v, want deny", res.Decision)
	}
	if res.Persisted {
		t.Error("fail-closed denial must not be persisted")
	}
	if reply != "socket:DENY" {
		t.Errorf("wire reply = %q", reply)
	}
}

func TestEngine_RateLimitedDeniedWithoutPrompt(t *testing.T) {
	surface := decideAllow(policy.ExpiryChoice{Kind: policy.ExpiryOnce})
	limiter := ratelimit.NewLimiter[int64](ratelimit.Config{RequestsPerMinute: 60, BurstSize: 1})
	e := New(testStore(t), testResolver(), surface, nil, authSource("prompt"), limiter, nil, nil, testLogger())

	if _, _, err := runSession(t, e, "10140"); err != nil {
		t.Fatalf("first session: %v", err)
	}

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if res.Source != "ratelimited" {
		t.Errorf("source = %q, want ratelimited", res.Source)
	}
	if res.Decision != policy.DecisionDeny {
		t.Errorf("decision = %v, want deny", res.Decision)
	}
	if reply != "socket:DENY" {
		t.Errorf("wire reply = %q", reply)
	}
	if surface.shownCount() != 1 {
		t.Errorf("prompt shown %d times, want 1", surface.shownCount())
	}
}

func TestEngine_MalformedPayloadAborts(t *testing.T) {
	e := New(testStore(t), testResolver(), nil, nil, authSource("allow"), nil, nil, nil, testLogger())

	dir := t.TempDir()
	c, err := connector.Open("ch", connector.V1, dir)
	if err != nil {
		t.Fatalf("opening channel: %v", err)
	}

	closed := make(chan string, 1)
	go func() {
		conn, err := net.Dial("unix", filepath.Join(dir, "ch"))
		if err != nil {
			closed <- ""
			return
		}
		defer conn.Close()
		conn.Write([]byte{0, 0, 0, 0})
		data, _ := io.ReadAll(conn)
		closed <- string(data)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.Handle(ctx, "", c); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	// No verdict bytes: the helper observes only the channel closing.
	if got := <-closed; got != "" {
		t.Errorf("helper read %q, want nothing", got)
	}
}

func TestEngine_ConcurrentSessions(t *testing.T) {
	store := testStore(t)
	resolver := testResolver()
	resolver.Add(&identity.Identity{UID: 10150, PackageName: "com.example.files"})
	surface := decideAllow(policy.ExpiryChoice{Kind: policy.ExpiryForever})
	e := New(store, resolver, surface, nil, authSource("prompt"), nil, nil, nil, testLogger())

	var wg sync.WaitGroup
	for _, uid := range []string{"10140", "10150"} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			res, _, err := runSession(t, e, uid)
			if err != nil {
				t.Errorf("session for uid %s: %v", uid, err)
				return
			}
			if res.Decision != policy.DecisionAllow {
				t.Errorf("uid %s decision = %v, want allow", uid, res.Decision)
			}
		}(uid)
	}
	wg.Wait()

	for _, uid := range []int64{10140, 10150} {
		if _, err := store.Get(context.Background(), uid); err != nil {
			t.Errorf("uid %d not cached: %v", uid, err)
		}
	}
}

func TestEngine_ExpiredAllowFallsThroughToPrompt(t *testing.T) {
	store := testStore(t)
	if err := store.Upsert(context.Background(), &policy.Policy{
		UID: 10140, PackageName: "com.example.terminal", Decision: policy.DecisionAllow,
		ExpiresAt: time.Now().UTC().Add(-time.Minute).Unix(),
	}); err != nil {
		t.Fatalf("seeding stale policy: %v", err)
	}

	surface := decideAllow(policy.ExpiryChoice{Kind: policy.ExpiryOnce})
	e := New(store, testResolver(), surface, nil, authSource("prompt"), nil, nil, nil, testLogger())

	res, reply, err := runSession(t, e, "10140")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Source != "prompt" {
		t.Errorf("source = %q, want prompt", res.Source)
	}
	if surface.shownCount() != 1 {
		t.Errorf("prompt shown %d times, want 1", surface.shownCount())
	}
	if reply != "socket:ALLOW" {
		t.Errorf("wire reply = %q, want socket:ALLOW", reply)
	}
}
