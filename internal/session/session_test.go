package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/internal/session"
	memmock "github.com/hibikichat/hibiki/pkg/memory/mock"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
	llmmock "github.com/hibikichat/hibiki/pkg/provider/llm/mock"
)

// newManager wires a Manager with a shared mock backend and provider.
func newManager(t *testing.T, opts ...session.ManagerOption) (*session.Manager, *memmock.Backend, *llmmock.Provider) {
	t.Helper()

	backend := &memmock.Backend{}
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "a reply"},
	}
	m, err := session.NewManager(backend, provider, persona.Default(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, backend, provider
}

func TestManager_SessionCreatedOncePerIdentity(t *testing.T) {
	t.Parallel()

	m, backend, _ := newManager(t)

	s1, created, err := m.Session("alice@example.com")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !created {
		t.Error("first call should create the session")
	}

	s2, created, err := m.Session("alice@example.com")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if created {
		t.Error("second call must reuse the session")
	}
	if s1 != s2 {
		t.Error("same identity returned different sessions")
	}
	if s1.ID != s2.ID {
		t.Errorf("session IDs differ: %s vs %s", s1.ID, s2.ID)
	}

	// Exactly one namespace opened, bound to (identity, "memories").
	if len(backend.OpenCalls) != 1 {
		t.Fatalf("Open calls = %d, want 1", len(backend.OpenCalls))
	}
	ns := backend.OpenCalls[0]
	if ns.Identity != "alice@example.com" || ns.Category != "memories" {
		t.Errorf("namespace = %+v, want identity alice@example.com category memories", ns)
	}
}

func TestManager_DistinctIdentitiesGetDistinctNamespaces(t *testing.T) {
	t.Parallel()

	m, backend, _ := newManager(t)

	if _, _, err := m.Session("alice"); err != nil {
		t.Fatalf("Session(alice): %v", err)
	}
	if _, _, err := m.Session("bob"); err != nil {
		t.Fatalf("Session(bob): %v", err)
	}

	if len(backend.OpenCalls) != 2 {
		t.Fatalf("Open calls = %d, want 2", len(backend.OpenCalls))
	}
	if backend.OpenCalls[0].Key() == backend.OpenCalls[1].Key() {
		t.Error("distinct identities share a namespace key")
	}
	if got := m.Active(); got != 2 {
		t.Errorf("Active = %d, want 2", got)
	}
}

func TestManager_EmptyIdentityIsAnonymous(t *testing.T) {
	t.Parallel()

	m, backend, _ := newManager(t)

	s, _, err := m.Session("")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Identity != session.AnonymousIdentity {
		t.Errorf("identity = %q, want %q", s.Identity, session.AnonymousIdentity)
	}
	if backend.OpenCalls[0].Identity != session.AnonymousIdentity {
		t.Errorf("namespace identity = %q, want anonymous", backend.OpenCalls[0].Identity)
	}
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)

	tests := []struct {
		identity string
		want     string
	}{
		{"", "Hello, new friend! How are you feeling today?"},
		{"anonymous", "Hello, new friend! How are you feeling today?"},
		{"alice@example.com", "Welcome back, alice. What shall we talk about today?"},
		{"bob", "Welcome back, bob. What shall we talk about today?"},
	}

	for _, tt := range tests {
		s, _, err := m.Session(tt.identity)
		if err != nil {
			t.Fatalf("Session(%q): %v", tt.identity, err)
		}
		if got := s.Greeting(); got != tt.want {
			t.Errorf("Greeting(%q) = %q, want %q", tt.identity, got, tt.want)
		}
	}
}

func TestSession_RunTurnWritesToOwnNamespace(t *testing.T) {
	t.Parallel()

	m, backend, _ := newManager(t)

	s, _, err := m.Session("alice")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if _, err := s.RunTurn(context.Background(), "remember me"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	store := backend.Stores["alice/memories"]
	if store == nil {
		t.Fatal("no store opened for alice/memories")
	}
	if len(store.CreateCalls) != 1 {
		t.Errorf("Create calls = %d, want 1", len(store.CreateCalls))
	}
	if !strings.HasPrefix(store.CreateCalls[0], "User: remember me\n") {
		t.Errorf("stored turn = %q", store.CreateCalls[0])
	}
}

func TestSession_SerializesTurns(t *testing.T) {
	t.Parallel()

	backend := &memmock.Backend{}

	var inFlight, maxInFlight int
	var mu sync.Mutex
	provider := &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return &llm.CompletionResponse{Content: "ok"}, nil
		},
	}

	m, err := session.NewManager(backend, provider, persona.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s, _, err := m.Session("alice")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RunTurn(context.Background(), "hi"); err != nil {
				t.Errorf("RunTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > 1 {
		t.Errorf("max in-flight completions = %d, want 1 (turns must serialize)", maxInFlight)
	}
}

func TestManager_LifecycleNotBlockedByInFlightTurn(t *testing.T) {
	t.Parallel()

	backend := &memmock.Backend{}

	var enterOnce sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	provider := &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			enterOnce.Do(func() { close(entered) })
			<-release
			return &llm.CompletionResponse{Content: "ok"}, nil
		},
	}

	m, err := session.NewManager(backend, provider, persona.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s, _, err := m.Session("alice")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := s.RunTurn(context.Background(), "hi")
		turnDone <- err
	}()
	<-entered

	// With alice's turn stuck inside the provider, the manager's sweep and
	// session lookups must still return promptly.
	lifecycleDone := make(chan error, 1)
	go func() {
		m.EvictIdle()
		s.LastActive()
		_, _, err := m.Session("bob")
		lifecycleDone <- err
	}()

	select {
	case err := <-lifecycleDone:
		if err != nil {
			t.Fatalf("Session(bob): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manager lifecycle calls blocked behind an in-flight turn")
	}

	close(release)
	if err := <-turnDone; err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
}

func TestManager_EvictIdle(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, session.WithIdleTimeout(10*time.Millisecond))

	if _, _, err := m.Session("alice"); err != nil {
		t.Fatalf("Session: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := m.EvictIdle(); n != 1 {
		t.Errorf("EvictIdle = %d, want 1", n)
	}
	if got := m.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}

	// A fresh session after eviction gets a new ID.
	s, created, err := m.Session("alice")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !created {
		t.Error("session after eviction should be newly created")
	}
	if s == nil {
		t.Fatal("nil session")
	}
}

func TestManager_CloseRefusesNewSessions(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	m.Close()

	if _, _, err := m.Session("alice"); err == nil {
		t.Error("closed manager accepted a new session")
	}
}

func TestManager_RunTurnConvenience(t *testing.T) {
	t.Parallel()

	m, _, provider := newManager(t)

	res, err := m.RunTurn(context.Background(), "alice", "hello there")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Response != "a reply" {
		t.Errorf("response = %q", res.Response)
	}
	if provider.CallCount() != 2 {
		t.Errorf("Complete calls = %d, want 2", provider.CallCount())
	}
}
