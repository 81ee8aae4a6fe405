// Package session manages per-identity conversation sessions.
//
// A [Session] binds one identity's memory namespace, completion provider, and
// turn pipeline together, established once and reused across all of that
// identity's turns. Turns within a session are strictly serialized: one turn
// completes before the next begins, which is the ordering guarantee the turn
// pipeline relies on.
//
// [Manager] owns the live session set, creating sessions on first use and
// evicting them after an idle period.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hibikichat/hibiki/internal/pipeline"
)

// AnonymousIdentity is the identity assigned to callers that supply none.
// Anonymous sessions get the first-meeting greeting and share one namespace.
const AnonymousIdentity = "anonymous"

// Session is one identity's live conversation context. Create via
// [Manager.Session]; the zero value is not usable.
//
// All methods are safe for concurrent use. Concurrent RunTurn calls are
// serialized internally, so a slow turn delays subsequent turns for the same
// identity rather than interleaving with them.
type Session struct {
	// ID uniquely identifies this session instance. A new ID is minted each
	// time an identity's session is created, including after eviction.
	ID uuid.UUID

	// Identity is the stable user identifier this session serves.
	Identity string

	pipe *pipeline.Pipeline

	// turnMu serializes RunTurn and is held for the full run, model calls
	// included. mu guards only the timestamps and is never held across a
	// blocking operation, so lifecycle reads (the manager's idle sweep,
	// new-session creation) do not wait behind an in-flight turn.
	turnMu sync.Mutex

	mu         sync.Mutex
	startedAt  time.Time
	lastActive time.Time
}

// RunTurn executes one pipeline run for this session. Calls are serialized:
// a second RunTurn blocks until the first completes.
func (s *Session) RunTurn(ctx context.Context, input string) (*pipeline.Result, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.touch()
	res, err := s.pipe.RunTurn(ctx, input)
	s.touch()
	if err != nil {
		return res, fmt.Errorf("session %s: %w", s.Identity, err)
	}
	return res, nil
}

// touch marks the session active. Called at both ends of a turn so a session
// is never considered idle while a slow turn is still running.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Greeting returns the opening message for this session. Anonymous identities
// are greeted as a first meeting; named identities get a welcome-back message
// using the display name (the identity up to any '@', so email-shaped
// identities read naturally).
func (s *Session) Greeting() string {
	if s.Identity == "" || s.Identity == AnonymousIdentity {
		return "Hello, new friend! How are you feeling today?"
	}

	display := s.Identity
	if i := strings.IndexByte(display, '@'); i > 0 {
		display = display[:i]
	}
	return fmt.Sprintf("Welcome back, %s. What shall we talk about today?", display)
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastActive returns when the session last started or completed a turn, or
// its creation time if no turn has run yet.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
