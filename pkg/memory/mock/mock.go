// Package mock provides in-memory test doubles for the memory contracts.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.SearchResult = []memory.Record{{Payload: "User loves jazz"}}
//
//	// inject store into the system under test …
//
//	if got := len(store.CreateCalls); got != 1 {
//	    t.Errorf("expected 1 Create call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/hibikichat/hibiki/pkg/memory"
)

// Store is a configurable test double for [memory.Store].
// The zero value is ready to use: Search returns no records and Create
// succeeds while recording its argument.
type Store struct {
	mu sync.Mutex

	// SearchResult is returned by Search. When nil, Search returns an empty
	// non-nil slice.
	SearchResult []memory.Record

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// CreateErr is returned by Create when non-nil.
	CreateErr error

	// SearchCalls records the query argument of every Search invocation.
	SearchCalls []string

	// CreateCalls records the content argument of every Create invocation.
	CreateCalls []string
}

// Compile-time interface checks.
var (
	_ memory.Searcher = (*Store)(nil)
	_ memory.Writer   = (*Store)(nil)
	_ memory.Store    = (*Store)(nil)
)

// Search implements [memory.Searcher].
func (s *Store) Search(_ context.Context, query string) ([]memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SearchCalls = append(s.SearchCalls, query)

	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	if s.SearchResult == nil {
		return []memory.Record{}, nil
	}
	out := make([]memory.Record, len(s.SearchResult))
	copy(out, s.SearchResult)
	return out, nil
}

// Create implements [memory.Writer].
func (s *Store) Create(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CreateCalls = append(s.CreateCalls, content)
	return s.CreateErr
}

// Backend is a configurable test double for [memory.Backend]. It hands out
// one [Store] per namespace and records every Open call.
type Backend struct {
	mu sync.Mutex

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// Stores maps namespace keys to the Store returned by Open. Opened
	// lazily; pre-populate to share a store with the test body.
	Stores map[string]*Store

	// OpenCalls records every namespace passed to Open, in order.
	OpenCalls []memory.Namespace
}

// Compile-time interface check.
var _ memory.Backend = (*Backend)(nil)

// Open implements [memory.Backend].
func (b *Backend) Open(ns memory.Namespace) memory.Store {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.OpenCalls = append(b.OpenCalls, ns)

	if b.Stores == nil {
		b.Stores = make(map[string]*Store)
	}
	st, ok := b.Stores[ns.Key()]
	if !ok {
		st = &Store{}
		b.Stores[ns.Key()] = st
	}
	return st
}

// Ping implements [memory.Backend].
func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PingErr
}
