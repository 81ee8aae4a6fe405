// Package memory defines the long-term memory contracts consumed by the
// Hibiki turn pipeline.
//
// The pipeline only ever talks to two narrow capabilities:
//
//   - [Searcher] — relevance search over previously stored records.
//   - [Writer] — append-only persistence of new records.
//
// Both are always scoped to a [Namespace] so that two identities never
// observe each other's records. A [Backend] mints namespace-bound [Store]
// views once per session; the pipeline itself never sees namespace keys.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// hibiki internals.
//
// Every implementation must be safe for sequential reuse across turns;
// concurrent use from multiple goroutines is permitted but the pipeline
// never requires it.
package memory

import "context"

// MemoriesCategory is the fixed namespace category under which conversation
// memories are stored. Sessions always bind (identity, MemoriesCategory).
const MemoriesCategory = "memories"

// Namespace scopes store operations to a single identity and record category.
// Two namespaces are equal iff both fields are equal.
type Namespace struct {
	// Identity is the stable identifier of the user whose records this
	// namespace isolates. Must not be empty.
	Identity string

	// Category groups records within an identity (e.g. "memories").
	// An empty Category defaults to [MemoriesCategory] in implementations.
	Category string
}

// ForIdentity returns the conversation-memory namespace for identity.
func ForIdentity(identity string) Namespace {
	return Namespace{Identity: identity, Category: MemoriesCategory}
}

// Key renders the namespace as a single storage key ("identity/category").
// Implementations that key records by one column use this form.
func (n Namespace) Key() string {
	category := n.Category
	if category == "" {
		category = MemoriesCategory
	}
	return n.Identity + "/" + category
}

// Record is a single search hit returned by a [Searcher].
//
// Payload holds the raw document as the backing store returned it; its shape
// is deliberately not guaranteed. Well-behaved backends return a mapping with
// a nested content field (see [pipeline] normalization), but bare strings and
// richer wrappers occur in the wild and must be tolerated, never rejected.
type Record struct {
	Payload any
}

// StructuredPayload builds the canonical record payload shape:
//
//	{"value": {"content": <content>, "metadata": <metadata>}}
//
// Backends that control their own serialisation should emit this shape so
// that retrieval can extract content without falling back to stringification.
func StructuredPayload(content string, metadata map[string]any) map[string]any {
	value := map[string]any{"content": content}
	if len(metadata) > 0 {
		value["metadata"] = metadata
	}
	return map[string]any{"value": value}
}

// Searcher performs relevance search over a single namespace.
type Searcher interface {
	// Search returns records relevant to query, most relevant first.
	// Returns an empty (non-nil) slice when nothing matches. Returns an
	// error only when the backing store cannot be reached; callers treat
	// that as a soft failure.
	Search(ctx context.Context, query string) ([]Record, error)
}

// Writer appends records to a single namespace.
type Writer interface {
	// Create persists content as a new record. Create is fire-and-forget
	// from the caller's perspective: once invoked, the record's lifecycle
	// belongs to the store. Returns an error on persistent storage failure.
	Create(ctx context.Context, content string) error
}

// Store is a namespace-bound view combining search and create.
type Store interface {
	Searcher
	Writer
}

// Backend is a long-lived connection to the underlying storage engine.
// It mints [Store] views bound to a namespace, established once per session
// and reused across all of that session's turns.
type Backend interface {
	// Open returns a Store scoped to ns. Opening the same namespace twice
	// returns views over the same records.
	Open(ns Namespace) Store

	// Ping reports whether the backing store is reachable. Used by
	// readiness checks.
	Ping(ctx context.Context) error
}
