// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/hibikichat/hibiki/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
//
// When EmbedResult is nil and EmbedErr is nil, Embed returns a deterministic
// vector derived from the input text so that distinct texts produce distinct
// embeddings without any configuration.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed when non-nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// Dims is returned by Dimensions. Defaults to 4 when zero.
	Dims int

	// EmbedCalls records the text argument of every Embed invocation.
	EmbedCalls []string
}

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, text)

	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedResult != nil {
		return p.EmbedResult, nil
	}

	// Deterministic pseudo-embedding: sum of byte values spread over dims.
	vec := make([]float32, p.Dimensions())
	for i, b := range []byte(text) {
		vec[i%len(vec)] += float32(b) / 255
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims == 0 {
		return 4
	}
	return p.Dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embeddings" }
