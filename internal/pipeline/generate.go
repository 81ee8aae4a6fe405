package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// runGenerate executes the generation stage: produce the persona-constrained
// user-facing reply, then persist the turn to long-term memory.
//
// The stored-turn write runs only after a successful completion. A write
// failure does not fail the stage — conversation continuity matters more
// than memory durability for a single turn — so the reply is returned along
// with the write error as a separate diagnostic.
func (p *Pipeline) runGenerate(ctx context.Context, st *turnState) (response string, writeErr error, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordStage(ctx, "generate", time.Since(start).Seconds())
	}()

	req := llm.CompletionRequest{
		SystemPrompt: persona.GenerationSystemPrompt(p.persona),
		Prompt:       persona.GenerationPrompt(p.persona, st.planningInstructions, st.retrievedMemory, st.input),
		Temperature:  p.generationTemperature,
	}

	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.provider.ModelID(), "error")
		return "", nil, fmt.Errorf("%w: generation: %v", ErrProviderFailure, err)
	}
	if resp == nil || resp.Content == "" {
		p.metrics.RecordProviderRequest(ctx, p.provider.ModelID(), "empty")
		return "", nil, fmt.Errorf("%w: generation: empty completion", ErrProviderFailure)
	}
	p.metrics.RecordProviderRequest(ctx, p.provider.ModelID(), "ok")
	response = resp.Content

	record := persona.TurnRecord(p.persona, st.input, response)
	if cerr := p.store.Create(ctx, record); cerr != nil {
		observe.Logger(ctx).Warn("stored-turn write failed, reply still returned", "error", cerr)
		p.metrics.RecordMemoryWrite(ctx, "failed")
		writeErr = fmt.Errorf("store turn: %w", cerr)
	} else {
		p.metrics.RecordMemoryWrite(ctx, "ok")
	}

	return response, writeErr, nil
}
