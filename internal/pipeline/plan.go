package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// runPlan executes the planning stage: ask the model for tone, relevant
// memory, and generation guidance. The completion is returned raw — the
// three-part structure is advisory text for the generation stage, not
// machine-parsed fields, which keeps the pipeline robust to formatting drift
// in model output.
func (p *Pipeline) runPlan(ctx context.Context, st *turnState) (string, error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordStage(ctx, "plan", time.Since(start).Seconds())
	}()

	req := llm.CompletionRequest{
		Prompt:      persona.PlanningPrompt(p.persona.Name, st.input, st.retrievedMemory),
		Temperature: p.planningTemperature,
	}

	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.provider.ModelID(), "error")
		return "", fmt.Errorf("%w: planning: %v", ErrProviderFailure, err)
	}
	if resp == nil || resp.Content == "" {
		p.metrics.RecordProviderRequest(ctx, p.provider.ModelID(), "empty")
		return "", fmt.Errorf("%w: planning: empty completion", ErrProviderFailure)
	}
	p.metrics.RecordProviderRequest(ctx, p.provider.ModelID(), "ok")

	return resp.Content, nil
}
