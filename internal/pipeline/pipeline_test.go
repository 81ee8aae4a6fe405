package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/internal/pipeline"
	"github.com/hibikichat/hibiki/pkg/memory"
	memmock "github.com/hibikichat/hibiki/pkg/memory/mock"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
	llmmock "github.com/hibikichat/hibiki/pkg/provider/llm/mock"
)

// stringifyMap mirrors the uniform-fallback rendering of non-string payloads.
// fmt prints maps in sorted key order, so this is deterministic.
func stringifyMap(m map[string]any) string { return fmt.Sprint(m) }

// newPipeline wires a pipeline with the given mocks and the default persona.
func newPipeline(t *testing.T, store *memmock.Store, provider *llmmock.Provider, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(store, provider, persona.Default(), opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p
}

// twoCompletions queues distinct planning and generation responses.
func twoCompletions(plan, reply string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: plan},
			{Content: reply},
		},
	}
}

func TestRunTurn_EmptyStoreWritesTurnWithSentinel(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{}
	provider := twoCompletions("1. gently\n2. none\n3. acknowledge the anxiety", "I'm here with you. What's weighing on you today?")
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "I'm feeling anxious today")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if res.State != pipeline.StateDone {
		t.Errorf("state = %q, want %q", res.State, pipeline.StateDone)
	}
	if res.RetrievedMemory != pipeline.NoMemorySentinel {
		t.Errorf("retrieved memory = %q, want sentinel %q", res.RetrievedMemory, pipeline.NoMemorySentinel)
	}
	if res.Response != "I'm here with you. What's weighing on you today?" {
		t.Errorf("response = %q", res.Response)
	}

	// Exactly one stored turn in the fixed template.
	if len(store.CreateCalls) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(store.CreateCalls))
	}
	want := "User: I'm feeling anxious today\nHibiki: I'm here with you. What's weighing on you today?"
	if store.CreateCalls[0] != want {
		t.Errorf("stored turn = %q, want %q", store.CreateCalls[0], want)
	}
}

func TestRunTurn_StructuredRecordsReachBothPrompts(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		SearchResult: []memory.Record{
			{Payload: memory.StructuredPayload("User loves jazz", nil)},
			{Payload: memory.StructuredPayload("User's cat is named Miso", nil)},
		},
	}
	provider := twoCompletions("1. upbeat\n2. jazz\n3. mention the music", "How about some jazz while you unwind with Miso?")
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "What should I do tonight?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	wantMemory := "User loves jazz\nUser's cat is named Miso"
	if res.RetrievedMemory != wantMemory {
		t.Errorf("retrieved memory = %q, want %q", res.RetrievedMemory, wantMemory)
	}

	if got := provider.CallCount(); got != 2 {
		t.Fatalf("Complete calls = %d, want 2", got)
	}
	if !strings.Contains(provider.CompleteCalls[0].Req.Prompt, wantMemory) {
		t.Error("planning prompt missing retrieved memory")
	}
	if !strings.Contains(provider.CompleteCalls[1].Req.Prompt, wantMemory) {
		t.Error("generation prompt missing retrieved memory")
	}
}

func TestRunTurn_BareStringRecords(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		SearchResult: []memory.Record{
			{Payload: "User started a pottery class"},
			{Payload: "User dislikes early mornings"},
		},
	}
	provider := twoCompletions("plan", "reply")
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "Morning…")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	want := "User started a pottery class\nUser dislikes early mornings"
	if res.RetrievedMemory != want {
		t.Errorf("retrieved memory = %q, want %q", res.RetrievedMemory, want)
	}
}

func TestRunTurn_StagesRunInOrder(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		SearchResult: []memory.Record{
			{Payload: memory.StructuredPayload("User plays piano", nil)},
		},
	}
	provider := twoCompletions("PLAN-MARKER instructions", "final reply")
	p := newPipeline(t, store, provider)

	if _, err := p.RunTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// Retrieval precedes planning: the search result appears in call 1.
	if !strings.Contains(provider.CompleteCalls[0].Req.Prompt, "User plays piano") {
		t.Error("planning prompt built before retrieval completed")
	}
	// Planning precedes generation: call 1's output appears in call 2.
	if !strings.Contains(provider.CompleteCalls[1].Req.Prompt, "PLAN-MARKER instructions") {
		t.Error("generation prompt missing planning instructions")
	}
	// Generation precedes persistence: the stored turn carries the reply.
	if len(store.CreateCalls) != 1 || !strings.Contains(store.CreateCalls[0], "final reply") {
		t.Errorf("stored turn missing generated reply: %v", store.CreateCalls)
	}
}

func TestRunTurn_StageTemperatures(t *testing.T) {
	t.Parallel()

	provider := twoCompletions("plan", "reply")
	p := newPipeline(t, &memmock.Store{}, provider)

	if _, err := p.RunTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if got := provider.CompleteCalls[0].Req.Temperature; got != 0.3 {
		t.Errorf("planning temperature = %v, want 0.3", got)
	}
	if got := provider.CompleteCalls[1].Req.Temperature; got != 0.7 {
		t.Errorf("generation temperature = %v, want 0.7", got)
	}
	// Only generation carries the persona system prompt.
	if provider.CompleteCalls[0].Req.SystemPrompt != "" {
		t.Error("planning request should not carry a system prompt")
	}
	if provider.CompleteCalls[1].Req.SystemPrompt == "" {
		t.Error("generation request missing persona system prompt")
	}
}

func TestRunTurn_TemperatureOverrides(t *testing.T) {
	t.Parallel()

	provider := twoCompletions("plan", "reply")
	p := newPipeline(t, &memmock.Store{}, provider,
		pipeline.WithPlanningTemperature(0.1),
		pipeline.WithGenerationTemperature(1.2),
	)

	if _, err := p.RunTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if got := provider.CompleteCalls[0].Req.Temperature; got != 0.1 {
		t.Errorf("planning temperature = %v, want 0.1", got)
	}
	if got := provider.CompleteCalls[1].Req.Temperature; got != 1.2 {
		t.Errorf("generation temperature = %v, want 1.2", got)
	}
}

func TestRunTurn_ProviderFailureDuringPlanning(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{}
	provider := &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "hello?")
	if err == nil {
		t.Fatal("expected error from failed planning")
	}
	if !errors.Is(err, pipeline.ErrProviderFailure) {
		t.Errorf("error %v does not wrap ErrProviderFailure", err)
	}

	if res == nil {
		t.Fatal("failed run must still return a Result")
	}
	if res.State != pipeline.StateFailed {
		t.Errorf("state = %q, want %q", res.State, pipeline.StateFailed)
	}
	if res.Response != pipeline.DefaultFallbackReply {
		t.Errorf("response = %q, want fallback reply", res.Response)
	}
	if len(store.CreateCalls) != 0 {
		t.Errorf("Create calls = %d, want 0", len(store.CreateCalls))
	}
}

func TestRunTurn_ProviderFailureDuringGeneration(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{}
	provider := &llmmock.Provider{
		CompleteFunc: func() func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls := 0
			return func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
				calls++
				if calls == 1 {
					return &llm.CompletionResponse{Content: "plan"}, nil
				}
				return nil, errors.New("connection reset")
			}
		}(),
	}
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "hello?")
	if !errors.Is(err, pipeline.ErrProviderFailure) {
		t.Errorf("error %v does not wrap ErrProviderFailure", err)
	}
	if res.Response != pipeline.DefaultFallbackReply {
		t.Errorf("response = %q, want fallback reply", res.Response)
	}
	if res.State != pipeline.StateFailed {
		t.Errorf("state = %q, want %q", res.State, pipeline.StateFailed)
	}
	// Planning output survives into the failed result for diagnostics.
	if res.PlanningInstructions != "plan" {
		t.Errorf("planning instructions = %q, want %q", res.PlanningInstructions, "plan")
	}
	// No stored turn is written on a failed generation.
	if len(store.CreateCalls) != 0 {
		t.Errorf("Create calls = %d, want 0", len(store.CreateCalls))
	}
}

func TestRunTurn_SearchFailureDegradesToSentinel(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{SearchErr: errors.New("connection refused")}
	provider := twoCompletions("plan", "reply")
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("RunTurn must absorb search failures, got: %v", err)
	}
	if res.RetrievedMemory != pipeline.NoMemorySentinel {
		t.Errorf("retrieved memory = %q, want sentinel", res.RetrievedMemory)
	}
	if res.State != pipeline.StateDone {
		t.Errorf("state = %q, want %q", res.State, pipeline.StateDone)
	}
}

func TestRunTurn_WriteFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{CreateErr: errors.New("disk full")}
	provider := twoCompletions("plan", "here is your reply")
	p := newPipeline(t, store, provider)

	res, err := p.RunTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("write failure must not fail the run, got: %v", err)
	}
	if res.State != pipeline.StateDone {
		t.Errorf("state = %q, want %q", res.State, pipeline.StateDone)
	}
	if res.Response != "here is your reply" {
		t.Errorf("response = %q, reply must survive the write failure", res.Response)
	}
	if res.MemoryWriteErr == nil {
		t.Error("MemoryWriteErr is nil, want the write diagnostic")
	}
}

func TestRunTurn_EmptyInputRejected(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	p := newPipeline(t, &memmock.Store{}, provider)

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := p.RunTurn(context.Background(), input); err == nil {
			t.Errorf("RunTurn(%q) did not return an error", input)
		}
	}
	if got := provider.CallCount(); got != 0 {
		t.Errorf("Complete calls = %d, want 0", got)
	}
}

func TestRunTurn_EmptyCompletionIsFatal(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: ""}}
	p := newPipeline(t, &memmock.Store{}, provider)

	res, err := p.RunTurn(context.Background(), "hello")
	if !errors.Is(err, pipeline.ErrProviderFailure) {
		t.Errorf("error %v does not wrap ErrProviderFailure", err)
	}
	if res.Response != pipeline.DefaultFallbackReply {
		t.Errorf("response = %q, want fallback reply", res.Response)
	}
}

func TestRunTurn_FallbackReplyOverride(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteErr: errors.New("boom")}
	p := newPipeline(t, &memmock.Store{}, provider,
		pipeline.WithFallbackReply("Let me catch my breath and try again."))

	res, _ := p.RunTurn(context.Background(), "hello")
	if res.Response != "Let me catch my breath and try again." {
		t.Errorf("response = %q, want override", res.Response)
	}
}

func TestNew_RejectsNilDependencies(t *testing.T) {
	t.Parallel()

	if _, err := pipeline.New(nil, &llmmock.Provider{}, persona.Default()); err == nil {
		t.Error("New accepted a nil store")
	}
	if _, err := pipeline.New(&memmock.Store{}, nil, persona.Default()); err == nil {
		t.Error("New accepted a nil provider")
	}
}
