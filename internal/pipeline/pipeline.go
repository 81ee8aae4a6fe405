// Package pipeline implements the three-stage turn pipeline at the heart of
// Hibiki: memory retrieval, response planning, and response generation with
// turn persistence.
//
// A turn runs as a linear state machine:
//
//	RETRIEVING → PLANNING → GENERATING → DONE
//
// with FAILED as an absorbing state reachable from any working state. Stages
// never overlap and never reorder; each stage's output becomes part of the
// next stage's input. One [Pipeline.RunTurn] call handles exactly one user
// message synchronously, and no pipeline state survives between turns —
// cross-turn continuity lives entirely in the memory store.
//
// Failure policy: store read failures and unrecognised memory record shapes
// are absorbed inside the retrieval stage and never fail a run. Completion
// provider failures are fatal; the run lands in FAILED and the caller gets a
// fixed fallback reply instead of an internal error message. A store write
// failure after a successful generation is surfaced as a non-fatal diagnostic
// on the [Result] while the reply is still returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/pkg/memory"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// State identifies where a pipeline run is in its lifecycle.
type State string

// Pipeline run states. Transitions are linear and unconditional; FAILED is
// reachable from any working state and is terminal, as is DONE.
const (
	StateRetrieving State = "retrieving"
	StatePlanning   State = "planning"
	StateGenerating State = "generating"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// ErrProviderFailure marks fatal completion-provider errors. Both the
// planning and generation stages wrap their provider errors with it, so
// callers can test with errors.Is regardless of which stage failed.
var ErrProviderFailure = errors.New("completion provider failure")

// DefaultFallbackReply is returned to the user when a run fails. It is a
// fixed, friendly apology inviting a retry; internal error detail never
// reaches the user.
const DefaultFallbackReply = "I'm sorry, I couldn't quite collect my thoughts. Could you try saying that again?"

// Default sampling temperatures. Planning output is consumed as instructions,
// so it favours consistency; generation is user-facing prose, so it favours
// natural variation.
const (
	defaultPlanningTemperature   = 0.3
	defaultGenerationTemperature = 0.7
)

// Result is the outcome of one pipeline run. Intermediate stage artifacts are
// included for observability and testing; callers that only need the reply
// can read Response alone.
type Result struct {
	// Response is the user-facing reply. On a failed run it holds the fixed
	// fallback reply, never an empty string.
	Response string

	// RetrievedMemory is the normalized memory text fed to both model stages.
	// Holds the no-memory sentinel when nothing usable was found.
	RetrievedMemory string

	// PlanningInstructions is the raw planning-stage completion. Empty when
	// the run failed before planning completed.
	PlanningInstructions string

	// State is the terminal state of the run: StateDone or StateFailed.
	State State

	// MemoryWriteErr reports a stored-turn write failure after a successful
	// generation. Non-nil only on DONE runs; the reply is still valid.
	MemoryWriteErr error

	// Elapsed is the wall-clock duration of the full run.
	Elapsed time.Duration
}

// Pipeline runs turns against one namespace-bound memory store and one
// completion provider. It holds no per-turn state and is safe for sequential
// reuse; callers that run concurrent turns for the same user must serialize
// them (see [internal/session]).
type Pipeline struct {
	store    memory.Store
	provider llm.Provider
	persona  persona.Persona
	metrics  *observe.Metrics

	planningTemperature   float64
	generationTemperature float64
	fallbackReply         string
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMetrics attaches metric instruments. Without it, runs are not measured.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPlanningTemperature overrides the planning-stage sampling temperature.
func WithPlanningTemperature(t float64) Option {
	return func(p *Pipeline) { p.planningTemperature = t }
}

// WithGenerationTemperature overrides the generation-stage sampling temperature.
func WithGenerationTemperature(t float64) Option {
	return func(p *Pipeline) { p.generationTemperature = t }
}

// WithFallbackReply overrides the reply returned on failed runs.
func WithFallbackReply(reply string) Option {
	return func(p *Pipeline) {
		if reply != "" {
			p.fallbackReply = reply
		}
	}
}

// New creates a Pipeline bound to the given store, provider, and persona.
func New(store memory.Store, provider llm.Provider, pers persona.Persona, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("pipeline: store must not be nil")
	}
	if provider == nil {
		return nil, errors.New("pipeline: provider must not be nil")
	}

	p := &Pipeline{
		store:                 store,
		provider:              provider,
		persona:               pers,
		planningTemperature:   defaultPlanningTemperature,
		generationTemperature: defaultGenerationTemperature,
		fallbackReply:         DefaultFallbackReply,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// turnState is the mutable record threaded through the three stages. Each
// stage only writes the field it owns; the fixed call order guarantees no
// stage reads a field before its producer has run.
type turnState struct {
	input                string
	retrievedMemory      string
	planningInstructions string
	response             string
}

// RunTurn executes one full pipeline run for the given user message and
// blocks until the run reaches a terminal state.
//
// On success the returned error is nil and Result.State is StateDone. On a
// fatal provider failure RunTurn returns BOTH a non-nil Result carrying the
// fixed fallback reply in Result.Response AND the wrapped cause, so callers
// can surface the fallback to the user while logging the error. Check
// Result.MemoryWriteErr for the non-fatal stored-turn write diagnostic.
func (p *Pipeline) RunTurn(ctx context.Context, input string) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("pipeline: input must not be empty")
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.RunTurn")
	defer span.End()

	start := time.Now()
	st := &turnState{input: input}
	state := StateRetrieving

	// RETRIEVING. Never fails; store errors degrade to the sentinel.
	st.retrievedMemory = p.runRetrieve(ctx, st.input)
	state = StatePlanning

	// PLANNING.
	instructions, err := p.runPlan(ctx, st)
	if err != nil {
		return p.fail(ctx, st, state, start, err)
	}
	st.planningInstructions = instructions
	state = StateGenerating

	// GENERATING and persist.
	response, writeErr, err := p.runGenerate(ctx, st)
	if err != nil {
		return p.fail(ctx, st, state, start, err)
	}
	st.response = response

	elapsed := time.Since(start)
	p.metrics.RecordTurn(ctx, string(StateDone), elapsed.Seconds())

	return &Result{
		Response:             st.response,
		RetrievedMemory:      st.retrievedMemory,
		PlanningInstructions: st.planningInstructions,
		State:                StateDone,
		MemoryWriteErr:       writeErr,
		Elapsed:              elapsed,
	}, nil
}

// fail lands the run in the FAILED state: the user gets the fixed fallback
// reply, the caller gets the wrapped cause.
func (p *Pipeline) fail(ctx context.Context, st *turnState, from State, start time.Time, cause error) (*Result, error) {
	elapsed := time.Since(start)
	p.metrics.RecordTurn(ctx, string(StateFailed), elapsed.Seconds())

	observe.Logger(ctx).Error("pipeline run failed",
		"state", string(from),
		"model", p.provider.ModelID(),
		"error", cause,
	)

	res := &Result{
		Response:             p.fallbackReply,
		RetrievedMemory:      st.retrievedMemory,
		PlanningInstructions: st.planningInstructions,
		State:                StateFailed,
		Elapsed:              elapsed,
	}
	return res, fmt.Errorf("pipeline: %s: %w", from, cause)
}
