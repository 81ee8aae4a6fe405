package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/pkg/memory"
)

// NoMemorySentinel is substituted whenever retrieval yields no usable text,
// so downstream prompts always have a non-empty memory section. It is a
// sentinel value, not an error condition.
const NoMemorySentinel = "no related memory found"

// runRetrieve executes the retrieval stage: search the store with the raw
// user input as the query and flatten whatever comes back into one text
// block. This stage never fails a run — a store error is logged, counted,
// and degraded to the sentinel.
func (p *Pipeline) runRetrieve(ctx context.Context, input string) string {
	start := time.Now()
	defer func() {
		p.metrics.RecordStage(ctx, "retrieve", time.Since(start).Seconds())
	}()

	records, err := p.store.Search(ctx, input)
	if err != nil {
		observe.Logger(ctx).Warn("memory search failed, continuing without memory", "error", err)
		p.metrics.RecordSearchFallback(ctx)
		return NoMemorySentinel
	}

	text := NormalizeRecords(records)
	if text == "" {
		return NoMemorySentinel
	}
	return text
}

// NormalizeRecords flattens heterogeneous search results into a single
// newline-joined text block, preserving store order.
//
// Two extraction strategies exist and exactly one is applied to the whole
// batch: if every record carries the structured payload shape (a mapping
// with a nested value.content string, as produced by
// [memory.StructuredPayload]), the content strings are extracted; otherwise
// every record is converted to its plain textual representation. Strategies
// are never mixed within one call, so a single odd record cannot produce an
// inconsistently half-extracted batch.
//
// Returns "" when there are no records or all extracted strings are empty;
// the caller substitutes the sentinel. Never returns an error: an
// unrecognised shape is a fallback trigger, not a failure.
func NormalizeRecords(records []memory.Record) string {
	if len(records) == 0 {
		return ""
	}

	parts := make([]string, 0, len(records))
	structured := true
	for _, r := range records {
		content, ok := structuredContent(r.Payload)
		if !ok {
			structured = false
			break
		}
		parts = append(parts, content)
	}

	if !structured {
		parts = parts[:0]
		for _, r := range records {
			parts = append(parts, stringifyPayload(r.Payload))
		}
	}

	nonEmpty := parts[:0]
	for _, s := range parts {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// structuredContent extracts the nested content string from the canonical
// structured payload shape {"value": {"content": <string>, ...}, ...}.
func structuredContent(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	value, ok := m["value"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := value["content"].(string)
	if !ok {
		return "", false
	}
	return content, true
}

// stringifyPayload renders a payload of any shape as text. Plain strings
// pass through unchanged; everything else gets the fmt default rendering.
func stringifyPayload(payload any) string {
	if s, ok := payload.(string); ok {
		return s
	}
	return fmt.Sprint(payload)
}
