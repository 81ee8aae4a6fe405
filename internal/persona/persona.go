// Package persona defines the companion's persona and the prompt formatters
// used by the two model-facing pipeline stages.
//
// All formatters are pure: they perform no I/O, have no side effects, and are
// safe for concurrent use. Empty sections are replaced with explicit
// placeholders rather than omitted, because downstream prompts must always
// have every labelled section present.
package persona

import (
	"fmt"
	"strings"
)

// DefaultName is the companion's name when none is configured.
const DefaultName = "Hibiki"

// Persona describes the static character of the companion. It is loaded at
// startup from configuration and injected verbatim into the generation
// system prompt.
type Persona struct {
	// Name is the companion's display name. Also used in the stored turn
	// template, so changing it mid-deployment changes how new memories read.
	Name string

	// Description is a free-text character description appended after the
	// baseline traits in the generation system prompt.
	Description string

	// Rules are hard constraints on responses (e.g., "Never give medical
	// advice"). Appended to the system prompt as a numbered list.
	Rules []string
}

// Default returns the built-in companion persona.
func Default() Persona {
	return Persona{Name: DefaultName}
}

// baselineTraits are the non-negotiable character traits injected into every
// generation call regardless of the configured description.
var baselineTraits = []string{
	"Speak warmly and considerately.",
	"Remember the user's moods and preferences and weave them naturally into the conversation.",
	"Gently bring up and connect past topics.",
	"Stay close to the user when they share worries or distress.",
	"Do not force cheerfulness; match the user's present mood.",
}

// PlanningPrompt renders the instruction-drafting prompt for the planning
// stage. The model is asked for exactly three labelled parts: a tone
// directive, the relevant memory (or "none"), and guidance for the responder.
func PlanningPrompt(name, input, retrievedMemory string) string {
	if name == "" {
		name = DefaultName
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Based on the user's message and the retrieved memory below, decide how %s should address the user, which past memory matters, and what instructions to hand to the responder.\n", name)

	sb.WriteString("\n## User Message\n")
	sb.WriteString(input)

	sb.WriteString("\n\n## Retrieved Memory\n")
	sb.WriteString(retrievedMemory)

	sb.WriteString("\n\n## Output Format\n")
	sb.WriteString("1. Tone and style for addressing the user (e.g., gently, upbeat, empathetic)\n")
	sb.WriteString("2. Past memory to draw on (summarised, or \"none\")\n")
	sb.WriteString("3. Instructions for the responder (concrete guidance for the reply)\n")

	return sb.String()
}

// GenerationSystemPrompt renders the persona-constrained system prompt for
// the generation stage.
func GenerationSystemPrompt(p Persona) string {
	name := p.Name
	if name == "" {
		name = DefaultName
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an AI companion named %s. Keep this personality at all times:\n", name)
	for _, trait := range baselineTraits {
		sb.WriteString("- ")
		sb.WriteString(trait)
		sb.WriteString("\n")
	}

	if desc := strings.TrimSpace(p.Description); desc != "" {
		sb.WriteString("\n")
		sb.WriteString(desc)
		sb.WriteString("\n")
	}

	if len(p.Rules) > 0 {
		sb.WriteString("\nRules you must always follow:\n")
		for i, rule := range p.Rules {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, rule)
		}
	}

	return sb.String()
}

// GenerationPrompt renders the user-facing reply prompt for the generation
// stage, combining the planner's instructions, the retrieved memory, and the
// user's message.
func GenerationPrompt(p Persona, instructions, retrievedMemory, input string) string {
	name := p.Name
	if name == "" {
		name = DefaultName
	}

	var sb strings.Builder

	sb.WriteString("## Instructions\n")
	sb.WriteString(instructions)

	sb.WriteString("\n\n## Memory\n")
	sb.WriteString(retrievedMemory)

	sb.WriteString("\n\n## User Message\n")
	sb.WriteString(input)

	fmt.Fprintf(&sb, "\n\n## %s's Reply\n", name)

	return sb.String()
}

// TurnRecord renders the fixed template persisted to long-term memory after a
// successful turn. Tests and retrieval both rely on this exact shape.
func TurnRecord(p Persona, input, response string) string {
	name := p.Name
	if name == "" {
		name = DefaultName
	}
	return fmt.Sprintf("User: %s\n%s: %s", input, name, response)
}
