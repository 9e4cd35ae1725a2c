package agent

import (
	"encoding/json"

	"github.com/charliefox/agentloop/pkg/models"
)

// missingToolResultJSON is the fixed synthetic payload injected for a tool
// call that has no matching result within its assistant's span.
var missingToolResultJSON = json.RawMessage(`{"error":"missing tool result in transcript; inserted synthetic error result"}`)

// SanitizeOptions controls which passes SanitizeForProvider applies, driven
// by the target provider dialect's declared capabilities.
type SanitizeOptions struct {
	// StripThinking removes Thinking/RedactedThinking content parts for
	// providers that reject them.
	StripThinking bool
	// RepairToolPairing re-orders and synthesizes tool results so every
	// assistant tool call in the transcript has exactly one matching
	// result, for providers that require strict call/result pairing.
	RepairToolPairing bool
}

// SanitizeForProvider transforms a transcript into the form a given
// provider dialect accepts. It never mutates the input slice.
func SanitizeForProvider(messages []models.ModelMessage, opts SanitizeOptions) []models.ModelMessage {
	out := messages
	if opts.StripThinking {
		out = stripThinking(out)
	}
	if opts.RepairToolPairing {
		out = repairToolPairing(out)
	}
	return out
}

// stripThinking removes Thinking/RedactedThinking content parts from every
// message, dropping any message left with no content parts afterward.
func stripThinking(messages []models.ModelMessage) []models.ModelMessage {
	out := make([]models.ModelMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != models.RoleAssistant {
			out = append(out, m)
			continue
		}
		kept := make([]models.ContentPart, 0, len(m.Content))
		for _, p := range m.Content {
			if p.Kind == models.ContentKindThinking || p.Kind == models.ContentKindRedactedThinking {
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			continue
		}
		clone := m
		clone.Content = kept
		out = append(out, clone)
	}
	return out
}

// repairToolPairing scans the transcript linearly. Each Assistant message
// with tool calls opens a span lasting until the next Assistant/User/System
// message. Tool messages within the span are matched to the assistant's
// calls by tool_call_id, consumed at most once globally. After the
// assistant message, results are emitted in the assistant's call order;
// calls without an in-span result get a synthetic error result. Tool
// messages outside any span are dropped.
func repairToolPairing(messages []models.ModelMessage) []models.ModelMessage {
	consumed := make(map[string]bool)

	type span struct {
		calls   []models.ToolCall
		results map[string]models.ToolResultData
	}

	out := make([]models.ModelMessage, 0, len(messages))
	var current *span

	flush := func() {
		if current == nil {
			return
		}
		for _, call := range current.calls {
			if result, ok := current.results[call.ID]; ok {
				out = append(out, models.ModelMessage{
					Role:    models.RoleTool,
					Content: []models.ContentPart{models.ToolResultPart(result.ToolCallID, result.Result, result.IsError)},
				})
				continue
			}
			out = append(out, models.ModelMessage{
				Role:    models.RoleTool,
				Content: []models.ContentPart{models.ToolResultPart(call.ID, missingToolResultJSON, true)},
			})
		}
		current = nil
	}

	for _, m := range messages {
		switch m.Role {
		case models.RoleTool:
			if current == nil {
				continue
			}
			for _, r := range m.ToolResults() {
				if consumed[r.ToolCallID] {
					continue
				}
				if _, wanted := findCall(current.calls, r.ToolCallID); !wanted {
					continue
				}
				consumed[r.ToolCallID] = true
				current.results[r.ToolCallID] = r
			}
		case models.RoleAssistant:
			flush()
			out = append(out, m)
			calls := m.ToolCalls()
			if len(calls) > 0 {
				current = &span{calls: calls, results: make(map[string]models.ToolResultData)}
			}
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()

	return out
}

func findCall(calls []models.ToolCall, id string) (models.ToolCall, bool) {
	for _, c := range calls {
		if c.ID == id {
			return c, true
		}
	}
	return models.ToolCall{}, false
}
