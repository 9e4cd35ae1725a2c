// Package models provides domain types for the agent loop runtime.
package models

import (
	"time"
)

// AgentEvent is the unified, high-level event model for streaming and
// hooks. It provides a single event stream that drives UI, logging, and
// plugins, derived from the lower-level RunEvent stream.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the agent run.
	RunID string `json:"run_id,omitempty"`

	// TurnIndex is the 0-based turn number within the run.
	TurnIndex int `json:"turn_index,omitempty"`

	// IterIndex is the 0-based agent-loop iteration within the current turn.
	IterIndex int `json:"iter_index,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Text     *TextEventPayload     `json:"text,omitempty"`
	Message  *MessageEventPayload  `json:"message,omitempty"`
	Tool     *ToolEventPayload     `json:"tool,omitempty"`
	Stream   *StreamEventPayload   `json:"stream,omitempty"`
	Error    *ErrorEventPayload    `json:"error,omitempty"`
	Stats    *StatsEventPayload    `json:"stats,omitempty"`
	Context  *ContextEventPayload  `json:"context,omitempty"`
	Steering *SteeringEventPayload `json:"steering,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Run lifecycle.
	AgentEventAgentStart     AgentEventType = "agent.start"
	AgentEventAgentEnd       AgentEventType = "agent.end"
	AgentEventAgentError     AgentEventType = "agent.error"
	AgentEventAgentCancelled AgentEventType = "agent.cancelled"
	AgentEventAgentTimedOut  AgentEventType = "agent.timed_out"

	// Turn/iteration lifecycle.
	AgentEventTurnStart  AgentEventType = "turn.start"
	AgentEventTurnEnd    AgentEventType = "turn.end"
	AgentEventIterStart  AgentEventType = "iter.start"
	AgentEventIterEnd    AgentEventType = "iter.end"

	// Assistant message streaming.
	AgentEventMessageStart  AgentEventType = "message.start"
	AgentEventMessageUpdate AgentEventType = "message.update"
	AgentEventMessageEnd    AgentEventType = "message.end"
	AgentEventReasoning     AgentEventType = "reasoning"

	// Tool execution and streaming IO.
	AgentEventToolExecutionStart  AgentEventType = "tool_execution.start"
	AgentEventToolExecutionUpdate AgentEventType = "tool_execution.update"
	AgentEventToolExecutionEnd    AgentEventType = "tool_execution.end"

	// Context packing diagnostics.
	AgentEventContextPacked AgentEventType = "context.packed"

	// Steering events.
	AgentEventSteeringInjected AgentEventType = "steering.injected"
	AgentEventToolsSkipped     AgentEventType = "tools.skipped"
	AgentEventFollowUpQueued   AgentEventType = "followup.queued"
)

// TextEventPayload is generic human-readable text (logs, status messages).
type TextEventPayload struct {
	Text string `json:"text"`
}

// MessageEventPayload describes an assistant message's lifecycle: it opens
// with MessageStart, accumulates with MessageUpdate deltas, and closes with
// MessageEnd carrying the final ModelMessage.
type MessageEventPayload struct {
	MessageID string        `json:"message_id"`
	Role      Role          `json:"role,omitempty"`
	Delta     string        `json:"delta,omitempty"`
	Final     *ModelMessage `json:"final,omitempty"`
}

// StreamEventPayload represents model streaming deltas and completion metadata.
type StreamEventPayload struct {
	Delta string `json:"delta,omitempty"`
	Final string `json:"final,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes tool calls and their streamed outputs.
// Args/Result are opaque []byte to avoid coupling to tool schemas.
type ToolEventPayload struct {
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`

	ArgsJSON []byte `json:"args_json,omitempty"`
	Chunk    string `json:"chunk,omitempty"`

	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload standardizes errors for streaming and plugins.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/errors.As; not serialized.
	Err error `json:"-"`
}

// StatsEventPayload carries run statistics as an event.
type StatsEventPayload struct {
	Run *RunStats `json:"run,omitempty"`
}

// RunStats is an aggregated summary of an agent run, accumulated by a
// StatsCollector subscribed to the AgentEvent stream.
type RunStats struct {
	RunID string `json:"run_id,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Turns int `json:"turns,omitempty"`
	Iters int `json:"iters,omitempty"`

	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolTimeouts int           `json:"tool_timeouts,omitempty"`
	ToolFailures int           `json:"tool_failures,omitempty"`

	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	ContextPacks int `json:"context_packs,omitempty"`
	DroppedItems int `json:"dropped_items,omitempty"`

	Cancelled     bool `json:"cancelled,omitempty"`
	TimedOut      bool `json:"timed_out,omitempty"`
	DroppedEvents int  `json:"dropped_events,omitempty"`

	Errors int `json:"errors,omitempty"`
}

// SteeringEventPayload describes steering and follow-up message events.
type SteeringEventPayload struct {
	Content      string   `json:"content,omitempty"`
	Count        int      `json:"count,omitempty"`
	SkippedTools []string `json:"skipped_tools,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

// ContextEventPayload contains context packing diagnostics, emitted after
// every compaction check regardless of whether compaction actually ran.
type ContextEventPayload struct {
	UsedTokens   int     `json:"used_tokens"`
	WindowTokens int     `json:"window_tokens"`
	Remaining    int     `json:"remaining"`
	Percent      float64 `json:"percent"`

	Compacted    bool `json:"compacted,omitempty"`
	SummaryChars int  `json:"summary_chars,omitempty"`

	Items []ContextPackItem `json:"items,omitempty"`
}

// ContextPackItem describes a single item in the context packing decision.
type ContextPackItem struct {
	ID       string            `json:"id,omitempty"`
	Kind     ContextItemKind   `json:"kind"`
	Tokens   int               `json:"tokens"`
	Included bool              `json:"included"`
	Reason   ContextPackReason `json:"reason,omitempty"`
}

// ContextItemKind categorizes context items.
type ContextItemKind string

const (
	ContextItemSystem   ContextItemKind = "system"
	ContextItemHistory  ContextItemKind = "history"
	ContextItemTool     ContextItemKind = "tool"
	ContextItemSummary  ContextItemKind = "summary"
	ContextItemIncoming ContextItemKind = "incoming"
)

// ContextPackReason explains a packing decision.
type ContextPackReason string

const (
	ContextReasonIncluded   ContextPackReason = "included"
	ContextReasonReserved   ContextPackReason = "reserved"
	ContextReasonOverBudget ContextPackReason = "over_budget"
	ContextReasonTooOld     ContextPackReason = "too_old"
	ContextReasonFiltered   ContextPackReason = "filtered"
)
