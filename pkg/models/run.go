package models

import (
	"context"
	"time"
)

// ApprovalPolicy controls whether a tool call may execute without asking
// the caller first.
type ApprovalPolicy string

const (
	ApprovalAlways ApprovalPolicy = "always" // never ask, always execute
	ApprovalNever  ApprovalPolicy = "never"  // never execute without a human decision
	ApprovalAsk    ApprovalPolicy = "ask"    // ask unless the tool is in the parallel-safe/allow set
)

// ToolKind classifies a tool for approval purposes.
type ToolKind string

const (
	ToolKindCommandExecution ToolKind = "command_execution"
	ToolKindFileChange       ToolKind = "file_change"
	ToolKindOther            ToolKind = "other"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// CompactionHook is invoked when the engine decides the transcript needs
// compaction; it returns the summary text to wrap in a compaction_summary
// AgentMessage.
type CompactionHook func(ctx context.Context, messages []AgentMessage) (string, error)

// PreToolUseHook runs before a tool call executes. Returning ok=false
// short-circuits execution and the returned reason becomes the synthetic
// error result body.
type PreToolUseHook func(ctx context.Context, call ToolCall) (ok bool, reason string)

// PostToolUseHook runs after a tool call executes and may rewrite the
// result (e.g. redaction) before it re-enters the transcript.
type PostToolUseHook func(ctx context.Context, call ToolCall, result ToolResultData) ToolResultData

// SteeringFunc polls for an operator-supplied steering message to inject
// mid-run. An empty string means nothing to inject.
type SteeringFunc func(ctx context.Context) (text string, skipPendingTools bool)

// FollowUpFunc polls for a queued follow-up user message once a run would
// otherwise finish.
type FollowUpFunc func(ctx context.Context) (text string, ok bool)

// TransformContextFunc lets a caller rewrite the transcript's provider-
// facing view immediately before each model call (e.g. injecting ephemeral
// context). It must not mutate its input slice.
type TransformContextFunc func(ctx context.Context, messages []ModelMessage) []ModelMessage

// ConvertToLLMFunc overrides how an AgentMessage converts to its
// ModelMessage form, in place of AgentMessage.ToLLM.
type ConvertToLLMFunc func(AgentMessage) (ModelMessage, bool)

// RunHooks bundles the optional function-typed extension points a caller
// may attach to a run.
type RunHooks struct {
	Compaction       CompactionHook
	PreToolUse       PreToolUseHook
	PostToolUse      PostToolUseHook
	Steering         SteeringFunc
	FollowUp         FollowUpFunc
	TransformContext TransformContextFunc
	ConvertToLLM     ConvertToLLMFunc
}

// RunRequest describes a single invocation of the agent loop.
type RunRequest struct {
	RunID          string            `json:"run_id"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	Input          []AgentMessage    `json:"input"`
	Model          string            `json:"model"`
	Transport      string            `json:"transport,omitempty"` // "direct" or "proxy"
	ApprovalPolicy ApprovalPolicy    `json:"approval_policy"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// MaxRetryDelayMs caps how long the stream decoder will sleep for a
	// rate-limit retry; a server-requested delay beyond this cap fails the
	// run instead of sleeping. Nil or non-positive means uncapped.
	MaxRetryDelayMs *int `json:"max_retry_delay_ms,omitempty"`

	Hooks RunHooks `json:"-"`
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RunID      string         `json:"run_id"`
	Status     RunStatus      `json:"status"`
	Messages   []AgentMessage `json:"messages"`
	Error      error          `json:"-"`
	FatalError string         `json:"fatal_error,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// RunEventStream discriminates the logical channel a RunEvent belongs to.
type RunEventStream string

const (
	StreamLifecycle RunEventStream = "lifecycle"
	StreamAssistant RunEventStream = "assistant"
	StreamReasoning RunEventStream = "reasoning"
	StreamTool      RunEventStream = "tool"
	StreamApproval  RunEventStream = "approval"
	StreamContext   RunEventStream = "context"
	StreamSystem    RunEventStream = "system"
)

// LifecycleState is the payload of a StreamLifecycle RunEvent.
type LifecycleState string

const (
	LifecycleStarted   LifecycleState = "started"
	LifecycleCompleted LifecycleState = "completed"
	LifecycleFailed    LifecycleState = "failed"
	LifecycleCancelled LifecycleState = "cancelled"
)

// RunEvent is the low-level, wire-oriented event emitted by the engine.
// Exactly one field of RunEventPayload is populated per Stream value.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Stream    RunEventStream  `json:"stream"`
	Payload   RunEventPayload `json:"payload"`
}

// RunEventPayload is a tagged union of the concrete payloads a RunEvent can
// carry.
type RunEventPayload struct {
	Lifecycle  *LifecyclePayload  `json:"lifecycle,omitempty"`
	TextDelta  *TextDeltaPayload  `json:"text_delta,omitempty"`
	ToolCall   *ToolCallPayload   `json:"tool_call,omitempty"`
	ToolDelta  *ToolCallDeltaPayload `json:"tool_delta,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Approval   *ApprovalPayload   `json:"approval,omitempty"`
	Context    *ContextEventPayload `json:"context,omitempty"`
	Err        *ErrorPayload      `json:"error,omitempty"`
}

// LifecyclePayload describes a run/turn/iteration boundary.
type LifecyclePayload struct {
	State     LifecycleState `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	TurnIndex int            `json:"turn_index,omitempty"`
	IterIndex int            `json:"iter_index,omitempty"`
}

// TextDeltaPayload carries an incremental assistant or reasoning text chunk.
type TextDeltaPayload struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// ToolCallPayload describes a tool call becoming known (started) or fully
// resolved (completed, pre-execution).
type ToolCallPayload struct {
	Call ToolCall `json:"call"`
}

// ToolCallDeltaPayload carries an incremental tool-call-argument fragment,
// keyed by index for last-writer-wins merge.
type ToolCallDeltaPayload struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// ToolResultPayload carries a tool's terminal result.
type ToolResultPayload struct {
	Result ToolResultData `json:"result"`
}

// ApprovalPayload describes a pending or resolved approval gate.
type ApprovalPayload struct {
	Call     ToolCall `json:"call"`
	Kind     ToolKind `json:"kind"`
	Decision string   `json:"decision,omitempty"` // accept, accept_for_session, decline, cancel
}

// ErrorPayload carries a fatal or recovered error.
type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
	Err     error  `json:"-"`
}
