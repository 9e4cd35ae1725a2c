package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charliefox/agentloop/pkg/models"
)

// RunEventSink receives wire-oriented RunEvents as they are produced.
// Implementations must be cheap and non-blocking, or hand off internally.
type RunEventSink interface {
	Emit(ctx context.Context, event models.RunEvent)
}

// NopRunEventSink discards every event.
type NopRunEventSink struct{}

// Emit implements RunEventSink.
func (NopRunEventSink) Emit(context.Context, models.RunEvent) {}

// ChanRunEventSink forwards every event onto a channel, dropping events if
// the channel is full rather than blocking the run.
type ChanRunEventSink struct {
	Events chan<- models.RunEvent
}

// Emit implements RunEventSink.
func (s ChanRunEventSink) Emit(_ context.Context, event models.RunEvent) {
	if s.Events == nil {
		return
	}
	select {
	case s.Events <- event:
	default:
	}
}

// RunEventEmitter builds and dispatches RunEvents with a strictly
// increasing per-run sequence number.
type RunEventEmitter struct {
	runID    string
	sequence uint64

	turnIndex int
	iterIndex int

	sink RunEventSink
}

// NewRunEventEmitter creates a RunEventEmitter. A nil sink is replaced with
// NopRunEventSink.
func NewRunEventEmitter(runID string, sink RunEventSink) *RunEventEmitter {
	if sink == nil {
		sink = NopRunEventSink{}
	}
	return &RunEventEmitter{runID: runID, sink: sink}
}

// SetTurn updates the current turn index for subsequent events.
func (e *RunEventEmitter) SetTurn(turnIndex int) { e.turnIndex = turnIndex }

// SetIter updates the current iteration index for subsequent events.
func (e *RunEventEmitter) SetIter(iterIndex int) { e.iterIndex = iterIndex }

func (e *RunEventEmitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *RunEventEmitter) base(stream models.RunEventStream) models.RunEvent {
	return models.RunEvent{
		RunID:     e.runID,
		Seq:       e.nextSeq(),
		Timestamp: time.Now(),
		Stream:    stream,
	}
}

func (e *RunEventEmitter) emit(ctx context.Context, event models.RunEvent) models.RunEvent {
	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
	return event
}

// Lifecycle emits a Lifecycle RunEvent for a run/turn/iteration boundary.
func (e *RunEventEmitter) Lifecycle(ctx context.Context, state models.LifecycleState, reason string) models.RunEvent {
	event := e.base(models.StreamLifecycle)
	event.Payload.Lifecycle = &models.LifecyclePayload{
		State:     state,
		Reason:    reason,
		TurnIndex: e.turnIndex,
		IterIndex: e.iterIndex,
	}
	return e.emit(ctx, event)
}

// AssistantDelta emits an incremental assistant text chunk.
func (e *RunEventEmitter) AssistantDelta(ctx context.Context, messageID, delta string) models.RunEvent {
	event := e.base(models.StreamAssistant)
	event.Payload.TextDelta = &models.TextDeltaPayload{MessageID: messageID, Delta: delta}
	return e.emit(ctx, event)
}

// ReasoningDelta emits an incremental reasoning/thinking text chunk.
func (e *RunEventEmitter) ReasoningDelta(ctx context.Context, messageID, delta string) models.RunEvent {
	event := e.base(models.StreamReasoning)
	event.Payload.TextDelta = &models.TextDeltaPayload{MessageID: messageID, Delta: delta}
	return e.emit(ctx, event)
}

// ToolCallStarted emits a ToolCall RunEvent announcing a newly-seen call.
func (e *RunEventEmitter) ToolCallStarted(ctx context.Context, call models.ToolCall) models.RunEvent {
	event := e.base(models.StreamTool)
	event.Payload.ToolCall = &models.ToolCallPayload{Call: call}
	return e.emit(ctx, event)
}

// ToolCallDelta emits an incremental tool-call-argument fragment.
func (e *RunEventEmitter) ToolCallDelta(ctx context.Context, index int, id, name, argsDelta string) models.RunEvent {
	event := e.base(models.StreamTool)
	event.Payload.ToolDelta = &models.ToolCallDeltaPayload{Index: index, ID: id, Name: name, ArgsDelta: argsDelta}
	return e.emit(ctx, event)
}

// ToolCallCompleted emits a ToolCall RunEvent marking a call fully decoded.
func (e *RunEventEmitter) ToolCallCompleted(ctx context.Context, call models.ToolCall) models.RunEvent {
	event := e.base(models.StreamTool)
	event.Payload.ToolCall = &models.ToolCallPayload{Call: call}
	return e.emit(ctx, event)
}

// ToolResult emits a tool call's terminal result.
func (e *RunEventEmitter) ToolResult(ctx context.Context, result models.ToolResultData) models.RunEvent {
	event := e.base(models.StreamTool)
	event.Payload.ToolResult = &models.ToolResultPayload{Result: result}
	return e.emit(ctx, event)
}

// ApprovalRequired emits a pending approval gate for a tool call.
func (e *RunEventEmitter) ApprovalRequired(ctx context.Context, call models.ToolCall, kind models.ToolKind) models.RunEvent {
	event := e.base(models.StreamApproval)
	event.Payload.Approval = &models.ApprovalPayload{Call: call, Kind: kind}
	return e.emit(ctx, event)
}

// ApprovalResolved emits the resolved decision for a pending approval gate.
func (e *RunEventEmitter) ApprovalResolved(ctx context.Context, call models.ToolCall, kind models.ToolKind, decision string) models.RunEvent {
	event := e.base(models.StreamApproval)
	event.Payload.Approval = &models.ApprovalPayload{Call: call, Kind: kind, Decision: decision}
	return e.emit(ctx, event)
}

// Context emits a context-management diagnostic (e.g. compaction outcome).
func (e *RunEventEmitter) Context(ctx context.Context, payload models.ContextEventPayload) models.RunEvent {
	event := e.base(models.StreamContext)
	event.Payload.Context = &payload
	return e.emit(ctx, event)
}

// SystemError emits a recoverable, non-fatal system error (e.g. a malformed
// tool-call delta that was discarded while the stream continued).
func (e *RunEventEmitter) SystemError(ctx context.Context, message string) models.RunEvent {
	event := e.base(models.StreamSystem)
	event.Payload.Err = &models.ErrorPayload{Message: message, Fatal: false}
	return e.emit(ctx, event)
}

// FatalError emits the run-terminating error on the system stream.
func (e *RunEventEmitter) FatalError(ctx context.Context, err error) models.RunEvent {
	event := e.base(models.StreamSystem)
	message := ""
	if err != nil {
		message = err.Error()
	}
	event.Payload.Err = &models.ErrorPayload{Message: message, Fatal: true, Err: err}
	return e.emit(ctx, event)
}
