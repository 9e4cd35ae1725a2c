package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charliefox/agentloop/pkg/models"
)

// EventEmitter generates and dispatches AgentEvents with proper sequencing.
// It provides a bridge between the agent engine and both streaming channels
// and plugins.
type EventEmitter struct {
	runID    string
	sequence uint64 // atomic counter for monotonic sequencing

	turnIndex int
	iterIndex int

	sink EventSink
}

// NewEventEmitter creates a new event emitter for an agent run with the given sink.
// If sink is nil, a NopSink is used.
func NewEventEmitter(runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{
		runID: runID,
		sink:  sink,
	}
}

// NewEventEmitterWithPlugins creates a new event emitter that dispatches to a plugin registry.
func NewEventEmitterWithPlugins(runID string, plugins *PluginRegistry) *EventEmitter {
	return NewEventEmitter(runID, NewPluginSink(plugins))
}

// SetTurn updates the current turn index for subsequent events.
func (e *EventEmitter) SetTurn(turnIndex int) {
	e.turnIndex = turnIndex
}

// SetIter updates the current iteration index for subsequent events.
func (e *EventEmitter) SetIter(iterIndex int) {
	e.iterIndex = iterIndex
}

func (e *EventEmitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *EventEmitter) base(eventType models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  e.nextSeq(),
		RunID:     e.runID,
		TurnIndex: e.turnIndex,
		IterIndex: e.iterIndex,
	}
}

func (e *EventEmitter) emit(ctx context.Context, event models.AgentEvent) {
	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
}

// AgentStart emits an agent.start event indicating the run has begun.
func (e *EventEmitter) AgentStart(ctx context.Context) models.AgentEvent {
	event := e.base(models.AgentEventAgentStart)
	e.emit(ctx, event)
	return event
}

// AgentEnd emits an agent.end event with accumulated run statistics.
func (e *EventEmitter) AgentEnd(ctx context.Context, stats *models.RunStats) models.AgentEvent {
	event := e.base(models.AgentEventAgentEnd)
	if stats != nil {
		event.Stats = &models.StatsEventPayload{Run: stats}
	}
	e.emit(ctx, event)
	return event
}

// AgentError emits an agent.error event with the given error and retriability flag.
func (e *EventEmitter) AgentError(ctx context.Context, err error, retriable bool) models.AgentEvent {
	event := e.base(models.AgentEventAgentError)
	event.Error = &models.ErrorEventPayload{
		Message:   err.Error(),
		Retriable: retriable,
		Err:       err,
	}
	e.emit(ctx, event)
	return event
}

// AgentCancelled emits an agent.cancelled event when the context is explicitly cancelled.
func (e *EventEmitter) AgentCancelled(ctx context.Context) models.AgentEvent {
	event := e.base(models.AgentEventAgentCancelled)
	event.Error = &models.ErrorEventPayload{
		Message:   "run cancelled",
		Retriable: true,
		Err:       ErrContextCancelled,
	}
	e.emit(ctx, event)
	return event
}

// AgentTimedOut emits an agent.timed_out event when the wall time limit is exceeded.
func (e *EventEmitter) AgentTimedOut(ctx context.Context, limit time.Duration) models.AgentEvent {
	event := e.base(models.AgentEventAgentTimedOut)
	event.Error = &models.ErrorEventPayload{
		Message:   fmt.Sprintf("run timed out after %v", limit),
		Retriable: true,
	}
	e.emit(ctx, event)
	return event
}

// TurnStart emits a turn.start event at the beginning of a conversational turn.
func (e *EventEmitter) TurnStart(ctx context.Context) models.AgentEvent {
	event := e.base(models.AgentEventTurnStart)
	e.emit(ctx, event)
	return event
}

// TurnEnd emits a turn.end event at the end of a conversational turn.
func (e *EventEmitter) TurnEnd(ctx context.Context) models.AgentEvent {
	event := e.base(models.AgentEventTurnEnd)
	e.emit(ctx, event)
	return event
}

// IterStart emits an iter.start event at the beginning of a loop iteration.
func (e *EventEmitter) IterStart(ctx context.Context) models.AgentEvent {
	event := e.base(models.AgentEventIterStart)
	e.emit(ctx, event)
	return event
}

// IterEnd emits an iter.end event at the end of a loop iteration.
func (e *EventEmitter) IterEnd(ctx context.Context) models.AgentEvent {
	event := e.base(models.AgentEventIterEnd)
	e.emit(ctx, event)
	return event
}

// MessageStart emits a message.start event when an assistant message begins streaming.
func (e *EventEmitter) MessageStart(ctx context.Context, messageID string, role models.Role) models.AgentEvent {
	event := e.base(models.AgentEventMessageStart)
	event.Message = &models.MessageEventPayload{MessageID: messageID, Role: role}
	e.emit(ctx, event)
	return event
}

// MessageUpdate emits a message.update event carrying an incremental text delta.
func (e *EventEmitter) MessageUpdate(ctx context.Context, messageID, delta string) models.AgentEvent {
	event := e.base(models.AgentEventMessageUpdate)
	event.Message = &models.MessageEventPayload{MessageID: messageID, Delta: delta}
	e.emit(ctx, event)
	return event
}

// MessageEnd emits a message.end event carrying the finalized message.
func (e *EventEmitter) MessageEnd(ctx context.Context, messageID string, final models.ModelMessage) models.AgentEvent {
	event := e.base(models.AgentEventMessageEnd)
	event.Message = &models.MessageEventPayload{MessageID: messageID, Role: final.Role, Final: &final}
	e.emit(ctx, event)
	return event
}

// Reasoning emits a reasoning event carrying a streamed thinking delta.
func (e *EventEmitter) Reasoning(ctx context.Context, messageID, delta string) models.AgentEvent {
	event := e.base(models.AgentEventReasoning)
	event.Message = &models.MessageEventPayload{MessageID: messageID, Delta: delta}
	e.emit(ctx, event)
	return event
}

// ToolExecutionStart emits a tool_execution.start event when a tool call begins executing.
func (e *EventEmitter) ToolExecutionStart(ctx context.Context, callID, name string, argsJSON []byte) models.AgentEvent {
	event := e.base(models.AgentEventToolExecutionStart)
	event.Tool = &models.ToolEventPayload{
		CallID:   callID,
		Name:     name,
		ArgsJSON: argsJSON,
	}
	e.emit(ctx, event)
	return event
}

// ToolExecutionUpdate emits a tool_execution.update event containing streamed tool output.
func (e *EventEmitter) ToolExecutionUpdate(ctx context.Context, callID, name, chunk string) models.AgentEvent {
	event := e.base(models.AgentEventToolExecutionUpdate)
	event.Tool = &models.ToolEventPayload{
		CallID: callID,
		Name:   name,
		Chunk:  chunk,
	}
	e.emit(ctx, event)
	return event
}

// ToolExecutionEnd emits a tool_execution.end event when a tool call completes or times out.
func (e *EventEmitter) ToolExecutionEnd(ctx context.Context, callID, name string, success bool, resultJSON []byte, elapsed time.Duration) models.AgentEvent {
	event := e.base(models.AgentEventToolExecutionEnd)
	event.Tool = &models.ToolEventPayload{
		CallID:     callID,
		Name:       name,
		Success:    success,
		ResultJSON: resultJSON,
		Elapsed:    elapsed,
	}
	if !success {
		event.Error = &models.ErrorEventPayload{
			Message:   fmt.Sprintf("tool %s failed", name),
			Retriable: true,
		}
	}
	e.emit(ctx, event)
	return event
}

// ContextPacked emits a context.packed event with packing diagnostics including usage and dropped items.
func (e *EventEmitter) ContextPacked(ctx context.Context, diag *models.ContextEventPayload) models.AgentEvent {
	event := e.base(models.AgentEventContextPacked)
	event.Context = diag
	if diag != nil {
		event.Stats = &models.StatsEventPayload{
			Run: &models.RunStats{
				DroppedItems: len(diag.Items),
				ContextPacks: 1,
			},
		}
	}
	e.emit(ctx, event)
	return event
}

// SteeringInjected emits a steering.injected event when an operator message is spliced into the transcript.
func (e *EventEmitter) SteeringInjected(ctx context.Context, content string, skippedTools []string) models.AgentEvent {
	event := e.base(models.AgentEventSteeringInjected)
	event.Steering = &models.SteeringEventPayload{Content: content, SkippedTools: skippedTools}
	e.emit(ctx, event)
	return event
}

// ToolsSkipped emits a tools.skipped event when steering cancels pending tool calls.
func (e *EventEmitter) ToolsSkipped(ctx context.Context, skippedTools []string) models.AgentEvent {
	event := e.base(models.AgentEventToolsSkipped)
	event.Steering = &models.SteeringEventPayload{SkippedTools: skippedTools, Count: len(skippedTools)}
	e.emit(ctx, event)
	return event
}

// FollowUpQueued emits a followup.queued event when a pending follow-up message is picked up.
func (e *EventEmitter) FollowUpQueued(ctx context.Context, content string) models.AgentEvent {
	event := e.base(models.AgentEventFollowUpQueued)
	event.Steering = &models.SteeringEventPayload{Content: content}
	e.emit(ctx, event)
	return event
}

// StatsCollector accumulates run statistics by processing AgentEvents.
// It tracks turns, iterations, tokens, tool calls, timing, and errors.
type StatsCollector struct {
	stats      models.RunStats
	modelStart time.Time
	toolStarts map[string]time.Time
}

// NewStatsCollector creates a new stats collector for the given run ID.
func NewStatsCollector(runID string) *StatsCollector {
	return &StatsCollector{
		stats: models.RunStats{
			RunID:     runID,
			StartedAt: time.Now(),
		},
		toolStarts: make(map[string]time.Time),
	}
}

// OnEvent processes an event and updates the accumulated statistics accordingly.
func (c *StatsCollector) OnEvent(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventAgentStart:
		c.stats.StartedAt = e.Time

	case models.AgentEventTurnStart:
		c.stats.Turns++

	case models.AgentEventIterStart:
		c.stats.Iters++
		c.modelStart = e.Time

	case models.AgentEventMessageEnd:
		if !c.modelStart.IsZero() {
			c.stats.ModelWallTime += e.Time.Sub(c.modelStart)
			c.modelStart = time.Time{}
		}

	case models.AgentEventToolExecutionStart:
		c.stats.ToolCalls++
		if e.Tool != nil {
			c.toolStarts[e.Tool.CallID] = e.Time
		}

	case models.AgentEventToolExecutionEnd:
		if e.Tool != nil {
			if start, ok := c.toolStarts[e.Tool.CallID]; ok {
				c.stats.ToolWallTime += e.Time.Sub(start)
				delete(c.toolStarts, e.Tool.CallID)
			}
			if !e.Tool.Success {
				c.stats.ToolFailures++
				c.stats.Errors++
			}
			if e.Error != nil {
				c.stats.ToolTimeouts++
			}
		}

	case models.AgentEventContextPacked:
		c.stats.ContextPacks++
		if e.Stats != nil && e.Stats.Run != nil {
			c.stats.DroppedItems += e.Stats.Run.DroppedItems
		}

	case models.AgentEventAgentError:
		c.stats.Errors++

	case models.AgentEventAgentCancelled:
		c.stats.Cancelled = true
		c.stats.Errors++

	case models.AgentEventAgentTimedOut:
		c.stats.TimedOut = true
		c.stats.Errors++

	case models.AgentEventAgentEnd:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
	}
}

// Stats returns a copy of the accumulated statistics.
func (c *StatsCollector) Stats() *models.RunStats {
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
