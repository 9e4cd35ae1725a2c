package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/charliefox/agentloop/pkg/models"
)

// DecodedTurn is the terminal result of draining one LLM call's stream:
// the concatenated assistant text and the ordered, deduplicated tool calls
// the assistant requested.
type DecodedTurn struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// toolCallAccumulator tracks in-progress tool-call deltas keyed by stream
// index, merging by last-writer-wins on Name/ArgsDelta while preserving
// each call's original position once first seen.
type toolCallAccumulator struct {
	order []string          // call IDs in first-seen order
	byID  map[string]*models.ToolCall
	args  map[string]string // accumulated ArgsDelta fragments, keyed by ID
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byID: make(map[string]*models.ToolCall),
		args: make(map[string]string),
	}
}

// apply merges a delta into the accumulator. malformed reports a delta that
// must be discarded (missing id, or missing name on first sight); isNew
// reports whether this delta introduced a previously-unseen call id.
func (a *toolCallAccumulator) apply(delta ToolCallDelta) (malformed bool, isNew bool) {
	if delta.ID == "" {
		return true, false
	}
	existing, seen := a.byID[delta.ID]
	if !seen {
		if delta.Name == "" {
			return true, false
		}
		call := &models.ToolCall{ID: delta.ID, Name: delta.Name}
		a.byID[delta.ID] = call
		a.order = append(a.order, delta.ID)
		a.args[delta.ID] = delta.ArgsDelta
		return false, true
	}
	if delta.Name != "" {
		existing.Name = delta.Name
	}
	a.args[delta.ID] += delta.ArgsDelta
	return false, false
}

// snapshot renders the accumulator's current state as an ordered ToolCall
// list with Arguments populated from the accumulated JSON fragments.
func (a *toolCallAccumulator) snapshot() []models.ToolCall {
	calls := make([]models.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		call := *a.byID[id]
		call.Arguments = []byte(a.args[id])
		calls = append(calls, call)
	}
	return calls
}

// decoderIO bundles the collaborators the decoder needs without importing
// the run engine's full surface: an event emitter for RunEvents, the
// high-level AgentEvent emitter, and a message-id generator.
type decoderIO struct {
	run      *RunEventEmitter
	agent    *EventEmitter
	nextID   func() string
}

// decodeStream drains a single LLM call's CompletionChunk stream, applying
// the idle timeout and rate-limit retry rules, and returns the decoded
// turn or a fatal error.
func decodeStream(
	ctx context.Context,
	chunks <-chan *CompletionChunk,
	io decoderIO,
	idleTimeout time.Duration,
	maxRetryDelayMs *int,
) (DecodedTurn, error) {
	accum := newToolCallAccumulator()
	var textBuilder []byte
	messageOpen := false
	messageID := io.nextID()
	var inputTokens, outputTokens int

	openMessage := func() {
		if !messageOpen {
			messageOpen = true
			io.agent.MessageStart(ctx, messageID, models.RoleAssistant)
		}
	}
	closeMessage := func() {
		if messageOpen {
			messageOpen = false
			snapshot := models.ModelMessage{
				Role:    models.RoleAssistant,
				Content: snapshotContent(string(textBuilder), accum.snapshot()),
			}
			io.agent.MessageEnd(ctx, messageID, snapshot)
		}
	}

	for {
		var idleTimer <-chan time.Time
		var stopTimer func()
		if idleTimeout > 0 {
			timer := time.NewTimer(idleTimeout)
			idleTimer = timer.C
			stopTimer = func() { timer.Stop() }
		} else {
			stopTimer = func() {}
		}

		select {
		case <-ctx.Done():
			stopTimer()
			closeMessage()
			return DecodedTurn{}, ctx.Err()

		case <-idleTimer:
			stopTimer()
			closeMessage()
			return DecodedTurn{}, NewRunError("stream idle timeout")

		case chunk, ok := <-chunks:
			stopTimer()
			if !ok {
				// Stream end without Done: use what we have.
				closeMessage()
				return DecodedTurn{
					Text:         string(textBuilder),
					ToolCalls:    accum.snapshot(),
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}, nil
			}

			if chunk.Error != nil {
				if rl, ok := IsRateLimited(chunk.Error); ok {
					if rl.RetryAfterMs == nil {
						closeMessage()
						return DecodedTurn{}, NewRunError("rate limited without retry_after hint")
					}
					if maxRetryDelayMs != nil && *maxRetryDelayMs > 0 && *rl.RetryAfterMs > *maxRetryDelayMs {
						closeMessage()
						return DecodedTurn{}, NewRunError(fmt.Sprintf(
							"rate limit retry delay %dms exceeds max_retry_delay_ms=%d",
							*rl.RetryAfterMs, *maxRetryDelayMs))
					}
					if err := sleepOrCancel(ctx, time.Duration(*rl.RetryAfterMs)*time.Millisecond); err != nil {
						closeMessage()
						return DecodedTurn{}, err
					}
					continue
				}
				closeMessage()
				msg := chunk.Error.Error()
				if msg == "" {
					msg = "stream error"
				}
				return DecodedTurn{}, NewRunErrorWithCause(msg, chunk.Error)
			}

			if chunk.Done {
				closeMessage()
				return DecodedTurn{
					Text:         string(textBuilder),
					ToolCalls:    accum.snapshot(),
					InputTokens:  chunk.InputTokens,
					OutputTokens: chunk.OutputTokens,
				}, nil
			}

			if chunk.InputTokens > 0 {
				inputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				outputTokens = chunk.OutputTokens
			}

			switch {
			case chunk.Text != "":
				openMessage()
				textBuilder = append(textBuilder, chunk.Text...)
				io.run.AssistantDelta(ctx, messageID, chunk.Text)
				io.agent.MessageUpdate(ctx, messageID, chunk.Text)

			case chunk.Thinking != "" || chunk.ThinkingStart || chunk.ThinkingEnd:
				openMessage()
				io.run.ReasoningDelta(ctx, messageID, chunk.Thinking)
				io.agent.MessageUpdate(ctx, messageID, chunk.Thinking)
				io.agent.Reasoning(ctx, messageID, chunk.Thinking)

			case chunk.ToolCallDelta != nil:
				openMessage()
				delta := *chunk.ToolCallDelta
				malformed, isNew := accum.apply(delta)
				if malformed {
					io.run.SystemError(ctx, "discarded malformed tool call delta: missing id or name")
					continue
				}
				if isNew {
					io.run.ToolCallStarted(ctx, *accum.byID[delta.ID])
				} else {
					io.run.ToolCallDelta(ctx, delta.Index, delta.ID, delta.Name, delta.ArgsDelta)
				}
				io.agent.MessageUpdate(ctx, messageID, delta.ArgsDelta)

			default:
				// No user-visible content in this delta; ignore.
			}
		}
	}
}

// snapshotContent builds the content parts of an in-progress assistant
// message snapshot for MessageStart/MessageEnd payloads.
func snapshotContent(text string, calls []models.ToolCall) []models.ContentPart {
	parts := make([]models.ContentPart, 0, 1+len(calls))
	if text != "" {
		parts = append(parts, models.TextPart(text))
	}
	for _, c := range calls {
		parts = append(parts, models.ToolCallPart(c.ID, c.Name, c.Arguments, c.Recipient))
	}
	return parts
}

// sleepOrCancel sleeps for d, waking early and returning a canceled error if
// ctx is done first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
