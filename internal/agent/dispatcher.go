package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charliefox/agentloop/internal/tools/policy"
	"github.com/charliefox/agentloop/pkg/models"
)

// ToolLookup resolves a tool by name. *ToolRegistry satisfies this.
type ToolLookup interface {
	Get(name string) (Tool, bool)
}

// DispatchResult is the outcome of running one turn's worth of tool calls.
type DispatchResult struct {
	// Messages are the Tool ModelMessages to append, in submission order.
	Messages []models.ModelMessage
	// AllFailed reports whether every call in this batch produced an
	// is_error result, for §4.4.4 consecutive-failure accounting.
	AllFailed bool
	// Steered is true if a steering message interrupted this dispatch and
	// the remaining calls were skipped.
	Steered bool
	// SteeringText/SteeringSkip carry the steering outcome when Steered.
	SteeringText       string
	SteeringSkipTools  bool
	// Canceled is true if the run's context was canceled mid-dispatch.
	Canceled bool
	// Declined is true if the run was canceled by an approval Cancel
	// decision.
	Declined bool
}

// ToolDispatcher executes one turn's tool calls against a ToolLookup,
// applying approval gating, parallel-safe batching, pre/post hooks, the
// tool result guard, and steering/failure accounting.
type ToolDispatcher struct {
	tools           ToolLookup
	hooks           models.RunHooks
	guard           ToolResultGuard
	resolver        *policy.Resolver
	approvalPolicy  models.ApprovalPolicy
	approvalHandler ApprovalHandler
	runEvents       *RunEventEmitter
	agentEvents     *EventEmitter
	parallelism     int

	sessionAccepted map[models.ToolKind]bool

	mu                    sync.Mutex
	maxConsecutiveActive  int
	activeNow             int
}

// NewToolDispatcher builds a ToolDispatcher. resolver may be nil; it scopes
// the tool-result guard's denylist matching to alias/group expansion when a
// tool policy is in effect for the run.
func NewToolDispatcher(
	tools ToolLookup,
	hooks models.RunHooks,
	guard ToolResultGuard,
	resolver *policy.Resolver,
	approvalPolicy models.ApprovalPolicy,
	approvalHandler ApprovalHandler,
	runEvents *RunEventEmitter,
	agentEvents *EventEmitter,
	parallelism int,
) *ToolDispatcher {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &ToolDispatcher{
		tools:           tools,
		hooks:           hooks,
		guard:           guard,
		resolver:        resolver,
		approvalPolicy:  approvalPolicy,
		approvalHandler: approvalHandler,
		runEvents:       runEvents,
		agentEvents:     agentEvents,
		parallelism:     parallelism,
		sessionAccepted: make(map[models.ToolKind]bool),
	}
}

// Dispatch runs the calls an assistant message produced, in submission
// order, implementing §4.4's batching, approval, and steering semantics.
func (d *ToolDispatcher) Dispatch(ctx context.Context, runID string, calls []models.ToolCall) DispatchResult {
	var result DispatchResult
	var pending []models.ToolCall

	// flush executes and appends any queued parallel-safe batch, then polls
	// steering. Returns false if the caller should stop dispatching
	// (cancellation or steering fired).
	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		batch := pending
		pending = nil
		msgs, _, canceled := d.executeBatch(ctx, batch)
		result.Messages = append(result.Messages, msgs...)
		if canceled {
			result.Canceled = true
			return false
		}
		if !d.checkSteering(ctx, &result) {
			return false
		}
		return !result.Steered
	}

	for i, call := range calls {
		select {
		case <-ctx.Done():
			result.Canceled = true
			return result
		default:
		}

		tool, _ := d.tools.Get(call.Name)
		kind := ToolKindFor(tool, call.Name)

		decision, err := resolveApproval(ctx, d.approvalPolicy, kind, d.sessionAccepted, d.approvalHandler, ApprovalRequest{
			RunID: runID, Call: call, Kind: kind,
		})
		if err != nil {
			decision = ApprovalDecline
		}
		if d.runEvents != nil {
			d.runEvents.ApprovalResolved(ctx, call, kind, string(decision))
		}

		if decision == ApprovalCancel {
			result.Declined = true
			return result
		}

		if decision != ApprovalAccept && decision != ApprovalAcceptForSession {
			if !flush() {
				return result
			}
			if result.Steered {
				d.skipRemaining(ctx, calls[i:], &result)
				return result
			}
			msg := d.buildToolMessage(d.declinedResult(call))
			result.Messages = append(result.Messages, msg)
			if !d.checkSteering(ctx, &result) {
				return result
			}
			if result.Steered {
				d.skipRemaining(ctx, calls[i+1:], &result)
				return result
			}
			continue
		}

		if isParallelSafe(tool, call.Name) {
			pending = append(pending, call)
			continue
		}

		if !flush() {
			return result
		}
		if result.Steered {
			d.skipRemaining(ctx, calls[i:], &result)
			return result
		}

		msgs, _, canceled := d.executeBatch(ctx, []models.ToolCall{call})
		result.Messages = append(result.Messages, msgs...)
		if canceled {
			result.Canceled = true
			return result
		}
		if !d.checkSteering(ctx, &result) {
			return result
		}
		if result.Steered {
			d.skipRemaining(ctx, calls[i+1:], &result)
			return result
		}
	}

	if !flush() {
		return result
	}
	if result.Steered {
		// Nothing remains after the final flush; no calls to skip.
		return result
	}

	result.AllFailed = allToolMessagesFailed(result.Messages)
	return result
}

// skipRemaining synthesizes a skipped result for every call steering left
// unprocessed, running the full ToolExecutionStart/End and MessageStart/End
// lifecycle around each (with post_tool_use still applied), per §4.4.3.
func (d *ToolDispatcher) skipRemaining(ctx context.Context, calls []models.ToolCall, result *DispatchResult) {
	if len(calls) == 0 {
		return
	}
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		names = append(names, call.Name)
		if d.agentEvents != nil {
			d.agentEvents.ToolExecutionStart(ctx, call.ID, call.Name, call.Arguments)
		}
		skipped := SkippedToolResult(call.ID, "")
		final := d.safePostHook(ctx, call, skipped)
		if d.agentEvents != nil {
			d.agentEvents.ToolExecutionEnd(ctx, call.ID, call.Name, !final.IsError, final.Result, 0)
		}
		result.Messages = append(result.Messages, d.buildToolMessage(final))
	}
	if d.agentEvents != nil {
		d.agentEvents.ToolsSkipped(ctx, names)
	}
	result.AllFailed = allToolMessagesFailed(result.Messages)
}

func allToolMessagesFailed(msgs []models.ModelMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		for _, r := range m.ToolResults() {
			if !r.IsError {
				return false
			}
		}
	}
	return true
}

// checkSteering polls the steering hook (if any) between calls/batches. A
// non-empty steering text causes the caller to stop dispatching further
// calls in this turn. Returns false if the context was canceled while
// polling steering.
func (d *ToolDispatcher) checkSteering(ctx context.Context, result *DispatchResult) bool {
	if d.hooks.Steering == nil {
		return true
	}
	select {
	case <-ctx.Done():
		result.Canceled = true
		return false
	default:
	}
	text, skip := d.hooks.Steering(ctx)
	if text == "" {
		return true
	}
	result.Steered = true
	result.SteeringText = text
	result.SteeringSkipTools = skip
	return true
}

// executeBatch runs calls concurrently (or a single call), sharing one
// child cancellation token, and returns Tool ModelMessages in the queue's
// original order regardless of completion order.
func (d *ToolDispatcher) executeBatch(ctx context.Context, calls []models.ToolCall) (msgs []models.ModelMessage, allFailed bool, canceled bool) {
	if len(calls) == 0 {
		return nil, false, false
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.trackActive(len(calls))
	defer d.trackActive(-len(calls))

	results := make([]models.ToolResultData, len(calls))
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.parallelism)

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-batchCtx.Done():
				results[i] = d.canceledResult(call)
				return
			default:
			}
			results[i] = d.runCall(batchCtx, call)
		}(i, call)
	}
	wg.Wait()

	canceled = ctx.Err() != nil
	allFailed = true
	for i, r := range results {
		if canceled {
			r = d.canceledResult(calls[i])
			results[i] = r
		}
		if !r.IsError {
			allFailed = false
		}
		msgs = append(msgs, d.buildToolMessage(r))
	}
	return msgs, allFailed, canceled
}

func (d *ToolDispatcher) trackActive(delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeNow += delta
	if d.activeNow > d.maxConsecutiveActive {
		d.maxConsecutiveActive = d.activeNow
	}
}

// MaxActiveCalls reports the highest number of tool calls this dispatcher
// has run concurrently, for scenario assertions.
func (d *ToolDispatcher) MaxActiveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConsecutiveActive
}

// runCall executes the full per-call pipeline: pre-hook, start event,
// argument validation, execution, post-hook, result guard, end event.
func (d *ToolDispatcher) runCall(ctx context.Context, call models.ToolCall) models.ToolResultData {
	if d.hooks.PreToolUse != nil {
		ok, reason := d.hooks.PreToolUse(ctx, call)
		if !ok {
			if reason == "" {
				reason = "blocked by pre_tool_use hook"
			}
			return d.safePostHook(ctx, call, errorResultFor(call.ID, "pre_tool_use", reason))
		}
	}

	if d.agentEvents != nil {
		d.agentEvents.ToolExecutionStart(ctx, call.ID, call.Name, call.Arguments)
	}

	tool, found := d.tools.Get(call.Name)
	var result models.ToolResultData
	switch {
	case !found:
		result = models.ToolResultData{ToolCallID: call.ID, Result: mustJSON(map[string]string{"error": "tool not found: " + call.Name}), IsError: true}
	default:
		if err := validateArguments(tool.Schema(), call.Arguments); err != nil {
			result = models.ToolResultData{
				ToolCallID: call.ID,
				Result:     mustJSON(map[string]string{"error": "Argument validation failed: " + err.Error()}),
				IsError:    true,
			}
		} else {
			result = d.invokeTool(ctx, tool, call)
		}
	}

	final := d.safePostHook(ctx, call, result)

	if d.agentEvents != nil {
		d.agentEvents.ToolExecutionEnd(ctx, call.ID, call.Name, !final.IsError, final.Result, 0)
	}
	return final
}

func (d *ToolDispatcher) invokeTool(ctx context.Context, tool Tool, call models.ToolCall) models.ToolResultData {
	out, err := d.safeExecute(ctx, tool, call.Arguments)
	if err != nil {
		return models.ToolResultData{ToolCallID: call.ID, Result: mustJSON(map[string]string{"error": err.Error()}), IsError: true}
	}
	if out == nil {
		return models.ToolResultData{ToolCallID: call.ID, Result: mustJSON(map[string]string{"error": "tool returned no result"}), IsError: true}
	}
	payload := out.Content
	if payload == "" {
		payload = "{}"
	}
	var raw json.RawMessage
	if json.Valid([]byte(payload)) {
		raw = json.RawMessage(payload)
	} else {
		raw = mustJSON(payload)
	}
	return models.ToolResultData{ToolCallID: call.ID, Result: raw, IsError: out.IsError}
}

// safeExecute recovers a tool panic into an error, matching the existing
// ToolError taxonomy.
func (d *ToolDispatcher) safeExecute(ctx context.Context, tool Tool, args json.RawMessage) (result *ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewToolError(tool.Name(), fmt.Errorf("%v", r)).WithType(ToolErrorPanic)
		}
	}()
	return tool.Execute(ctx, args)
}

// safePostHook applies the post_tool_use hook (rewriting deterministically
// on hook error) and then the tool result guard.
func (d *ToolDispatcher) safePostHook(ctx context.Context, call models.ToolCall, result models.ToolResultData) models.ToolResultData {
	final := d.runPostHook(ctx, call, result)
	return d.guard.Apply(call.Name, final, d.resolver)
}

func (d *ToolDispatcher) runPostHook(ctx context.Context, call models.ToolCall, result models.ToolResultData) (out models.ToolResultData) {
	if d.hooks.PostToolUse == nil {
		return result
	}
	defer func() {
		if r := recover(); r != nil {
			out = models.ToolResultData{
				ToolCallID: call.ID,
				Result: mustJSON(map[string]interface{}{
					"source":          "post_tool_use",
					"original_result": json.RawMessage(result.Result),
					"error":           fmt.Sprintf("%v", r),
				}),
				IsError: true,
			}
		}
	}()
	return d.hooks.PostToolUse(ctx, call, result)
}

// buildToolMessage wraps a resolved ToolResultData as a Tool ModelMessage.
func (d *ToolDispatcher) buildToolMessage(result models.ToolResultData) models.ModelMessage {
	return models.ModelMessage{
		Role:    models.RoleTool,
		Content: []models.ContentPart{models.ToolResultPart(result.ToolCallID, result.Result, result.IsError)},
	}
}

func (d *ToolDispatcher) declinedResult(call models.ToolCall) models.ToolResultData {
	return models.ToolResultData{
		ToolCallID: call.ID,
		Result:     mustJSON(map[string]string{"error": "approval declined"}),
		IsError:    true,
	}
}

func (d *ToolDispatcher) canceledResult(call models.ToolCall) models.ToolResultData {
	result := models.ToolResultData{
		ToolCallID: call.ID,
		Result:     mustJSON(map[string]string{"error": "tool execution canceled"}),
		IsError:    true,
	}
	return d.runPostHook(context.Background(), call, result)
}

func errorResultFor(callID, source, reason string) models.ToolResultData {
	if reason == "" {
		reason = "blocked"
	}
	return models.ToolResultData{
		ToolCallID: callID,
		Result:     mustJSON(map[string]string{"source": source, "error": reason}),
		IsError:    true,
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// validateArguments checks call arguments against a tool's top-level JSON
// Schema per §4.4.2: if type=object, arguments must be a JSON object; each
// listed required key must be present; each property with a primitive type
// must match.
func validateArguments(schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var schemaDoc map[string]interface{}
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil
	}
	return validateAgainstSchema(schemaDoc, args)
}

func validateAgainstSchema(schemaDoc map[string]interface{}, args json.RawMessage) error {
	typeVal, _ := schemaDoc["type"].(string)
	if typeVal != "object" {
		return nil
	}

	var parsed map[string]interface{}
	if len(args) == 0 {
		parsed = map[string]interface{}{}
	} else if err := json.Unmarshal(args, &parsed); err != nil {
		return fmt.Errorf("arguments must be a JSON object")
	}
	if parsed == nil {
		return fmt.Errorf("arguments must be a JSON object")
	}

	if requiredRaw, ok := schemaDoc["required"].([]interface{}); ok {
		for _, reqName := range requiredRaw {
			name, _ := reqName.(string)
			if name == "" {
				continue
			}
			if _, present := parsed[name]; !present {
				return fmt.Errorf("missing required field '%s'", name)
			}
		}
	}

	properties, _ := schemaDoc["properties"].(map[string]interface{})
	for name, propRaw := range properties {
		prop, ok := propRaw.(map[string]interface{})
		if !ok {
			continue
		}
		propType, _ := prop["type"].(string)
		if propType == "" {
			continue
		}
		value, present := parsed[name]
		if !present {
			continue
		}
		if !matchesPrimitiveType(propType, value) {
			return fmt.Errorf("argument %q must be of type %s", name, propType)
		}
	}
	return nil
}

func matchesPrimitiveType(propType string, value interface{}) bool {
	switch propType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

// accountIterationFailures updates consecutiveFailed per §4.4.4, returning
// the new count and whether the limit has been reached.
func accountIterationFailures(consecutiveFailed int, allFailedThisIteration bool, maxFailures int) (next int, limitReached bool) {
	if allFailedThisIteration {
		next = consecutiveFailed + 1
	} else {
		next = 0
	}
	return next, maxFailures > 0 && next >= maxFailures
}
