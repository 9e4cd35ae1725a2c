package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charliefox/agentloop/internal/compaction"
	"github.com/charliefox/agentloop/internal/tools/policy"
	"github.com/charliefox/agentloop/pkg/models"
)

// EngineConfig bundles the collaborators a run needs beyond the RunRequest
// itself: tool resolution, provider construction, approval resolution, and
// the two event sinks (wire-level RunEvents and high-level AgentEvents).
type EngineConfig struct {
	Tools           ToolLookup
	Providers       ProviderRegistry
	ApprovalHandler ApprovalHandler
	RunEvents       RunEventSink
	AgentEvents     EventSink
	Runtime         RuntimeOptions
}

// ToolLister is implemented by a ToolLookup that can enumerate its full set
// for advertisement to the provider (e.g. *ToolRegistry). A Tools value
// that doesn't implement it advertises no tools.
type ToolLister interface {
	AsLLMTools() []Tool
}

var engineMessageSeq uint64

func nextEngineMessageID() string {
	return fmt.Sprintf("msg_%d", atomic.AddUint64(&engineMessageSeq, 1))
}

// Run starts a run in its own goroutine and returns immediately with a
// RunHandle the caller uses to inject messages, abort, and await the
// terminal RunResult. This is the runtime's single entry point, composing
// the stream decoder, tool dispatcher, sanitizer, compaction, and run
// limits into the outer/inner loop state machine.
func Run(ctx context.Context, cfg EngineConfig, req models.RunRequest) *RunHandle {
	handle := NewRunHandle(req.RunID)

	runtime := mergeRuntimeOptions(DefaultRuntimeOptions(), cfg.Runtime)
	runCtx, cancel := context.WithCancel(ctx)
	if runtime.WallTimeLimit > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, runtime.WallTimeLimit)
		prevCancel := cancel
		cancel = func() { timeoutCancel(); prevCancel() }
	}

	go func() {
		select {
		case <-handle.aborted():
			cancel()
		case <-runCtx.Done():
		}
	}()

	go func() {
		defer cancel()
		e := &engine{
			cfg:     cfg,
			runtime: runtime,
			req:     req,
			handle:  handle,
		}
		result := e.run(runCtx)
		handle.deliver(result)
	}()

	return handle
}

// engine holds the mutable state of one run's outer/inner loop.
type engine struct {
	cfg     EngineConfig
	runtime RuntimeOptions
	req     models.RunRequest
	handle  *RunHandle

	runEvents   *RunEventEmitter
	agentEvents *EventEmitter

	messages []models.AgentMessage

	turnIndex              int
	extensionsUsed         int
	consecutiveFailedIters int
}

// run executes the full lifecycle for one RunRequest: init, the outer
// iteration-budget loop (each iteration comprising one or more inner turns
// when steering restarts occur), and the terminal RunResult.
func (e *engine) run(ctx context.Context) models.RunResult {
	e.runEvents = NewRunEventEmitter(e.req.RunID, e.cfg.RunEvents)
	e.agentEvents = NewEventEmitter(e.req.RunID, e.cfg.AgentEvents)

	e.runEvents.Lifecycle(ctx, models.LifecycleStarted, "")
	e.agentEvents.AgentStart(ctx)

	e.messages = append([]models.AgentMessage(nil), e.req.Input...)
	for _, m := range e.messages {
		e.emitSeedMessage(ctx, m)
	}

	if !validTransport(e.req.Transport) {
		return e.finishFatal(ctx, fmt.Sprintf(
			"unsupported provider transport %q (supported: direct, proxy)", e.req.Transport))
	}

	limits := ResolveRunLimits(e.req.Metadata)

	providerKey, modelID := resolveProviderTarget(e.req)
	if e.cfg.Providers == nil {
		return e.finishFatal(ctx, ErrNoProvider.Error())
	}
	provider, err := e.cfg.Providers.Create(providerKey, modelID)
	if err != nil {
		return e.finishFatal(ctx, fmt.Sprintf("provider construction failed: %v", err))
	}

	caps := resolveCapabilities(ctx, provider)

	resolver, toolPolicy, hasToolPolicy := toolPolicyFromContext(ctx)

	approvalPolicy := e.req.ApprovalPolicy
	if approvalPolicy == "" {
		approvalPolicy = e.runtime.ApprovalPolicy
	}

	dispatcher := NewToolDispatcher(
		e.cfg.Tools,
		e.req.Hooks,
		e.runtime.ToolResultGuard,
		resolver,
		approvalPolicy,
		e.cfg.ApprovalHandler,
		e.runEvents,
		e.agentEvents,
		e.runtime.ToolParallelism,
	)

	maxIterations := limits.MaxIterations
	if e.runtime.MaxIterationsPerTurn > 0 && e.runtime.MaxIterationsPerTurn < maxIterations {
		maxIterations = e.runtime.MaxIterationsPerTurn
	}

	tools := e.advertisedTools(resolver, toolPolicy, hasToolPolicy)

	for iteration := 1; ; iteration++ {
		select {
		case <-ctx.Done():
			return e.finishCancelled(ctx)
		default:
		}

		if iteration > maxIterations {
			outcome, err := e.requestIterationExtension(ctx, iteration-1, maxIterations, limits)
			if err != nil {
				if ctx.Err() != nil {
					return e.finishCancelled(ctx)
				}
				return e.finishFatal(ctx, fmt.Sprintf(
					"tool loop exceeded max iterations (max_iterations=%d, extensions_used=%d)",
					maxIterations, e.extensionsUsed))
			}
			switch outcome {
			case extensionGranted:
				maxIterations += limits.IterationExtension
			case extensionCancelled:
				return e.finishCancelled(ctx)
			case extensionDeclined:
				if ctx.Err() != nil {
					return e.finishCancelled(ctx)
				}
				return e.finishFatal(ctx, fmt.Sprintf(
					"tool loop exceeded max iterations (max_iterations=%d); continuation declined",
					maxIterations))
			default: // extensionExhausted: no handler, or extension budget already spent
				if ctx.Err() != nil {
					return e.finishCancelled(ctx)
				}
				return e.finishFatal(ctx, fmt.Sprintf(
					"tool loop exceeded max iterations (max_iterations=%d, extensions_used=%d)",
					maxIterations, e.extensionsUsed))
			}
		}

		status, result := e.runIteration(ctx, provider, caps, dispatcher, tools, limits.MaxToolFailures)
		if status != iterationContinue {
			return result
		}
	}
}

type iterationStatus int

const (
	iterationContinue iterationStatus = iota
	iterationDone
)

// runIteration executes one pass through the inner loop: drain injected
// messages, poll steering, check auto-compaction, run the LLM phase, and
// (if tool calls were produced) the tool phase. A steering interruption
// during the tool phase restarts the LLM phase directly, without
// re-checking the iteration budget, producing additional turns within this
// same iteration. Returns iterationDone with a terminal RunResult when the
// run should stop; otherwise iterationContinue so the outer loop proceeds
// to the next iteration.
func (e *engine) runIteration(
	ctx context.Context,
	provider LLMProvider,
	caps Capabilities,
	dispatcher *ToolDispatcher,
	tools []Tool,
	maxToolFailures int,
) (iterationStatus, models.RunResult) {
	for {
		select {
		case <-ctx.Done():
			return iterationDone, e.finishCancelled(ctx)
		default:
		}

		e.turnIndex++
		e.runEvents.SetTurn(e.turnIndex)
		e.agentEvents.SetTurn(e.turnIndex)
		e.agentEvents.TurnStart(ctx)
		e.notifyTurn(ctx, TurnEventStart, nil)

		for _, m := range e.handle.drainInput() {
			e.messages = append(e.messages, m)
			e.emitSeedMessage(ctx, m)
		}

		if e.req.Hooks.Steering != nil {
			if text, _ := e.req.Hooks.Steering(ctx); text != "" {
				e.messages = append(e.messages, models.NewLLMAgentMessage(models.ModelMessage{
					Role:    models.RoleUser,
					Content: []models.ContentPart{models.TextPart(text)},
				}))
				e.agentEvents.SteeringInjected(ctx, text, nil)
				e.notifyTurn(ctx, TurnEventSteering, map[string]any{"text": text})
			}
		}

		if e.runtime.AutoCompactionReserveTokens != nil {
			if res, done := e.maybeCompact(ctx, caps); done {
				return iterationDone, res
			}
		}

		decoded, err := e.llmPhase(ctx, provider, caps, tools)
		if err != nil {
			if ctx.Err() != nil {
				e.agentEvents.TurnEnd(ctx)
				e.notifyTurn(ctx, TurnEventEnd, nil)
				return iterationDone, e.finishCancelled(ctx)
			}
			e.agentEvents.TurnEnd(ctx)
			e.notifyTurn(ctx, TurnEventEnd, nil)
			return iterationDone, e.finishFatal(ctx, err.Error())
		}

		if len(decoded.ToolCalls) == 0 {
			if decoded.Text != "" {
				e.messages = append(e.messages, models.NewLLMAgentMessage(models.ModelMessage{
					Role:    models.RoleAssistant,
					Content: []models.ContentPart{models.TextPart(decoded.Text)},
				}))
			}
			e.agentEvents.TurnEnd(ctx)
			e.notifyTurn(ctx, TurnEventEnd, nil)
			return e.afterInnerLoop(ctx)
		}

		assistantContent := make([]models.ContentPart, 0, 1+len(decoded.ToolCalls))
		if decoded.Text != "" {
			assistantContent = append(assistantContent, models.TextPart(decoded.Text))
		}
		for _, c := range decoded.ToolCalls {
			assistantContent = append(assistantContent, models.ToolCallPart(c.ID, c.Name, c.Arguments, c.Recipient))
		}
		e.messages = append(e.messages, models.NewLLMAgentMessage(models.ModelMessage{
			Role:    models.RoleAssistant,
			Content: assistantContent,
		}))

		dispatchResult := dispatcher.Dispatch(ctx, e.req.RunID, decoded.ToolCalls)
		for _, m := range dispatchResult.Messages {
			e.messages = append(e.messages, models.NewLLMAgentMessage(m))
		}

		next, limitReached := accountIterationFailures(e.consecutiveFailedIters, dispatchResult.AllFailed, maxToolFailures)
		e.consecutiveFailedIters = next

		e.agentEvents.TurnEnd(ctx)
		e.notifyTurn(ctx, TurnEventEnd, nil)

		switch {
		case dispatchResult.Canceled:
			return iterationDone, e.finishCancelled(ctx)
		case dispatchResult.Declined:
			return iterationDone, e.finishCancelled(ctx)
		case limitReached:
			return iterationDone, e.finishFatal(ctx, fmt.Sprintf(
				"tool call failure limit reached (max_failures=%d, consecutive_failures=%d)",
				maxToolFailures, e.consecutiveFailedIters))
		}

		if dispatchResult.Steered {
			if len(dispatchResult.SteeringText) > 0 {
				e.messages = append(e.messages, models.NewLLMAgentMessage(models.ModelMessage{
					Role:    models.RoleUser,
					Content: []models.ContentPart{models.TextPart(dispatchResult.SteeringText)},
				}))
				e.agentEvents.SteeringInjected(ctx, dispatchResult.SteeringText, nil)
				e.notifyTurn(ctx, TurnEventSteering, map[string]any{"text": dispatchResult.SteeringText})
			}
			if dispatchResult.SteeringSkipTools {
				e.notifyTurn(ctx, TurnEventToolsSkipped, nil)
			}
			// Restart the inner LLM phase directly: another turn within this
			// same iteration, without re-checking the iteration budget or
			// auto-compaction.
			continue
		}

		// No steering: this iteration is done, the outer loop advances.
		return iterationContinue, models.RunResult{}
	}
}

// afterInnerLoop runs the follow-up check once an LLM phase produces no
// tool calls: if a follow-up message is queued, splice it in and restart
// the inner loop (another turn, same run); otherwise the run completes.
func (e *engine) afterInnerLoop(ctx context.Context) (iterationStatus, models.RunResult) {
	if e.req.Hooks.FollowUp != nil {
		if text, ok := e.req.Hooks.FollowUp(ctx); ok && text != "" {
			e.messages = append(e.messages, models.NewLLMAgentMessage(models.ModelMessage{
				Role:    models.RoleUser,
				Content: []models.ContentPart{models.TextPart(text)},
			}))
			e.agentEvents.FollowUpQueued(ctx, text)
			return iterationContinue, models.RunResult{}
		}
	}
	return iterationDone, e.finishCompleted(ctx)
}

// llmPhase prepares the provider-facing transcript and drains one
// completion stream.
func (e *engine) llmPhase(ctx context.Context, provider LLMProvider, caps Capabilities, tools []Tool) (DecodedTurn, error) {
	modelMessages, _ := e.convertToLLM()

	if e.req.Hooks.TransformContext != nil {
		modelMessages = e.req.Hooks.TransformContext(ctx, modelMessages)
	}
	if transform := ContextTransformFromContext(ctx); transform != nil {
		if transformed, err := transform(ctx, modelMessages); err == nil {
			modelMessages = transformed
		}
	}

	modelMessages = SanitizeForProvider(modelMessages, SanitizeOptions{
		StripThinking:     !caps.SupportsThinking,
		RepairToolPairing: true,
	})

	systemPrompt := e.req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt, _ = systemPromptFromContext(ctx)
	}

	thinkingLevel := ThinkingLevelFromContext(ctx)
	enableThinking := caps.SupportsThinking && thinkingLevel != ThinkingOff

	chunks, err := provider.Complete(ctx, &CompletionRequest{
		Model:                resolveModelID(e.req),
		System:               systemPrompt,
		Messages:             modelMessages,
		Tools:                tools,
		MaxTokens:            caps.MaxOutputTokens,
		EnableThinking:       enableThinking,
		ThinkingBudgetTokens: GetThinkingBudget(thinkingLevel),
	})
	if err != nil {
		return DecodedTurn{}, &LoopError{Phase: PhaseStream, Iteration: e.turnIndex, Cause: err}
	}

	return decodeStream(ctx, chunks, decoderIO{
		run:    e.runEvents,
		agent:  e.agentEvents,
		nextID: nextEngineMessageID,
	}, e.runtime.IdleTimeout, e.req.MaxRetryDelayMs)
}

// maybeCompact checks context usage against the reserve and, if over
// budget, invokes the compaction hook and replaces the summarized prefix
// with a single CompactionSummary message. Returns done=true with a
// terminal RunResult if compaction was required but could not run.
func (e *engine) maybeCompact(ctx context.Context, caps Capabilities) (models.RunResult, bool) {
	modelMessages, agentIdx := e.convertToLLM()
	usage := compaction.ComputeUsage(modelMessages, caps.ContextWindowTokens)

	e.runEvents.Context(ctx, models.ContextEventPayload{
		UsedTokens:   usage.Used,
		WindowTokens: usage.Window,
		Remaining:    usage.Remaining,
		Percent:      usage.Percent,
	})

	reserve := *e.runtime.AutoCompactionReserveTokens
	if caps.ContextWindowTokens <= 0 || usage.Remaining > reserve {
		return models.RunResult{}, false
	}

	if e.req.Hooks.Compaction == nil {
		return e.finishFatal(ctx, "auto-compaction triggered but no compaction hook is configured"), true
	}

	keepBudget := caps.ContextWindowTokens - reserve
	toSummarize, toKeep, cutIndex := compaction.PrepareCompaction(modelMessages, keepBudget)
	if len(toSummarize) == 0 {
		return models.RunResult{}, false
	}

	summaryMessages := make([]models.AgentMessage, 0, cutIndex)
	for _, idx := range agentIdx[:cutIndex] {
		summaryMessages = append(summaryMessages, e.messages[idx])
	}

	summary, err := e.req.Hooks.Compaction(ctx, summaryMessages)
	if err != nil {
		return e.finishFatal(ctx, fmt.Sprintf("compaction hook failed: %v", err)), true
	}
	if summary == "" {
		return models.RunResult{}, false
	}

	keptAgentMessages := make([]models.AgentMessage, 0, len(toKeep)+1)
	for _, idx := range agentIdx[cutIndex:] {
		keptAgentMessages = append(keptAgentMessages, e.messages[idx])
	}
	// Non-LLM-convertible messages (e.g. Custom) carried no ModelMessage and
	// so have no agentIdx entry; keep them only if they trail the cut.
	rebuilt := make([]models.AgentMessage, 0, len(e.messages))
	rebuilt = append(rebuilt, models.NewCompactionSummaryMessage(summary, time.Now()))
	rebuilt = append(rebuilt, keptAgentMessages...)
	e.messages = rebuilt

	e.agentEvents.ContextPacked(ctx, &models.ContextEventPayload{
		UsedTokens:   usage.Used,
		WindowTokens: usage.Window,
		Remaining:    usage.Remaining,
		Percent:      usage.Percent,
		Compacted:    true,
		SummaryChars: len(summary),
	})
	e.runEvents.Context(ctx, models.ContextEventPayload{
		UsedTokens:   usage.Used,
		WindowTokens: usage.Window,
		Remaining:    usage.Remaining,
		Percent:      usage.Percent,
		Compacted:    true,
		SummaryChars: len(summary),
	})

	return models.RunResult{}, false
}

// convertToLLM converts the engine's AgentMessage transcript into its
// provider-facing ModelMessage form, applying RunHooks.ConvertToLLM in
// place of AgentMessage.ToLLM when set. agentIdx[i] is the index into
// e.messages that produced modelMessages[i]; Custom messages (which never
// convert) are skipped.
func (e *engine) convertToLLM() (modelMessages []models.ModelMessage, agentIdx []int) {
	convert := e.req.Hooks.ConvertToLLM
	for i, m := range e.messages {
		var mm models.ModelMessage
		var ok bool
		if convert != nil {
			mm, ok = convert(m)
		} else {
			mm, ok = m.ToLLM()
		}
		if !ok {
			continue
		}
		modelMessages = append(modelMessages, mm)
		agentIdx = append(agentIdx, i)
	}
	return modelMessages, agentIdx
}

// advertisedTools resolves the tool list sent to the provider, applying any
// context-supplied tool policy filter.
func (e *engine) advertisedTools(resolver *policy.Resolver, toolPolicy *policy.Policy, hasPolicy bool) []Tool {
	lister, ok := e.cfg.Tools.(ToolLister)
	if !ok {
		return nil
	}
	tools := lister.AsLLMTools()
	if hasPolicy {
		tools = filterToolsByPolicy(resolver, toolPolicy, tools)
	}
	return tools
}

// extensionOutcome distinguishes why an iteration extension request did not
// grant a continuation, so the caller can choose between the "budget
// exhausted" and "continuation declined" fatal messages.
type extensionOutcome int

const (
	// extensionExhausted covers both an unavailable handler and an
	// already-spent extension budget: no decision was actively made.
	extensionExhausted extensionOutcome = iota
	extensionGranted
	extensionDeclined
	extensionCancelled
)

// requestIterationExtension raises the pending-approval gate when the
// iteration budget is exhausted, per §4.5's extension flow.
func (e *engine) requestIterationExtension(ctx context.Context, used, limit int, limits RunLimits) (extensionOutcome, error) {
	if e.extensionsUsed >= limits.MaxIterationExtensions {
		return extensionExhausted, nil
	}
	if e.cfg.ApprovalHandler == nil {
		return extensionExhausted, nil
	}
	decision, err := e.cfg.ApprovalHandler.ResolveIterationExtension(ctx, IterationApprovalRequest{
		RunID:          e.req.RunID,
		IterationsUsed: used,
		IterationLimit: limit,
		RequestedExtra: limits.IterationExtension,
	})
	if err != nil {
		return extensionExhausted, err
	}
	switch decision {
	case ApprovalAccept, ApprovalAcceptForSession:
		e.extensionsUsed++
		return extensionGranted, nil
	case ApprovalCancel:
		return extensionCancelled, nil
	default:
		return extensionDeclined, nil
	}
}

// emitSeedMessage emits the MessageStart/MessageEnd pair for a message
// already present in the transcript at run start or injected mid-run,
// giving observers a uniform lifecycle for every message regardless of
// origin.
func (e *engine) emitSeedMessage(ctx context.Context, m models.AgentMessage) {
	mm, ok := m.ToLLM()
	if !ok {
		return
	}
	id := nextEngineMessageID()
	e.agentEvents.MessageStart(ctx, id, mm.Role)
	e.agentEvents.MessageEnd(ctx, id, mm)
}

// notifyTurn invokes the context-scoped TurnCallback, if any, alongside the
// async AgentEvent stream — a synchronous hook for callers that want to act
// on turn boundaries without consuming events off a channel.
func (e *engine) notifyTurn(ctx context.Context, event TurnEvent, data map[string]any) {
	if cb := TurnCallbackFromContext(ctx); cb != nil {
		cb(ctx, event, data)
	}
}

func (e *engine) finishCompleted(ctx context.Context) models.RunResult {
	e.runEvents.Lifecycle(ctx, models.LifecycleCompleted, "")
	e.agentEvents.AgentEnd(ctx, nil)
	e.handle.closeInput()
	return models.RunResult{
		RunID:      e.req.RunID,
		Status:     models.RunStatusCompleted,
		Messages:   e.messages,
		FinishedAt: time.Now(),
	}
}

func (e *engine) finishCancelled(ctx context.Context) models.RunResult {
	bg := context.Background()
	if ctx.Err() == context.DeadlineExceeded && e.runtime.WallTimeLimit > 0 {
		e.runEvents.Lifecycle(bg, models.LifecycleCancelled, "wall time limit exceeded")
		e.agentEvents.AgentTimedOut(bg, e.runtime.WallTimeLimit)
	} else {
		e.runEvents.Lifecycle(bg, models.LifecycleCancelled, "context cancelled")
		e.agentEvents.AgentCancelled(bg)
	}
	e.agentEvents.AgentEnd(bg, nil)
	e.handle.closeInput()
	return models.RunResult{
		RunID:      e.req.RunID,
		Status:     models.RunStatusCancelled,
		Messages:   e.messages,
		Error:      ctx.Err(),
		FinishedAt: time.Now(),
	}
}

func (e *engine) finishFatal(ctx context.Context, reason string) models.RunResult {
	bg := context.Background()
	runErr := NewRunError(reason)
	e.runEvents.FatalError(bg, runErr)
	e.runEvents.Lifecycle(bg, models.LifecycleFailed, reason)
	e.agentEvents.AgentError(bg, runErr, false)
	e.agentEvents.AgentEnd(bg, nil)
	e.handle.closeInput()
	return models.RunResult{
		RunID:      e.req.RunID,
		Status:     models.RunStatusFailed,
		Messages:   e.messages,
		Error:      runErr,
		FatalError: reason,
		FinishedAt: time.Now(),
	}
}

// validTransport reports whether the requested transport is the closed set
// the engine understands. An empty transport defaults to "direct".
func validTransport(transport string) bool {
	switch transport {
	case "", "direct", "proxy":
		return true
	default:
		return false
	}
}

// resolveProviderTarget splits a RunRequest's model identifier into a
// provider key and model id. A "provider/model-id" form names the provider
// explicitly; otherwise Metadata["provider"] is consulted, falling back to
// "anthropic" so a bare model id still resolves against the default
// provider.
func resolveProviderTarget(req models.RunRequest) (providerKey, modelID string) {
	model := resolveModelID(req)
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[:idx], model[idx+1:]
	}
	if req.Metadata != nil {
		if p, ok := req.Metadata["provider"]; ok && p != "" {
			return p, model
		}
	}
	return "anthropic", model
}

// resolveModelID returns the request's model id. Context-scoped model
// overrides (WithModel) are a caller-side concern: resolve and set
// req.Model before building the RunRequest, since provider construction
// here only ever sees the request.
func resolveModelID(req models.RunRequest) string {
	return req.Model
}
