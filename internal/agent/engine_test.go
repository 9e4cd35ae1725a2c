package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charliefox/agentloop/pkg/models"
)

// fakeProvider drives Complete from a queue of canned turns, one per call.
// Turns exhausted beyond the queue repeat the last one.
type fakeProvider struct {
	turns []fakeTurn
	calls int32
	caps  *Capabilities
}

type fakeTurn struct {
	text      string
	toolCalls []models.ToolCall
	err       error
	blockCtx  bool // if true, Complete blocks until ctx is done instead of returning
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := int(atomic.AddInt32(&p.calls, 1)) - 1
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]

	if turn.blockCtx {
		// Never send or close: the only way decodeStream can return is via
		// its own ctx.Done() case, so the test's expected cancellation path
		// is deterministic instead of racing a select against chunk closure.
		ch := make(chan *CompletionChunk)
		go func() {
			<-ctx.Done()
		}()
		return ch, nil
	}

	ch := make(chan *CompletionChunk, 4)
	go func() {
		defer close(ch)
		if turn.err != nil {
			ch <- &CompletionChunk{Error: turn.err}
			return
		}
		if turn.text != "" {
			ch <- &CompletionChunk{Text: turn.text}
		}
		for i, c := range turn.toolCalls {
			ch <- &CompletionChunk{ToolCallDelta: &ToolCallDelta{Index: i, ID: c.ID, Name: c.Name, ArgsDelta: string(c.Arguments)}}
		}
		ch <- &CompletionChunk{Done: true}
	}()
	return ch, nil
}

func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Models() []Model       { return nil }
func (p *fakeProvider) SupportsTools() bool   { return true }
func (p *fakeProvider) Capabilities(ctx context.Context) (Capabilities, error) {
	if p.caps != nil {
		return *p.caps, nil
	}
	return DefaultCapabilities(), nil
}

// fakeRegistry always returns the same provider, or fails if err is set.
type fakeRegistry struct {
	provider LLMProvider
	err      error
}

func (r *fakeRegistry) Create(providerKey, modelID string) (LLMProvider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.provider, nil
}

// fakeTool echoes its arguments back as the result. If gate is non-nil,
// Execute blocks until it is closed, letting a test order events around a
// tool call deterministically.
type fakeTool struct {
	name     string
	executed int32
	gate     chan struct{}
}

func (t *fakeTool) Name() string             { return t.name }
func (t *fakeTool) Description() string      { return "a fake tool" }
func (t *fakeTool) Kind() models.ToolKind     { return models.ToolKindOther }
func (t *fakeTool) ParallelSafe() bool        { return true }
func (t *fakeTool) Schema() json.RawMessage   { return json.RawMessage(`{"type":"object"}`) }
func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.gate != nil {
		<-t.gate
	}
	atomic.AddInt32(&t.executed, 1)
	return &ToolResult{Content: string(params)}, nil
}

type fakeToolLookup struct {
	tools map[string]Tool
}

func newFakeToolLookup(tools ...Tool) *fakeToolLookup {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[t.Name()] = t
	}
	return &fakeToolLookup{tools: m}
}

func (l *fakeToolLookup) Get(name string) (Tool, bool) {
	t, ok := l.tools[name]
	return t, ok
}

func (l *fakeToolLookup) AsLLMTools() []Tool {
	out := make([]Tool, 0, len(l.tools))
	for _, t := range l.tools {
		out = append(out, t)
	}
	return out
}

// noApprovalHandler always declines iteration extensions and accepts tool
// calls outright.
type noApprovalHandler struct{}

func (noApprovalHandler) ResolveToolApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalAccept, nil
}
func (noApprovalHandler) ResolveIterationExtension(ctx context.Context, req IterationApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecline, nil
}

func baseRequest(runID string) models.RunRequest {
	return models.RunRequest{
		RunID: runID,
		Input: []models.AgentMessage{
			models.NewLLMAgentMessage(models.ModelMessage{
				Role:    models.RoleUser,
				Content: []models.ContentPart{models.TextPart("hello")},
			}),
		},
		Model: "fake/model-1",
	}
}

func TestRun_CompletesWithNoToolCalls(t *testing.T) {
	provider := &fakeProvider{turns: []fakeTurn{{text: "hi there"}}}
	cfg := EngineConfig{
		Tools:           newFakeToolLookup(),
		Providers:       &fakeRegistry{provider: provider},
		ApprovalHandler: noApprovalHandler{},
	}

	handle := Run(context.Background(), cfg, baseRequest("run-1"))
	result := handle.Wait(5 * time.Second)

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want Completed (err=%v fatal=%q)", result.Status, result.Error, result.FatalError)
	}
	if provider.calls != 1 {
		t.Errorf("expected exactly one provider call, got %d", provider.calls)
	}
}

func TestRun_ToolCallRoundTrip(t *testing.T) {
	tool := &fakeTool{name: "echo"}
	provider := &fakeProvider{turns: []fakeTurn{
		{toolCalls: []models.ToolCall{{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)}}},
		{text: "done"},
	}}
	cfg := EngineConfig{
		Tools:           newFakeToolLookup(tool),
		Providers:       &fakeRegistry{provider: provider},
		ApprovalHandler: noApprovalHandler{},
	}

	handle := Run(context.Background(), cfg, baseRequest("run-2"))
	result := handle.Wait(5 * time.Second)

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want Completed (err=%v fatal=%q)", result.Status, result.Error, result.FatalError)
	}
	if atomic.LoadInt32(&tool.executed) != 1 {
		t.Errorf("tool executed %d times, want 1", tool.executed)
	}
	if provider.calls != 2 {
		t.Errorf("expected two provider calls (tool round trip), got %d", provider.calls)
	}
}

func TestRun_ProviderConstructionFailure(t *testing.T) {
	cfg := EngineConfig{
		Tools:     newFakeToolLookup(),
		Providers: &fakeRegistry{err: errors.New("no such provider")},
	}

	handle := Run(context.Background(), cfg, baseRequest("run-3"))
	result := handle.Wait(5 * time.Second)

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want Failed", result.Status)
	}
	if result.FatalError == "" {
		t.Error("expected a non-empty FatalError reason")
	}
}

func TestRun_MissingProviderRegistryIsFatal(t *testing.T) {
	cfg := EngineConfig{Tools: newFakeToolLookup()}

	handle := Run(context.Background(), cfg, baseRequest("run-4"))
	result := handle.Wait(5 * time.Second)

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want Failed", result.Status)
	}
}

func TestRun_MaxIterationsExhaustedWithoutExtension(t *testing.T) {
	tool := &fakeTool{name: "echo"}
	// Every turn requests another tool call, so the run never naturally
	// completes and must hit the iteration budget.
	turn := fakeTurn{toolCalls: []models.ToolCall{{ID: "call-x", Name: "echo", Arguments: json.RawMessage(`{}`)}}}
	provider := &fakeProvider{turns: []fakeTurn{turn, turn, turn, turn, turn}}

	cfg := EngineConfig{
		Tools:           newFakeToolLookup(tool),
		Providers:       &fakeRegistry{provider: provider},
		ApprovalHandler: noApprovalHandler{}, // always declines extension
		Runtime: RuntimeOptions{
			MaxIterationsPerTurn: 2,
		},
	}

	handle := Run(context.Background(), cfg, baseRequest("run-5"))
	result := handle.Wait(5 * time.Second)

	if result.Status != models.RunStatusFailed {
		t.Fatalf("Status = %v, want Failed (hit iteration budget)", result.Status)
	}
}

func TestRun_AbortCancelsRun(t *testing.T) {
	provider := &fakeProvider{turns: []fakeTurn{{blockCtx: true}}}
	cfg := EngineConfig{
		Tools:           newFakeToolLookup(),
		Providers:       &fakeRegistry{provider: provider},
		ApprovalHandler: noApprovalHandler{},
	}

	handle := Run(context.Background(), cfg, baseRequest("run-6"))
	time.Sleep(20 * time.Millisecond)
	handle.Abort()

	result := handle.Wait(5 * time.Second)
	if result.Status != models.RunStatusCancelled {
		t.Fatalf("Status = %v, want Cancelled", result.Status)
	}
	if !errors.Is(result.Error, context.Canceled) {
		t.Errorf("Error = %v, want context.Canceled", result.Error)
	}
}

func TestRun_WallTimeLimitTimesOut(t *testing.T) {
	provider := &fakeProvider{turns: []fakeTurn{{blockCtx: true}}}
	cfg := EngineConfig{
		Tools:           newFakeToolLookup(),
		Providers:       &fakeRegistry{provider: provider},
		ApprovalHandler: noApprovalHandler{},
		Runtime: RuntimeOptions{
			WallTimeLimit: 20 * time.Millisecond,
		},
	}

	handle := Run(context.Background(), cfg, baseRequest("run-7"))
	result := handle.Wait(5 * time.Second)

	if result.Status != models.RunStatusCancelled {
		t.Fatalf("Status = %v, want Cancelled", result.Status)
	}
	if !errors.Is(result.Error, context.DeadlineExceeded) {
		t.Errorf("Error = %v, want context.DeadlineExceeded", result.Error)
	}
}

func TestRun_QueuedMessageIsPickedUpBeforeNextTurn(t *testing.T) {
	// tool gates its own completion so the test can queue a message and be
	// certain it lands before the second turn's input drain: QueueMessage
	// happens-before close(gate), which happens-before the tool result is
	// produced, which happens-before the dispatcher returns and the engine
	// starts its next turn (and drains input again).
	gate := make(chan struct{})
	tool := &fakeTool{name: "echo", gate: gate}
	provider := &fakeProvider{turns: []fakeTurn{
		{toolCalls: []models.ToolCall{{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{}`)}}},
		{text: "ack"},
	}}
	cfg := EngineConfig{
		Tools:           newFakeToolLookup(tool),
		Providers:       &fakeRegistry{provider: provider},
		ApprovalHandler: noApprovalHandler{},
	}

	req := baseRequest("run-8")
	handle := Run(context.Background(), cfg, req)
	handle.QueueMessage(models.NewLLMAgentMessage(models.ModelMessage{
		Role:    models.RoleUser,
		Content: []models.ContentPart{models.TextPart("extra context")},
	}))
	close(gate)

	result := handle.Wait(5 * time.Second)
	if result.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}

	found := false
	for _, m := range result.Messages {
		mm, ok := m.ToLLM()
		if ok && mm.Text() == "extra context" {
			found = true
		}
	}
	if !found {
		t.Error("queued message never made it into the final transcript")
	}
}
