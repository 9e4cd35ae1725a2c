package agent

import (
	"sync"
	"time"

	"github.com/charliefox/agentloop/pkg/models"
)

// RunHandle is the caller-facing control surface for an in-flight run: an
// abort switch, an unbounded input channel for mid-run message injection,
// and a one-shot result.
type RunHandle struct {
	RunID string

	abortOnce sync.Once
	abortCh   chan struct{}

	inputMu     sync.Mutex
	inputClosed bool
	inputCh     chan models.AgentMessage

	resultOnce sync.Once
	resultCh   chan models.RunResult
}

// NewRunHandle creates a RunHandle for the given run id.
func NewRunHandle(runID string) *RunHandle {
	return &RunHandle{
		RunID:    runID,
		abortCh:  make(chan struct{}),
		inputCh:  make(chan models.AgentMessage, 256),
		resultCh: make(chan models.RunResult, 1),
	}
}

// Abort requests cancellation of the run. It is safe to call more than
// once; only the first call has an effect. Returns true if this call
// performed the abort (i.e. the run was still listening).
func (h *RunHandle) Abort() bool {
	aborted := false
	h.abortOnce.Do(func() {
		aborted = true
		close(h.abortCh)
	})
	return aborted
}

// aborted returns a channel that is closed once Abort has been called.
func (h *RunHandle) aborted() <-chan struct{} {
	return h.abortCh
}

// QueueMessage enqueues a message for the engine to pick up at its next
// non-blocking drain point. Returns false if the input channel is closed or
// full.
func (h *RunHandle) QueueMessage(m models.AgentMessage) bool {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	if h.inputClosed {
		return false
	}
	select {
	case h.inputCh <- m:
		return true
	default:
		return false
	}
}

// drainInput non-blockingly collects every message currently queued.
func (h *RunHandle) drainInput() []models.AgentMessage {
	var out []models.AgentMessage
	for {
		select {
		case m := <-h.inputCh:
			out = append(out, m)
		default:
			return out
		}
	}
}

// closeInput marks the input channel closed to further QueueMessage calls.
// Safe to call once the run has finished processing.
func (h *RunHandle) closeInput() {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	h.inputClosed = true
}

// deliver publishes the run's terminal result exactly once.
func (h *RunHandle) deliver(result models.RunResult) {
	h.resultOnce.Do(func() {
		h.closeInput()
		h.resultCh <- result
	})
}

// Wait blocks until the run's result is available, or until timeout elapses
// (0 disables the timeout). A zero-value result with Status Canceled is
// returned if the result channel is never delivered to (e.g. a dropped
// sender).
func (h *RunHandle) Wait(timeout time.Duration) models.RunResult {
	if timeout <= 0 {
		result, ok := <-h.resultCh
		if !ok {
			return models.RunResult{RunID: h.RunID, Status: models.RunStatusCancelled}
		}
		return result
	}
	select {
	case result, ok := <-h.resultCh:
		if !ok {
			return models.RunResult{RunID: h.RunID, Status: models.RunStatusCancelled}
		}
		return result
	case <-time.After(timeout):
		return models.RunResult{RunID: h.RunID, Status: models.RunStatusCancelled}
	}
}
