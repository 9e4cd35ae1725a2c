package agent

import (
	"log/slog"
	"time"

	"github.com/charliefox/agentloop/pkg/models"
)

// RuntimeOptions configures tool execution and loop behavior for a run.
type RuntimeOptions struct {
	// MaxIterationsPerTurn limits model-call iterations within a single turn
	// before the engine requires operator approval to continue.
	MaxIterationsPerTurn int

	// MaxToolCallsPerIter caps the number of tool calls dispatched from a
	// single assistant message.
	MaxToolCallsPerIter int

	// WallTimeLimit bounds total run duration; zero means unbounded.
	WallTimeLimit time.Duration

	// IdleTimeout bounds how long the engine waits for the next stream
	// delta before treating the connection as stalled.
	IdleTimeout time.Duration

	// ToolParallelism caps concurrent tool execution within a batch.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// DisableToolEvents disables ToolExecution event emission while processing.
	DisableToolEvents bool

	// ApprovalPolicy is the default approval policy applied to tool calls
	// that RunRequest.ApprovalPolicy doesn't override.
	ApprovalPolicy models.ApprovalPolicy

	// ToolResultGuard redacts tool results before they re-enter the transcript.
	ToolResultGuard ToolResultGuard

	// AutoCompactionReserveTokens enables automatic compaction once used
	// tokens exceed window-reserve; nil disables the check entirely.
	AutoCompactionReserveTokens *int

	// Logger receives engine diagnostics.
	Logger *slog.Logger
}

// DefaultRuntimeOptions returns the baseline runtime options.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxIterationsPerTurn:       50,
		MaxToolCallsPerIter:        MaxToolCallsPerIteration,
		WallTimeLimit:              0,
		IdleTimeout:                120 * time.Second,
		ToolParallelism:            4,
		ToolTimeout:                30 * time.Second,
		ToolMaxAttempts:            1,
		ToolRetryBackoff:           0,
		DisableToolEvents:          false,
		ApprovalPolicy:             models.ApprovalAsk,
		Logger:                     slog.Default(),
	}
}

func mergeRuntimeOptions(base RuntimeOptions, override RuntimeOptions) RuntimeOptions {
	merged := base
	if override.MaxIterationsPerTurn > 0 {
		merged.MaxIterationsPerTurn = override.MaxIterationsPerTurn
	}
	if override.MaxToolCallsPerIter > 0 {
		merged.MaxToolCallsPerIter = override.MaxToolCallsPerIter
	}
	if override.WallTimeLimit > 0 {
		merged.WallTimeLimit = override.WallTimeLimit
	}
	if override.IdleTimeout > 0 {
		merged.IdleTimeout = override.IdleTimeout
	}
	if override.ToolParallelism > 0 {
		merged.ToolParallelism = override.ToolParallelism
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.DisableToolEvents {
		merged.DisableToolEvents = true
	}
	if override.ApprovalPolicy != "" {
		merged.ApprovalPolicy = override.ApprovalPolicy
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.AutoCompactionReserveTokens != nil {
		merged.AutoCompactionReserveTokens = override.AutoCompactionReserveTokens
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}
