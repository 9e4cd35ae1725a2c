package agent

import (
	"context"

	"github.com/charliefox/agentloop/pkg/models"
)

// ApprovalDecision is the operator's answer to a pending approval gate.
type ApprovalDecision string

const (
	ApprovalAccept           ApprovalDecision = "accept"
	ApprovalAcceptForSession ApprovalDecision = "accept_for_session"
	ApprovalDecline          ApprovalDecision = "decline"
	ApprovalCancel           ApprovalDecision = "cancel"
)

// ApprovalRequest describes a single tool call awaiting a decision.
type ApprovalRequest struct {
	RunID string
	Call  models.ToolCall
	Kind  models.ToolKind
}

// IterationApprovalRequest is raised when the outer loop has exhausted its
// iteration budget and needs permission to keep going.
type IterationApprovalRequest struct {
	RunID            string
	IterationsUsed   int
	IterationLimit   int
	RequestedExtra   int
}

// ApprovalHandler resolves approval gates. A nil handler is treated as an
// always-decline handler for ApprovalAsk/ApprovalNever policies, which is a
// safe default for unattended runs.
type ApprovalHandler interface {
	ResolveToolApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
	// ResolveIterationExtension decides whether to extend the iteration
	// budget. Accept/AcceptForSession extend it, Cancel aborts the run, and
	// any other decision (typically Decline) fails the run with a
	// continuation-declined reason distinct from budget exhaustion.
	ResolveIterationExtension(ctx context.Context, req IterationApprovalRequest) (ApprovalDecision, error)
}

// parallelSafeReadOnlyTools is the closed set of well-known read-only tool
// names that may run concurrently with one another inside a single batch,
// regardless of the approval policy in force. Any tool not in this set is
// treated as serialized and, under ApprovalAsk, gated.
var parallelSafeReadOnlyTools = map[string]bool{
	"read": true, "view": true, "cat": true, "ls": true, "grep": true,
	"find": true, "glob": true, "list_dir": true, "stat": true,
	"search_files": true, "list_files": true,
	"list_code_definition_names": true, "codebase_search": true,
	"read_file": true, "open_file": true,
}

// classifyToolKindByName is a fallback classifier used when a tool does not
// implement Kind() itself (e.g. third-party tools registered by name only).
func classifyToolKindByName(name string) models.ToolKind {
	switch name {
	case "exec", "process", "shell", "bash", "run_command":
		return models.ToolKindCommandExecution
	case "apply_patch", "apply-patch", "write", "edit", "write_file", "edit_file",
		"replace_in_file", "create_file", "delete_file", "patch":
		return models.ToolKindFileChange
	default:
		return models.ToolKindOther
	}
}

// ToolKindFor resolves the approval-classification kind for a tool. When the
// tool is not registered (unknown to the dispatcher), it falls back to
// name-based classification against the well-known set.
func ToolKindFor(tool Tool, name string) models.ToolKind {
	if tool != nil {
		return tool.Kind()
	}
	return classifyToolKindByName(name)
}

// isParallelSafe reports whether a tool call may be batched concurrently
// with other calls in the same iteration. An unregistered tool falls back
// to the well-known read-only name set.
func isParallelSafe(tool Tool, name string) bool {
	if tool != nil {
		return tool.ParallelSafe()
	}
	return parallelSafeReadOnlyTools[name]
}

// resolveApproval decides whether a tool call may execute without asking,
// consulting the run's approval policy, the tool's kind, and the
// ApprovalHandler. Under Ask, a kind of Other is auto-approved; every other
// kind is gated against the handler. Under Never, every call is declined
// unconditionally without ever consulting the handler. A missing handler
// under Ask resolves to Decline. Session-scoped accepts are tracked by the
// caller via sessionAccepted so that repeated calls against the same tool
// kind are no longer gated once approved once.
func resolveApproval(
	ctx context.Context,
	policy models.ApprovalPolicy,
	kind models.ToolKind,
	sessionAccepted map[models.ToolKind]bool,
	handler ApprovalHandler,
	req ApprovalRequest,
) (ApprovalDecision, error) {
	switch policy {
	case models.ApprovalAlways:
		return ApprovalAccept, nil
	case models.ApprovalNever:
		return ApprovalDecline, nil
	case models.ApprovalAsk:
		if kind == models.ToolKindOther {
			return ApprovalAccept, nil
		}
		if sessionAccepted != nil && sessionAccepted[kind] {
			return ApprovalAccept, nil
		}
		if handler == nil {
			return ApprovalDecline, nil
		}
		decision, err := handler.ResolveToolApproval(ctx, req)
		if err != nil {
			return ApprovalDecline, err
		}
		if decision == ApprovalAcceptForSession && sessionAccepted != nil {
			sessionAccepted[kind] = true
		}
		return decision, nil
	default:
		return ApprovalDecline, nil
	}
}
