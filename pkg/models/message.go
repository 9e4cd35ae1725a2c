// Package models provides the structural data model for the agent loop
// runtime: roles, content parts, messages, and the run-level request/result
// types that flow between the engine and its observers.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a ModelMessage. Closed set.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartKind discriminates the variant carried by a ContentPart.
type ContentPartKind string

const (
	ContentKindText             ContentPartKind = "text"
	ContentKindImage            ContentPartKind = "image"
	ContentKindToolCall         ContentPartKind = "tool_call"
	ContentKindToolResult       ContentPartKind = "tool_result"
	ContentKindThinking         ContentPartKind = "thinking"
	ContentKindRedactedThinking ContentPartKind = "redacted_thinking"
)

// ToolCall is a request, emitted by the assistant, to invoke a named tool
// with JSON arguments. ID is unique within a run. Recipient is carried
// through opaquely; no component in this package branches on it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Recipient *string         `json:"recipient,omitempty"`
}

// ToolResultData is the payload of a ToolResult content part.
type ToolResultData struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ImageData is a base64-encoded image payload.
type ImageData struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// ThinkingData carries a model's visible reasoning trace and its signature.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature"`
}

// RedactedThinkingData carries an opaque, provider-redacted reasoning blob.
type RedactedThinkingData struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// ContentPart is a tagged variant: exactly one of the typed fields matching
// Kind is populated. Use the *Part constructors rather than building one by
// hand.
type ContentPart struct {
	Kind ContentPartKind `json:"kind"`

	Text             string                `json:"text,omitempty"`
	Image            *ImageData            `json:"image,omitempty"`
	ToolCall         *ToolCall             `json:"tool_call,omitempty"`
	ToolResult       *ToolResultData       `json:"tool_result,omitempty"`
	Thinking         *ThinkingData         `json:"thinking,omitempty"`
	RedactedThinking *RedactedThinkingData `json:"redacted_thinking,omitempty"`
}

// TextPart builds a Text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentKindText, Text: text}
}

// ImagePart builds an Image content part.
func ImagePart(data, mimeType string) ContentPart {
	return ContentPart{Kind: ContentKindImage, Image: &ImageData{Data: data, MimeType: mimeType}}
}

// ToolCallPart builds a ToolCall content part.
func ToolCallPart(id, name string, args json.RawMessage, recipient *string) ContentPart {
	return ContentPart{Kind: ContentKindToolCall, ToolCall: &ToolCall{
		ID: id, Name: name, Arguments: args, Recipient: recipient,
	}}
}

// ToolResultPart builds a ToolResult content part.
func ToolResultPart(toolCallID string, result json.RawMessage, isError bool) ContentPart {
	return ContentPart{Kind: ContentKindToolResult, ToolResult: &ToolResultData{
		ToolCallID: toolCallID, Result: result, IsError: isError,
	}}
}

// ThinkingPart builds a Thinking content part.
func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentKindThinking, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// RedactedThinkingPart builds a RedactedThinking content part.
func RedactedThinkingPart(data, signature string) ContentPart {
	return ContentPart{Kind: ContentKindRedactedThinking, RedactedThinking: &RedactedThinkingData{
		Data: data, Signature: signature,
	}}
}

// ModelMessage is a single turn in the provider-facing transcript.
//
// Invariants (checked by Validate, not enforced by the type system):
//   - a Tool message contains exactly one ToolResult content part
//   - ToolCall parts appear only in Assistant messages
//   - Thinking/RedactedThinking parts appear only in Assistant messages
type ModelMessage struct {
	Role      Role          `json:"role"`
	Content   []ContentPart `json:"content"`
	Name      string        `json:"name,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

// Validate checks the structural invariants of a ModelMessage.
func (m ModelMessage) Validate() error {
	switch m.Role {
	case RoleTool:
		results := 0
		for _, p := range m.Content {
			if p.Kind != ContentKindToolResult {
				return fmt.Errorf("tool message contains non-tool-result content part %q", p.Kind)
			}
			results++
		}
		if results != 1 {
			return fmt.Errorf("tool message must contain exactly one tool result, got %d", results)
		}
	default:
		for _, p := range m.Content {
			switch p.Kind {
			case ContentKindToolCall:
				if m.Role != RoleAssistant {
					return fmt.Errorf("tool_call content part in non-assistant message (role=%s)", m.Role)
				}
			case ContentKindThinking, ContentKindRedactedThinking:
				if m.Role != RoleAssistant {
					return fmt.Errorf("thinking content part in non-assistant message (role=%s)", m.Role)
				}
			case ContentKindToolResult:
				return fmt.Errorf("tool_result content part in non-tool message (role=%s)", m.Role)
			}
		}
	}
	return nil
}

// ToolCalls returns the ordered tool calls carried by this message.
func (m ModelMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Content {
		if p.Kind == ContentKindToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by this message.
func (m ModelMessage) ToolResults() []ToolResultData {
	var results []ToolResultData
	for _, p := range m.Content {
		if p.Kind == ContentKindToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// Text concatenates the Text content parts of the message in order.
func (m ModelMessage) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == ContentKindText {
			out += p.Text
		}
	}
	return out
}

// AgentMessageKind discriminates the variant carried by an AgentMessage.
type AgentMessageKind string

const (
	AgentMessageLLM               AgentMessageKind = "llm"
	AgentMessageCompactionSummary AgentMessageKind = "compaction_summary"
	AgentMessageBranchSummary     AgentMessageKind = "branch_summary"
	AgentMessageCustom            AgentMessageKind = "custom"
)

// SummaryPayload is the payload of a CompactionSummary or BranchSummary
// AgentMessage variant.
type SummaryPayload struct {
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"ts"`
}

// CustomPayload is the payload of an opaque Custom AgentMessage variant.
// Custom messages never convert to a ModelMessage; they are filtered before
// any provider call.
type CustomPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
	Ts   time.Time       `json:"ts"`
}

const (
	compactionSummaryOpenTag  = "<compaction_summary>\n"
	compactionSummaryCloseTag = "\n</compaction_summary>"
	branchSummaryOpenTag      = "<branch_summary>\n"
	branchSummaryCloseTag     = "\n</branch_summary>"
)

// AgentMessage is the agent-facing wrapper around a ModelMessage (or a
// runtime-generated summary/custom record) kept in the agent-level
// transcript.
type AgentMessage struct {
	Kind    AgentMessageKind
	LLM     *ModelMessage
	Summary *SummaryPayload
	Custom  *CustomPayload
}

// ToLLM converts an AgentMessage into its ModelMessage representation for a
// provider call. Custom messages return (ModelMessage{}, false) and must be
// filtered out of the transcript before any provider call.
func (a AgentMessage) ToLLM() (ModelMessage, bool) {
	switch a.Kind {
	case AgentMessageLLM:
		if a.LLM == nil {
			return ModelMessage{}, false
		}
		return *a.LLM, true
	case AgentMessageCompactionSummary:
		if a.Summary == nil {
			return ModelMessage{}, false
		}
		text := compactionSummaryOpenTag + a.Summary.Summary + compactionSummaryCloseTag
		ts := a.Summary.Timestamp
		return ModelMessage{Role: RoleUser, Content: []ContentPart{TextPart(text)}, Timestamp: &ts}, true
	case AgentMessageBranchSummary:
		if a.Summary == nil {
			return ModelMessage{}, false
		}
		text := branchSummaryOpenTag + a.Summary.Summary + branchSummaryCloseTag
		ts := a.Summary.Timestamp
		return ModelMessage{Role: RoleUser, Content: []ContentPart{TextPart(text)}, Timestamp: &ts}, true
	default:
		return ModelMessage{}, false
	}
}

// NewLLMAgentMessage wraps a ModelMessage as an AgentMessage.
func NewLLMAgentMessage(m ModelMessage) AgentMessage {
	return AgentMessage{Kind: AgentMessageLLM, LLM: &m}
}

// NewCompactionSummaryMessage builds a CompactionSummary AgentMessage.
func NewCompactionSummaryMessage(summary string, ts time.Time) AgentMessage {
	return AgentMessage{Kind: AgentMessageCompactionSummary, Summary: &SummaryPayload{Summary: summary, Timestamp: ts}}
}

// NewBranchSummaryMessage builds a BranchSummary AgentMessage.
func NewBranchSummaryMessage(summary string, ts time.Time) AgentMessage {
	return AgentMessage{Kind: AgentMessageBranchSummary, Summary: &SummaryPayload{Summary: summary, Timestamp: ts}}
}

// NewCustomMessage builds an opaque Custom AgentMessage.
func NewCustomMessage(kind string, data json.RawMessage, ts time.Time) AgentMessage {
	return AgentMessage{Kind: AgentMessageCustom, Custom: &CustomPayload{Kind: kind, Data: data, Ts: ts}}
}

// Attachment represents a file or media attachment surfaced by a tool
// artifact, converted for transport alongside a ModelMessage.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}
