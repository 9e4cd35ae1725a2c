package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestModelMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     ModelMessage
		wantErr bool
	}{
		{
			name: "plain assistant text",
			msg:  ModelMessage{Role: RoleAssistant, Content: []ContentPart{TextPart("hi")}},
		},
		{
			name: "assistant tool call",
			msg:  ModelMessage{Role: RoleAssistant, Content: []ContentPart{ToolCallPart("tc-1", "read", json.RawMessage(`{}`), nil)}},
		},
		{
			name:    "tool call outside assistant message",
			msg:     ModelMessage{Role: RoleUser, Content: []ContentPart{ToolCallPart("tc-1", "read", json.RawMessage(`{}`), nil)}},
			wantErr: true,
		},
		{
			name: "tool message with exactly one result",
			msg:  ModelMessage{Role: RoleTool, Content: []ContentPart{ToolResultPart("tc-1", json.RawMessage(`"ok"`), false)}},
		},
		{
			name:    "tool message with no result",
			msg:     ModelMessage{Role: RoleTool},
			wantErr: true,
		},
		{
			name:    "tool message with two results",
			msg:     ModelMessage{Role: RoleTool, Content: []ContentPart{ToolResultPart("tc-1", nil, false), ToolResultPart("tc-2", nil, false)}},
			wantErr: true,
		},
		{
			name:    "tool result outside tool message",
			msg:     ModelMessage{Role: RoleAssistant, Content: []ContentPart{ToolResultPart("tc-1", nil, false)}},
			wantErr: true,
		},
		{
			name:    "thinking outside assistant message",
			msg:     ModelMessage{Role: RoleUser, Content: []ContentPart{ThinkingPart("reasoning", "sig")}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestModelMessage_ToolCallsAndResults(t *testing.T) {
	msg := ModelMessage{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("let me check"),
			ToolCallPart("tc-1", "read", json.RawMessage(`{"path":"a.go"}`), nil),
			ToolCallPart("tc-2", "ls", json.RawMessage(`{}`), nil),
		},
	}

	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("ToolCalls() length = %d, want 2", len(calls))
	}
	if calls[0].Name != "read" || calls[1].Name != "ls" {
		t.Errorf("unexpected call order/names: %+v", calls)
	}
	if msg.Text() != "let me check" {
		t.Errorf("Text() = %q, want %q", msg.Text(), "let me check")
	}

	result := ModelMessage{Role: RoleTool, Content: []ContentPart{ToolResultPart("tc-1", json.RawMessage(`"done"`), false)}}
	results := result.ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "tc-1" {
		t.Fatalf("ToolResults() = %+v", results)
	}
}

func TestAgentMessage_ToLLM(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	t.Run("llm variant passes through", func(t *testing.T) {
		inner := ModelMessage{Role: RoleUser, Content: []ContentPart{TextPart("hi")}}
		am := NewLLMAgentMessage(inner)
		got, ok := am.ToLLM()
		if !ok {
			t.Fatal("ToLLM() ok = false, want true")
		}
		if got.Text() != "hi" {
			t.Errorf("Text() = %q, want %q", got.Text(), "hi")
		}
	})

	t.Run("compaction summary wraps in tags", func(t *testing.T) {
		am := NewCompactionSummaryMessage("did stuff", now)
		got, ok := am.ToLLM()
		if !ok {
			t.Fatal("ToLLM() ok = false, want true")
		}
		want := "<compaction_summary>\ndid stuff\n</compaction_summary>"
		if got.Text() != want {
			t.Errorf("Text() = %q, want %q", got.Text(), want)
		}
		if got.Role != RoleUser {
			t.Errorf("Role = %v, want %v", got.Role, RoleUser)
		}
	})

	t.Run("branch summary wraps in tags", func(t *testing.T) {
		am := NewBranchSummaryMessage("branched here", now)
		got, ok := am.ToLLM()
		if !ok {
			t.Fatal("ToLLM() ok = false, want true")
		}
		want := "<branch_summary>\nbranched here\n</branch_summary>"
		if got.Text() != want {
			t.Errorf("Text() = %q, want %q", got.Text(), want)
		}
	})

	t.Run("custom variant never converts", func(t *testing.T) {
		am := NewCustomMessage("note", json.RawMessage(`{}`), now)
		_, ok := am.ToLLM()
		if ok {
			t.Error("ToLLM() ok = true, want false for custom message")
		}
	})
}

func TestToolCall_JSONRoundTrip(t *testing.T) {
	recipient := "sub-agent-1"
	original := ToolCall{ID: "tc-1", Name: "web_search", Arguments: json.RawMessage(`{"query":"test"}`), Recipient: &recipient}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded ToolCall
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.ID != original.ID || decoded.Name != original.Name {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
	if decoded.Recipient == nil || *decoded.Recipient != recipient {
		t.Errorf("Recipient = %v, want %q", decoded.Recipient, recipient)
	}
}

func TestAttachment_Struct(t *testing.T) {
	att := Attachment{
		ID:       "att-123",
		Type:     "image",
		URL:      "http://example.com/image.png",
		Filename: "image.png",
		MimeType: "image/png",
		Size:     1024,
	}

	if att.ID != "att-123" {
		t.Errorf("ID = %q, want %q", att.ID, "att-123")
	}
	if att.Size != 1024 {
		t.Errorf("Size = %d, want 1024", att.Size)
	}
}
