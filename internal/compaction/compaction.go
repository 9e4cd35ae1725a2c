// Package compaction implements token estimation and transcript compaction
// for the agent loop runtime: deciding when a transcript no longer fits a
// model's context window, choosing a safe cut point that never splits a
// tool-call/tool-result pair, and serializing the discarded prefix into a
// structured summary that replaces it.
package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charliefox/agentloop/pkg/models"
)

// CharsPerToken is the character-to-token estimation ratio, matching the
// heuristic used throughout this codebase's context-management tooling.
const CharsPerToken = 4

// baseMessageTokens is the fixed per-message overhead charged by every
// ModelMessage regardless of its content.
const baseMessageTokens = 4

// toolOverheadTokens is the fixed overhead charged by a ToolCall or
// ToolResult content part, on top of its serialized payload.
const toolOverheadTokens = 8

// imageOverheadTokens is the fixed overhead charged by an Image content part.
const imageOverheadTokens = 8

// TokensForText estimates the token count of a raw string.
func TokensForText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// TokensForPart estimates the token cost of a single content part.
func TokensForPart(p models.ContentPart) int {
	switch p.Kind {
	case models.ContentKindText:
		return TokensForText(p.Text)
	case models.ContentKindImage:
		if p.Image == nil {
			return imageOverheadTokens
		}
		return imageOverheadTokens + TokensForText(p.Image.Data)
	case models.ContentKindToolCall:
		if p.ToolCall == nil {
			return toolOverheadTokens
		}
		return toolOverheadTokens + TokensForText(string(p.ToolCall.Arguments))
	case models.ContentKindToolResult:
		if p.ToolResult == nil {
			return toolOverheadTokens
		}
		return toolOverheadTokens + TokensForText(string(p.ToolResult.Result))
	case models.ContentKindThinking:
		if p.Thinking == nil {
			return 0
		}
		return TokensForText(p.Thinking.Signature) + TokensForText(p.Thinking.Text)
	case models.ContentKindRedactedThinking:
		if p.RedactedThinking == nil {
			return 0
		}
		return TokensForText(p.RedactedThinking.Signature) + TokensForText(p.RedactedThinking.Data)
	default:
		return 0
	}
}

// TokensForMessage estimates the token cost of an entire message:
// tokens(message) = 4 + sum(tokens(part) for part in message.content).
func TokensForMessage(m models.ModelMessage) int {
	total := baseMessageTokens
	for _, p := range m.Content {
		total += TokensForPart(p)
	}
	return total
}

// TokensForMessages sums TokensForMessage across a transcript.
func TokensForMessages(messages []models.ModelMessage) int {
	total := 0
	for _, m := range messages {
		total += TokensForMessage(m)
	}
	return total
}

// FindCut walks forward from a candidate cut index until it no longer lands
// inside a contiguous run of Tool messages, guaranteeing a cut never
// separates a tool call from (some of) its results.
func FindCut(messages []models.ModelMessage, candidate int) int {
	cut := candidate
	if cut < 0 {
		cut = 0
	}
	for cut < len(messages) && messages[cut].Role == models.RoleTool {
		cut++
	}
	return cut
}

// PrepareCompaction splits a transcript into a prefix to summarize and a
// suffix to keep verbatim, given a token budget for the kept suffix. It
// prefers cutting on a turn boundary (the start of a User message) over an
// arbitrary mid-turn cut, falling back to the token-driven cut if no
// earlier turn boundary exists without exceeding the budget.
func PrepareCompaction(messages []models.ModelMessage, keepBudgetTokens int) (toSummarize, toKeep []models.ModelMessage, cutIndex int) {
	if keepBudgetTokens <= 0 || len(messages) == 0 {
		return nil, messages, 0
	}

	kept := 0
	idx := len(messages)
	for idx > 0 {
		cost := TokensForMessage(messages[idx-1])
		if kept+cost > keepBudgetTokens {
			break
		}
		kept += cost
		idx--
	}
	idx = FindCut(messages, idx)

	// Prefer the start of the turn (the nearest preceding User message) so a
	// summary never leaves a dangling assistant/tool fragment at its seam.
	turnStart := idx
	for turnStart > 0 && messages[turnStart].Role != models.RoleUser {
		turnStart--
	}
	if turnStart > 0 {
		if candidate := FindCut(messages, turnStart); candidate > 0 {
			idx = candidate
		}
	}

	if idx <= 0 {
		return nil, messages, 0
	}
	if idx >= len(messages) {
		return messages, nil, len(messages)
	}
	return messages[:idx], messages[idx:], idx
}

// fileOpReadTools are tool names whose sole file-system effect is reading.
var fileOpReadTools = map[string]bool{
	"read_file": true, "view": true, "open_file": true, "cat": true,
	"read": true,
}

// fileOpWriteTools are tool names whose effect modifies a file on disk.
var fileOpWriteTools = map[string]bool{
	"write_file": true, "edit_file": true, "replace_in_file": true, "create_file": true, "delete_file": true,
	"write": true, "edit": true,
}

// pathArgKeys are the JSON argument keys checked, in order, for a file path
// when extracting file operations from a tool call.
var pathArgKeys = []string{"path", "file_path", "filepath", "file", "target_file", "from", "to"}

// FileOps is the cumulative set of files read and modified across a
// transcript, used to populate a compaction summary's file-list sections.
type FileOps struct {
	ReadFiles     []string
	ModifiedFiles []string
}

func (f *FileOps) addRead(path string) {
	if path == "" || containsString(f.ReadFiles, path) {
		return
	}
	f.ReadFiles = append(f.ReadFiles, path)
}

func (f *FileOps) addModified(path string) {
	if path == "" || containsString(f.ModifiedFiles, path) {
		return
	}
	f.ModifiedFiles = append(f.ModifiedFiles, path)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func extractPathArg(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return ""
	}
	for _, key := range pathArgKeys {
		if v, ok := decoded[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

const (
	patchUpdatePrefix = "*** Update File: "
	patchAddPrefix    = "*** Add File: "
	patchDeletePrefix = "*** Delete File: "
	patchMovePrefix   = "*** Move to: "
)

// extractApplyPatchOps parses an apply_patch tool call's patch text for
// file-affecting directives.
func extractApplyPatchOps(args json.RawMessage, ops *FileOps) {
	var decoded struct {
		Patch string `json:"patch"`
		Input string `json:"input"`
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return
	}
	patch := decoded.Patch
	if patch == "" {
		patch = decoded.Input
	}
	var lastUpdated string
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, patchUpdatePrefix):
			lastUpdated = strings.TrimPrefix(line, patchUpdatePrefix)
			ops.addModified(lastUpdated)
		case strings.HasPrefix(line, patchAddPrefix):
			ops.addModified(strings.TrimPrefix(line, patchAddPrefix))
		case strings.HasPrefix(line, patchDeletePrefix):
			ops.addModified(strings.TrimPrefix(line, patchDeletePrefix))
		case strings.HasPrefix(line, patchMovePrefix):
			ops.addModified(strings.TrimPrefix(line, patchMovePrefix))
		}
	}
}

// ExtractFileOps walks a transcript's tool calls and accumulates the files
// read and modified, seeded by any file lists already recorded in prior
// compaction/branch summaries so repeated compactions don't lose history.
func ExtractFileOps(messages []models.AgentMessage) FileOps {
	ops := FileOps{}

	for _, am := range messages {
		if am.Kind == models.AgentMessageCompactionSummary || am.Kind == models.AgentMessageBranchSummary {
			if am.Summary != nil {
				read, modified := ParseFileListsFromSummary(am.Summary.Summary)
				for _, r := range read {
					ops.addRead(r)
				}
				for _, m := range modified {
					ops.addModified(m)
				}
			}
			continue
		}
		if am.Kind != models.AgentMessageLLM || am.LLM == nil {
			continue
		}
		for _, call := range am.LLM.ToolCalls() {
			switch {
			case call.Name == "apply_patch" || call.Name == "apply-patch":
				extractApplyPatchOps(call.Arguments, &ops)
			case fileOpReadTools[call.Name]:
				ops.addRead(extractPathArg(call.Arguments))
			case fileOpWriteTools[call.Name]:
				ops.addModified(extractPathArg(call.Arguments))
			}
		}
	}
	return ops
}

const (
	readFilesHeader     = "### Read Files"
	modifiedFilesHeader = "### Modified Files"
)

// ParseFileListsFromSummary extracts the Read Files / Modified Files bullet
// lists out of a previously serialized compaction or branch summary.
func ParseFileListsFromSummary(summary string) (read, modified []string) {
	lines := strings.Split(summary, "\n")
	var current *[]string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case readFilesHeader:
			current = &read
			continue
		case modifiedFilesHeader:
			current = &modified
			continue
		}
		if strings.HasPrefix(trimmed, "##") {
			current = nil
			continue
		}
		if current != nil && strings.HasPrefix(trimmed, "- ") {
			if entry := strings.TrimPrefix(trimmed, "- "); entry != "(none)" {
				*current = append(*current, entry)
			}
		}
	}
	return read, modified
}

// SerializeMessagesForSummary renders a transcript slice into a plain-text
// transcript suitable as input to a summarization model call.
func SerializeMessagesForSummary(messages []models.ModelMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		tag := "[" + string(m.Role) + "]"
		if m.Name != "" {
			tag = "[" + string(m.Role) + ":" + m.Name + "]"
		}
		sb.WriteString(tag)
		sb.WriteString(": ")
		if text := m.Text(); text != "" {
			sb.WriteString(text)
		}
		for _, call := range m.ToolCalls() {
			fmt.Fprintf(&sb, "\n  -> calls %s(%s)", call.Name, string(call.Arguments))
		}
		for _, result := range m.ToolResults() {
			status := "ok"
			if result.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "\n  <- result[%s] for %s: %s", status, result.ToolCallID, string(result.Result))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// SummaryDocument is the structured content a summarization call produces,
// serialized by SerializePiMonoSummary into the Markdown body wrapped by a
// compaction_summary or branch_summary AgentMessage.
type SummaryDocument struct {
	Goal            string
	Constraints     string
	Progress        string
	Decisions       string
	NextSteps       string
	CriticalContext string
	ReadFiles       []string
	ModifiedFiles   []string
}

// noneMarker is the bullet line rendered for a section with no content, so
// the fixed eight-section layout never drops a header.
const noneMarker = "- (none)"

// SerializePiMonoSummary renders a SummaryDocument into the fixed eight-
// section Markdown layout used for compaction/branch summaries. Every
// section header is always rendered; an empty section gets a single
// "- (none)" bullet in place of content, and a non-empty prose section is
// split into lines and re-bulleted so every section reads as a bullet list,
// matching the file-list sections (which ParseFileListsFromSummary relies
// on to recover prior file history across repeated compactions).
func SerializePiMonoSummary(doc SummaryDocument) string {
	var sb strings.Builder
	writeBullets := func(body string) {
		wrote := false
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimPrefix(line, "- ")
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
			wrote = true
		}
		if !wrote {
			sb.WriteString(noneMarker)
			sb.WriteString("\n")
		}
	}
	writeSection := func(title, body string) {
		sb.WriteString("## ")
		sb.WriteString(title)
		sb.WriteString("\n")
		writeBullets(body)
		sb.WriteString("\n")
	}
	writeFileSection := func(header string, files []string) {
		sb.WriteString(header)
		sb.WriteString("\n")
		if len(files) == 0 {
			sb.WriteString(noneMarker)
			sb.WriteString("\n")
		}
		for _, f := range files {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}

	writeSection("Goal", doc.Goal)
	writeSection("Constraints", doc.Constraints)
	writeSection("Progress", doc.Progress)
	writeSection("Decisions", doc.Decisions)
	writeSection("Next Steps", doc.NextSteps)
	writeSection("Critical Context", doc.CriticalContext)

	writeFileSection(readFilesHeader, doc.ReadFiles)
	sb.WriteString("\n")
	writeFileSection(modifiedFilesHeader, doc.ModifiedFiles)

	return strings.TrimRight(sb.String(), "\n")
}

// UsageTuple is the context-usage diagnostic reported after every
// compaction check, regardless of whether compaction actually ran.
type UsageTuple struct {
	Used      int
	Window    int
	Remaining int
	Percent   float64
}

// ComputeUsage derives the diagnostic tuple for a transcript against a
// model's context window.
func ComputeUsage(messages []models.ModelMessage, windowTokens int) UsageTuple {
	used := TokensForMessages(messages)
	remaining := windowTokens - used
	if remaining < 0 {
		remaining = 0
	}
	percent := 100.0
	if windowTokens > 0 {
		percent = float64(used) / float64(windowTokens) * 100
		if percent > 100 {
			percent = 100
		} else if percent < 0 {
			percent = 0
		}
		remaining = windowTokens - used
		if remaining < 0 {
			remaining = 0
		}
	}
	return UsageTuple{Used: used, Window: windowTokens, Remaining: remaining, Percent: percent}
}
