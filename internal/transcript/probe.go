// Package transcript implements the Transcript Probe (spec.md §4.6): a
// set of read-only, panic-proof scans over the host's append-only JSONL
// conversation transcript. The format is internal to the host and not an
// API — every operation here returns a zero value on any read or parse
// error rather than propagating it, and silently skips malformed lines
// within a scan (the "Safe Mode contract", spec.md §7).
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// contentBlock mirrors one element of a transcript message's content
// array: a text run, a tool invocation, or a tool result.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// rawLine is one line of the transcript.
type rawLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// textContent extracts a plain-string content field, returning ("", false)
// when content is array-typed (tool-result shape) rather than a user
// prompt string (spec.md §4.6 find-user-text note).
func textContent(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return "", false
}

// blocksContent extracts the content array, returning nil if content is a
// plain string instead.
func blocksContent(raw json.RawMessage) []contentBlock {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// readLines reads every non-empty line of path, skipping malformed JSON
// silently, and returns the parsed lines. Returns nil on any open error.
func readLines(path string) []rawLine {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var lines []rawLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var line rawLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func truncate(s string, maxLength int) string {
	if maxLength <= 0 || len(s) <= maxLength {
		return s
	}
	if maxLength <= 1 {
		return s[:maxLength]
	}
	return s[:maxLength-1] + "…"
}

// LastAssistantText scans backward for the most recent assistant entry
// containing non-empty text content (spec.md §4.6).
func LastAssistantText(path string, maxLength int) *string {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line.Type != "assistant" {
			continue
		}
		if text, ok := textContent(line.Message.Content); ok && text != "" {
			s := truncate(text, maxLength)
			return &s
		}
		var combined strings.Builder
		for _, b := range blocksContent(line.Message.Content) {
			if b.Type == "text" && b.Text != "" {
				combined.WriteString(b.Text)
			}
		}
		if combined.Len() > 0 {
			s := truncate(combined.String(), maxLength)
			return &s
		}
	}
	return nil
}

// LastUserText is the symmetric fallback to LastAssistantText.
func LastUserText(path string, maxLength int) *string {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line.Type != "user" {
			continue
		}
		if text, ok := textContent(line.Message.Content); ok && text != "" {
			s := truncate(text, maxLength)
			return &s
		}
	}
	return nil
}

// ToolUse describes the last tool invocation found in the transcript.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// LastToolUse scans backward for the last tool-use block (spec.md §4.6).
func LastToolUse(path string) *ToolUse {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line.Type != "assistant" {
			continue
		}
		blocks := blocksContent(line.Message.Content)
		for j := len(blocks) - 1; j >= 0; j-- {
			b := blocks[j]
			if b.Type == "tool_use" {
				return &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input}
			}
		}
	}
	return nil
}

// ToolResult is the outcome of FindToolResult.
type ToolResult struct {
	Found       bool
	IsError     bool
	OffsetAfter int
}

// FindToolResult scans forward from afterOffset for a tool-result block
// referring to toolUseID (spec.md §4.6). OffsetAfter is the offset after
// the matched line, or after the last line scanned if not found — so the
// caller can resume an incremental re-poll from there.
func FindToolResult(path, toolUseID string, afterOffset int) ToolResult {
	lines := readLines(path)
	offset := afterOffset
	if afterOffset < 0 || afterOffset > len(lines) {
		afterOffset = 0
	}
	for i := afterOffset; i < len(lines); i++ {
		offset = i + 1
		if lines[i].Type != "user" {
			continue
		}
		for _, b := range blocksContent(lines[i].Message.Content) {
			if b.Type == "tool_result" && b.ToolUseID == toolUseID {
				return ToolResult{Found: true, IsError: b.IsError, OffsetAfter: offset}
			}
		}
	}
	return ToolResult{Found: false, OffsetAfter: offset}
}

// UserTextResult is the outcome of FindUserText.
type UserTextResult struct {
	Found       bool
	Text        string
	OffsetAfter int
}

// FindUserText scans forward from afterOffset for the first user entry
// whose content is a non-empty plain string (array-typed content is a
// tool-result, not a user prompt, and must be skipped — spec.md §4.6).
func FindUserText(path string, afterOffset int) UserTextResult {
	lines := readLines(path)
	offset := afterOffset
	if afterOffset < 0 || afterOffset > len(lines) {
		afterOffset = 0
	}
	for i := afterOffset; i < len(lines); i++ {
		offset = i + 1
		if lines[i].Type != "user" {
			continue
		}
		if text, ok := textContent(lines[i].Message.Content); ok && text != "" {
			return UserTextResult{Found: true, Text: text, OffsetAfter: offset}
		}
	}
	return UserTextResult{Found: false, OffsetAfter: offset}
}

// LineCount returns the number of non-empty lines in path, 0 on any error.
func LineCount(path string) int {
	return len(readLines(path))
}

// Mtime returns path's modification time in milliseconds since epoch, or
// nil on error.
func Mtime(path string) *int64 {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	ms := info.ModTime().UnixMilli()
	return &ms
}

// WithinLast reports whether an mtime value (ms since epoch, as returned
// by Mtime) falls within d of now — used by the Resolution Watcher's
// sibling-transcript freshness check (spec.md §4.9, "within the last 10
// seconds").
func WithinLast(mtimeMs *int64, d time.Duration) bool {
	if mtimeMs == nil {
		return false
	}
	t := time.UnixMilli(*mtimeMs)
	return time.Since(t) <= d
}

// SiblingAgentTranscripts returns the absolute paths of files in path's
// directory whose basename starts with "agent-" and ends with ".jsonl"
// (sub-agent transcripts for nested tool invocations, spec.md §4.6).
func SiblingAgentTranscripts(path string) []string {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "agent-") && strings.HasSuffix(name, ".jsonl") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out
}
