// Package prompt renders tool-input descriptions and chat message bodies
// per spec.md §6.3/§6.4. All formatting here is pure and panics never on
// missing fields — a missing field renders as "(unknown ...)" rather than
// being treated as an error, matching the Transcript Probe's safe-mode
// posture (spec.md §7).
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// markdownEscaper prefixes the inline-markup metacharacters the downstream
// chat service treats specially with a backslash (spec.md §6.3).
var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"`", "\\`",
	"[", `\[`,
)

// EscapeMarkdown escapes s for the remote chat's inline-markup syntax.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func stringField(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func truncate(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 1 {
		return s[:maxLength]
	}
	return s[:maxLength-1] + "…"
}

// firstNonEmptyString returns the first non-empty string value in input,
// in Go map iteration order is unspecified so callers needing determinism
// should not rely on which key wins among several non-empty strings — the
// spec only requires "a" non-empty value, not a specific one.
func firstNonEmptyString(input map[string]any) (string, bool) {
	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// FormatToolInput renders a tool's input object into the human-readable
// line used in the permission prompt body (spec.md §6.3).
func FormatToolInput(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		if s, ok := stringField(input, "command"); ok {
			return s
		}
		return "(unknown command)"
	case "Write":
		if s, ok := stringField(input, "file_path"); ok {
			return "Write to " + s
		}
		return "Write to (unknown file_path)"
	case "Edit":
		if s, ok := stringField(input, "file_path"); ok {
			return "Edit " + s
		}
		return "Edit (unknown file_path)"
	case "Read":
		if s, ok := stringField(input, "file_path"); ok {
			return s
		}
		return "(unknown file_path)"
	case "Glob":
		if s, ok := stringField(input, "pattern"); ok {
			return "Pattern: " + s
		}
		return "Pattern: (unknown pattern)"
	case "Grep":
		if s, ok := stringField(input, "pattern"); ok {
			return "Search: " + s
		}
		return "Search: (unknown pattern)"
	case "WebFetch":
		if s, ok := stringField(input, "url"); ok {
			return s
		}
		return "(unknown url)"
	case "WebSearch":
		if s, ok := stringField(input, "query"); ok {
			return s
		}
		return "(unknown query)"
	default:
		if s, ok := firstNonEmptyString(input); ok {
			return truncate(s, 100)
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return "(unknown input)"
		}
		return truncate(string(raw), 100)
	}
}

// PermissionPrompt composes the permission-request prompt body (spec.md
// §6.4). bulkApprovalEligible controls whether the "/ all" reply suffix is
// offered.
func PermissionPrompt(projectSlug, shortToken, contextLine, toolName, formattedCommand string, bulkApprovalEligible bool) string {
	replyHint := "yes / no"
	if bulkApprovalEligible {
		replyHint = "yes / no / all"
	}
	return fmt.Sprintf(
		"[%s] #%s\n\n%s\n\n*Permission:* %s\n%s\n\nReply: %s",
		projectSlug, shortToken, contextLine, toolName, formattedCommand, replyHint,
	)
}

// StopPrompt composes the stop notification body (spec.md §6.4).
func StopPrompt(projectSlug, shortToken, contextLine string) string {
	return fmt.Sprintf(
		"[%s] #%s\n\n%s\n\nTask complete. Reply with follow-up instructions or ignore to stop.",
		projectSlug, shortToken, contextLine,
	)
}
