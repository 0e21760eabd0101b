package agent

import (
	"fmt"
	"log/slog"
	"strings"
)

// NoticeKind classifies a progress notice.
type NoticeKind string

const (
	NoticeAgent      NoticeKind = "agent"
	NoticeToolCall   NoticeKind = "tool_call"
	NoticeToolResult NoticeKind = "tool_result"
	NoticeError      NoticeKind = "error"
)

const (
	// NoResponsePlaceholder replaces an answer the user would otherwise see empty.
	NoResponsePlaceholder = "[No response generated]"
	// ErrorNotice is appended to progress when the responder stream fails.
	ErrorNotice           = "Error occurred while processing request."
)

const toolDoneNotice = "Tool execution completed."

// Notice is one progress string with its kind.
type Notice struct {
	Kind NoticeKind
	Text string
}

// ProjectNotices turns one event into its progress notices: the agent
// notice when the event has an author, then one notice per tool part in
// part order. Text parts produce no notice.
func ProjectNotices(ev *Event) []Notice {
	if ev == nil {
		return nil
	}
	var out []Notice
	if ev.Author != "" {
		out = append(out, Notice{
			Kind: NoticeAgent,
			Text: fmt.Sprintf("Agent %s is now handling your request.", ev.Author),
		})
	}
	for _, part := range ev.Parts {
		switch {
		case part.ToolCall != nil:
			out = append(out, Notice{
				Kind: NoticeToolCall,
				Text: fmt.Sprintf("Tool %s is being used.", part.ToolCall.Name),
			})
		case part.ToolResult != nil:
			out = append(out, Notice{Kind: NoticeToolResult, Text: toolDoneNotice})
		case strings.TrimSpace(part.Text) != "":
			slog.Debug("Responder text part", "event_id", ev.ID, "author", ev.Author, "text_length", len(part.Text))
		}
	}
	return out
}

// Project returns the progress strings for one event.
func Project(ev *Event) []string {
	notices := ProjectNotices(ev)
	if len(notices) == 0 {
		return nil
	}
	out := make([]string, len(notices))
	for i, n := range notices {
		out[i] = n.Text
	}
	return out
}

// FinalText extracts the answer from a final event: every non-blank text
// part, verbatim, joined with newlines. It returns "" when there is none.
func FinalText(ev *Event) string {
	if ev == nil {
		return ""
	}
	var texts []string
	for _, part := range ev.Parts {
		if part.ToolCall != nil || part.ToolResult != nil {
			continue
		}
		if strings.TrimSpace(part.Text) != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}
