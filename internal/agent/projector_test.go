package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func scenarioEvents() []*Event {
	return []*Event{
		{Author: "X"},
		{Parts: []Part{{ToolCall: &ToolCall{Name: "T"}}}},
		{Parts: []Part{{ToolResult: &ToolResult{Name: "T"}}}},
		{Final: true, Parts: []Part{{Text: "Answer"}}},
	}
}

func TestProjectScenario(t *testing.T) {
	var progress []string
	for _, ev := range scenarioEvents() {
		progress = append(progress, Project(ev)...)
	}
	assert.Equal(t, []string{
		"Agent X is now handling your request.",
		"Tool T is being used.",
		"Tool execution completed.",
	}, progress)
}

func TestProjectOrderWithinEvent(t *testing.T) {
	ev := &Event{
		Author: "leave_agent",
		Parts: []Part{
			{Text: "checking"},
			{ToolCall: &ToolCall{Name: "get_leave_balance", Args: map[string]any{"email": "demo@company.com"}}},
			{ToolResult: &ToolResult{Name: "get_leave_balance"}},
			{ToolCall: &ToolCall{Name: "format_reply"}},
		},
	}
	assert.Equal(t, []Notice{
		{Kind: NoticeAgent, Text: "Agent leave_agent is now handling your request."},
		{Kind: NoticeToolCall, Text: "Tool get_leave_balance is being used."},
		{Kind: NoticeToolResult, Text: "Tool execution completed."},
		{Kind: NoticeToolCall, Text: "Tool format_reply is being used."},
	}, ProjectNotices(ev))
}

func TestProjectRepeatsAuthorNoticePerEvent(t *testing.T) {
	events := []*Event{{Author: "host_agent"}, {Author: "host_agent"}}
	var progress []string
	for _, ev := range events {
		progress = append(progress, Project(ev)...)
	}
	assert.Len(t, progress, 2)
	assert.Equal(t, progress[0], progress[1])
}

func TestProjectIsReproducible(t *testing.T) {
	run := func() []string {
		var out []string
		for _, ev := range scenarioEvents() {
			out = append(out, Project(ev)...)
		}
		return out
	}
	first := run()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, run())
	}
}

func TestProjectEmpty(t *testing.T) {
	assert.Nil(t, Project(nil))
	assert.Nil(t, Project(&Event{Parts: []Part{{Text: "  "}, {Text: "hello"}}}))
}

func TestFinalText(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
		want string
	}{
		{"nil", nil, ""},
		{"single", &Event{Parts: []Part{{Text: "Answer"}}}, "Answer"},
		{"verbatim", &Event{Parts: []Part{{Text: "  Answer\n"}}}, "  Answer\n"},
		{"joined", &Event{Parts: []Part{{Text: "Line 1"}, {Text: " "}, {Text: "Line 2"}}}, "Line 1\nLine 2"},
		{"skips tools", &Event{Parts: []Part{{ToolCall: &ToolCall{Name: "T"}}, {Text: "ok"}}}, "ok"},
		{"blank only", &Event{Parts: []Part{{Text: "\t"}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalText(tt.ev))
		})
	}
}
