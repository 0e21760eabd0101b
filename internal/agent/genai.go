package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/ashureev/aess/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

const defaultInstruction = `You are the employee support assistant for {user_name} ({user_email}, role: {role}).
Answer questions about leave balance, payroll, company policy and IT tickets.
Be concise. If you cannot help, say so plainly.`

// GeminiConfig configures the Gemini-backed responder.
type GeminiConfig struct {
	APIKey          string
	Model           string
	AgentName       string
	InstructionFile string
}

type contentStreamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiResponder answers with a single Gemini agent. Text chunks are
// buffered into one final event; function and code-execution parts are
// surfaced as tool events while streaming.
type GeminiResponder struct {
	model       string
	agentName   string
	instruction string
	generate    contentStreamFunc
}

// NewGeminiResponder creates the client and loads the instruction template.
func NewGeminiResponder(ctx context.Context, cfg GeminiConfig) (*GeminiResponder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY is required for the gemini responder")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	instruction := defaultInstruction
	if cfg.InstructionFile != "" {
		data, err := os.ReadFile(cfg.InstructionFile)
		if err != nil {
			return nil, fmt.Errorf("read agent instruction: %w", err)
		}
		instruction = string(data)
	}
	return newGeminiResponder(cfg, instruction, client.Models.GenerateContentStream), nil
}

func newGeminiResponder(cfg GeminiConfig, instruction string, generate contentStreamFunc) *GeminiResponder {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "host_agent"
	}
	return &GeminiResponder{
		model:       cfg.Model,
		agentName:   cfg.AgentName,
		instruction: instruction,
		generate:    generate,
	}
}

// Name implements Responder.
func (g *GeminiResponder) Name() string {
	return "genai:" + g.model
}

// Stream implements Responder.
func (g *GeminiResponder) Stream(ctx context.Context, sc SessionContext, message string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		contents, err := historyContents(sc.State)
		if err != nil {
			yield(nil, err)
			return
		}
		contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

		config := &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(renderInstruction(g.instruction, sc), genai.RoleUser),
		}

		var answer strings.Builder
		for resp, err := range g.generate(ctx, g.model, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini stream: %w", err))
				return
			}
			text, tools := splitCandidateParts(resp)
			answer.WriteString(text)
			if len(tools) == 0 {
				continue
			}
			if !yield(&Event{ID: uuid.NewString(), Author: g.agentName, Parts: tools}, nil) {
				return
			}
		}

		slog.Debug("Gemini turn complete", "session_id", sc.SessionID, "model", g.model, "answer_length", answer.Len())
		yield(&Event{
			ID:     uuid.NewString(),
			Author: g.agentName,
			Final:  true,
			Parts:  []Part{{Text: answer.String()}},
		}, nil)
	}
}

// splitCandidateParts returns the concatenated text of the first candidate
// and its tool-related parts in order. Thought parts are dropped.
func splitCandidateParts(resp *genai.GenerateContentResponse) (string, []Part) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var (
		text  strings.Builder
		tools []Part
	)
	for _, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p == nil || p.Thought:
		case p.FunctionCall != nil:
			tools = append(tools, Part{ToolCall: &ToolCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}})
		case p.FunctionResponse != nil:
			tools = append(tools, Part{ToolResult: &ToolResult{Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response}})
		case p.ExecutableCode != nil:
			tools = append(tools, Part{ToolCall: &ToolCall{
				Name: "code_execution",
				Args: map[string]any{"language": string(p.ExecutableCode.Language), "code": p.ExecutableCode.Code},
			}})
		case p.CodeExecutionResult != nil:
			tools = append(tools, Part{ToolResult: &ToolResult{
				Name:     "code_execution",
				Response: map[string]any{"outcome": string(p.CodeExecutionResult.Outcome), "output": p.CodeExecutionResult.Output},
			}})
		default:
			text.WriteString(p.Text)
		}
	}
	return text.String(), tools
}

// historyContents replays the interaction history as prior conversation turns.
func historyContents(state domain.StateBag) ([]*genai.Content, error) {
	entries, err := state.History()
	if err != nil {
		return nil, err
	}
	contents := make([]*genai.Content, 0, len(entries)+1)
	for _, e := range entries {
		switch e.Action {
		case domain.ActionUserQuery:
			if strings.TrimSpace(e.Query) != "" {
				contents = append(contents, genai.NewContentFromText(e.Query, genai.RoleUser))
			}
		case domain.ActionAgentResponse:
			if strings.TrimSpace(e.Response) != "" {
				contents = append(contents, genai.NewContentFromText(e.Response, genai.RoleModel))
			}
		}
	}
	return contents, nil
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// renderInstruction substitutes {key} with string values from the state
// bag. Unknown keys are left as written.
func renderInstruction(tmpl string, sc SessionContext) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		if v := sc.State.String(key); v != "" {
			return v
		}
		switch key {
		case domain.StateUserName:
			return sc.UserName
		case domain.StateUserEmail:
			return sc.UserID
		case domain.StateRole:
			return sc.Role
		}
		return m
	})
}
