package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

const (
	varToday    = "today"
	varLanguage = "language"
	varMessages = "messages"

	defaultLanguage = "the language the caller writes in"
)

// compileDecisionGraph wires build_input -> prompt -> model -> decide.
func compileDecisionGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[contractx.DecisionRequest, contractx.Decision], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.MessagesPlaceholder(varMessages, false),
	)

	graph := compose.NewGraph[contractx.DecisionRequest, contractx.Decision]()
	if err := graph.AddLambdaNode("build_input", compose.InvokableLambda(buildInput)); err != nil {
		return nil, fmt.Errorf("add build_input node: %w", err)
	}
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add model node: %w", err)
	}
	if err := graph.AddLambdaNode("decide", compose.InvokableLambda(toDecision)); err != nil {
		return nil, fmt.Errorf("add decide node: %w", err)
	}

	edges := [][2]string{
		{compose.START, "build_input"},
		{"build_input", "prompt"},
		{"prompt", "model"},
		{"model", "decide"},
		{"decide", compose.END},
	}
	for _, e := range edges {
		if err := graph.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", e[0], e[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile decision graph: %w", err)
	}
	return runner, nil
}

func buildInput(_ context.Context, req contractx.DecisionRequest) (map[string]any, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", contractx.ErrValidation)
	}

	msgs := make([]*schema.Message, 0, len(req.History)+1+2*len(req.Steps))
	for _, t := range req.History {
		switch t.Role {
		case contractx.RoleCaller:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case contractx.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}
	msgs = append(msgs, schema.UserMessage(req.Message))

	for _, step := range req.Steps {
		call, result, err := stepMessages(step)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, call, result)
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = defaultLanguage
	}
	return map[string]any{
		varToday:    req.Now.Format("Monday, 2 January 2006"),
		varLanguage: language,
		varMessages: msgs,
	}, nil
}

type stepResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Summary string `json:"summary"`
}

// stepMessages replays one executed capability as a tool call and its result.
func stepMessages(step contractx.DecisionStep) (*schema.Message, *schema.Message, error) {
	args := step.Request.Args
	if args == nil {
		args = map[string]any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: marshal args for %s: %v", contractx.ErrValidation, step.Request.Name, err)
	}
	rawResult, err := json.Marshal(stepResult{
		Success: step.Result.Success,
		Reason:  string(step.Result.Reason),
		Summary: step.Result.Summary,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: marshal result for %s: %v", contractx.ErrValidation, step.Request.Name, err)
	}

	call := schema.AssistantMessage("", []schema.ToolCall{{
		ID:   step.Request.CallID,
		Type: "function",
		Function: schema.FunctionCall{
			Name:      step.Request.Name,
			Arguments: string(rawArgs),
		},
	}})
	return call, schema.ToolMessage(string(rawResult), step.Request.CallID), nil
}

// toDecision keeps the first tool call of a reply and drops the rest.
func toDecision(ctx context.Context, msg *schema.Message) (contractx.Decision, error) {
	if msg == nil {
		return contractx.Decision{}, fmt.Errorf("%w: empty model reply", contractx.ErrSchemaViolation)
	}
	text := strings.TrimSpace(msg.Content)

	if len(msg.ToolCalls) == 0 {
		if text == "" {
			return contractx.Decision{}, fmt.Errorf("%w: reply has neither text nor tool call", contractx.ErrSchemaViolation)
		}
		return contractx.Decision{Text: text}, nil
	}

	if len(msg.ToolCalls) > 1 {
		ignored := make([]string, 0, len(msg.ToolCalls)-1)
		for _, c := range msg.ToolCalls[1:] {
			ignored = append(ignored, c.Function.Name)
		}
		log.Ctx(ctx).Warn().Strs("ignored", ignored).Msg("oracle requested several capabilities; keeping the first")
	}

	first := msg.ToolCalls[0]
	name := strings.TrimSpace(first.Function.Name)
	if name == "" {
		return contractx.Decision{}, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(first.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return contractx.Decision{}, fmt.Errorf("%w: invalid arguments for %s: %v", contractx.ErrSchemaViolation, name, err)
		}
	}

	callID := strings.TrimSpace(first.ID)
	if callID == "" {
		callID = uuid.NewString()
	}
	return contractx.Decision{
		Request: &contractx.CapabilityRequest{CallID: callID, Name: name, Args: args},
		Text:    text,
	}, nil
}
