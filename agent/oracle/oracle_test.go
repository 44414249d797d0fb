package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

type fakeChatModel struct {
	mu      sync.Mutex
	replies []*schema.Message
	err     error
	inputs  [][]*schema.Message
	tools   [][]*schema.ToolInfo
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	f.tools = append(f.tools, einomodel.GetCommonOptions(&einomodel.Options{}, opts...).Tools)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return schema.AssistantMessage("done", nil), nil
	}
	out := f.replies[0]
	f.replies = f.replies[1:]
	return out, nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func newTestOracle(t *testing.T, m *fakeChatModel, opts ...Option) *Oracle {
	t.Helper()
	o, err := New(context.Background(), contractx.AudiencePatient, m, "Today is {today}. Reply in {language}.", opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func baseRequest() contractx.DecisionRequest {
	return contractx.DecisionRequest{
		Principal: contractx.Principal{CallerID: "u-1", PatientID: "p-1", Audience: contractx.AudiencePatient},
		Message:   "Do you have paracetamol?",
		Language:  "English",
		Now:       time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC),
		Capabilities: []contractx.CapabilitySpec{{
			Name:   "inventory_search",
			Params: []contractx.ParamSpec{{Name: "query", Type: contractx.ParamString, Required: true}},
		}},
	}
}

func TestDecideReturnsText(t *testing.T) {
	t.Parallel()

	m := &fakeChatModel{replies: []*schema.Message{schema.AssistantMessage("  Yes, we do.  ", nil)}}
	o := newTestOracle(t, m)

	d, err := o.Decide(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Request != nil || d.Text != "Yes, we do." {
		t.Fatalf("unexpected decision: %+v", d)
	}

	input := m.inputs[0]
	if input[0].Role != schema.System || input[0].Content != "Today is Wednesday, 20 May 2026. Reply in English." {
		t.Fatalf("unexpected system message: %+v", input[0])
	}
	if last := input[len(input)-1]; last.Role != schema.User || last.Content != "Do you have paracetamol?" {
		t.Fatalf("unexpected last message: %+v", last)
	}
	if len(m.tools[0]) != 1 || m.tools[0][0].Name != "inventory_search" {
		t.Fatalf("unexpected tools: %+v", m.tools[0])
	}
}

func TestDecideKeepsFirstToolCall(t *testing.T) {
	t.Parallel()

	m := &fakeChatModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{
			toolCall("call-1", "inventory_search", `{"query":"paracetamol"}`),
			toolCall("call-2", "orders_query", `{}`),
		}),
	}}
	o := newTestOracle(t, m)

	d, err := o.Decide(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Request == nil || d.Request.Name != "inventory_search" || d.Request.CallID != "call-1" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Request.Args["query"] != "paracetamol" {
		t.Fatalf("unexpected args: %+v", d.Request.Args)
	}
}

func TestDecideReplaysHistoryAndSteps(t *testing.T) {
	t.Parallel()

	m := &fakeChatModel{}
	o := newTestOracle(t, m)

	req := baseRequest()
	req.History = []contractx.Turn{
		{Role: contractx.RoleCaller, Content: "hi"},
		{Role: contractx.RoleAssistant, Content: "hello"},
	}
	req.Steps = []contractx.DecisionStep{{
		Request: contractx.CapabilityRequest{CallID: "call-1", Name: "inventory_search", Args: map[string]any{"query": "para"}},
		Result:  contractx.CapabilityResult{Success: true, Summary: "Paracetamol: 10 in stock"},
	}}

	if _, err := o.Decide(context.Background(), req); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	input := m.inputs[0]
	if len(input) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(input))
	}
	wantRoles := []schema.RoleType{schema.System, schema.User, schema.Assistant, schema.User, schema.Assistant, schema.Tool}
	for i, r := range wantRoles {
		if input[i].Role != r {
			t.Fatalf("message %d: expected role %s, got %s", i, r, input[i].Role)
		}
	}
	if len(input[4].ToolCalls) != 1 || input[4].ToolCalls[0].ID != "call-1" {
		t.Fatalf("unexpected replayed tool call: %+v", input[4])
	}
	if input[5].ToolCallID != "call-1" || !strings.Contains(input[5].Content, "10 in stock") {
		t.Fatalf("unexpected tool result: %+v", input[5])
	}
}

func TestDecideSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]*schema.Message{
		"empty":    schema.AssistantMessage("  ", nil),
		"bad args": schema.AssistantMessage("", []schema.ToolCall{toolCall("c", "inventory_search", "{not json")}),
		"no name":  schema.AssistantMessage("", []schema.ToolCall{toolCall("c", "", "{}")}),
	}
	for name, reply := range cases {
		o := newTestOracle(t, &fakeChatModel{replies: []*schema.Message{reply}})
		_, err := o.Decide(context.Background(), baseRequest())
		if !errors.Is(err, contractx.ErrSchemaViolation) {
			t.Fatalf("%s: expected ErrSchemaViolation, got %v", name, err)
		}
	}
}

func TestDecideGeneratesCallID(t *testing.T) {
	t.Parallel()

	m := &fakeChatModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{toolCall("", "inventory_search", "")}),
	}}
	d, err := newTestOracle(t, m).Decide(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Request.CallID == "" || len(d.Request.Args) != 0 {
		t.Fatalf("unexpected request: %+v", d.Request)
	}
}

func TestDecideModelFailureOpensBreaker(t *testing.T) {
	t.Parallel()

	m := &fakeChatModel{err: errors.New("upstream 502")}
	o := newTestOracle(t, m, WithBreaker(BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      2,
	}))

	for i := 0; i < 2; i++ {
		_, err := o.Decide(context.Background(), baseRequest())
		if !errors.Is(err, contractx.ErrModelInvoke) {
			t.Fatalf("call %d: expected ErrModelInvoke, got %v", i, err)
		}
	}

	_, err := o.Decide(context.Background(), baseRequest())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once the breaker opens, got %v", err)
	}
	if len(m.inputs) != 2 {
		t.Fatalf("expected the open breaker to skip the model, got %d calls", len(m.inputs))
	}
}

func TestNewRejectsMissingPrompt(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), contractx.AudiencePatient, &fakeChatModel{}, "")
	if !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}
