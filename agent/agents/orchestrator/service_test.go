package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	identityx "github.com/tanpawarit/chative-pharmacy-agent/agent/identity"
	statex "github.com/tanpawarit/chative-pharmacy-agent/agent/state"
)

type fakeResolver struct {
	ids map[string]string
	err error
}

func (f fakeResolver) Resolve(_ context.Context, callerID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.ids[callerID]; ok {
		return id, nil
	}
	return "", identityx.ErrPatientNotFound
}

type fakeOracle struct {
	mu        sync.Mutex
	decisions []contractx.Decision
	err       error
	requests  []contractx.DecisionRequest
	repeat    *contractx.Decision
}

func (f *fakeOracle) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return contractx.Decision{}, f.err
	}
	if f.repeat != nil {
		return *f.repeat, nil
	}
	if len(f.decisions) == 0 {
		return contractx.Decision{}, fmt.Errorf("no decision left at call=%d", len(f.requests))
	}
	d := f.decisions[0]
	f.decisions = f.decisions[1:]
	return d, nil
}

type invocation struct {
	principal contractx.Principal
	req       contractx.CapabilityRequest
}

type fakeInvoker struct {
	results map[string]contractx.CapabilityResult
	calls   []invocation
}

func (f *fakeInvoker) Has(name string) bool {
	_, ok := f.results[name]
	return ok
}

func (f *fakeInvoker) Specs(contractx.Audience) []contractx.CapabilitySpec {
	return []contractx.CapabilitySpec{{Name: "inventory_search"}, {Name: "order_place"}}
}

func (f *fakeInvoker) Invoke(_ context.Context, p contractx.Principal, req contractx.CapabilityRequest) contractx.CapabilityResult {
	f.calls = append(f.calls, invocation{principal: p, req: req})
	return f.results[req.Name]
}

func request(name string, args map[string]any) *contractx.CapabilityRequest {
	return &contractx.CapabilityRequest{CallID: "call-" + name, Name: name, Args: args}
}

type harness struct {
	orch    *Orchestrator
	oracle  *fakeOracle
	invoker *fakeInvoker
	memory  *statex.Memory
}

func newHarness(t *testing.T, oracle *fakeOracle, resolver fakeResolver, cfg Config) harness {
	t.Helper()
	if resolver.ids == nil && resolver.err == nil {
		resolver.ids = map[string]string{"u-1": "p-1"}
	}
	invoker := &fakeInvoker{results: map[string]contractx.CapabilityResult{
		"inventory_search": {Success: true, Summary: "Paracetamol: 10 in stock"},
		"order_place":      {Success: true, Summary: "order o-1 placed"},
	}}
	memory := statex.NewMemory(statex.NewInMemoryStore(), 10)
	orch, err := New(resolver, map[contractx.Audience]contractx.DecisionOracle{
		contractx.AudiencePatient:  oracle,
		contractx.AudienceOperator: oracle,
	}, invoker, memory, cfg, WithClock(func() time.Time {
		return time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return harness{orch: orch, oracle: oracle, invoker: invoker, memory: memory}
}

func TestHandleRunsCapabilitiesThenAnswers(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{decisions: []contractx.Decision{
		{Request: request("inventory_search", map[string]any{"query": "para"})},
		{Request: request("order_place", map[string]any{"medicine": "Paracetamol", "qty": 2}), Text: "Ordering now."},
		{Text: "Your order o-1 is placed."},
	}}
	h := newHarness(t, oracle, fakeResolver{}, Config{})

	out, err := h.orch.Handle(context.Background(), "u-1", contractx.AudiencePatient, "order 2 paracetamol", "English")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.Success || out.Truncated || out.Iterations != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.FinalText != "Your order o-1 is placed." {
		t.Fatalf("unexpected final text: %q", out.FinalText)
	}
	if len(out.Trace) != 2 || out.Trace[0].Capability != "inventory_search" || out.Trace[1].Capability != "order_place" {
		t.Fatalf("unexpected trace: %+v", out.Trace)
	}
	if len(out.CapabilitiesUsed) != 2 {
		t.Fatalf("unexpected capabilities used: %v", out.CapabilitiesUsed)
	}

	for _, c := range h.invoker.calls {
		if c.principal.PatientID != "p-1" {
			t.Fatalf("capability invoked without resolved patient: %+v", c.principal)
		}
	}

	// The oracle sees every prior step on the next decision.
	if got := len(h.oracle.requests[2].Steps); got != 2 {
		t.Fatalf("expected 2 steps fed back, got %d", got)
	}
	if h.oracle.requests[0].Language != "English" || h.oracle.requests[0].Principal.PatientID != "p-1" {
		t.Fatalf("unexpected first decision request: %+v", h.oracle.requests[0])
	}
}

func TestHandleTruncatesAtIterationCap(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{repeat: &contractx.Decision{
		Request: request("inventory_search", map[string]any{"query": "x"}),
		Text:    "Still looking.",
	}}
	h := newHarness(t, oracle, fakeResolver{}, Config{MaxIterations: 3})

	out, err := h.orch.Handle(context.Background(), "u-1", contractx.AudiencePatient, "find x", "")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.Truncated || out.Iterations != 3 || len(h.invoker.calls) != 3 {
		t.Fatalf("unexpected outcome: %+v calls=%d", out, len(h.invoker.calls))
	}
	if out.FinalText != "Still looking." {
		t.Fatalf("expected last oracle text, got %q", out.FinalText)
	}
}

func TestHandleUnknownCapabilityIsFedBack(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{decisions: []contractx.Decision{
		{Request: request("teleport", nil)},
		{Text: "I cannot do that."},
	}}
	h := newHarness(t, oracle, fakeResolver{}, Config{})

	out, err := h.orch.Handle(context.Background(), "u-1", contractx.AudiencePatient, "teleport me", "")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(h.invoker.calls) != 0 {
		t.Fatal("unknown capability must not reach the invoker")
	}
	if len(out.Trace) != 1 || out.Trace[0].Reason != contractx.ReasonUnknownCapability || out.Trace[0].Success ||
		out.Trace[0].Summary != "unknown capability" {
		t.Fatalf("unexpected trace: %+v", out.Trace)
	}
	if len(out.CapabilitiesUsed) != 0 {
		t.Fatalf("unknown capability counted as used: %v", out.CapabilitiesUsed)
	}
	step := h.oracle.requests[1].Steps[0]
	if step.Result.Reason != contractx.ReasonUnknownCapability {
		t.Fatalf("oracle did not see the failure: %+v", step)
	}
}

func TestHandleResolutionFailureIsTerminal(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{}
	h := newHarness(t, oracle, fakeResolver{}, Config{})

	out, err := h.orch.Handle(context.Background(), "stranger", contractx.AudiencePatient, "hello", "")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Success || out.Reason != contractx.ReasonPatientNotFound || out.FinalText == "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(oracle.requests) != 0 {
		t.Fatal("oracle must not run after resolution failure")
	}
	turns, err := h.memory.Recent(context.Background(), "stranger", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected no memory write, got %d turns", len(turns))
	}
}

func TestHandleOperatorSkipsResolution(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{decisions: []contractx.Decision{{Text: "Hello pharmacist."}}}
	h := newHarness(t, oracle, fakeResolver{err: errors.New("must not be called")}, Config{})

	out, err := h.orch.Handle(context.Background(), "pharm-1", contractx.AudienceOperator, "hi", "")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !out.Success || oracle.requests[0].Principal.PatientID != "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHandleOracleFailure(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{err: fmt.Errorf("%w: upstream down", contractx.ErrModelInvoke)}
	h := newHarness(t, oracle, fakeResolver{}, Config{})

	out, err := h.orch.Handle(context.Background(), "u-1", contractx.AudiencePatient, "hello", "")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Success || out.Reason != contractx.ReasonOracleFailure || out.FinalText == "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHandleOracleTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeOracle{}, fakeResolver{}, Config{OracleTimeout: 10 * time.Millisecond})
	h.orch.oracles[contractx.AudiencePatient] = blockingOracle{}

	out, err := h.orch.Handle(context.Background(), "u-1", contractx.AudiencePatient, "hello", "")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if out.Reason != contractx.ReasonOracleFailure {
		t.Fatalf("expected oracle_failure, got %+v", out)
	}
}

type blockingOracle struct{}

func (blockingOracle) Decide(ctx context.Context, _ contractx.DecisionRequest) (contractx.Decision, error) {
	<-ctx.Done()
	return contractx.Decision{}, ctx.Err()
}

func TestHandleAppendsMemoryAndReplaysIt(t *testing.T) {
	t.Parallel()

	oracle := &fakeOracle{decisions: []contractx.Decision{
		{Text: "Hi Anna."},
		{Text: "You asked about paracetamol."},
	}}
	h := newHarness(t, oracle, fakeResolver{}, Config{})
	ctx := context.Background()

	if _, err := h.orch.Handle(ctx, "u-1", contractx.AudiencePatient, "hello", ""); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := h.orch.Handle(ctx, "u-1", contractx.AudiencePatient, "what did I ask?", ""); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	history := oracle.requests[1].History
	if len(history) != 2 || history[0].Content != "hello" || history[1].Content != "Hi Anna." {
		t.Fatalf("unexpected history: %+v", history)
	}
	turns, err := h.memory.Recent(ctx, "u-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 4 || turns[3].Role != contractx.RoleAssistant {
		t.Fatalf("unexpected memory: %+v", turns)
	}
}

func TestHandleRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeOracle{}, fakeResolver{}, Config{})
	ctx := context.Background()

	if _, err := h.orch.Handle(ctx, "u-1", contractx.AudiencePatient, "   ", ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := h.orch.Handle(ctx, "", contractx.AudiencePatient, "hi", ""); !errors.Is(err, ErrInvalidCaller) {
		t.Fatalf("expected ErrInvalidCaller, got %v", err)
	}
	if _, err := h.orch.Handle(ctx, "u-1", contractx.Audience("robot"), "hi", ""); !errors.Is(err, ErrInvalidAudience) {
		t.Fatalf("expected ErrInvalidAudience, got %v", err)
	}
}
