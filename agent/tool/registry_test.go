package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	identityx "github.com/tanpawarit/chative-pharmacy-agent/agent/identity"
)

type fakeResolver map[string]string

func (f fakeResolver) Resolve(_ context.Context, callerID string) (string, error) {
	if id, ok := f[callerID]; ok {
		return id, nil
	}
	return "", identityx.ErrPatientNotFound
}

var (
	patientPrincipal  = contractx.Principal{CallerID: "u-1", PatientID: "p-1", Audience: contractx.AudiencePatient}
	operatorPrincipal = contractx.Principal{CallerID: "pharm-1", Audience: contractx.AudienceOperator}
)

func echoCapability(name string, scope Scope, audiences ...contractx.Audience) Capability {
	return Capability{
		Spec: contractx.CapabilitySpec{
			Name: name,
			Params: []contractx.ParamSpec{
				{Name: "query", Type: contractx.ParamString, Required: true},
				{Name: "limit", Type: contractx.ParamInteger, Default: 5},
			},
		},
		Scope:     scope,
		Audiences: audiences,
		Handler: func(_ context.Context, call Call) contractx.CapabilityResult {
			return contractx.CapabilityResult{
				Success: true,
				Summary: fmt.Sprintf("%s|%v|%v", call.PatientID, call.Args["query"], call.Args["limit"]),
			}
		},
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(fakeResolver{"u-2": "p-2"}, opts...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	both := []contractx.Audience{contractx.AudiencePatient, contractx.AudienceOperator}
	for _, c := range []Capability{
		echoCapability("public_echo", ScopePublic, both...),
		echoCapability("patient_echo", ScopePatient, both...),
		echoCapability("operator_echo", ScopePublic, contractx.AudienceOperator),
	} {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s) error = %v", c.Spec.Name, err)
		}
	}
	return r
}

func TestRegisterRejectsDuplicatesAndMissingHandler(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	if err := r.Register(echoCapability("public_echo", ScopePublic, contractx.AudiencePatient)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	c := echoCapability("no_handler", ScopePublic, contractx.AudiencePatient)
	c.Handler = nil
	if err := r.Register(c); err == nil {
		t.Fatal("expected missing handler error")
	}
	if err := r.Register(echoCapability("nobody", ScopePublic)); err == nil {
		t.Fatal("expected missing audience error")
	}
}

func TestInvokeUnknownCapability(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res := r.Invoke(context.Background(), patientPrincipal, contractx.CapabilityRequest{Name: "nope"})
	if res.Success || res.Reason != contractx.ReasonUnknownCapability || res.Summary != "unknown capability" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeFillsDefaultsAndCoercesIntegers(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res := r.Invoke(context.Background(), patientPrincipal, contractx.CapabilityRequest{
		Name: "public_echo",
		Args: map[string]any{"query": "para"},
	})
	if !res.Success || res.Summary != "|para|5" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = r.Invoke(context.Background(), patientPrincipal, contractx.CapabilityRequest{
		Name: "public_echo",
		Args: map[string]any{"query": "para", "limit": float64(3)},
	})
	if !res.Success || res.Summary != "|para|3" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	cases := map[string]map[string]any{
		"missing required": {},
		"blank required":   {"query": "  "},
		"wrong type":       {"query": "x", "limit": "many"},
		"fractional":       {"query": "x", "limit": 2.5},
	}
	for name, args := range cases {
		res := r.Invoke(context.Background(), patientPrincipal, contractx.CapabilityRequest{Name: "public_echo", Args: args})
		if res.Success || res.Reason != contractx.ReasonInvalidArguments {
			t.Fatalf("%s: unexpected result: %+v", name, res)
		}
	}
}

func TestInvokePatientScope(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	res := r.Invoke(ctx, patientPrincipal, contractx.CapabilityRequest{Name: "patient_echo", Args: map[string]any{"query": "x"}})
	if !res.Success || res.Summary != "p-1|x|5" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = r.Invoke(ctx, patientPrincipal, contractx.CapabilityRequest{
		Name: "patient_echo",
		Args: map[string]any{"query": "x", "patient_id": "p-2"},
	})
	if res.Reason != contractx.ReasonScopeViolation {
		t.Fatalf("expected scope violation for foreign patient_id, got %+v", res)
	}

	res = r.Invoke(ctx, patientPrincipal, contractx.CapabilityRequest{
		Name: "patient_echo",
		Args: map[string]any{"query": "x", "user_id": "u-2"},
	})
	if res.Reason != contractx.ReasonScopeViolation {
		t.Fatalf("expected scope violation for foreign user_id, got %+v", res)
	}

	res = r.Invoke(ctx, patientPrincipal, contractx.CapabilityRequest{Name: "operator_echo", Args: map[string]any{"query": "x"}})
	if res.Reason != contractx.ReasonScopeViolation {
		t.Fatalf("expected scope violation for operator capability, got %+v", res)
	}
}

func TestInvokeOperatorResolvesUserID(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	ctx := context.Background()

	res := r.Invoke(ctx, operatorPrincipal, contractx.CapabilityRequest{Name: "patient_echo", Args: map[string]any{"query": "x"}})
	if res.Reason != contractx.ReasonInvalidArguments {
		t.Fatalf("expected invalid_arguments without user_id, got %+v", res)
	}

	res = r.Invoke(ctx, operatorPrincipal, contractx.CapabilityRequest{
		Name: "patient_echo",
		Args: map[string]any{"query": "x", "user_id": "u-404"},
	})
	if res.Reason != contractx.ReasonPatientNotFound {
		t.Fatalf("expected patient_not_found, got %+v", res)
	}

	res = r.Invoke(ctx, operatorPrincipal, contractx.CapabilityRequest{
		Name: "patient_echo",
		Args: map[string]any{"query": "x", "user_id": "u-2"},
	})
	if !res.Success || res.Summary != "p-2|x|5" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeTimeoutLeavesHandlerRunning(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, WithTimeout(20*time.Millisecond))
	release := make(chan struct{})
	finished := make(chan error, 1)
	err := r.Register(Capability{
		Spec:      contractx.CapabilitySpec{Name: "slow"},
		Scope:     ScopePublic,
		Audiences: []contractx.Audience{contractx.AudiencePatient},
		Handler: func(ctx context.Context, _ Call) contractx.CapabilityResult {
			<-release
			finished <- ctx.Err()
			return contractx.CapabilityResult{Success: true}
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	res := r.Invoke(ctx, patientPrincipal, contractx.CapabilityRequest{Name: "slow"})
	if res.Reason != contractx.ReasonCapabilityTimeout {
		t.Fatalf("expected capability_timeout, got %+v", res)
	}

	cancel()
	close(release)
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("handler context was cancelled: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestInvokeTimedOutHandlerHitsCeiling(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, WithTimeout(10*time.Millisecond))
	stopped := make(chan error, 1)
	err := r.Register(Capability{
		Spec:      contractx.CapabilitySpec{Name: "hung"},
		Scope:     ScopePublic,
		Audiences: []contractx.Audience{contractx.AudiencePatient},
		Handler: func(ctx context.Context, _ Call) contractx.CapabilityResult {
			<-ctx.Done()
			stopped <- ctx.Err()
			return contractx.CapabilityResult{}
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res := r.Invoke(context.Background(), patientPrincipal, contractx.CapabilityRequest{Name: "hung"})
	if res.Reason != contractx.ReasonCapabilityTimeout {
		t.Fatalf("expected capability_timeout, got %+v", res)
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("handler stopped with %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hung handler was never cut off")
	}
}

func TestInvokeRecoversPanic(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	err := r.Register(Capability{
		Spec:      contractx.CapabilitySpec{Name: "boom"},
		Scope:     ScopePublic,
		Audiences: []contractx.Audience{contractx.AudiencePatient},
		Handler:   func(context.Context, Call) contractx.CapabilityResult { panic("boom") },
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	res := r.Invoke(context.Background(), patientPrincipal, contractx.CapabilityRequest{Name: "boom"})
	if res.Reason != contractx.ReasonInvariantViolation {
		t.Fatalf("expected invariant_violation, got %+v", res)
	}
}

func TestSpecsPerAudience(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	patient := r.Specs(contractx.AudiencePatient)
	if len(patient) != 2 || patient[0].Name != "patient_echo" || patient[1].Name != "public_echo" {
		t.Fatalf("unexpected patient specs: %+v", patient)
	}
	for _, p := range patient[0].Params {
		if p.Name == "user_id" {
			t.Fatal("patient specs must not expose user_id")
		}
	}

	operator := r.Specs(contractx.AudienceOperator)
	if len(operator) != 3 {
		t.Fatalf("expected 3 operator specs, got %d", len(operator))
	}
	var scoped contractx.CapabilitySpec
	for _, s := range operator {
		if s.Name == "patient_echo" {
			scoped = s
		}
	}
	if len(scoped.Params) == 0 || scoped.Params[0].Name != "user_id" || !scoped.Params[0].Required {
		t.Fatalf("operator spec must lead with required user_id: %+v", scoped.Params)
	}
}

func TestToolInfos(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	infos := ToolInfos(r.Specs(contractx.AudiencePatient))
	if len(infos) != 2 {
		t.Fatalf("expected 2 tool infos, got %d", len(infos))
	}
	if infos[0].Name != "patient_echo" {
		t.Fatalf("unexpected first tool: %s", infos[0].Name)
	}
	if infos[0].ParamsOneOf == nil {
		t.Fatal("expected parameters on tool info")
	}
}
