package tool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	metricsx "github.com/tanpawarit/chative-pharmacy-agent/pkg/metrics"
)

const (
	DefaultTimeout = 20 * time.Second

	// A handler left running after its caller gave up is cut off at this
	// multiple of the invoke timeout.
	handlerCeilingFactor = 10

	argPatientID = "patient_id"
	argUserID    = "user_id"
)

type Scope int

const (
	// ScopePublic capabilities never see a patient id.
	ScopePublic Scope = iota
	// ScopePatient capabilities act on exactly one resolved patient.
	ScopePatient
)

// Call is what a handler receives: the acting principal, the patient the call
// is scoped to (empty for public capabilities) and arguments with defaults filled.
type Call struct {
	Principal contractx.Principal
	PatientID string
	Args      map[string]any
}

type Handler func(ctx context.Context, call Call) contractx.CapabilityResult

type Capability struct {
	Spec      contractx.CapabilitySpec
	Scope     Scope
	Audiences []contractx.Audience
	Handler   Handler
}

func (c Capability) allows(a contractx.Audience) bool {
	for _, x := range c.Audiences {
		if x == a {
			return true
		}
	}
	return false
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMetrics(m *metricsx.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the name-to-handler table the dispatch loop invokes through.
type Registry struct {
	caps     map[string]Capability
	resolver contractx.IdentityResolver
	timeout  time.Duration
	metrics  *metricsx.Collector
}

func NewRegistry(resolver contractx.IdentityResolver, opts ...Option) (*Registry, error) {
	if resolver == nil {
		return nil, errors.New("identity resolver is required")
	}
	r := &Registry{
		caps:     make(map[string]Capability),
		resolver: resolver,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Registry) Register(c Capability) error {
	name := strings.TrimSpace(c.Spec.Name)
	if name == "" {
		return fmt.Errorf("%w: capability name is required", contractx.ErrValidation)
	}
	if c.Handler == nil {
		return fmt.Errorf("%w: capability %s has no handler", contractx.ErrValidation, name)
	}
	if len(c.Audiences) == 0 {
		return fmt.Errorf("%w: capability %s has no audience", contractx.ErrValidation, name)
	}
	if _, dup := r.caps[name]; dup {
		return fmt.Errorf("%w: capability %s registered twice", contractx.ErrValidation, name)
	}
	c.Spec.Name = name
	r.caps[name] = c
	return nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.caps[name]
	return ok
}

// Specs lists what the given audience may call, sorted by name. For operators
// every patient-scoped capability gains a required user_id parameter.
func (r *Registry) Specs(audience contractx.Audience) []contractx.CapabilitySpec {
	var out []contractx.CapabilitySpec
	for _, c := range r.caps {
		if !c.allows(audience) {
			continue
		}
		spec := c.Spec
		if audience == contractx.AudienceOperator && c.Scope == ScopePatient {
			spec.Params = append([]contractx.ParamSpec{{
				Name:        argUserID,
				Type:        contractx.ParamString,
				Description: "User id of the patient this call acts on",
				Required:    true,
			}}, spec.Params...)
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke never returns an error: every failure comes back as a structured result.
func (r *Registry) Invoke(ctx context.Context, principal contractx.Principal, req contractx.CapabilityRequest) contractx.CapabilityResult {
	started := time.Now()
	res := r.invoke(ctx, principal, req)
	r.metrics.ObserveCapability(req.Name, string(res.Reason), time.Since(started))

	evt := log.Ctx(ctx).Debug()
	if !res.Success {
		evt = log.Ctx(ctx).Info()
	}
	evt.Str("capability", req.Name).
		Str("caller_id", principal.CallerID).
		Bool("success", res.Success).
		Str("reason", string(res.Reason)).
		Dur("took", time.Since(started)).
		Msg("capability invoked")
	return res
}

func (r *Registry) invoke(ctx context.Context, principal contractx.Principal, req contractx.CapabilityRequest) contractx.CapabilityResult {
	c, ok := r.caps[req.Name]
	if !ok {
		return contractx.UnknownCapability()
	}
	if !c.allows(principal.Audience) {
		return contractx.Failure(contractx.ReasonScopeViolation,
			fmt.Sprintf("%s is not available to %s callers", req.Name, principal.Audience))
	}

	args := make(map[string]any, len(req.Args)+len(c.Spec.Params))
	for k, v := range req.Args {
		args[k] = v
	}

	call := Call{Principal: principal}
	if c.Scope == ScopePatient {
		patientID, failure := r.scopePatient(ctx, principal, args)
		if failure != nil {
			return *failure
		}
		call.PatientID = patientID
	}
	delete(args, argPatientID)
	delete(args, argUserID)

	if err := applySpec(c.Spec, args); err != nil {
		return contractx.Failure(contractx.ReasonInvalidArguments, err.Error())
	}
	call.Args = args

	return r.run(ctx, c, call)
}

// scopePatient picks the patient a patient-scoped call acts on and rejects
// any attempt to reach another patient's data.
func (r *Registry) scopePatient(ctx context.Context, principal contractx.Principal, args map[string]any) (string, *contractx.CapabilityResult) {
	fail := func(reason contractx.Reason, summary string) (string, *contractx.CapabilityResult) {
		res := contractx.Failure(reason, summary)
		return "", &res
	}

	switch principal.Audience {
	case contractx.AudiencePatient:
		if principal.PatientID == "" {
			log.Ctx(ctx).Error().Str("caller_id", principal.CallerID).Msg("patient-scoped call without resolved patient")
			return fail(contractx.ReasonInvariantViolation, "request could not be processed")
		}
		if v, ok := args[argPatientID]; ok && fmt.Sprint(v) != principal.PatientID {
			return fail(contractx.ReasonScopeViolation, "cannot act on another patient's records")
		}
		if v, ok := args[argUserID]; ok && fmt.Sprint(v) != principal.CallerID {
			return fail(contractx.ReasonScopeViolation, "cannot act on another patient's records")
		}
		return principal.PatientID, nil

	case contractx.AudienceOperator:
		userID, _ := args[argUserID].(string)
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return fail(contractx.ReasonInvalidArguments, "user_id is required")
		}
		patientID, err := r.resolver.Resolve(ctx, userID)
		if err != nil {
			return fail(contractx.ReasonOf(err), "patient not found for user_id")
		}
		return patientID, nil
	}
	return fail(contractx.ReasonScopeViolation, "unknown audience")
}

// run executes the handler on a context detached from the caller. The wait is
// bounded by the invoke timeout; after it the handler keeps going in the
// background until it finishes or hits the hard ceiling.
func (r *Registry) run(ctx context.Context, c Capability, call Call) contractx.CapabilityResult {
	handlerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerCeilingFactor*r.timeout)
	done := make(chan contractx.CapabilityResult, 1)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				log.Ctx(handlerCtx).Error().
					Str("capability", c.Spec.Name).
					Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Msg("capability handler panicked")
				done <- contractx.Failure(contractx.ReasonInvariantViolation, "request could not be processed")
			}
		}()
		done <- c.Handler(handlerCtx, call)
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		log.Ctx(ctx).Warn().Str("capability", c.Spec.Name).Dur("timeout", r.timeout).Msg("capability timed out")
		return contractx.Failure(contractx.ReasonCapabilityTimeout,
			fmt.Sprintf("%s did not finish in time", c.Spec.Name))
	}
}
