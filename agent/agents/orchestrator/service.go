package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	nodex "github.com/tanpawarit/chative-pharmacy-agent/agent/nodes/orchestrator"
	statex "github.com/tanpawarit/chative-pharmacy-agent/agent/state"
	metricsx "github.com/tanpawarit/chative-pharmacy-agent/pkg/metrics"
)

var (
	ErrInvalidMessage  = nodex.ErrInvalidMessage
	ErrInvalidCaller   = nodex.ErrInvalidCaller
	ErrInvalidAudience = nodex.ErrInvalidAudience
)

var tracer trace.Tracer = otel.Tracer("pharmacy/orchestrator")

type Config struct {
	MaxIterations     int           `envconfig:"MAX_ITERATIONS" split_words:"true" default:"6"`
	MaxTurnPairs      int           `envconfig:"MAX_TURN_PAIRS" split_words:"true" default:"10"`
	OracleTimeout     time.Duration `envconfig:"ORACLE_TIMEOUT" split_words:"true" default:"30s"`
	CapabilityTimeout time.Duration `envconfig:"CAPABILITY_TIMEOUT" split_words:"true" default:"20s"`
}

type Option func(*Orchestrator)

func WithMetrics(m *metricsx.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs one dispatch per inbound message.
type Orchestrator struct {
	resolver contractx.IdentityResolver
	oracles  map[contractx.Audience]contractx.DecisionOracle
	invoker  contractx.CapabilityInvoker
	memory   contractx.MemoryStore
	metrics  *metricsx.Collector

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	loop     nodex.LoopConfig
	maxPairs int
	now      func() time.Time
}

func New(
	resolver contractx.IdentityResolver,
	oracles map[contractx.Audience]contractx.DecisionOracle,
	invoker contractx.CapabilityInvoker,
	memory contractx.MemoryStore,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if resolver == nil {
		return nil, errors.New("identity resolver is required")
	}
	if len(oracles) == 0 {
		return nil, errors.New("at least one decision oracle is required")
	}
	if invoker == nil {
		return nil, errors.New("capability invoker is required")
	}
	if memory == nil {
		return nil, errors.New("memory store is required")
	}

	maxPairs := cfg.MaxTurnPairs
	if maxPairs <= 0 {
		maxPairs = statex.DefaultMaxTurnPairs
	}

	o := &Orchestrator{
		resolver: resolver,
		oracles:  oracles,
		invoker:  invoker,
		memory:   memory,
		loop: nodex.LoopConfig{
			MaxIterations: cfg.MaxIterations,
			OracleTimeout: cfg.OracleTimeout,
		},
		maxPairs: maxPairs,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// Handle runs the dispatch loop for one message. The error is non-nil only for
// malformed input or an internal graph failure; every other failure is part
// of the returned outcome.
func (o *Orchestrator) Handle(ctx context.Context, callerID string, audience contractx.Audience, message, language string) (contractx.Outcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.handle",
		trace.WithAttributes(
			attribute.String("pharmacy.caller_id", callerID),
			attribute.String("pharmacy.audience", string(audience)),
		),
	)
	defer span.End()

	if _, ok := o.oracles[audience]; !ok {
		err := fmt.Errorf("%w: %q", ErrInvalidAudience, audience)
		span.SetStatus(codes.Error, err.Error())
		return contractx.Outcome{}, err
	}

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		CallerID: callerID,
		Audience: audience,
		Message:  message,
		Language: language,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return contractx.Outcome{}, err
	}

	outcome := out.Outcome
	span.SetAttributes(
		attribute.Int("pharmacy.iterations", outcome.Iterations),
		attribute.Bool("pharmacy.truncated", outcome.Truncated),
		attribute.String("pharmacy.reason", string(outcome.Reason)),
	)
	o.metrics.ObserveDispatch(string(audience), outcomeLabel(outcome), outcome.Iterations)
	return outcome, nil
}

func outcomeLabel(o contractx.Outcome) string {
	switch {
	case !o.Success:
		if o.Reason != contractx.ReasonNone {
			return string(o.Reason)
		}
		return "failed"
	case o.Truncated:
		return "truncated"
	default:
		return "ok"
	}
}
