package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	toolx "github.com/tanpawarit/chative-pharmacy-agent/agent/tool"
)

// ErrUnavailable is returned while the breaker refuses calls.
var ErrUnavailable = fmt.Errorf("%w: decision model unavailable", contractx.ErrModelInvoke)

type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

type Option func(*options)

type options struct {
	breaker BreakerConfig
}

func WithBreaker(cfg BreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// Oracle asks a tool-calling chat model for the next step of a dispatch loop.
type Oracle struct {
	audience contractx.Audience
	runner   compose.Runnable[contractx.DecisionRequest, contractx.Decision]
	breaker  *gobreaker.CircuitBreaker
}

var _ contractx.DecisionOracle = (*Oracle)(nil)

func New(
	ctx context.Context,
	audience contractx.Audience,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	opts ...Option,
) (*Oracle, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if !audience.Valid() {
		return nil, fmt.Errorf("%w: unknown audience %q", contractx.ErrValidation, audience)
	}
	if systemPrompt == "" {
		return nil, fmt.Errorf("%w: system prompt for %s", contractx.ErrPromptMissing, audience)
	}

	o := options{breaker: DefaultBreakerConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	name := "oracle." + string(audience)
	runner, err := compileDecisionGraph(ctx, chatModel, systemPrompt, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	return &Oracle{
		audience: audience,
		runner:   runner,
		breaker:  newBreaker(name, o.breaker),
	}, nil
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("oracle breaker state changed")
		},
		// A malformed reply is the model misbehaving, not the provider being down.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, contractx.ErrSchemaViolation) || errors.Is(err, context.Canceled)
		},
	})
}

// Decide offers the request's capabilities as tools and returns the model's
// choice: one capability request, or final text.
func (o *Oracle) Decide(ctx context.Context, req contractx.DecisionRequest) (contractx.Decision, error) {
	tools := toolx.ToolInfos(req.Capabilities)

	out, err := o.breaker.Execute(func() (any, error) {
		return o.runner.Invoke(ctx, req, compose.WithChatModelOption(einomodel.WithTools(tools)))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return contractx.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if errors.Is(err, contractx.ErrSchemaViolation) || errors.Is(err, contractx.ErrValidation) {
			return contractx.Decision{}, err
		}
		return contractx.Decision{}, fmt.Errorf("%w: %s decide: %v", contractx.ErrModelInvoke, o.audience, err)
	}
	return out.(contractx.Decision), nil
}
