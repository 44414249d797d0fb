package orchestratornode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

const (
	DefaultMaxIterations = 6
	DefaultOracleTimeout = 30 * time.Second

	textIncomplete = "I could not finish this request. Please try again or rephrase it."
)

type LoopConfig struct {
	MaxIterations int
	OracleTimeout time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = DefaultOracleTimeout
	}
	return c
}

// DispatchLoop alternates oracle decisions and capability invocations until the
// oracle answers without a request or the iteration cap is hit. Each iteration
// is one decision plus at most one capability.
func DispatchLoop(
	ctx context.Context,
	in *GraphState,
	oracle contractx.DecisionOracle,
	invoker contractx.CapabilityInvoker,
	cfg LoopConfig,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Terminated {
		return in, nil
	}
	cfg = cfg.withDefaults()
	logger := log.Ctx(ctx)

	specs := invoker.Specs(in.Principal.Audience)
	lastText := ""

	for in.Iterations < cfg.MaxIterations {
		in.Iterations++

		decision, err := decide(ctx, oracle, cfg.OracleTimeout, contractx.DecisionRequest{
			Principal:    in.Principal,
			Message:      in.Message,
			Language:     in.Language,
			History:      in.History,
			Steps:        in.Steps,
			Capabilities: specs,
			Now:          in.Now,
		})
		if err != nil {
			logger.Error().Err(err).Int("iteration", in.Iterations).Msg("oracle failed")
			in.Success = false
			in.Reason = contractx.ReasonOracleFailure
			in.FinalText = textUnavailable
			return in, nil
		}
		if text := strings.TrimSpace(decision.Text); text != "" {
			lastText = text
		}

		if decision.Request == nil {
			in.Success = true
			in.FinalText = lastText
			return in, nil
		}

		req := *decision.Request
		var res contractx.CapabilityResult
		if invoker.Has(req.Name) {
			res = invoker.Invoke(ctx, in.Principal, req)
			in.markUsed(req.Name)
		} else {
			res = contractx.UnknownCapability()
		}

		in.Steps = append(in.Steps, contractx.DecisionStep{Request: req, Result: res})
		in.Trace = append(in.Trace, contractx.TraceEntry{
			Capability: req.Name,
			Summary:    res.Summary,
			Success:    res.Success,
			Reason:     res.Reason,
		})
	}

	logger.Warn().Int("iterations", in.Iterations).Msg("dispatch loop hit iteration cap")
	in.Truncated = true
	in.Success = true
	in.FinalText = lastText
	if in.FinalText == "" {
		in.FinalText = textIncomplete
	}
	return in, nil
}

func decide(
	ctx context.Context,
	oracle contractx.DecisionOracle,
	timeout time.Duration,
	req contractx.DecisionRequest,
) (contractx.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return oracle.Decide(ctx, req)
}

func (s *GraphState) markUsed(name string) {
	for _, u := range s.Used {
		if u == name {
			return
		}
	}
	s.Used = append(s.Used, name)
}
