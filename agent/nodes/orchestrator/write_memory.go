package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

// WriteMemory records the caller message and the reply as one turn pair.
func WriteMemory(
	ctx context.Context,
	in *GraphState,
	memory contractx.MemoryStore,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Terminated || strings.TrimSpace(in.FinalText) == "" {
		return in, nil
	}

	// The reply is already decided; a caller hanging up must not lose the turn.
	ctx = context.WithoutCancel(ctx)
	if err := memory.AppendPair(ctx, in.Principal.CallerID, in.Message, in.FinalText); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("caller_id", in.Principal.CallerID).Msg("append turn pair failed")
	}
	return in, nil
}
