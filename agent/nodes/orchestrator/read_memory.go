package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

func ReadMemory(
	ctx context.Context,
	in *GraphState,
	memory contractx.MemoryStore,
	maxPairs int,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Terminated {
		return in, nil
	}

	turns, err := memory.Recent(ctx, in.Principal.CallerID, maxPairs)
	if err != nil {
		// Continuity is best effort; answer without history.
		log.Ctx(ctx).Warn().Err(err).Str("caller_id", in.Principal.CallerID).Msg("read memory failed")
		return in, nil
	}
	in.History = turns
	return in, nil
}
