package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	used := in.Used
	if used == nil {
		used = []string{}
	}
	trace := in.Trace
	if trace == nil {
		trace = []contractx.TraceEntry{}
	}

	return GraphOutput{Outcome: contractx.Outcome{
		Success:          in.Success,
		FinalText:        strings.TrimSpace(in.FinalText),
		CapabilitiesUsed: used,
		Trace:            trace,
		Truncated:        in.Truncated,
		Iterations:       in.Iterations,
		Reason:           in.Reason,
	}}, nil
}
