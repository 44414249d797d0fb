package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

const (
	textPatientNotFound = "We could not find a patient record for your account. Please register with the pharmacy first."
	textUnavailable     = "Sorry, something went wrong on our side. Please try again in a moment."
)

// ResolveIdentity binds a patient caller to their patient record. Operators act
// without one. A failed resolution ends the run without touching memory.
func ResolveIdentity(
	ctx context.Context,
	in *GraphState,
	resolver contractx.IdentityResolver,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Principal.Audience != contractx.AudiencePatient {
		return in, nil
	}

	patientID, err := resolver.Resolve(ctx, in.Principal.CallerID)
	if err != nil {
		in.Terminated = true
		in.Success = false
		in.Reason = contractx.ReasonOf(err)
		if errors.Is(err, contractx.ErrResolution) {
			in.FinalText = textPatientNotFound
		} else {
			log.Ctx(ctx).Warn().Err(err).Str("caller_id", in.Principal.CallerID).Msg("identity resolution failed")
			in.FinalText = textUnavailable
		}
		return in, nil
	}
	in.Principal.PatientID = patientID
	return in, nil
}
