package orchestratornode

import (
	"errors"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

var (
	ErrInvalidMessage  = errors.New("message is empty")
	ErrInvalidCaller   = errors.New("caller id is empty")
	ErrInvalidAudience = errors.New("audience is unknown")
)

type GraphInput struct {
	CallerID string
	Audience contractx.Audience
	Message  string
	Language string
}

type GraphOutput struct {
	Outcome contractx.Outcome
}

// GraphState is threaded through every node of one dispatch run.
type GraphState struct {
	Principal contractx.Principal
	Message   string
	Language  string
	Now       time.Time

	History []contractx.Turn
	Steps   []contractx.DecisionStep

	Trace      []contractx.TraceEntry
	Used       []string
	Iterations int
	FinalText  string
	Truncated  bool
	Success    bool
	Reason     contractx.Reason

	// Terminated is set by resolve_identity when the run cannot start.
	Terminated bool
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	callerID := strings.TrimSpace(in.CallerID)
	if callerID == "" {
		return nil, ErrInvalidCaller
	}
	if !in.Audience.Valid() {
		return nil, ErrInvalidAudience
	}

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, ErrInvalidMessage
	}

	return &GraphState{
		Principal: contractx.Principal{CallerID: callerID, Audience: in.Audience},
		Message:   message,
		Language:  strings.TrimSpace(in.Language),
		Now:       nowFn().UTC(),
	}, nil
}
