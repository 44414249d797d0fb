package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

var (
	//go:embed template/patient.txt
	patientRaw string

	//go:embed template/operator.txt
	operatorRaw string
)

// PromptSet holds the system prompt per audience. Prompts are eino FString
// templates taking {today} and {language}.
type PromptSet struct {
	Patient  string
	Operator string
}

func LoadPromptSet() PromptSet {
	return PromptSet{
		Patient:  strings.TrimSpace(patientRaw),
		Operator: strings.TrimSpace(operatorRaw),
	}
}

func (p PromptSet) For(audience contractx.Audience) (string, error) {
	var out string
	switch audience {
	case contractx.AudiencePatient:
		out = p.Patient
	case contractx.AudienceOperator:
		out = p.Operator
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: no system prompt for audience %q", contractx.ErrPromptMissing, audience)
	}
	return out, nil
}
