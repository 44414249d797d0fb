package llm

import (
	"errors"
	"testing"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

func TestOpenRouterForAppliesRoleOverrides(t *testing.T) {
	t.Parallel()

	cfg := Config{
		APIKey:              " key ",
		Model:               "base/model",
		Temperature:         0.2,
		MaxCompletionToken:  1000,
		OperatorModel:       "ops/model",
		OperatorTemperature: 0.7,
		PatientTemperature:  -1,
	}

	got := cfg.OpenRouterFor(RoleFor(contractx.AudienceOperator))
	if got.Model != "ops/model" || got.Temperature != 0.7 {
		t.Fatalf("operator config = %+v", got)
	}
	if got.APIKey != "key" {
		t.Fatalf("APIKey = %q, want trimmed", got.APIKey)
	}

	got = cfg.OpenRouterFor(RoleFor(contractx.AudiencePatient))
	if got.Model != "base/model" || got.Temperature != 0.2 {
		t.Fatalf("patient config = %+v", got)
	}
	if got.MaxCompletionToken == nil || *got.MaxCompletionToken != 1000 {
		t.Fatalf("MaxCompletionToken = %v", got.MaxCompletionToken)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := (Config{Model: "m"}).Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}
	if err := (Config{APIKey: "k", Model: "m"}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
