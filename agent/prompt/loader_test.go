package prompt

import (
	"errors"
	"strings"
	"testing"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

func TestLoadPromptSet(t *testing.T) {
	t.Parallel()

	set := LoadPromptSet()
	for _, a := range []contractx.Audience{contractx.AudiencePatient, contractx.AudienceOperator} {
		p, err := set.For(a)
		if err != nil {
			t.Fatalf("For(%s) error = %v", a, err)
		}
		if !strings.Contains(p, "{today}") || !strings.Contains(p, "{language}") {
			t.Fatalf("prompt for %s lacks template variables", a)
		}
	}
}

func TestForUnknownAudience(t *testing.T) {
	t.Parallel()

	_, err := LoadPromptSet().For(contractx.Audience("robot"))
	if !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}
