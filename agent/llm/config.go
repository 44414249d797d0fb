package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	openrouterx "github.com/tanpawarit/chative-pharmacy-agent/pkg/openrouter"
)

// Role picks which model override applies.
type Role string

const (
	RolePatientOracle  Role = "patient_oracle"
	RoleOperatorOracle Role = "operator_oracle"
	RoleExtractor      Role = "extractor"
)

// RoleFor maps a dispatch audience onto its oracle role.
func RoleFor(audience contractx.Audience) Role {
	if audience == contractx.AudienceOperator {
		return RoleOperatorOracle
	}
	return RolePatientOracle
}

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	PatientModel         string  `envconfig:"PATIENT_MODEL" split_words:"true"`
	OperatorModel        string  `envconfig:"OPERATOR_MODEL" split_words:"true"`
	ExtractorModel       string  `envconfig:"EXTRACTOR_MODEL" split_words:"true"`
	PatientTemperature   float32 `envconfig:"PATIENT_TEMPERATURE" split_words:"true" default:"-1"`
	OperatorTemperature  float32 `envconfig:"OPERATOR_TEMPERATURE" split_words:"true" default:"-1"`
	ExtractorTemperature float32 `envconfig:"EXTRACTOR_TEMPERATURE" split_words:"true" default:"0"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

func (c Config) OpenRouterFor(role Role) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	override := func(m string, t float32) {
		if v := strings.TrimSpace(m); v != "" {
			modelName = v
		}
		if t >= 0 {
			temp = t
		}
	}

	switch role {
	case RolePatientOracle:
		override(c.PatientModel, c.PatientTemperature)
	case RoleOperatorOracle:
		override(c.OperatorModel, c.OperatorTemperature)
	case RoleExtractor:
		override(c.ExtractorModel, c.ExtractorTemperature)
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
