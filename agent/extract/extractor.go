package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

const systemPrompt = `You extract medicine orders from prescription or free text.
Return ONLY a JSON array. Each element: {"name": string, "qty": integer, "frequency_per_day": integer or null, "dosage_text": string or null}.
Use qty 1 when no amount is stated. Return [] when no medicine is mentioned.`

// Extractor turns raw text into structured medicine lines using a chat completion.
type Extractor struct {
	client *openaisdk.Client
	model  string
}

func New(client *openaisdk.Client, model string) (*Extractor, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("extractor model is required")
	}
	return &Extractor{client: client, model: model}, nil
}

func (e *Extractor) ExtractMedicines(ctx context.Context, rawText string) ([]contractx.ExtractedMedicine, error) {
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return nil, fmt.Errorf("%w: text is empty", contractx.ErrValidation)
	}

	resp, err := e.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(e.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(systemPrompt),
			openaisdk.UserMessage(rawText),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", contractx.ErrTransient, contractx.ErrModelInvoke, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %w: no choices", contractx.ErrTransient, contractx.ErrSchemaViolation)
	}

	items, err := Parse(resp.Choices[0].Message.Content)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("extractor returned unparseable content")
		return nil, fmt.Errorf("%w: %w", contractx.ErrTransient, err)
	}
	return items, nil
}

// Parse decodes the model's reply, tolerating markdown code fences.
func Parse(content string) ([]contractx.ExtractedMedicine, error) {
	raw := stripFences(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty extraction", contractx.ErrSchemaViolation)
	}

	var items []contractx.ExtractedMedicine
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: decode extraction: %v", contractx.ErrSchemaViolation, err)
	}

	out := items[:0]
	for _, it := range items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			continue
		}
		if it.Qty <= 0 {
			it.Qty = 1
		}
		it.DosageText = strings.TrimSpace(it.DosageText)
		out = append(out, it)
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
