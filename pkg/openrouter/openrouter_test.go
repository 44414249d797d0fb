package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func TestNewClientWithoutKey(t *testing.T) {
	t.Parallel()

	if c := NewClient(Config{}); c != nil {
		t.Fatal("expected nil client without api key")
	}
}

func TestNewClientSendsSiteHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"[]"}}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:  server.URL,
		APIKey:   "sk-test",
		SiteURL:  "https://pharmacy.example",
		SiteName: "Pharmacy",
	}, option.WithMaxRetries(0))

	_, err := client.Chat.Completions.New(context.Background(), openaisdk.ChatCompletionNewParams{
		Model:    "m",
		Messages: []openaisdk.ChatCompletionMessageParamUnion{openaisdk.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("completion error = %v", err)
	}

	h := <-got
	if h.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("unexpected auth header: %q", h.Get("Authorization"))
	}
	if h.Get(headerReferer) != "https://pharmacy.example" || h.Get(headerTitle) != "Pharmacy" {
		t.Fatalf("missing site headers: %v", h)
	}
}

func TestHeadersSkipsBlank(t *testing.T) {
	t.Parallel()

	c := Config{SiteURL: "  "}
	if len(c.headers()) != 0 {
		t.Fatalf("expected no headers, got %v", c.headers())
	}
}
