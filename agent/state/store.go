package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

const (
	defaultStoreKeyPrefix = "pharmacy:conv:"
	defaultStoreTTL       = 24 * time.Hour
	maxResponseSizeBytes  = 2 << 20

	multiExecPath = "/multi-exec"
)

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.keyPrefix = p
		}
	}
}

// WithTTL sets how long an idle conversation survives. Zero keeps it forever.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) { s.ttl = ttl }
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore keeps each caller's turn log as a Redis list over the
// Upstash REST API. Appends go through a MULTI/EXEC transaction so the push of
// every turn, the trim and the expiry land together.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

var _ Backend = (*UpstashRedisStore)(nil)

type commandReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &UpstashRedisStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultStoreKeyPrefix,
		ttl:        defaultStoreTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return s, nil
}

func (s *UpstashRedisStore) Append(ctx context.Context, callerID string, turns []contractx.Turn, maxEntries int) error {
	key, err := s.redisKey(callerID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	push := []any{"RPUSH", key}
	for _, turn := range turns {
		payload, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		push = append(push, string(payload))
	}

	tx := [][]any{push}
	if maxEntries > 0 {
		tx = append(tx, []any{"LTRIM", key, -maxEntries, -1})
	}
	if s.ttl > 0 {
		tx = append(tx, []any{"EXPIRE", key, ttlSeconds(s.ttl)})
	}

	replies, err := s.transaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	for i, r := range replies {
		if r.Error != "" {
			return fmt.Errorf("append turn: %v: %s", tx[i][0], r.Error)
		}
	}
	return nil
}

func (s *UpstashRedisStore) Range(ctx context.Context, callerID string, last int) ([]contractx.Turn, error) {
	key, err := s.redisKey(callerID)
	if err != nil {
		return nil, err
	}

	start := 0
	if last > 0 {
		start = -last
	}
	reply, err := s.exec(ctx, []any{"LRANGE", key, start, -1})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(reply.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}
	var encoded []string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode turn list: %w", err)
	}

	turns := make([]contractx.Turn, 0, len(encoded))
	for _, raw := range encoded {
		var turn contractx.Turn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Delete drops a caller's whole conversation.
func (s *UpstashRedisStore) Delete(ctx context.Context, callerID string) error {
	key, err := s.redisKey(callerID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, []any{"DEL", key})
	return err
}

func (s *UpstashRedisStore) redisKey(callerID string) (string, error) {
	if strings.TrimSpace(callerID) == "" {
		return "", ErrInvalidCaller
	}
	prefix := s.keyPrefix
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + callerID, nil
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*commandReply, error) {
	var reply commandReply
	if err := s.post(ctx, "", command, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return &reply, nil
}

func (s *UpstashRedisStore) transaction(ctx context.Context, commands [][]any) ([]commandReply, error) {
	var replies []commandReply
	if err := s.post(ctx, multiExecPath, commands, &replies); err != nil {
		return nil, err
	}
	if len(replies) != len(commands) {
		return nil, fmt.Errorf("transaction returned %d replies for %d commands", len(replies), len(commands))
	}
	return replies, nil
}

func (s *UpstashRedisStore) post(ctx context.Context, path string, body, out any) error {
	if s == nil || s.httpClient == nil {
		return errors.New("nil store")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal redis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// Upstash reports command errors as {"error": ...} with a 4xx status.
		var reply commandReply
		if json.Unmarshal(data, &reply) == nil && reply.Error != "" {
			return fmt.Errorf("redis: %s", reply.Error)
		}
		return fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode redis response: %w", err)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if ttl%time.Second != 0 {
		seconds++
	}
	if seconds <= 0 {
		return 1
	}
	return int64(seconds)
}
