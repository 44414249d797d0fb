package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

func TestMemoryKeepsMostRecentPairs(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil, 2)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := m.Append(ctx, "u1", contractx.RoleCaller, fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if err := m.Append(ctx, "u1", contractx.RoleAssistant, fmt.Sprintf("a%d", i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := m.Recent(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	want := []string{"q2", "a2", "q3", "a3"}
	if len(got) != len(want) {
		t.Fatalf("Recent() len = %d, want %d", len(got), len(want))
	}
	for i, turn := range got {
		if turn.Content != want[i] {
			t.Fatalf("Recent()[%d] = %q, want %q", i, turn.Content, want[i])
		}
		if i > 0 && turn.Seq <= got[i-1].Seq {
			t.Fatalf("turns not in sequence order: %+v", got)
		}
	}

	one, _ := m.Recent(ctx, "u1", 1)
	if len(one) != 2 || one[0].Content != "q3" {
		t.Fatalf("Recent(1) = %+v", one)
	}
}

func TestMemoryIsolatesCallers(t *testing.T) {
	t.Parallel()

	m := NewMemory(NewInMemoryStore(), 10)
	ctx := context.Background()
	_ = m.Append(ctx, "u1", contractx.RoleCaller, "mine")
	got, _ := m.Recent(ctx, "u2", 10)
	if len(got) != 0 {
		t.Fatalf("Recent(u2) = %+v, want empty", got)
	}
}

func TestMemoryConcurrentAppendsStayBounded(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil, 3)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Append(ctx, "u1", contractx.RoleCaller, fmt.Sprint(i))
		}(i)
	}
	wg.Wait()

	got, _ := m.Recent(ctx, "u1", 0)
	if len(got) != 6 {
		t.Fatalf("Recent() len = %d, want 6", len(got))
	}
}

func TestMemoryRejectsBadInput(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil, 0)
	if m.MaxTurnPairs() != DefaultMaxTurnPairs {
		t.Fatalf("MaxTurnPairs() = %d", m.MaxTurnPairs())
	}
	if err := m.Append(context.Background(), "", contractx.RoleCaller, "x"); err != ErrInvalidCaller {
		t.Fatalf("Append() error = %v, want ErrInvalidCaller", err)
	}
	if err := m.Append(context.Background(), "u1", "system", "x"); err == nil {
		t.Fatalf("Append() with unknown role succeeded")
	}
}

// gatedBackend parks the first Append until release is closed.
type gatedBackend struct {
	*InMemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Append(ctx context.Context, callerID string, turns []contractx.Turn, maxEntries int) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.InMemoryStore.Append(ctx, callerID, turns, maxEntries)
}

func TestMemoryAppendPairNeverInterleaves(t *testing.T) {
	t.Parallel()

	backend := &gatedBackend{
		InMemoryStore: NewInMemoryStore(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	m := NewMemory(backend, 10)
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- m.AppendPair(ctx, "u1", "question A", "answer A") }()
	<-backend.entered

	go func() { errs <- m.AppendPair(ctx, "u1", "question B", "answer B") }()
	time.Sleep(20 * time.Millisecond)
	close(backend.release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("AppendPair() error = %v", err)
		}
	}

	got, err := m.Recent(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	want := []string{"question A", "answer A", "question B", "answer B"}
	if len(got) != len(want) {
		t.Fatalf("Recent() = %+v, want %v", got, want)
	}
	for i, turn := range got {
		if turn.Content != want[i] {
			t.Fatalf("Recent()[%d] = %q, want %q", i, turn.Content, want[i])
		}
	}
	if got[0].Role != contractx.RoleCaller || got[1].Role != contractx.RoleAssistant {
		t.Fatalf("pair roles = %s, %s", got[0].Role, got[1].Role)
	}
}

func TestMemoryAppendPairTrimsWholePairs(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil, 2)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := m.AppendPair(ctx, "u1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
			t.Fatalf("AppendPair() error = %v", err)
		}
	}
	got, _ := m.Recent(ctx, "u1", 0)
	if len(got) != 4 || got[0].Content != "q2" || got[3].Content != "a3" {
		t.Fatalf("Recent() = %+v, want q2..a3", got)
	}
	if err := m.AppendPair(ctx, " ", "q", "a"); err != ErrInvalidCaller {
		t.Fatalf("AppendPair() error = %v, want ErrInvalidCaller", err)
	}
}
