package embeddings

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type stubProvider struct {
	name       ProviderName
	priority   int
	dimensions int
	failN      int
	calls      int
}

func (s *stubProvider) Name() ProviderName { return s.name }
func (s *stubProvider) Priority() int      { return s.priority }
func (s *stubProvider) Dimensions() int    { return s.dimensions }
func (s *stubProvider) IsAvailable() bool  { return true }

func (s *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++

	if s.calls <= s.failN {
		return nil, fmt.Errorf("provider %s down", s.name)
	}

	vectors := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dimensions)
		vec[0] = 1

		vectors[i] = vec
	}

	return vectors, nil
}

func newTestRegistry(t *testing.T, batchSize int) *Registry {
	t.Helper()

	logger := zerolog.Nop()

	return NewRegistry(4, batchSize, &logger)
}

func TestRegistry_FallsBackWhenPrimaryFails(t *testing.T) {
	r := newTestRegistry(t, 8)
	primary := &stubProvider{name: ProviderOpenAI, priority: PriorityPrimary, dimensions: 4, failN: 1}
	fallback := &stubProvider{name: ProviderCohere, priority: PriorityFallback, dimensions: 4}

	r.Register(primary, DefaultCircuitBreakerConfig())
	r.Register(fallback, DefaultCircuitBreakerConfig())

	vectors, err := r.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}

	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestRegistry_AllProvidersFailed(t *testing.T) {
	r := newTestRegistry(t, 8)
	r.Register(&stubProvider{name: ProviderOpenAI, priority: PriorityPrimary, dimensions: 4, failN: 100}, DefaultCircuitBreakerConfig())

	_, err := r.EmbedBatch(context.Background(), []string{"a"})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Errorf("err = %v, want ErrAllProvidersFailed", err)
	}
}

func TestRegistry_NoProviders(t *testing.T) {
	r := newTestRegistry(t, 8)

	_, err := r.EmbedBatch(context.Background(), []string{"a"})
	if !errors.Is(err, ErrNoProvidersAvailable) {
		t.Errorf("err = %v, want ErrNoProvidersAvailable", err)
	}
}

func TestRegistry_ChunksLargeBatches(t *testing.T) {
	r := newTestRegistry(t, 2)
	p := &stubProvider{name: ProviderOpenAI, priority: PriorityPrimary, dimensions: 4}
	r.Register(p, DefaultCircuitBreakerConfig())

	texts := []string{"a", "b", "c", "d", "e"}

	vectors, err := r.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if len(vectors) != len(texts) {
		t.Errorf("got %d vectors, want %d", len(vectors), len(texts))
	}

	if p.calls != 3 {
		t.Errorf("provider calls = %d, want 3 chunks of max size 2", p.calls)
	}
}

func TestRegistry_PadsToTargetDimension(t *testing.T) {
	r := newTestRegistry(t, 8)
	r.Register(&stubProvider{name: ProviderCohere, priority: PriorityFallback, dimensions: 8}, DefaultCircuitBreakerConfig())

	vectors, err := r.EmbedBatch(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if len(vectors[0]) != 4 {
		t.Errorf("vector dimension = %d, want padded/truncated to 4", len(vectors[0]))
	}
}

func TestMockProvider_Deterministic(t *testing.T) {
	p := NewMockProviderWithDimensions(16)

	a1, err := p.EmbedBatch(context.Background(), []string{"same text"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	a2, _ := p.EmbedBatch(context.Background(), []string{"same text"})
	b, _ := p.EmbedBatch(context.Background(), []string{"other text"})

	for i := range a1[0] {
		if a1[0][i] != a2[0][i] {
			t.Fatal("same text should produce the same vector")
		}
	}

	same := true

	for i := range a1[0] {
		if a1[0][i] != b[0][i] {
			same = false

			break
		}
	}

	if same {
		t.Error("different texts should produce different vectors")
	}

	var norm float64
	for _, v := range a1[0] {
		norm += float64(v) * float64(v)
	}

	if norm < 0.99 || norm > 1.01 {
		t.Errorf("vector norm^2 = %v, want 1", norm)
	}
}

func TestNewClient_FallsBackToMock(t *testing.T) {
	logger := zerolog.Nop()

	client := NewClient(Config{TargetDimensions: 8}, &logger)

	registry, ok := client.(*Registry)
	if !ok {
		t.Fatal("expected a Registry")
	}

	names := registry.ProviderNames()
	if len(names) != 1 || names[0] != ProviderMock {
		t.Errorf("providers = %v, want just mock", names)
	}
}
