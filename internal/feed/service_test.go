package feed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anaghar27/TopFeed/internal/core/domain"
	"github.com/Anaghar27/TopFeed/internal/rollout"
)

type memConfigStore struct {
	values map[string]string
}

func (m *memConfigStore) GetRolloutValues(context.Context) (map[string]string, error) {
	return m.values, nil
}

func (m *memConfigStore) SetRolloutValue(_ context.Context, key, value string) error {
	m.values[key] = value

	return nil
}

func (m *memConfigStore) DisableCanaryIfEnabled(_ context.Context, key string) (bool, error) {
	if m.values[key] == "true" {
		m.values[key] = "false"

		return true, nil
	}

	return false, nil
}

func serviceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultTopN:       5,
		MaxPerCategory:    8,
		MaxPerSubcategory: 3,
		Weights:           DefaultWeights(),
		FreshRatio:        0.3,
		FreshHours:        48,
		Timeout:           2 * time.Second,
	}
}

func newTestService(items *fakeItemStore, events *fakeEventStore, tree *fakeTreeStore, store rollout.ConfigStore) *Service {
	controller := rollout.NewController(store, rollout.Defaults{
		CanaryPercent:       5,
		ControlModelVersion: "reranker_baseline:v1",
		CanaryModelVersion:  "reranker_baseline:v2",
	})

	logger := zerolog.Nop()
	assembler := NewAssembler(items, events, tree, poolConfig())

	return NewService(assembler, tree, events, controller, serviceConfig(), &logger)
}

func TestBuildFeed_EndToEnd(t *testing.T) {
	items := &fakeItemStore{
		popular: []domain.CandidateItem{
			candidateWithSource("a", "science", "physics", 0.9, domain.SourcePopularity),
			candidateWithSource("b", "arts", "music", 0.7, domain.SourcePopularity),
			candidateWithSource("c", "sports", "tennis", 0.5, domain.SourcePopularity),
		},
	}
	events := &fakeEventStore{}
	tree := &fakeTreeStore{}

	svc := newTestService(items, events, tree, &memConfigStore{values: map[string]string{}})

	resp, err := svc.BuildFeed(context.Background(), &domain.FeedRequest{
		UserID:    "u1",
		Diversify: true,
	})
	if err != nil {
		t.Fatalf("BuildFeed() error = %v", err)
	}

	if resp.Variant != domain.VariantControl {
		t.Errorf("variant = %s, want control with canary off", resp.Variant)
	}

	if resp.ModelVersion != "reranker_baseline:v1" {
		t.Errorf("model version = %s", resp.ModelVersion)
	}

	if resp.Method != domain.MethodPopularFallback {
		t.Errorf("method = %s, want popular_fallback for a cold user", resp.Method)
	}

	if len(resp.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(resp.Items))
	}

	for i, it := range resp.Items {
		if it.Rank != i+1 {
			t.Errorf("item %d rank = %d", i, it.Rank)
		}
	}

	if resp.Diversification.DistinctCategories != 3 {
		t.Errorf("distinct categories = %d, want 3", resp.Diversification.DistinctCategories)
	}

	waitForEvents(t, events, 3)

	for _, ev := range events.insertedEvents() {
		if ev.EventType != domain.EventImpression {
			t.Errorf("logged event type = %s", ev.EventType)
		}

		if _, ok := ev.Metadata["novelty_proxy"]; !ok {
			t.Error("impression metadata missing novelty_proxy")
		}

		if ev.ModelVersion != "reranker_baseline:v1" {
			t.Errorf("impression model version = %s", ev.ModelVersion)
		}
	}
}

func TestBuildFeed_CanaryAtFullPercentRoutesEveryone(t *testing.T) {
	items := &fakeItemStore{
		popular: []domain.CandidateItem{
			candidateWithSource("a", "science", "physics", 0.9, domain.SourcePopularity),
		},
	}
	store := &memConfigStore{values: map[string]string{
		domain.KeyCanaryEnabled: "true",
		domain.KeyCanaryPercent: "100",
	}}

	svc := newTestService(items, &fakeEventStore{}, &fakeTreeStore{}, store)

	resp, err := svc.BuildFeed(context.Background(), &domain.FeedRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("BuildFeed() error = %v", err)
	}

	if resp.Variant != domain.VariantCanary {
		t.Errorf("variant = %s, want canary at 100%%", resp.Variant)
	}

	if resp.ModelVersion != "reranker_baseline:v2" {
		t.Errorf("model version = %s", resp.ModelVersion)
	}
}

func TestBuildFeed_DiversifyOffKeepsRelevanceOrder(t *testing.T) {
	// Six items in one subcategory: caps would force relaxation, but with
	// diversify off nothing constrains the relevance sort.
	var popular []domain.CandidateItem
	for i, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		popular = append(popular, candidateWithSource(id, "science", "physics", 1.0-float64(i)*0.1, domain.SourcePopularity))
	}

	items := &fakeItemStore{popular: popular}

	svc := newTestService(items, &fakeEventStore{}, &fakeTreeStore{}, &memConfigStore{values: map[string]string{}})

	resp, err := svc.BuildFeed(context.Background(), &domain.FeedRequest{
		UserID:    "u1",
		TopN:      6,
		Diversify: false,
	})
	if err != nil {
		t.Fatalf("BuildFeed() error = %v", err)
	}

	want := []string{"p1", "p2", "p3", "p4", "p5", "p6"}

	for i, it := range resp.Items {
		if it.ItemID != want[i] {
			t.Errorf("position %d = %s, want %s", i, it.ItemID, want[i])
		}
	}
}

func TestBuildFeed_AppliesTopNDefault(t *testing.T) {
	var popular []domain.CandidateItem
	for i := 0; i < 10; i++ {
		popular = append(popular, candidateWithSource(string(rune('a'+i)), "science", "", 0.5, domain.SourcePopularity))
	}

	items := &fakeItemStore{popular: popular}

	svc := newTestService(items, &fakeEventStore{}, &fakeTreeStore{}, &memConfigStore{values: map[string]string{}})

	resp, err := svc.BuildFeed(context.Background(), &domain.FeedRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("BuildFeed() error = %v", err)
	}

	if len(resp.Items) != 5 {
		t.Errorf("items = %d, want the configured default of 5", len(resp.Items))
	}
}

func TestBuildFeed_UsesTreeScores(t *testing.T) {
	items := &fakeItemStore{
		popular: []domain.CandidateItem{
			candidateWithSource("familiar", "science", "physics", 0.5, domain.SourcePopularity),
			candidateWithSource("novel", "arts", "music", 0.5, domain.SourcePopularity),
		},
	}
	tree := &fakeTreeStore{nodes: []domain.PreferenceNode{
		{UserID: "u1", Path: "arts/music", Category: "arts", Subcategory: "music", UnderexploredScore: 0.9},
		{UserID: "u1", Path: "science/physics", Category: "science", Subcategory: "physics", UnderexploredScore: 0.0},
	}}

	svc := newTestService(items, &fakeEventStore{}, tree, &memConfigStore{values: map[string]string{}})

	resp, err := svc.BuildFeed(context.Background(), &domain.FeedRequest{
		UserID:       "u1",
		ExploreLevel: 1,
		Diversify:    true,
	})
	if err != nil {
		t.Fatalf("BuildFeed() error = %v", err)
	}

	if len(resp.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(resp.Items))
	}

	if resp.Items[0].ItemID != "novel" {
		t.Errorf("first pick = %s, want the underexplored topic at full explore", resp.Items[0].ItemID)
	}

	if resp.Items[0].TopPath != "arts/music" {
		t.Errorf("top path = %s", resp.Items[0].TopPath)
	}
}

func candidateWithSource(id, category, subcategory string, relevance float64, source string) domain.CandidateItem {
	c := candidate(id, category, subcategory, relevance)
	c.SourceTag = source

	return c
}

func waitForEvents(t *testing.T, events *fakeEventStore, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if len(events.insertedEvents()) >= n {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d logged events", n)
}
