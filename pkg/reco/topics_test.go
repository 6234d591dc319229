package reco

import (
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
)

func seeded() *Recommender {
	return New(rand.New(rand.NewPCG(7, 11)))
}

func TestNormalize(t *testing.T) {
	got := Normalize(DefaultInterests())
	sum := 0.0
	for _, v := range got {
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights sum to %v", sum)
	}
	if math.Abs(got["street food"]-0.4) > 1e-9 {
		t.Fatalf("street food weight = %v", got["street food"])
	}
	zero := Normalize(Interests{"a": 0})
	if zero["a"] != 0 {
		t.Fatalf("zero vector changed: %v", zero)
	}
}

func TestSelectTopics(t *testing.T) {
	r := seeded()
	if got := r.SelectTopics(nil, 10); len(got) != 3 {
		t.Fatalf("k is capped at the topic count, got %v", got)
	}
	for _, topic := range r.SelectTopics(nil, 2) {
		if _, ok := DefaultInterests()[topic]; !ok {
			t.Fatalf("unexpected topic %q", topic)
		}
	}
	only := r.SelectTopics(Interests{"art": 1, "cozy": 0}, 2)
	if !slices.Equal(only, []string{"art", "art"}) {
		t.Fatalf("zero-weight topic drawn: %v", only)
	}
	if got := r.SelectTopics(nil, 0); len(got) != 0 {
		t.Fatalf("expected no topics, got %v", got)
	}
}

func TestExploreTopics(t *testing.T) {
	r := seeded()
	got := r.ExploreTopics(Interests{"cozy": 1}, 1)
	if len(got) != 1 || !slices.Contains(Neighbors("cozy"), got[0]) {
		t.Fatalf("expected a cozy neighbour, got %v", got)
	}
	// Topics without neighbours backfill from the graph.
	got = r.ExploreTopics(Interests{"unknown": 1}, 1)
	if len(got) != 1 || !slices.Contains(graphOrder, got[0]) {
		t.Fatalf("expected a graph topic, got %v", got)
	}
}

func TestTrendingTopics(t *testing.T) {
	r := seeded()
	pool := []string{"a", "b", "c"}
	got := r.TrendingTopics(pool, 5)
	slices.Sort(got)
	if !slices.Equal(got, pool) {
		t.Fatalf("expected every prompt once, got %v", got)
	}
	if got := r.TrendingTopics(nil, 2); len(got) != 0 {
		t.Fatalf("empty pool yields nothing, got %v", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := seeded().BuildPrompt("tea")
	if !strings.Contains(p, "tea") {
		t.Fatalf("topic missing from %q", p)
	}
}

func TestSlotPlan(t *testing.T) {
	r := seeded()
	plan := r.SlotPlan(10, Shares{Interest: 0.6, Explore: 0.25, Trending: 0.15})
	if len(plan) != 10 {
		t.Fatalf("plan length = %d", len(plan))
	}
	counts := map[string]int{}
	for _, reason := range plan {
		counts[reason]++
	}
	// 6 interest, round-half-even(2.5)=2 explore, round(1.5)=2 trending.
	if counts[ReasonInterest] != 6 || counts[ReasonExplore] != 2 || counts[ReasonTrending] != 2 {
		t.Fatalf("unexpected split: %v", counts)
	}

	short := r.SlotPlan(3, Shares{})
	if len(short) != 3 {
		t.Fatalf("remainder not filled: %v", short)
	}
	if got := r.SlotPlan(2, Shares{Interest: 1, Explore: 1}); !slices.Equal(got, []string{ReasonInterest, ReasonInterest}) {
		t.Fatalf("plan not truncated: %v", got)
	}
	if got := r.SlotPlan(0, Shares{Interest: 1}); len(got) != 0 {
		t.Fatalf("expected empty plan, got %v", got)
	}
}

func TestTopicFor(t *testing.T) {
	r := seeded()
	if got := r.TopicFor(ReasonTrending, nil, nil); got != "trending visuals" {
		t.Fatalf("trending fallback = %q", got)
	}
	if got := r.TopicFor(ReasonTrending, nil, []string{"neon"}); got != "neon" {
		t.Fatalf("trending pick = %q", got)
	}
	if got := r.TopicFor(ReasonInterest, Interests{"art": 1}, nil); got != "art" {
		t.Fatalf("interest pick = %q", got)
	}
}
