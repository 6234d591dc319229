// Package reco picks topics for auto-filled feed slots. It is a stateless
// weighted sampler over a fixed interest graph; it keeps no persisted state.
package reco

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Interests maps a topic to a non-negative weight.
type Interests map[string]float64

var graphOrder = []string{"street food", "sci-fi", "cozy", "cyberpunk", "travel", "art"}

var interestGraph = map[string][]string{
	"street food": {"travel", "home cooking", "boba"},
	"sci-fi":      {"fantasy", "cyberpunk", "space"},
	"cozy":        {"interior", "cottagecore", "tea"},
	"cyberpunk":   {"sci-fi", "noir", "android"},
	"travel":      {"landscape", "street food", "photography"},
	"art":         {"surreal", "watercolor", "digital"},
}

// DefaultInterests is used when a user has no recorded interests.
func DefaultInterests() Interests {
	return Interests{"street food": 0.6, "sci-fi": 0.5, "cozy": 0.4}
}

// Neighbors returns the adjacent topics of topic, or nil.
func Neighbors(topic string) []string {
	return slices.Clone(interestGraph[topic])
}

// Normalize scales weights to sum to 1. An all-zero vector is returned as is.
func Normalize(in Interests) Interests {
	total := 0.0
	for _, v := range in {
		total += v
	}
	if total == 0 {
		total = 1
	}
	out := make(Interests, len(in))
	for k, v := range in {
		out[k] = v / total
	}
	return out
}

var templates = []string{
	"Ultra-detailed %s scene, cinematic lighting",
	"A short cinematic of %s, shot on vintage film",
	"AI art of %s, vibrant colors",
}

// Recommender samples topics. A nil Rand uses the global source.
type Recommender struct {
	Rand *rand.Rand
}

func New(r *rand.Rand) *Recommender {
	return &Recommender{Rand: r}
}

func (r *Recommender) intN(n int) int {
	if r == nil || r.Rand == nil {
		return rand.IntN(n)
	}
	return r.Rand.IntN(n)
}

func (r *Recommender) float() float64 {
	if r == nil || r.Rand == nil {
		return rand.Float64()
	}
	return r.Rand.Float64()
}

// SelectTopics draws min(k, len) topics with replacement, weighted by interest.
// Nil or empty interests fall back to DefaultInterests.
func (r *Recommender) SelectTopics(interests Interests, k int) []string {
	if len(interests) == 0 {
		interests = DefaultInterests()
	}
	weights := Normalize(interests)
	topics := make([]string, 0, len(weights))
	for t := range weights {
		topics = append(topics, t)
	}
	slices.Sort(topics)

	n := min(k, len(topics))
	out := make([]string, 0, max(n, 0))
	for range n {
		out = append(out, r.weightedPick(topics, weights))
	}
	return out
}

func (r *Recommender) weightedPick(topics []string, weights Interests) string {
	total := 0.0
	for _, t := range topics {
		total += weights[t]
	}
	if total <= 0 {
		return topics[r.intN(len(topics))]
	}
	x := r.float() * total
	for _, t := range topics {
		x -= weights[t]
		if x < 0 {
			return t
		}
	}
	return topics[len(topics)-1]
}

// ExploreTopics picks a random neighbour of each selected topic and backfills
// from the graph's own topics when the neighbours run short.
func (r *Recommender) ExploreTopics(interests Interests, k int) []string {
	if k <= 0 {
		return []string{}
	}
	candidates := []string{}
	for _, base := range r.SelectTopics(interests, k) {
		neigh := interestGraph[base]
		if len(neigh) == 0 {
			continue
		}
		candidates = append(candidates, neigh[r.intN(len(neigh))])
	}
	if len(candidates) < k {
		pool := make([]string, 0, len(graphOrder))
		for _, t := range graphOrder {
			if !slices.Contains(candidates, t) {
				pool = append(pool, t)
			}
		}
		candidates = append(candidates, r.sample(pool, k-len(candidates))...)
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// TrendingTopics samples up to k distinct prompts from the trending pool.
func (r *Recommender) TrendingTopics(prompts []string, k int) []string {
	return r.sample(prompts, k)
}

// sample draws min(k, len(pool)) items without replacement.
func (r *Recommender) sample(pool []string, k int) []string {
	n := min(k, len(pool))
	if n <= 0 {
		return []string{}
	}
	work := slices.Clone(pool)
	for i := range n {
		j := i + r.intN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:n]
}

// BuildPrompt fills a random generation template with topic.
func (r *Recommender) BuildPrompt(topic string) string {
	return fmt.Sprintf(templates[r.intN(len(templates))], topic)
}

// Slot reasons used by the auto-fill plan.
const (
	ReasonInterest = "interest"
	ReasonExplore  = "explore"
	ReasonTrending = "trending"
)

// Shares is the fraction of missing slots given to each reason.
type Shares struct {
	Interest float64
	Explore  float64
	Trending float64
}

// SlotPlan assigns a reason to each of missing slots: rounded shares first,
// random reasons for any remainder, truncated to missing.
func (r *Recommender) SlotPlan(missing int, shares Shares) []string {
	if missing <= 0 {
		return []string{}
	}
	reasons := []string{ReasonInterest, ReasonExplore, ReasonTrending}
	weights := []float64{shares.Interest, shares.Explore, shares.Trending}
	plan := make([]string, 0, missing)
	for i, reason := range reasons {
		n := int(math.RoundToEven(float64(missing) * weights[i]))
		for range max(n, 0) {
			plan = append(plan, reason)
		}
	}
	for len(plan) < missing {
		plan = append(plan, reasons[r.intN(len(reasons))])
	}
	return plan[:missing]
}

// TopicFor picks the topic for one slot reason, with a fixed fallback when
// the source has nothing to offer.
func (r *Recommender) TopicFor(reason string, interests Interests, trending []string) string {
	var picks []string
	fallback := "creative scene"
	switch reason {
	case ReasonTrending:
		picks, fallback = r.TrendingTopics(trending, 1), "trending visuals"
	case ReasonExplore:
		picks, fallback = r.ExploreTopics(interests, 1), "experimental art"
	default:
		picks = r.SelectTopics(interests, 1)
	}
	if len(picks) == 0 {
		return fallback
	}
	return picks[r.intN(len(picks))]
}
