package generation

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"myway/pkg/domain"
)

var (
	placeholderImages = []string{
		"https://picsum.photos/720/1280",
		"https://picsum.photos/800/1200",
		"https://picsum.photos/1080/1920",
	}
	placeholderVideos = []string{
		"https://samplelib.com/lib/preview/mp4/sample-5s.mp4",
		"https://samplelib.com/lib/preview/mp4/sample-10s.mp4",
	}
)

const (
	MockModel         = "mock-model"
	mockVideoDuration = 6.0
	maxMockPrompt     = 180
)

// MockGenerator returns placeholder media that becomes ready after Delay.
type MockGenerator struct {
	Delay time.Duration
	Rand  *rand.Rand
}

// NewMockGenerator builds a mock with a pending window of delay.
func NewMockGenerator(delay time.Duration) *MockGenerator {
	return &MockGenerator{Delay: delay}
}

// Enqueue never fails; the draft is already ready and only waits out Delay.
func (g *MockGenerator) Enqueue(_ context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	post := MockPost(req.Prompt, req.Type, g.Rand)
	post.AuthorUID = req.UserID
	post.IsPrivate = req.IsPrivate
	post.Aspect = aspectOrDefault(req.Aspect)
	post.Title = TitleFromPrompt(req.Prompt, DefaultTitleLength)
	if req.Seed != nil {
		seed := *req.Seed
		post.Seed = &seed
	}
	return Result{JobID: uuid.NewString(), Draft: post, Delay: g.Delay}, nil
}

// MockPost builds a ready placeholder post authored by the system user.
func MockPost(prompt string, media domain.MediaType, r *rand.Rand) domain.Post {
	intn := rand.IntN
	if r != nil {
		intn = r.IntN
	}
	post := domain.Post{
		ID:        uuid.NewString(),
		Type:      media,
		Status:    domain.StatusReady,
		Aspect:    domain.DefaultAspect,
		Model:     MockModel,
		Prompt:    truncateRunes(prompt, maxMockPrompt),
		Safety:    domain.SafetyInfo{Scores: map[string]float64{"harm": 0}},
		SynthID:   true,
		AuthorUID: "system",
	}
	if media == domain.MediaVideo {
		post.StoragePath = placeholderVideos[intn(len(placeholderVideos))]
		d := mockVideoDuration
		post.Duration = &d
	} else {
		post.StoragePath = placeholderImages[intn(len(placeholderImages))]
	}
	post.PublicURL = post.StoragePath
	seed := int64(intn(10001))
	post.Seed = &seed
	return post
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &domain.ValidationError{Field: "prompt", Reason: "required"}
	}
	if req.Type != domain.MediaImage && req.Type != domain.MediaVideo {
		return &domain.ValidationError{Field: "type", Reason: "must be image or video"}
	}
	return nil
}
