package domain

import "time"

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// BudgetKey returns the session budget counter name for the media type.
func (m MediaType) BudgetKey() string {
	if m == MediaVideo {
		return BudgetVideos
	}
	return BudgetImages
}

type PostStatus string

const (
	StatusPending PostStatus = "pending"
	StatusReady   PostStatus = "ready"
	StatusFailed  PostStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PostStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

type FeedType string

const (
	FeedPrivate   FeedType = "private"
	FeedHot       FeedType = "hot"
	FeedInterests FeedType = "interests"
	FeedRandom    FeedType = "random"
)

// Public reports whether the feed draws from the global public post set
// rather than the requesting user's own index.
func (t FeedType) Public() bool {
	return t == FeedHot || t == FeedInterests || t == FeedRandom
}

type Slot string

const (
	SlotReady    Slot = "READY"
	SlotPending  Slot = "PENDING"
	SlotFallback Slot = "FALLBACK"
)

const (
	BudgetImages = "images"
	BudgetVideos = "videos"
)

// Budget maps a budget key (images, videos) to remaining units.
type Budget map[string]int

// DefaultBudget returns a fresh copy of the per-session allocation.
func DefaultBudget() Budget {
	return Budget{BudgetImages: 3, BudgetVideos: 1}
}

// Clone returns an independent copy.
func (b Budget) Clone() Budget {
	out := make(Budget, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

const DefaultAspect = "9:16"

type SafetyInfo struct {
	Blocked bool               `json:"blocked"`
	Scores  map[string]float64 `json:"scores"`
}

type Post struct {
	ID          string     `json:"id" yaml:"id"`
	Type        MediaType  `json:"type" yaml:"type"`
	Status      PostStatus `json:"status" yaml:"status"`
	StoragePath string     `json:"storagePath" yaml:"storagePath"`
	PublicURL   string     `json:"publicUrl,omitempty" yaml:"publicUrl"`
	Duration    *float64   `json:"duration,omitempty" yaml:"duration"`
	Aspect      string     `json:"aspect" yaml:"aspect"`
	Model       string     `json:"model" yaml:"model"`
	Prompt      string     `json:"prompt" yaml:"prompt"`
	Title       string     `json:"title,omitempty" yaml:"title"`
	Seed        *int64     `json:"seed,omitempty" yaml:"seed"`
	Safety      SafetyInfo `json:"safety" yaml:"safety"`
	SynthID     bool       `json:"synthId" yaml:"synthId"`
	AuthorUID   string     `json:"authorUid" yaml:"authorUid"`
	IsPrivate   bool       `json:"isPrivate" yaml:"isPrivate"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

type FeedEntry struct {
	PostID    string    `json:"postId"`
	Score     float64   `json:"score"`
	Reasons   []string  `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type FeedItem struct {
	Slot    Slot     `json:"slot"`
	Post    *Post    `json:"post,omitempty"`
	JobID   string   `json:"jobId,omitempty"`
	Reasons []string `json:"reason,omitempty"`
}

type FeedPage struct {
	Items    []FeedItem `json:"items"`
	HasMore  bool       `json:"hasMore"`
	NextPage int        `json:"nextPage"`
}

type Job struct {
	ID        string     `json:"jobId"`
	UserID    string     `json:"userId"`
	Status    PostStatus `json:"status"`
	Post      *Post      `json:"post,omitempty"`
	ReadyAt   time.Time  `json:"readyAt"`
	Reasons   []string   `json:"reasons,omitempty"`
	PostID    string     `json:"postId,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// DueAt reports whether lazy promotion applies at now. Jobs without a
// scheduled ready time are completed by a worker instead.
func (j Job) DueAt(now time.Time) bool {
	return j.Status == StatusPending && !j.ReadyAt.IsZero() && !now.Before(j.ReadyAt)
}

type CaptureImages struct {
	Front string `json:"front"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

type ProfileImages struct {
	CaptureImages      *CaptureImages `json:"captureImages,omitempty"`
	BaseImage          string         `json:"baseImage,omitempty"`
	BaseImagePublicURL string         `json:"baseImagePublicUrl,omitempty"`
	BaseImageApproved  bool           `json:"baseImageApproved"`
	BaseImageCreatedAt *time.Time     `json:"baseImageCreatedAt,omitempty"`
}

// ProfileImagesUpdate carries the fields to merge; nil fields are left untouched.
type ProfileImagesUpdate struct {
	CaptureImages      *CaptureImages `json:"captureImages,omitempty"`
	BaseImage          *string        `json:"baseImage,omitempty"`
	BaseImagePublicURL *string        `json:"baseImagePublicUrl,omitempty"`
	BaseImageApproved  *bool          `json:"baseImageApproved,omitempty"`
	BaseImageCreatedAt *time.Time     `json:"baseImageCreatedAt,omitempty"`
}

// Apply merges the update into p.
func (u ProfileImagesUpdate) Apply(p ProfileImages) ProfileImages {
	if u.CaptureImages != nil {
		c := *u.CaptureImages
		p.CaptureImages = &c
	}
	if u.BaseImage != nil {
		p.BaseImage = *u.BaseImage
	}
	if u.BaseImagePublicURL != nil {
		p.BaseImagePublicURL = *u.BaseImagePublicURL
	}
	if u.BaseImageApproved != nil {
		p.BaseImageApproved = *u.BaseImageApproved
	}
	if u.BaseImageCreatedAt != nil {
		t := *u.BaseImageCreatedAt
		p.BaseImageCreatedAt = &t
	}
	return p
}

// Empty reports whether the update carries no fields.
func (u ProfileImagesUpdate) Empty() bool {
	return u.CaptureImages == nil && u.BaseImage == nil && u.BaseImagePublicURL == nil &&
		u.BaseImageApproved == nil && u.BaseImageCreatedAt == nil
}

type User struct {
	ID            string         `json:"id"`
	ProfileImages *ProfileImages `json:"profileImages,omitempty"`
	Budget        Budget         `json:"sessionBudget,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}
