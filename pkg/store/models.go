package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"myway/pkg/domain"
)

// GORM models used for persistence. Timestamps come from the store clock, so
// GORM's automatic tracking is disabled.
type PostModel struct {
	ID          string `gorm:"primaryKey"`
	Type        string `gorm:"not null"`
	Status      string `gorm:"not null;index:idx_posts_public,priority:1"`
	IsPrivate   bool   `gorm:"not null;index:idx_posts_public,priority:2"`
	StoragePath string
	PublicURL   string
	Duration    *float64
	Aspect      string `gorm:"not null"`
	Model       string `gorm:"not null"`
	Prompt      string `gorm:"type:text"`
	Title       string
	Seed        *int64
	Safety      datatypes.JSONType[domain.SafetyInfo] `gorm:"type:jsonb"`
	SynthID     bool
	AuthorUID   string    `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false;index:idx_posts_public,priority:3"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false"`
}

// FeedEntryModel rows are ordered by ID, which is the attach order.
type FeedEntryModel struct {
	ID        int64                        `gorm:"primaryKey;autoIncrement"`
	UserID    string                       `gorm:"not null;index:idx_feed_user,priority:1"`
	PostID    string                       `gorm:"not null"`
	Score     float64                      `gorm:"not null"`
	Reasons   datatypes.JSONType[[]string] `gorm:"type:jsonb"`
	CreatedAt time.Time                    `gorm:"not null;autoCreateTime:false"`
}

type JobModel struct {
	ID        string         `gorm:"primaryKey"`
	UserID    string         `gorm:"index"`
	Status    string         `gorm:"not null;index"`
	Post      datatypes.JSON `gorm:"type:jsonb"`
	ReadyAt   *time.Time
	Reasons   datatypes.JSONType[[]string] `gorm:"type:jsonb"`
	PostID    string
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

type UserModel struct {
	ID            string                            `gorm:"primaryKey"`
	Budget        datatypes.JSONType[domain.Budget] `gorm:"type:jsonb"`
	ProfileImages datatypes.JSON                    `gorm:"type:jsonb"`
	CreatedAt     time.Time                         `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time                         `gorm:"not null;autoUpdateTime:false"`
}

// FallbackEntryModel rows form the fallback ring, newest ID first.
type FallbackEntryModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	PostID    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
}

func postToModel(p domain.Post) PostModel {
	return PostModel{
		ID:          p.ID,
		Type:        string(p.Type),
		Status:      string(p.Status),
		IsPrivate:   p.IsPrivate,
		StoragePath: p.StoragePath,
		PublicURL:   p.PublicURL,
		Duration:    p.Duration,
		Aspect:      p.Aspect,
		Model:       p.Model,
		Prompt:      p.Prompt,
		Title:       p.Title,
		Seed:        p.Seed,
		Safety:      datatypes.NewJSONType(p.Safety),
		SynthID:     p.SynthID,
		AuthorUID:   p.AuthorUID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func postFromModel(m PostModel) domain.Post {
	return domain.Post{
		ID:          m.ID,
		Type:        domain.MediaType(m.Type),
		Status:      domain.PostStatus(m.Status),
		StoragePath: m.StoragePath,
		PublicURL:   m.PublicURL,
		Duration:    m.Duration,
		Aspect:      m.Aspect,
		Model:       m.Model,
		Prompt:      m.Prompt,
		Title:       m.Title,
		Seed:        m.Seed,
		Safety:      m.Safety.Data(),
		SynthID:     m.SynthID,
		AuthorUID:   m.AuthorUID,
		IsPrivate:   m.IsPrivate,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}.WithDefaults()
}

func jobToModel(j domain.Job) (JobModel, error) {
	model := JobModel{
		ID:        j.ID,
		UserID:    j.UserID,
		Status:    string(j.Status),
		Reasons:   datatypes.NewJSONType(j.Reasons),
		PostID:    j.PostID,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if !j.ReadyAt.IsZero() {
		readyAt := j.ReadyAt
		model.ReadyAt = &readyAt
	}
	if j.Post != nil {
		raw, err := json.Marshal(j.Post)
		if err != nil {
			return JobModel{}, fmt.Errorf("marshal draft post: %w", err)
		}
		model.Post = datatypes.JSON(raw)
	}
	return model, nil
}

func jobFromModel(m JobModel) (domain.Job, error) {
	job := domain.Job{
		ID:        m.ID,
		UserID:    m.UserID,
		Status:    domain.PostStatus(m.Status),
		Reasons:   m.Reasons.Data(),
		PostID:    m.PostID,
		Error:     m.Error,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.ReadyAt != nil {
		job.ReadyAt = m.ReadyAt.UTC()
	}
	if len(m.Post) > 0 && string(m.Post) != "null" {
		var draft domain.Post
		if err := json.Unmarshal(m.Post, &draft); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal draft post: %w", err)
		}
		job.Post = &draft
	}
	return job, nil
}

func userFromModel(m UserModel, defaults domain.Budget) (domain.User, error) {
	user := domain.User{
		ID:        m.ID,
		Budget:    mergeBudget(defaults, m.Budget.Data()),
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	images, err := profileImagesFromModel(m)
	if err != nil {
		return domain.User{}, err
	}
	user.ProfileImages = images
	return user, nil
}

func profileImagesFromModel(m UserModel) (*domain.ProfileImages, error) {
	if len(m.ProfileImages) == 0 || string(m.ProfileImages) == "null" {
		return nil, nil
	}
	var images domain.ProfileImages
	if err := json.Unmarshal(m.ProfileImages, &images); err != nil {
		return nil, fmt.Errorf("unmarshal profile images: %w", err)
	}
	return &images, nil
}
