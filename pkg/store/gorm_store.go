package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"myway/pkg/domain"
)

const migrateLockID int64 = 51175117

// fallbackScanBatch is how many ring entries PickFallback inspects per query.
const fallbackScanBatch = 20

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db   *gorm.DB
	opts Options
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...Option) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&PostModel{}, &FeedEntryModel{}, &JobModel{}, &UserModel{}, &FallbackEntryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, opts: buildOptions(options)}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reset truncates every table. Test harnesses only.
func (s *GormStore) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(
		"TRUNCATE TABLE post_models, feed_entry_models, job_models, user_models, fallback_entry_models RESTART IDENTITY",
	).Error
}

// SavePost upserts a post and pushes ready public posts onto the fallback
// ring in the same transaction.
func (s *GormStore) SavePost(ctx context.Context, post domain.Post) (domain.Post, error) {
	var saved domain.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		saved, err = s.savePostTx(tx, post)
		return err
	})
	if err != nil {
		return domain.Post{}, err
	}
	return saved, nil
}

func (s *GormStore) savePostTx(tx *gorm.DB, post domain.Post) (domain.Post, error) {
	var existing *domain.Post
	var model PostModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&model, "id = ?", post.ID).Error
	switch {
	case err == nil:
		p := postFromModel(model)
		existing = &p
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return domain.Post{}, fmt.Errorf("load post: %w", err)
	}
	saved, err := preparePost(post, existing, s.opts.timestamp())
	if err != nil {
		return domain.Post{}, err
	}
	row := postToModel(saved)
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return domain.Post{}, fmt.Errorf("upsert post: %w", err)
	}
	if publicEligible(saved) {
		if err := s.pushFallbackTx(tx, saved.ID); err != nil {
			return domain.Post{}, err
		}
	}
	return saved, nil
}

func (s *GormStore) pushFallbackTx(tx *gorm.DB, postID string) error {
	if err := tx.Where("post_id = ?", postID).Delete(&FallbackEntryModel{}).Error; err != nil {
		return fmt.Errorf("dedupe fallback: %w", err)
	}
	entry := FallbackEntryModel{PostID: postID, CreatedAt: s.opts.timestamp()}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("push fallback: %w", err)
	}
	keep := tx.Model(&FallbackEntryModel{}).Select("id").Order("id DESC").Limit(s.opts.FallbackCap)
	if err := tx.Where("id NOT IN (?)", keep).Delete(&FallbackEntryModel{}).Error; err != nil {
		return fmt.Errorf("trim fallback: %w", err)
	}
	return nil
}

// GetPost returns a post by id.
func (s *GormStore) GetPost(ctx context.Context, id string) (domain.Post, bool, error) {
	var model PostModel
	if err := s.db.WithContext(ctx).Take(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	return postFromModel(model), true, nil
}

// ListReadyPosts returns ready posts, newest first. limit <= 0 means all.
func (s *GormStore) ListReadyPosts(ctx context.Context, limit int) ([]domain.Post, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", string(domain.StatusReady)).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []PostModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Post, 0, len(models))
	for _, m := range models {
		res = append(res, postFromModel(m))
	}
	return res, nil
}

// SaveAndAttach saves a ready post and prepends it to uid's feed index in one
// transaction.
func (s *GormStore) SaveAndAttach(ctx context.Context, uid string, post domain.Post, score float64, reasons []string) (domain.Post, error) {
	if err := validateAttach(uid, post); err != nil {
		return domain.Post{}, err
	}
	if err := requireReady(post); err != nil {
		return domain.Post{}, err
	}
	var saved domain.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if saved, err = s.savePostTx(tx, post); err != nil {
			return err
		}
		return s.attachTx(tx, uid, saved.ID, score, reasons)
	})
	if err != nil {
		return domain.Post{}, err
	}
	return saved, nil
}

// AttachToFeed prepends a ready post to the user's feed index and trims it.
func (s *GormStore) AttachToFeed(ctx context.Context, uid string, post domain.Post, score float64, reasons []string) error {
	if err := validateAttach(uid, post); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored := post
		var model PostModel
		err := tx.Take(&model, "id = ?", post.ID).Error
		switch {
		case err == nil:
			stored = postFromModel(model)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load post: %w", err)
		}
		if err := requireReady(stored); err != nil {
			return err
		}
		return s.attachTx(tx, uid, post.ID, score, reasons)
	})
}

func (s *GormStore) attachTx(tx *gorm.DB, uid, postID string, score float64, reasons []string) error {
	entry := FeedEntryModel{
		UserID:    uid,
		PostID:    postID,
		Score:     score,
		Reasons:   datatypes.NewJSONType(cloneReasons(reasons)),
		CreatedAt: s.opts.timestamp(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("attach feed entry: %w", err)
	}
	keep := tx.Model(&FeedEntryModel{}).Select("id").Where("user_id = ?", uid).Order("id DESC").Limit(s.opts.FeedCap)
	if err := tx.Where("user_id = ? AND id NOT IN (?)", uid, keep).Delete(&FeedEntryModel{}).Error; err != nil {
		return fmt.Errorf("trim feed: %w", err)
	}
	return nil
}

// FeedPage returns one page of the requested feed and whether more remain.
func (s *GormStore) FeedPage(ctx context.Context, q PageQuery) ([]domain.FeedItem, bool, error) {
	if err := q.validate(); err != nil {
		return nil, false, err
	}
	db := s.db.WithContext(ctx)
	switch q.FeedType {
	case domain.FeedPrivate:
		eligible, err := scanEligible(q.skip()+q.Limit, func(n int) ([]domain.FeedItem, int, error) {
			return s.privateCandidates(db, q.UserID, n)
		})
		if err != nil {
			return nil, false, err
		}
		items, more := paginate(eligible, q.skip(), q.Limit)
		return items, more, nil
	case domain.FeedRandom:
		posts, _, err := s.publicCandidates(db, 0)
		if err != nil {
			return nil, false, err
		}
		page, more := paginate(shuffled(posts, s.opts.Shuffle), q.skip(), q.Limit)
		return publicItems(page), more, nil
	default:
		posts, err := scanEligible(q.skip()+q.Limit, func(n int) ([]domain.Post, int, error) {
			return s.publicCandidates(db, n)
		})
		if err != nil {
			return nil, false, err
		}
		page, more := paginate(posts, q.skip(), q.Limit)
		return publicItems(page), more, nil
	}
}

// scanEligible fetches a superset of candidates sized above want and doubles
// it until more than want survive filtering or the source is exhausted.
func scanEligible[T any](want int, fetch func(n int) ([]T, int, error)) ([]T, error) {
	n := (want + 1) * 2
	for {
		eligible, fetched, err := fetch(n)
		if err != nil {
			return nil, err
		}
		if len(eligible) > want || fetched < n {
			return eligible, nil
		}
		n *= 2
	}
}

// privateCandidates loads the newest n feed entries of uid and keeps those
// whose post is ready.
func (s *GormStore) privateCandidates(db *gorm.DB, uid string, n int) ([]domain.FeedItem, int, error) {
	var entries []FeedEntryModel
	if err := db.Where("user_id = ?", uid).Order("id DESC").Limit(n).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("load feed entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PostID)
	}
	var models []PostModel
	if err := db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("load feed posts: %w", err)
	}
	posts := make(map[string]domain.Post, len(models))
	for _, m := range models {
		posts[m.ID] = postFromModel(m)
	}
	items := make([]domain.FeedItem, 0, len(entries))
	for _, e := range entries {
		p, ok := posts[e.PostID]
		if !ok || p.Status != domain.StatusReady {
			continue
		}
		items = append(items, domain.FeedItem{
			Slot:    domain.SlotReady,
			Post:    &p,
			Reasons: cloneReasons(e.Reasons.Data()),
		})
	}
	return items, len(entries), nil
}

// publicCandidates loads the newest n ready public posts; n <= 0 loads all.
func (s *GormStore) publicCandidates(db *gorm.DB, n int) ([]domain.Post, int, error) {
	query := db.Where("status = ? AND is_private = ?", string(domain.StatusReady), false).
		Order("created_at DESC").Order("id DESC")
	if n > 0 {
		query = query.Limit(n)
	}
	var models []PostModel
	if err := query.Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("load public posts: %w", err)
	}
	posts := make([]domain.Post, 0, len(models))
	for _, m := range models {
		if p := postFromModel(m); publicEligible(p) {
			posts = append(posts, p)
		}
	}
	return posts, len(models), nil
}

// PickFallback returns the newest ring entry that is still ready and public,
// deleting stale entries it passes over.
func (s *GormStore) PickFallback(ctx context.Context) (domain.Post, bool, error) {
	var (
		picked domain.Post
		found  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for {
			var entries []FallbackEntryModel
			if err := tx.Order("id DESC").Limit(fallbackScanBatch).Find(&entries).Error; err != nil {
				return fmt.Errorf("load fallback: %w", err)
			}
			if len(entries) == 0 {
				return nil
			}
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				ids = append(ids, e.PostID)
			}
			var models []PostModel
			if err := tx.Where("id IN ?", ids).Find(&models).Error; err != nil {
				return fmt.Errorf("load fallback posts: %w", err)
			}
			posts := make(map[string]PostModel, len(models))
			for _, m := range models {
				posts[m.ID] = m
			}
			stale := make([]int64, 0)
			for _, e := range entries {
				m, ok := posts[e.PostID]
				if ok {
					if p := postFromModel(m); publicEligible(p) {
						picked, found = p, true
						break
					}
				}
				stale = append(stale, e.ID)
			}
			if len(stale) > 0 {
				if err := tx.Where("id IN ?", stale).Delete(&FallbackEntryModel{}).Error; err != nil {
					return fmt.Errorf("prune fallback: %w", err)
				}
			}
			if found || len(entries) < fallbackScanBatch {
				return nil
			}
		}
	})
	if err != nil {
		return domain.Post{}, false, err
	}
	return picked, found, nil
}

// SaveJob upserts a job, merging non-empty fields into the stored record.
func (s *GormStore) SaveJob(ctx context.Context, job domain.Job) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, ok, err := lockJob(tx, job.ID)
		if err != nil {
			return err
		}
		var current *domain.Job
		if ok {
			current = &existing
		}
		merged, err := mergeJob(current, job, s.opts.timestamp())
		if err != nil {
			return err
		}
		return saveJobTx(tx, merged)
	})
}

func lockJob(tx *gorm.DB, id string) (domain.Job, bool, error) {
	var model JobModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("load job: %w", err)
	}
	job, err := jobFromModel(model)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func saveJobTx(tx *gorm.DB, job domain.Job) error {
	model, err := jobToModel(job)
	if err != nil {
		return err
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *GormStore) GetJob(ctx context.Context, id string) (domain.Job, bool, error) {
	var model JobModel
	if err := s.db.WithContext(ctx).Take(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}
	job, err := jobFromModel(model)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

// PromoteJob materializes a due pending job. The job row is locked for the
// whole transaction, so concurrent readers promote at most once.
func (s *GormStore) PromoteJob(ctx context.Context, id string, now time.Time) (domain.Job, bool, error) {
	var (
		result domain.Job
		found  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, ok, err := lockJob(tx, id)
		if err != nil || !ok {
			return err
		}
		found = true
		if !job.DueAt(now) {
			result = job
			return nil
		}
		plan, err := planPromotion(job, job.Post)
		if err != nil {
			return err
		}
		result, err = s.finishTx(tx, job, plan)
		return err
	})
	if err != nil {
		return domain.Job{}, found, err
	}
	return result, found, nil
}

// CompleteJob marks a pending job ready with the rendered post.
func (s *GormStore) CompleteJob(ctx context.Context, id string, post domain.Post) (domain.Job, error) {
	var result domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, ok, err := lockJob(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
		if job.Status.Terminal() {
			result = job
			return nil
		}
		plan, err := planPromotion(job, &post)
		if err != nil {
			return err
		}
		result, err = s.finishTx(tx, job, plan)
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	return result, nil
}

func (s *GormStore) finishTx(tx *gorm.DB, job domain.Job, plan promotion) (domain.Job, error) {
	saved, err := s.savePostTx(tx, plan.post)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.attachTx(tx, plan.owner, saved.ID, promotedScore, plan.reasons); err != nil {
		return domain.Job{}, err
	}
	job = completeJobRecord(job, saved.ID, s.opts.timestamp())
	res := tx.Model(&JobModel{}).
		Where("id = ? AND status = ?", job.ID, string(domain.StatusPending)).
		Updates(map[string]any{
			"status":     string(job.Status),
			"post_id":    job.PostID,
			"error":      job.Error,
			"updated_at": job.UpdatedAt,
		})
	if res.Error != nil {
		return domain.Job{}, fmt.Errorf("promote job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Job{}, fmt.Errorf("promote job %s: no longer pending", job.ID)
	}
	return job, nil
}

// FailJob marks a pending job failed with a message.
func (s *GormStore) FailJob(ctx context.Context, id, errMsg string) (domain.Job, error) {
	var result domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, ok, err := lockJob(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
		if job.Status.Terminal() {
			result = job
			return nil
		}
		result = failJobRecord(job, errMsg, s.opts.timestamp())
		return tx.Model(&JobModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(result.Status),
			"error":      result.Error,
			"updated_at": result.UpdatedAt,
		}).Error
	})
	if err != nil {
		return domain.Job{}, err
	}
	return result, nil
}

// GetBudget returns remaining counters, defaulting unseen users.
func (s *GormStore) GetBudget(ctx context.Context, uid string) (domain.Budget, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Take(&model, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.opts.DefaultBudget.Clone(), nil
		}
		return nil, err
	}
	return mergeBudget(s.opts.DefaultBudget, model.Budget.Data()), nil
}

// ConsumeBudget decrements the counter when it is positive. The read and the
// write happen under a row lock inside one transaction.
func (s *GormStore) ConsumeBudget(ctx context.Context, uid, key string) (bool, error) {
	if strings.TrimSpace(uid) == "" {
		return false, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	consumed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := s.lockUser(tx, uid)
		if err != nil {
			return err
		}
		budget := mergeBudget(s.opts.DefaultBudget, model.Budget.Data())
		if budget[key] <= 0 {
			return nil
		}
		budget[key]--
		if err := tx.Model(&UserModel{}).Where("id = ?", uid).Updates(map[string]any{
			"budget":     datatypes.NewJSONType(budget),
			"updated_at": s.opts.timestamp(),
		}).Error; err != nil {
			return fmt.Errorf("consume budget: %w", err)
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// SetBudget overrides the stored counters for a user.
func (s *GormStore) SetBudget(ctx context.Context, uid string, budget domain.Budget) error {
	if strings.TrimSpace(uid) == "" {
		return &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := s.lockUser(tx, uid)
		if err != nil {
			return err
		}
		merged := mergeBudget(mergeBudget(s.opts.DefaultBudget, model.Budget.Data()), budget)
		return tx.Model(&UserModel{}).Where("id = ?", uid).Updates(map[string]any{
			"budget":     datatypes.NewJSONType(merged),
			"updated_at": s.opts.timestamp(),
		}).Error
	})
}

// lockUser creates the user row if missing and locks it for update.
func (s *GormStore) lockUser(tx *gorm.DB, uid string) (UserModel, error) {
	now := s.opts.timestamp()
	seed := UserModel{
		ID:        uid,
		Budget:    datatypes.NewJSONType(s.opts.DefaultBudget.Clone()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return UserModel{}, fmt.Errorf("init user: %w", err)
	}
	var model UserModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&model, "id = ?", uid).Error; err != nil {
		return UserModel{}, fmt.Errorf("lock user: %w", err)
	}
	return model, nil
}

// GetUser returns a user record if one was ever written.
func (s *GormStore) GetUser(ctx context.Context, uid string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Take(&model, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	user, err := userFromModel(model, s.opts.DefaultBudget)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

// SaveProfileImages merges non-nil fields into the user's profile images.
func (s *GormStore) SaveProfileImages(ctx context.Context, uid string, update domain.ProfileImagesUpdate) error {
	if strings.TrimSpace(uid) == "" {
		return &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := s.lockUser(tx, uid)
		if err != nil {
			return err
		}
		current, err := profileImagesFromModel(model)
		if err != nil {
			return err
		}
		var base domain.ProfileImages
		if current != nil {
			base = *current
		}
		raw, err := json.Marshal(update.Apply(base))
		if err != nil {
			return fmt.Errorf("marshal profile images: %w", err)
		}
		return tx.Model(&UserModel{}).Where("id = ?", uid).Updates(map[string]any{
			"profile_images": datatypes.JSON(raw),
			"updated_at":     s.opts.timestamp(),
		}).Error
	})
}
