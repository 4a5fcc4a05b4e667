package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/speaklab/speaklab/internal/models"
	"github.com/speaklab/speaklab/internal/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)

	// ConsumeToken clears the auth token hash. Returns false if it was
	// already cleared, so only one caller ever wins.
	ConsumeToken(ctx context.Context, id string) (bool, error)

	MarkActive(ctx context.Context, id string, startedAt time.Time) error

	// End transitions a pending/active session to its terminal status exactly
	// once. Returns false if the session was already ended.
	End(ctx context.Context, id string, status models.SessionStatus, endedAt time.Time, durationMinutes int64, transcript datatypes.JSON) (bool, error)
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) ConsumeToken(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND auth_token_hash IS NOT NULL", id).
		Update("auth_token_hash", nil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepo) MarkActive(ctx context.Context, id string, startedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionPending).
		Updates(map[string]any{
			"status":     models.SessionActive,
			"started_at": startedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) End(ctx context.Context, id string, status models.SessionStatus, endedAt time.Time, durationMinutes int64, transcript datatypes.JSON) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status IN ?", id, []models.SessionStatus{models.SessionPending, models.SessionActive}).
		Updates(map[string]any{
			"status":           status,
			"ended_at":         endedAt.UTC(),
			"duration_minutes": durationMinutes,
			"transcript":       transcript,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
