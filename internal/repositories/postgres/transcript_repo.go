package postgres

import (
	"context"

	"github.com/speaklab/speaklab/internal/models"
	"gorm.io/gorm"
)

type TranscriptRepository interface {
	Append(ctx context.Context, turn *models.TranscriptTurn) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.TranscriptTurn, error)
}

type transcriptRepo struct {
	db *gorm.DB
}

func NewTranscriptRepo(db *gorm.DB) TranscriptRepository {
	return &transcriptRepo{db: db}
}

func (r *transcriptRepo) Append(ctx context.Context, turn *models.TranscriptTurn) error {
	return r.db.WithContext(ctx).Create(turn).Error
}

func (r *transcriptRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.TranscriptTurn, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []models.TranscriptTurn
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("emitted_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
