package postgres

import (
	"context"
	"errors"

	"github.com/speaklab/speaklab/internal/models"
	"github.com/speaklab/speaklab/internal/utils"
	"gorm.io/gorm"
)

type ProfileRepository interface {
	GetByUserID(ctx context.Context, userID string) (*models.Profile, error)

	// DeductMinutes decrements the balance and returns the remaining amount.
	// Balances may go negative; overage is the billing domain's problem.
	DeductMinutes(ctx context.Context, userID string, minutes int64) (int64, error)
}

type profileRepo struct {
	db *gorm.DB
}

func NewProfileRepo(db *gorm.DB) ProfileRepository {
	return &profileRepo{db: db}
}

func (r *profileRepo) GetByUserID(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *profileRepo) DeductMinutes(ctx context.Context, userID string, minutes int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("user_id = ?", userID).
		Update("minute_balance", gorm.Expr("minute_balance - ?", minutes))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, utils.ErrNotFound
	}

	p, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.MinuteBalance, nil
}
