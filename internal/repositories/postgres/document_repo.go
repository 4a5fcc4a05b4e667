package postgres

import (
	"context"

	"github.com/pgvector/pgvector-go"
	"github.com/speaklab/speaklab/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DocumentRepository interface {
	ListByIDs(ctx context.Context, userID string, ids []string) ([]models.Document, error)

	// RankedChunks returns chunks for the given documents. With a query
	// vector they come back nearest-first; without one, in document order.
	RankedChunks(ctx context.Context, userID string, documentIDs []string, query *pgvector.Vector, limit int) ([]models.DocumentChunk, error)
}

type documentRepo struct {
	db *gorm.DB
}

func NewDocumentRepo(db *gorm.DB) DocumentRepository {
	return &documentRepo{db: db}
}

func (r *documentRepo) ListByIDs(ctx context.Context, userID string, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Document
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Find(&rows).Error
	return rows, err
}

func (r *documentRepo) RankedChunks(ctx context.Context, userID string, documentIDs []string, query *pgvector.Vector, limit int) ([]models.DocumentChunk, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	q := r.db.WithContext(ctx).
		Where("user_id = ? AND document_id IN ?", userID, documentIDs).
		Limit(limit)

	if query != nil {
		q = q.Order(clause.Expr{SQL: "embedding <-> ?", Vars: []any{*query}})
	} else {
		q = q.Order("document_id, chunk_index ASC")
	}

	var rows []models.DocumentChunk
	err := q.Find(&rows).Error
	return rows, err
}
