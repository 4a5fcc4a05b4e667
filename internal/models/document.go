package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Document metadata and chunks are produced by the upload/OCR/embedding
// pipeline, which lives outside this service. We only read them.
type Document struct {
	ID       string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID   string    `gorm:"column:user_id;type:uuid;index" json:"user_id"`
	Title    string    `gorm:"column:title;type:text" json:"title"`
	UploadAt time.Time `gorm:"column:upload_at;type:timestamptz" json:"upload_at"`
}

func (Document) TableName() string { return "documents" }

type DocumentChunk struct {
	ID         string          `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	DocumentID string          `gorm:"column:document_id;type:uuid;index" json:"document_id"`
	UserID     string          `gorm:"column:user_id;type:uuid;index" json:"user_id"`
	ChunkIndex int             `gorm:"column:chunk_index" json:"chunk_index"`
	Content    string          `gorm:"column:content;type:text" json:"content"`
	Embedding  pgvector.Vector `gorm:"column:embedding;type:vector(768)" json:"-"`
}

func (DocumentChunk) TableName() string { return "document_chunks" }
