package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/speaklab/speaklab/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocumentRepo struct {
	docs      []models.Document
	chunks    []models.DocumentChunk
	err       error
	lastQuery *pgvector.Vector
	lastLimit int
}

func (r *fakeDocumentRepo) ListByIDs(_ context.Context, _ string, _ []string) ([]models.Document, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.docs, nil
}

func (r *fakeDocumentRepo) RankedChunks(_ context.Context, _ string, _ []string, query *pgvector.Vector, limit int) ([]models.DocumentChunk, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.lastQuery = query
	r.lastLimit = limit
	return r.chunks, nil
}

type fakeEmbedder struct {
	vec pgvector.Vector
	err error
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, _ string) (pgvector.Vector, error) {
	return e.vec, e.err
}

func TestGetDocumentContextFormatsChunks(t *testing.T) {
	repo := &fakeDocumentRepo{
		docs: []models.Document{
			{ID: "doc-1", Title: "Fractions worksheet"},
		},
		chunks: []models.DocumentChunk{
			{DocumentID: "doc-1", ChunkIndex: 0, Content: "Half of a pizza is 1/2."},
			{DocumentID: "doc-2", ChunkIndex: 0, Content: "Orphan chunk."},
		},
	}
	svc := NewContextService(repo, nil, nil, quietLogger())

	out, err := svc.GetDocumentContext(context.Background(), "owner-1", "math", []string{"doc-1", "doc-2"})
	require.NoError(t, err)

	assert.Contains(t, out, "### Fractions worksheet\nHalf of a pizza is 1/2.")
	// unknown document falls back to a generic heading
	assert.Contains(t, out, "### Pinned document\nOrphan chunk.")
	assert.Equal(t, maxContextChunks, repo.lastLimit)
}

func TestGetDocumentContextTruncatesLongChunks(t *testing.T) {
	repo := &fakeDocumentRepo{
		docs:   []models.Document{{ID: "doc-1", Title: "Novel"}},
		chunks: []models.DocumentChunk{{DocumentID: "doc-1", Content: strings.Repeat("a", chunkCharBudget+500)}},
	}
	svc := NewContextService(repo, nil, nil, quietLogger())

	out, err := svc.GetDocumentContext(context.Background(), "owner-1", "", []string{"doc-1"})
	require.NoError(t, err)
	assert.Equal(t, chunkCharBudget, strings.Count(out, "a"))
}

func TestGetDocumentContextEmptyInputs(t *testing.T) {
	svc := NewContextService(&fakeDocumentRepo{}, nil, nil, quietLogger())

	out, err := svc.GetDocumentContext(context.Background(), "owner-1", "math", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = svc.GetDocumentContext(context.Background(), "", "math", []string{"doc-1"})
	assert.Error(t, err)
}

func TestGetDocumentContextUsesEmbedderForRanking(t *testing.T) {
	repo := &fakeDocumentRepo{
		docs:   []models.Document{{ID: "doc-1", Title: "Notes"}},
		chunks: []models.DocumentChunk{{DocumentID: "doc-1", Content: "x"}},
	}
	emb := &fakeEmbedder{vec: pgvector.NewVector([]float32{0.1, 0.2, 0.3})}
	svc := NewContextService(repo, nil, emb, quietLogger())

	_, err := svc.GetDocumentContext(context.Background(), "owner-1", "math", []string{"doc-1"})
	require.NoError(t, err)
	require.NotNil(t, repo.lastQuery)
	assert.Equal(t, emb.vec, *repo.lastQuery)
}

func TestGetDocumentContextFallsBackWhenEmbeddingFails(t *testing.T) {
	repo := &fakeDocumentRepo{
		docs:   []models.Document{{ID: "doc-1", Title: "Notes"}},
		chunks: []models.DocumentChunk{{DocumentID: "doc-1", Content: "x"}},
	}
	svc := NewContextService(repo, nil, &fakeEmbedder{err: errors.New("embed api down")}, quietLogger())

	_, err := svc.GetDocumentContext(context.Background(), "owner-1", "math", []string{"doc-1"})
	require.NoError(t, err)
	assert.Nil(t, repo.lastQuery)
}

func TestGetDocumentContextPropagatesRepoErrors(t *testing.T) {
	svc := NewContextService(&fakeDocumentRepo{err: errors.New("pg down")}, nil, nil, quietLogger())

	_, err := svc.GetDocumentContext(context.Background(), "owner-1", "math", []string{"doc-1"})
	assert.Error(t, err)
}
