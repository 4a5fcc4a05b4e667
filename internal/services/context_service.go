package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/speaklab/speaklab/internal/cache"
	pgrepo "github.com/speaklab/speaklab/internal/repositories/postgres"
	"github.com/speaklab/speaklab/internal/utils"

	"github.com/sirupsen/logrus"
)

const (
	maxContextChunks = 6
	chunkCharBudget  = 1200
	contextCacheTTL  = 10 * time.Minute
)

// Embedder turns a query into the pipeline's embedding space. Implemented by
// the document pipeline service; optional here — without one, chunks come
// back in document order instead of relevance order.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) (pgvector.Vector, error)
}

// ContextService assembles the document-context text injected into a session
// after the configuration handshake.
type ContextService interface {
	GetDocumentContext(ctx context.Context, userID, subject string, documentIDs []string) (string, error)
}

type contextService struct {
	docs     pgrepo.DocumentRepository
	cache    cache.Cache
	embedder Embedder // may be nil
	log      *logrus.Logger
}

func NewContextService(docs pgrepo.DocumentRepository, c cache.Cache, embedder Embedder, log *logrus.Logger) ContextService {
	return &contextService{docs: docs, cache: c, embedder: embedder, log: log}
}

func (s *contextService) GetDocumentContext(ctx context.Context, userID, subject string, documentIDs []string) (string, error) {
	const op = "ContextService.GetDocumentContext"

	if userID == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "user id is required", nil)
	}
	if len(documentIDs) == 0 {
		return "", nil
	}

	key := contextCacheKey(userID, documentIDs)
	if s.cache != nil {
		var cached string
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	var query *pgvector.Vector
	if s.embedder != nil && subject != "" {
		v, err := s.embedder.EmbedQuery(ctx, subject)
		if err != nil {
			// relevance ranking is best-effort; fall back to document order
			s.log.WithError(err).WithField("user_id", userID).Warn("query embedding failed")
		} else {
			query = &v
		}
	}

	chunks, err := s.docs.RankedChunks(ctx, userID, documentIDs, query, maxContextChunks)
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to fetch document chunks", err)
	}
	if len(chunks) == 0 {
		return "", nil
	}

	titles, err := s.documentTitles(ctx, userID, documentIDs)
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to fetch documents", err)
	}

	var b strings.Builder
	for _, ch := range chunks {
		title := titles[ch.DocumentID]
		if title == "" {
			title = "Pinned document"
		}
		content := ch.Content
		if len(content) > chunkCharBudget {
			content = content[:chunkCharBudget]
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", title, content)
	}
	out := strings.TrimRight(b.String(), "\n")

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, key, out, contextCacheTTL)
	}
	return out, nil
}

func (s *contextService) documentTitles(ctx context.Context, userID string, ids []string) (map[string]string, error) {
	docs, err := s.docs.ListByIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(docs))
	for _, d := range docs {
		titles[d.ID] = d.Title
	}
	return titles, nil
}

func contextCacheKey(userID string, documentIDs []string) string {
	ids := make([]string, len(documentIDs))
	copy(ids, documentIDs)
	sort.Strings(ids)
	return "docctx:" + userID + ":" + strings.Join(ids, ",")
}
