package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
)

const maxTopK = 50

// Searcher finds indexed documents of an account.
type Searcher interface {
	Search(ctx context.Context, accountID, sourceName, query string, topK int, threshold float32) ([]repository.SearchResult, error)
}

// SearchConfig holds configuration for search service.
type SearchConfig struct {
	TopK           int
	ScoreThreshold float32
}

// SearchService answers retrieval queries for the assistant.
type SearchService struct {
	index          Searcher
	topK           int
	scoreThreshold float32
}

// NewSearchService creates a new search service. index may be nil when no
// retrieval index is configured.
func NewSearchService(index Searcher, cfg *SearchConfig) *SearchService {
	s := &SearchService{index: index, topK: 8}
	if cfg != nil {
		if cfg.TopK > 0 {
			s.topK = cfg.TopK
		}
		s.scoreThreshold = cfg.ScoreThreshold
	}
	return s
}

// SearchRequest represents a text search request.
type SearchRequest struct {
	Query  string `json:"query" binding:"required"`
	Source string `json:"source,omitempty"`
	TopK   int    `json:"top_k"`
}

// SearchHit is one retrieved document.
type SearchHit struct {
	ID         string  `json:"id"`
	Score      float32 `json:"score"`
	SourceName string  `json:"source_name"`
	SourceID   string  `json:"source_id"`
	Kind       string  `json:"kind"`
	Title      string  `json:"title,omitempty"`
	Document   string  `json:"document"`
}

// SearchResponse represents the search response. Context is the hits
// joined into one block for the assistant prompt.
type SearchResponse struct {
	Results []SearchHit `json:"results"`
	Total   int         `json:"total"`
	Query   string      `json:"query"`
	Context string      `json:"context"`
}

// Search embeds the query and returns the closest documents of accountID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: account whose index is searched.
//   - req: query, optional source filter, and result count.
// Returns:
//   - *SearchResponse: hits ordered by score.
//   - error: ErrIndexDisabled without an index, or the search error.
func (s *SearchService) Search(ctx context.Context, accountID string, req *SearchRequest) (*SearchResponse, error) {
	if s.index == nil {
		return nil, ErrIndexDisabled
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	start := time.Now()
	results, err := s.index.Search(ctx, accountID, req.Source, query, topK, s.scoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]SearchHit, len(results))
	docs := make([]string, len(results))
	for i, r := range results {
		hits[i] = SearchHit{
			ID:         r.ID,
			Score:      r.Score,
			SourceName: r.SourceName,
			SourceID:   r.SourceID,
			Kind:       r.Kind,
			Title:      r.Title,
			Document:   r.Document,
		}
		docs[i] = r.Document
	}

	logger.With(logger.Fields{
		logger.FieldCount:      len(hits),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Search completed")

	return &SearchResponse{
		Results: hits,
		Total:   len(hits),
		Query:   query,
		Context: strings.Join(docs, documentSeparator),
	}, nil
}
