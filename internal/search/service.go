package search

import (
	"log/slog"
	"sync"

	"chronicle/coedit/internal/document"
)

// Service is the facade that tries Meilisearch first and falls back to the
// local index.
type Service struct {
	meili  *Meili
	local  *Local
	logger *slog.Logger

	mu      sync.Mutex
	indexed map[string]map[string]struct{} // documentID -> block ids
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		meili:   meili,
		local:   NewLocal(),
		logger:  logger,
		indexed: make(map[string]map[string]struct{}),
	}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to local index", "error", err)
	}

	results, total, err := s.local.Search(q)
	if err != nil {
		s.logger.Error("local search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument replaces the indexed blocks of documentID with blocks. The
// local index is updated synchronously, Meilisearch fire-and-forget.
func (s *Service) IndexDocument(documentID string, blocks []document.Block) {
	records := Records(documentID, blocks)
	current := make(map[string]struct{}, len(records))
	for _, r := range records {
		current[r.BlockID] = struct{}{}
	}

	s.mu.Lock()
	previous := s.indexed[documentID]
	s.indexed[documentID] = current
	s.mu.Unlock()

	var removed []string
	for id := range previous {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}

	for _, id := range removed {
		_ = s.local.DeleteBlock(documentID, id)
	}
	_ = s.local.IndexBlocks(records)

	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		for _, id := range removed {
			if err := s.meili.DeleteBlock(documentID, id); err != nil {
				s.logger.Warn("delete block from index", "document_id", documentID, "block_id", id, "error", err)
			}
		}
		if err := s.meili.IndexBlocks(records); err != nil {
			s.logger.Warn("index blocks", "document_id", documentID, "error", err)
		}
	}()
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
