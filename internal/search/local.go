package search

import (
	"sort"
	"strings"
	"sync"
)

const snippetRadius = 40

// Local is an in-process block index. It always reflects the latest indexed
// state and answers queries when Meilisearch is down or not configured.
type Local struct {
	mu      sync.RWMutex
	records map[string]BlockRecord
}

func NewLocal() *Local {
	return &Local{records: make(map[string]BlockRecord)}
}

func (l *Local) Healthy() bool { return true }

func (l *Local) IndexBlocks(records []BlockRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.records[r.ID] = r
	}
	return nil
}

func (l *Local) DeleteBlock(documentID, blockID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, RecordID(documentID, blockID))
	return nil
}

// Search matches case-insensitive substrings. Hits are ordered by document
// then block id.
func (l *Local) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	l.mu.RLock()
	var hits []BlockRecord
	for _, r := range l.records {
		if q.DocumentID != "" && r.DocumentID != q.DocumentID {
			continue
		}
		if q.BlockType != "" && r.Type != q.BlockType {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Text), needle) {
			continue
		}
		hits = append(hits, r)
	}
	l.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].BlockID < hits[j].BlockID
	})

	total := len(hits)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-start)
	for _, r := range hits[start:end] {
		results = append(results, Result{
			BlockID:    r.BlockID,
			DocumentID: r.DocumentID,
			Type:       r.Type,
			Snippet:    snippet(r.Text, needle),
		})
	}
	return results, total, nil
}

func snippet(text, needle string) string {
	runes := []rune(text)
	if needle == "" {
		if len(runes) > 2*snippetRadius {
			return string(runes[:2*snippetRadius])
		}
		return text
	}
	lower := []rune(strings.ToLower(text))
	at := indexRunes(lower, []rune(needle))
	if at < 0 {
		return text
	}
	start := at - snippetRadius
	if start < 0 {
		start = 0
	}
	end := at + len([]rune(needle)) + snippetRadius
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:at]) + "<mark>" + string(runes[at:at+len([]rune(needle))]) + "</mark>" + string(runes[at+len([]rune(needle)):end])
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
