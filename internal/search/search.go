// Package search indexes block text per document. Meilisearch serves
// queries when reachable; an in-process index answers otherwise.
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"chronicle/coedit/internal/document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	BlockID    string `json:"blockId"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	DocumentID string // empty = all documents
	Text       string
	BlockType  string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push block records into a search index.
type Indexer interface {
	IndexBlocks(records []BlockRecord) error
	DeleteBlock(documentID, blockID string) error
}

// BlockRecord is the data we index for one block.
type BlockRecord struct {
	ID         string `json:"id"`
	BlockID    string `json:"blockId"`
	DocumentID string `json:"documentId"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	ParentID   string `json:"parentId,omitempty"`
}

// RecordID is the index primary key for a block. Block ids may contain
// characters Meilisearch rejects in keys, so the pair is hashed.
func RecordID(documentID, blockID string) string {
	sum := sha256.Sum256([]byte(documentID + "\x00" + blockID))
	return hex.EncodeToString(sum[:16])
}

// Records flattens blocks, children included, into index records.
func Records(documentID string, blocks []document.Block) []BlockRecord {
	var out []BlockRecord
	var walk func(parent string, list []document.Block)
	walk = func(parent string, list []document.Block) {
		for _, b := range list {
			out = append(out, BlockRecord{
				ID:         RecordID(documentID, b.ID),
				BlockID:    b.ID,
				DocumentID: documentID,
				Type:       b.Type,
				Text:       strings.TrimSpace(b.Text()),
				ParentID:   parent,
			})
			walk(b.ID, b.Children)
		}
	}
	walk("", blocks)
	return out
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
