package store

import (
	"context"
	"errors"
	"time"
)

// OriginCompaction marks a snapshot row that replaced earlier updates.
const OriginCompaction = "compaction"

var ErrNotFound = errors.New("not found")

type Document struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Update is one opaque replication blob in a document's log.
type Update struct {
	Seq        int64     `json:"seq"`
	DocumentID string    `json:"documentId"`
	Origin     string    `json:"origin"`
	Payload    []byte    `json:"payload,omitempty"`
	IsSnapshot bool      `json:"isSnapshot"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Checkpoint struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Name       string    `json:"name"`
	CommitHash string    `json:"commitHash"`
	ArchiveKey string    `json:"archiveKey,omitempty"`
	BlockCount int       `json:"blockCount"`
	Version    int64     `json:"version"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UpdateLog is the persistence side of the replication transport: it keeps
// the ordered list of update blobs per document.
type UpdateLog interface {
	AppendUpdate(ctx context.Context, documentID, origin string, payload []byte) (Update, error)
	ListUpdates(ctx context.Context, documentID string, afterSeq int64) ([]Update, error)
	// Compact replaces every update up to throughSeq with one state snapshot.
	Compact(ctx context.Context, documentID string, state []byte, throughSeq int64) (Update, error)
	InsertCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	ListCheckpoints(ctx context.Context, documentID string) ([]Checkpoint, error)
	GetCheckpoint(ctx context.Context, documentID, checkpointID string) (Checkpoint, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	Ping(ctx context.Context) error
}
