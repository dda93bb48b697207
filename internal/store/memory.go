package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an UpdateLog kept in process memory, used when no
// database is configured and in tests.
type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	documents   map[string]Document
	updates     map[string][]Update
	checkpoints map[string][]Checkpoint
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string]Document),
		updates:     make(map[string][]Update),
		checkpoints: make(map[string][]Checkpoint),
		now:         time.Now,
	}
}

func (s *MemoryStore) touchLocked(documentID string, now time.Time) {
	doc, ok := s.documents[documentID]
	if !ok {
		doc = Document{ID: documentID, CreatedAt: now}
	}
	doc.UpdatedAt = now
	s.documents[documentID] = doc
}

func (s *MemoryStore) AppendUpdate(_ context.Context, documentID, origin string, payload []byte) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.touchLocked(documentID, now)
	s.seq++
	u := Update{
		Seq:        s.seq,
		DocumentID: documentID,
		Origin:     origin,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  now,
	}
	s.updates[documentID] = append(s.updates[documentID], u)
	return u, nil
}

func (s *MemoryStore) ListUpdates(_ context.Context, documentID string, afterSeq int64) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Update
	for _, u := range s.updates[documentID] {
		if u.Seq > afterSeq {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *MemoryStore) Compact(_ context.Context, documentID string, state []byte, throughSeq int64) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.touchLocked(documentID, now)
	kept := s.updates[documentID][:0]
	for _, u := range s.updates[documentID] {
		if u.Seq > throughSeq {
			kept = append(kept, u)
		}
	}
	s.seq++
	snapshot := Update{
		Seq:        s.seq,
		DocumentID: documentID,
		Origin:     OriginCompaction,
		Payload:    append([]byte(nil), state...),
		IsSnapshot: true,
		CreatedAt:  now,
	}
	s.updates[documentID] = append(kept, snapshot)
	return snapshot, nil
}

func (s *MemoryStore) InsertCheckpoint(_ context.Context, c Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.touchLocked(c.DocumentID, now)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	s.checkpoints[c.DocumentID] = append(s.checkpoints[c.DocumentID], c)
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, documentID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Checkpoint(nil), s.checkpoints[documentID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, documentID, checkpointID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.checkpoints[documentID] {
		if c.ID == checkpointID {
			return c, nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

func (s *MemoryStore) ListDocuments(context.Context) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0, len(s.documents))
	for _, d := range s.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
