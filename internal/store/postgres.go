package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ensureDocument(ctx context.Context, tx *sql.Tx, documentID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
	`, documentID)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID, origin string, payload []byte) (Update, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Update{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureDocument(ctx, tx, documentID); err != nil {
		return Update{}, err
	}
	update := Update{DocumentID: documentID, Origin: origin, Payload: payload}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_updates (document_id, origin, payload)
		VALUES ($1, $2, $3)
		RETURNING seq, created_at
	`, documentID, origin, payload).Scan(&update.Seq, &update.CreatedAt)
	if err != nil {
		return Update{}, fmt.Errorf("insert update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Update{}, fmt.Errorf("commit append: %w", err)
	}
	return update, nil
}

func (s *PostgresStore) ListUpdates(ctx context.Context, documentID string, afterSeq int64) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, document_id, origin, payload, is_snapshot, created_at
		FROM document_updates
		WHERE document_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, documentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Seq, &u.DocumentID, &u.Origin, &u.Payload, &u.IsSnapshot, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Compact(ctx context.Context, documentID string, state []byte, throughSeq int64) (Update, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Update{}, fmt.Errorf("begin compact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureDocument(ctx, tx, documentID); err != nil {
		return Update{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_updates WHERE document_id = $1 AND seq <= $2`, documentID, throughSeq); err != nil {
		return Update{}, fmt.Errorf("delete compacted updates: %w", err)
	}
	snapshot := Update{DocumentID: documentID, Origin: OriginCompaction, Payload: state, IsSnapshot: true}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_updates (document_id, origin, payload, is_snapshot)
		VALUES ($1, $2, $3, TRUE)
		RETURNING seq, created_at
	`, documentID, OriginCompaction, state).Scan(&snapshot.Seq, &snapshot.CreatedAt)
	if err != nil {
		return Update{}, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Update{}, fmt.Errorf("commit compact: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) InsertCheckpoint(ctx context.Context, c Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureDocument(ctx, tx, c.DocumentID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, document_id, name, commit_hash, archive_key, block_count, version, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.DocumentID, c.Name, c.CommitHash, c.ArchiveKey, c.BlockCount, c.Version, c.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

const checkpointColumns = `id, document_id, name, commit_hash, archive_key, block_count, version, created_by, created_at`

func scanCheckpoint(row interface{ Scan(...any) error }) (Checkpoint, error) {
	var c Checkpoint
	err := row.Scan(&c.ID, &c.DocumentID, &c.Name, &c.CommitHash, &c.ArchiveKey, &c.BlockCount, &c.Version, &c.CreatedBy, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, documentID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE document_id = $1 ORDER BY created_at DESC, id DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, documentID, checkpointID string) (Checkpoint, error) {
	c, err := scanCheckpoint(s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE document_id = $1 AND id = $2`, documentID, checkpointID))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, updated_at FROM documents ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
