// Package presence mirrors document awareness entries into Redis so that
// replicas running in other processes can see who is active.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"chronicle/coedit/internal/document"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// RedisMirror keeps one sorted set per document (member userID, score the
// unix-millis expiry) next to a hash of JSON encoded entries.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*RedisMirror)

func WithTTL(ttl time.Duration) Option {
	return func(m *RedisMirror) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *RedisMirror) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *RedisMirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewRedisMirror connects to redisURL and verifies the connection.
func NewRedisMirror(redisURL string, opts ...Option) (*RedisMirror, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisMirrorWithClient(client, opts...), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, opts ...Option) *RedisMirror {
	m := &RedisMirror{
		client: client,
		ttl:    document.ActiveUserWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func roomKey(documentID string) string    { return keyPrefix + "room:" + documentID }
func entriesKey(documentID string) string { return keyPrefix + "entries:" + documentID }

// Publish stores entry for documentID and refreshes its expiry.
func (m *RedisMirror) Publish(ctx context.Context, documentID string, entry document.Presence) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	expireAt := m.now().Add(m.ttl).UnixMilli()

	tx := m.client.TxPipeline()
	tx.ZAdd(ctx, roomKey(documentID), redis.Z{Score: float64(expireAt), Member: entry.UserID})
	tx.HSet(ctx, entriesKey(documentID), entry.UserID, payload)
	tx.Expire(ctx, roomKey(documentID), 2*m.ttl)
	tx.Expire(ctx, entriesKey(documentID), 2*m.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Members prunes expired entries and returns the rest sorted by user id.
func (m *RedisMirror) Members(ctx context.Context, documentID string) ([]document.Presence, error) {
	now := m.now().UnixMilli()
	cutoff := strconv.FormatInt(now, 10)

	expired, err := m.client.ZRangeByScore(ctx, roomKey(documentID), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired presence: %w", err)
	}
	if len(expired) > 0 {
		tx := m.client.TxPipeline()
		tx.ZRemRangeByScore(ctx, roomKey(documentID), "-inf", cutoff)
		tx.HDel(ctx, entriesKey(documentID), expired...)
		if _, err := tx.Exec(ctx); err != nil {
			return nil, fmt.Errorf("prune presence: %w", err)
		}
	}

	alive, err := m.client.ZRangeByScore(ctx, roomKey(documentID), &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(alive) == 0 {
		return nil, nil
	}
	raw, err := m.client.HMGet(ctx, entriesKey(documentID), alive...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence entries: %w", err)
	}

	out := make([]document.Presence, 0, len(raw))
	for i, value := range raw {
		text, ok := value.(string)
		if !ok {
			continue
		}
		var entry document.Presence
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			m.logger.Warn("dropping undecodable presence entry", "document_id", documentID, "user_id", alive[i], "error", err)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *RedisMirror) Remove(ctx context.Context, documentID, userID string) error {
	tx := m.client.TxPipeline()
	tx.ZRem(ctx, roomKey(documentID), userID)
	tx.HDel(ctx, entriesKey(documentID), userID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// Sync pulls the mirrored entries for doc and merges them in.
func (m *RedisMirror) Sync(ctx context.Context, doc *document.Document) error {
	members, err := m.Members(ctx, doc.ID())
	if err != nil {
		return err
	}
	for _, entry := range members {
		doc.ApplyRemotePresence(entry)
	}
	return nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
