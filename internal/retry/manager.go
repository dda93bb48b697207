// Package retry tracks mutations that failed after validation and replays
// them on explicit request. There is no background scheduler: an operation
// is only ever re-executed through RetryOperation.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/util"
)

const DefaultMaxRetries = 3

var (
	registeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_retry_registered_total",
		Help: "Failed operations registered for retry",
	})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_retry_attempts_total",
		Help: "Retry attempts by outcome",
	}, []string{"outcome"})
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed leaves the operation registered for another attempt.
	OutcomeFailed Outcome = "failed"
	// OutcomeExhausted is terminal; the executor was not invoked or the
	// last allowed attempt failed.
	OutcomeExhausted Outcome = "exhausted"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeCancelled Outcome = "cancelled"
)

// Operation is a validated mutation whose execution failed.
type Operation struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Args          any       `json:"originalArgs,omitempty"`
	OriginalError string    `json:"originalError"`
	BlockIDs      []string  `json:"blockIds"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
	LastAttempt   time.Time `json:"lastAttempt"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (o Operation) Exhausted() bool {
	return o.RetryCount >= o.MaxRetries
}

func (o Operation) touches(blockID string) bool {
	for _, id := range o.BlockIDs {
		if id == blockID {
			return true
		}
	}
	return false
}

func (o Operation) clone() Operation {
	o.BlockIDs = append([]string(nil), o.BlockIDs...)
	return o
}

// Executor replays an operation's original arguments.
type Executor func(ctx context.Context, args any) error

type Manager struct {
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
	locks      *keyedLocks

	mu  sync.Mutex
	ops map[string]*Operation
}

type Option func(*Manager)

func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     slog.Default(),
		locks:      newKeyedLocks(),
		ops:        make(map[string]*Operation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterFailedOperation records a failed mutation with a zero retry count.
func (m *Manager) RegisterFailedOperation(opType string, args any, err error, blockIDs []string) Operation {
	now := m.now().UTC()
	op := &Operation{
		ID:          util.NewID("rop"),
		Type:        opType,
		Args:        args,
		BlockIDs:    append([]string(nil), blockIDs...),
		MaxRetries:  m.maxRetries,
		LastAttempt: now,
		CreatedAt:   now,
	}
	if err != nil {
		op.OriginalError = err.Error()
	}

	m.mu.Lock()
	m.ops[op.ID] = op
	m.mu.Unlock()

	registeredTotal.Inc()
	m.logger.Info("retryable operation registered",
		"operation_id", op.ID,
		"type", opType,
		"block_ids", op.BlockIDs,
		"error", op.OriginalError,
	)
	return op.clone()
}

// RetryOperation replays the operation with executor. Attempts touching the
// same block are serialized. Once the retry count reaches the maximum the
// executor is never invoked again.
func (m *Manager) RetryOperation(ctx context.Context, id string, executor Executor) (Outcome, error) {
	op, ok := m.Get(id)
	if !ok {
		return OutcomeNotFound, domainerr.NotFound("RETRY_NOT_FOUND", fmt.Sprintf("retryable operation %s not found", id), nil)
	}
	if op.Exhausted() {
		attemptsTotal.WithLabelValues(string(OutcomeExhausted)).Inc()
		return OutcomeExhausted, exhaustedError(op)
	}

	release, err := m.locks.acquire(ctx, append([]string{"op:" + id}, op.BlockIDs...))
	if err != nil {
		attemptsTotal.WithLabelValues(string(OutcomeCancelled)).Inc()
		return OutcomeCancelled, err
	}
	defer release()

	// Another attempt or a superseding success may have run while waiting.
	op, ok = m.Get(id)
	if !ok {
		return OutcomeNotFound, domainerr.NotFound("RETRY_NOT_FOUND", fmt.Sprintf("retryable operation %s is no longer pending", id), nil)
	}
	if op.Exhausted() {
		attemptsTotal.WithLabelValues(string(OutcomeExhausted)).Inc()
		return OutcomeExhausted, exhaustedError(op)
	}

	execErr := executor(ctx, op.Args)
	if execErr == nil {
		m.mu.Lock()
		delete(m.ops, id)
		m.mu.Unlock()
		attemptsTotal.WithLabelValues(string(OutcomeSucceeded)).Inc()
		m.logger.Info("retry succeeded", "operation_id", id, "attempt", op.RetryCount+1)
		return OutcomeSucceeded, nil
	}

	outcome := OutcomeFailed
	m.mu.Lock()
	if current, still := m.ops[id]; still {
		current.RetryCount++
		current.LastAttempt = m.now().UTC()
		current.OriginalError = execErr.Error()
		// A request the live document now rejects will never succeed.
		if kind := domainerr.KindOf(execErr); kind != "" && kind != domainerr.KindOperation && kind != domainerr.KindNetwork {
			current.RetryCount = current.MaxRetries
		}
		if current.Exhausted() {
			outcome = OutcomeExhausted
		}
		op = current.clone()
	}
	m.mu.Unlock()

	attemptsTotal.WithLabelValues(string(outcome)).Inc()
	m.logger.Warn("retry failed",
		"operation_id", id,
		"retry_count", op.RetryCount,
		"max_retries", op.MaxRetries,
		"error", execErr,
	)
	return outcome, fmt.Errorf("retry %s: %w", id, execErr)
}

func exhaustedError(op Operation) error {
	return domainerr.Operation("RETRIES_EXHAUSTED",
		fmt.Sprintf("operation %s exhausted %d of %d retries; clear it to dismiss", op.ID, op.RetryCount, op.MaxRetries),
		nil)
}

// RetryableForBlock lists operations on blockID that may still be retried.
func (m *Manager) RetryableForBlock(blockID string) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Operation
	for _, op := range m.ops {
		if !op.Exhausted() && op.touches(blockID) {
			out = append(out, op.clone())
		}
	}
	sortOps(out)
	return out
}

// RemoveRetryableOperation is an explicit clear. It reports whether id was
// registered.
func (m *Manager) RemoveRetryableOperation(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[id]; !ok {
		return false
	}
	delete(m.ops, id)
	return true
}

// RemoveForBlocks clears every operation touching any of blockIDs,
// terminal ones included, and returns how many were removed.
func (m *Manager) RemoveForBlocks(blockIDs ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, op := range m.ops {
		for _, blockID := range blockIDs {
			if op.touches(blockID) {
				delete(m.ops, id)
				removed++
				break
			}
		}
	}
	return removed
}

func (m *Manager) Get(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// List returns every registered operation, oldest first.
func (m *Manager) List() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op.clone())
	}
	sortOps(out)
	return out
}

func sortOps(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
}
