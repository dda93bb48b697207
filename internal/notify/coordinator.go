// Package notify turns mutation lifecycle events into user-facing
// notifications. Repeated errors are suppressed within a dedup window and
// bursts of status changes are batched into one message per status and
// action.
package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/util"
)

const (
	DefaultDedupWindow = 5 * time.Second
	DefaultBatchWindow = 500 * time.Millisecond
	DefaultMaxListed   = 5
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coedit_notifications_total",
	Help: "Notifications emitted by status and display",
}, []string{"status", "display"})

var suppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "coedit_notifications_suppressed_total",
	Help: "Notifications suppressed as duplicates",
})

// Status values carried by notifications.
const (
	StatusLoading  = "loading"
	StatusModified = "modified"
	StatusError    = "error"
	StatusWarning  = "warning"
	StatusCleared  = "cleared"
)

type Notification struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Action        string    `json:"action,omitempty"`
	OperationType string    `json:"operationType,omitempty"`
	Message       string    `json:"message"`
	BlockIDs      []string  `json:"blockIds"`
	Display       Display   `json:"display"`
	Severity      Severity  `json:"severity"`
	Category      Category  `json:"category"`
	Priority      int       `json:"priority"`
	Retryable     bool      `json:"retryable,omitempty"`
	RetryID       string    `json:"retryOperationId,omitempty"`
	Actions       []string  `json:"actions,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Sink receives notifications. Implementations must not block for long;
// they are called from timer goroutines.
type Sink interface {
	Notify(Notification)
}

type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// ErrorOptions refine how an error is surfaced.
type ErrorOptions struct {
	Action   string
	Category Category
	Severity Severity
	// RetryID names the retryable operation registered for this failure.
	RetryID string
}

type batchKey struct {
	status string
	action string
}

type batch struct {
	ids     []string
	seen    map[string]struct{}
	opTypes map[string]struct{}
	timer   *time.Timer
}

type suppression struct {
	expiresAt time.Time
	blockIDs  []string
}

type Coordinator struct {
	sink        Sink
	now         func() time.Time
	logger      *slog.Logger
	dedupWindow time.Duration
	batchWindow time.Duration
	maxListed   int

	mu           sync.Mutex
	batches      map[batchKey]*batch
	suppressions map[string]suppression
	closed       bool
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithDedupWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.dedupWindow = d
		}
	}
}

func WithBatchWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.batchWindow = d
		}
	}
}

func WithMaxListed(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxListed = n
		}
	}
}

func NewCoordinator(sink Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		sink:         sink,
		now:          time.Now,
		logger:       slog.Default(),
		dedupWindow:  DefaultDedupWindow,
		batchWindow:  DefaultBatchWindow,
		maxListed:    DefaultMaxListed,
		batches:      make(map[batchKey]*batch),
		suppressions: make(map[string]suppression),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleOperationStart batches loading notices for blockIDs.
func (c *Coordinator) HandleOperationStart(blockIDs []string, opType, action string) {
	c.enqueue(batchKey{status: StatusLoading, action: action}, blockIDs, opType)
}

// HandleOperationSuccess batches success notices for blockIDs.
func (c *Coordinator) HandleOperationSuccess(blockIDs []string, opType, action string) {
	c.enqueue(batchKey{status: StatusModified, action: action}, blockIDs, opType)
}

// HandleOperationError surfaces a failure immediately unless an identical
// one was surfaced within the dedup window. It reports whether a
// notification was emitted.
func (c *Coordinator) HandleOperationError(blockIDs []string, opType string, err error, opts ErrorOptions) bool {
	message := errorMessage(err)
	category := opts.Category
	if category == "" {
		category = categorize(err)
	}
	severity := opts.Severity
	if severity == "" {
		severity = SeverityError
	}
	retryable := opts.RetryID != "" || domainerr.Retryable(err)

	n := Notification{
		Status:        StatusError,
		Action:        opts.Action,
		OperationType: opType,
		Message:       message,
		BlockIDs:      sortedCopy(blockIDs),
		Severity:      severity,
		Category:      category,
		Retryable:     retryable,
		RetryID:       opts.RetryID,
	}
	if retryable {
		n.Actions = []string{"retry", "dismiss"}
	} else {
		n.Actions = []string{"dismiss"}
	}
	return c.emitDeduped(n)
}

// HandleWarnings surfaces non-fatal warnings attached to a successful
// validation, deduplicated like errors.
func (c *Coordinator) HandleWarnings(blockIDs []string, opType string, warnings []string) bool {
	if len(warnings) == 0 {
		return false
	}
	return c.emitDeduped(Notification{
		Status:        StatusWarning,
		OperationType: opType,
		Message:       strings.Join(warnings, "; "),
		BlockIDs:      sortedCopy(blockIDs),
		Severity:      SeverityWarning,
		Category:      CategoryValidation,
	})
}

// ClearErrorState forgets suppressed errors involving blockID and tells the
// presentation layer to drop its indicator.
func (c *Coordinator) ClearErrorState(blockID string) {
	c.mu.Lock()
	for key, s := range c.suppressions {
		for _, id := range s.blockIDs {
			if id == blockID {
				delete(c.suppressions, key)
				break
			}
		}
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.deliver(Notification{
		Status:   StatusCleared,
		Message:  fmt.Sprintf("Cleared status for block %s", blockID),
		BlockIDs: []string{blockID},
		Display:  DisplayInline,
		Severity: SeverityInfo,
		Category: CategoryOperation,
	})
}

// Flush emits every pending batch now.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	keys := make([]batchKey, 0, len(c.batches))
	for key := range c.batches {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].status != keys[j].status {
			return keys[i].status < keys[j].status
		}
		return keys[i].action < keys[j].action
	})
	for _, key := range keys {
		c.flushKey(key)
	}
}

// Close flushes pending batches and drops later events.
func (c *Coordinator) Close() {
	c.Flush()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Coordinator) enqueue(key batchKey, blockIDs []string, opType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	b, ok := c.batches[key]
	if !ok {
		b = &batch{seen: make(map[string]struct{}), opTypes: make(map[string]struct{})}
		c.batches[key] = b
		b.timer = time.AfterFunc(c.batchWindow, func() { c.flushKey(key) })
	}
	for _, id := range blockIDs {
		if _, dup := b.seen[id]; dup {
			continue
		}
		b.seen[id] = struct{}{}
		b.ids = append(b.ids, id)
	}
	if opType != "" {
		b.opTypes[opType] = struct{}{}
	}
}

func (c *Coordinator) flushKey(key batchKey) {
	c.mu.Lock()
	b, ok := c.batches[key]
	if ok {
		delete(c.batches, key)
		b.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	opTypes := make([]string, 0, len(b.opTypes))
	for t := range b.opTypes {
		opTypes = append(opTypes, t)
	}
	sort.Strings(opTypes)

	c.deliver(Notification{
		Status:        key.status,
		Action:        key.action,
		OperationType: strings.Join(opTypes, ","),
		Message:       c.batchMessage(key, b.ids),
		BlockIDs:      b.ids,
		Display:       DecideDisplay(len(b.ids), SeverityInfo, CategoryOperation),
		Severity:      SeverityInfo,
		Category:      CategoryOperation,
	})
}

func (c *Coordinator) emitDeduped(n Notification) bool {
	key := n.Status + "|" + n.OperationType + "|" + n.Message + "|" + strings.Join(n.BlockIDs, ",")
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.pruneLocked(now)
	if s, ok := c.suppressions[key]; ok && now.Before(s.expiresAt) {
		c.mu.Unlock()
		suppressedTotal.Inc()
		c.logger.Debug("notification suppressed", "operation_type", n.OperationType, "block_ids", n.BlockIDs)
		return false
	}
	c.suppressions[key] = suppression{expiresAt: now.Add(c.dedupWindow), blockIDs: n.BlockIDs}
	c.mu.Unlock()

	n.Display = DecideDisplay(len(n.BlockIDs), n.Severity, n.Category)
	c.deliver(n)
	return true
}

func (c *Coordinator) pruneLocked(now time.Time) {
	for key, s := range c.suppressions {
		if !now.Before(s.expiresAt) {
			delete(c.suppressions, key)
		}
	}
}

func (c *Coordinator) deliver(n Notification) {
	n.ID = util.NewID("ntf")
	n.CreatedAt = c.now().UTC()
	n.Priority = priority(n.Severity, n.Retryable)
	if n.BlockIDs == nil {
		n.BlockIDs = []string{}
	}
	notificationsTotal.WithLabelValues(n.Status, string(n.Display)).Inc()
	if c.sink != nil {
		c.sink.Notify(n)
	}
}

var statusVerbs = map[string]map[string]string{
	StatusLoading:  {"insert": "Inserting", "update": "Updating", "delete": "Deleting", "": "Processing"},
	StatusModified: {"insert": "Inserted", "update": "Updated", "delete": "Deleted", "": "Changed"},
}

func (c *Coordinator) batchMessage(key batchKey, ids []string) string {
	verb, ok := statusVerbs[key.status][key.action]
	if !ok {
		verb = strings.ToUpper(key.status[:1]) + key.status[1:]
	}
	noun := "blocks"
	if len(ids) == 1 {
		noun = "block"
	}
	listed := ids
	if len(listed) > c.maxListed {
		listed = listed[:c.maxListed]
	}
	msg := fmt.Sprintf("%s %d %s: %s", verb, len(ids), noun, strings.Join(listed, ", "))
	if extra := len(ids) - len(listed); extra > 0 {
		msg += fmt.Sprintf(" and %d more", extra)
	}
	return msg
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
