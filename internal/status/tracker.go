// Package status holds the per-block mutation status of one session. The
// tracker map is the only store; counts and per-status lists are derived
// from it on read.
package status

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chronicle/coedit/internal/domainerr"
)

type Status string

const (
	Idle     Status = "idle"
	Loading  Status = "loading"
	Modified Status = "modified"
	Error    Status = "error"
)

type Trigger string

const (
	TriggerStart        Trigger = "operation_start"
	TriggerSuccess      Trigger = "operation_success"
	TriggerFailure      Trigger = "operation_failure"
	TriggerRetry        Trigger = "retry_attempt"
	TriggerRetrySuccess Trigger = "retry_success"
	TriggerRetryFailure Trigger = "retry_failure"
	TriggerClear        Trigger = "manual_clear"
)

type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const DefaultHistorySize = 100

type Entry struct {
	BlockID      string    `json:"blockId"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Action       Action    `json:"action,omitempty"`
	Message      string    `json:"message,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Detail is stored alongside the new status.
type Detail struct {
	Action       Action
	Message      string
	ErrorMessage string
}

type Transition struct {
	BlockID   string    `json:"blockId"`
	From      Status    `json:"fromStatus"`
	To        Status    `json:"toStatus"`
	Trigger   Trigger   `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action,omitempty"`
}

// RetryClearer drops retryable operations when a block is cleared.
type RetryClearer interface {
	RemoveForBlocks(blockIDs ...string) int
}

// transitions maps a trigger to the statuses it may leave from. A new
// operation may start on a block in any state, superseding its entry.
var transitions = map[Trigger]struct {
	from []Status
	to   Status
}{
	TriggerStart:        {from: []Status{Idle, Loading, Modified, Error}, to: Loading},
	TriggerSuccess:      {from: []Status{Loading}, to: Modified},
	TriggerFailure:      {from: []Status{Loading}, to: Error},
	TriggerRetry:        {from: []Status{Error}, to: Loading},
	TriggerRetrySuccess: {from: []Status{Loading}, to: Modified},
	TriggerRetryFailure: {from: []Status{Loading}, to: Error},
}

type Tracker struct {
	now     func() time.Time
	logger  *slog.Logger
	retries RetryClearer

	mu      sync.Mutex
	entries map[string]Entry
	history []Transition
	next    int
	full    bool

	subMu  sync.Mutex
	subSeq int
	subs   map[int]func(Transition)
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithRetryClearer(rc RetryClearer) Option {
	return func(t *Tracker) { t.retries = rc }
}

func WithHistorySize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.history = make([]Transition, n)
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]Entry),
		history: make([]Transition, DefaultHistorySize),
		subs:    make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply moves blockID along trigger. Transitions outside the table are
// rejected and leave the entry unchanged.
func (t *Tracker) Apply(blockID string, trigger Trigger, detail Detail) (Entry, error) {
	if trigger == TriggerClear {
		t.Clear(blockID)
		return Entry{BlockID: blockID, Status: Idle}, nil
	}
	rule, ok := transitions[trigger]
	if !ok {
		return Entry{}, domainerr.Validation("UNKNOWN_TRIGGER", fmt.Sprintf("unknown status trigger %q", trigger), nil)
	}

	t.mu.Lock()
	from := t.statusLocked(blockID)
	if !allowed(rule.from, from) {
		t.mu.Unlock()
		return Entry{}, domainerr.Validation("INVALID_TRANSITION",
			fmt.Sprintf("block %s cannot go from %s to %s on %s", blockID, from, rule.to, trigger),
			map[string]any{"blockId": blockID, "from": from, "trigger": trigger})
	}
	now := t.now().UTC()
	entry := Entry{
		BlockID:   blockID,
		Status:    rule.to,
		Timestamp: now,
		Action:    detail.Action,
		Message:   detail.Message,
	}
	if rule.to == Error {
		entry.ErrorMessage = detail.ErrorMessage
	}
	t.entries[blockID] = entry
	tr := Transition{BlockID: blockID, From: from, To: rule.to, Trigger: trigger, Timestamp: now, Action: detail.Action}
	t.recordLocked(tr)
	t.mu.Unlock()

	t.publish(tr)
	return entry, nil
}

// ApplyAll applies trigger to every block, skipping and logging those whose
// transition is invalid.
func (t *Tracker) ApplyAll(blockIDs []string, trigger Trigger, detail Detail) []Entry {
	out := make([]Entry, 0, len(blockIDs))
	for _, id := range blockIDs {
		entry, err := t.Apply(id, trigger, detail)
		if err != nil {
			t.logger.Debug("status transition skipped", "block_id", id, "trigger", trigger, "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Clear resets blockID to idle, removing its entry and any retryable
// operations on it. It reports whether an entry existed.
func (t *Tracker) Clear(blockID string) bool {
	t.mu.Lock()
	entry, existed := t.entries[blockID]
	var tr Transition
	if existed {
		delete(t.entries, blockID)
		tr = Transition{BlockID: blockID, From: entry.Status, To: Idle, Trigger: TriggerClear, Timestamp: t.now().UTC()}
		t.recordLocked(tr)
	}
	t.mu.Unlock()

	if t.retries != nil {
		if n := t.retries.RemoveForBlocks(blockID); n > 0 {
			t.logger.Info("retryable operations cleared", "block_id", blockID, "count", n)
		}
	}
	if existed {
		t.publish(tr)
	}
	return existed
}

func allowed(from []Status, s Status) bool {
	for _, candidate := range from {
		if candidate == s {
			return true
		}
	}
	return false
}

func (t *Tracker) statusLocked(blockID string) Status {
	if entry, ok := t.entries[blockID]; ok {
		return entry.Status
	}
	return Idle
}

func (t *Tracker) recordLocked(tr Transition) {
	t.history[t.next] = tr
	t.next = (t.next + 1) % len(t.history)
	if t.next == 0 {
		t.full = true
	}
}

// Get returns the entry for blockID; blocks without one are idle.
func (t *Tracker) Get(blockID string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[blockID]; ok {
		return entry
	}
	return Entry{BlockID: blockID, Status: Idle}
}

// Counts aggregates tracked entries by status.
func (t *Tracker) Counts() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[Status]int{Idle: 0, Loading: 0, Modified: 0, Error: 0}
	for _, entry := range t.entries {
		counts[entry.Status]++
	}
	return counts
}

func (t *Tracker) BlocksWith(s Status) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, entry := range t.entries {
		if entry.Status == s {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns every tracked entry ordered by block id.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

// History returns recorded transitions, oldest first.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]Transition(nil), t.history[:t.next]...)
	}
	out := make([]Transition, 0, len(t.history))
	out = append(out, t.history[t.next:]...)
	return append(out, t.history[:t.next]...)
}

// Subscribe registers fn for every transition. Callbacks run synchronously
// on the goroutine that caused the transition.
func (t *Tracker) Subscribe(fn func(Transition)) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.subSeq
	t.subSeq++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) publish(tr Transition) {
	t.subMu.Lock()
	fns := make([]func(Transition), 0, len(t.subs))
	for i := 0; i < t.subSeq; i++ {
		if fn, ok := t.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	t.subMu.Unlock()
	for _, fn := range fns {
		fn(tr)
	}
}
