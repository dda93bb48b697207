// Package document implements the replicated block-sequence document.
//
// Each Document is one replica. Local transactions are applied immediately
// and produce an opaque update blob; blobs from other replicas are merged
// with ApplyRemoteUpdate. Replicas that have applied the same set of updates,
// in any order, materialize identical block lists.
package document

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chronicle/coedit/internal/util"
)

const (
	// DefaultThrottle bounds how often observers are called.
	DefaultThrottle = 50 * time.Millisecond

	metaCreatedAt      = "createdAt"
	metaLastModified   = "lastModified"
	metaLastModifiedBy = "lastModifiedBy"
	metaVersion        = "version"
)

type Metadata struct {
	DocumentID     string    `json:"documentId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	Version        int64     `json:"version"`
	BlockCount     int       `json:"blockCount"`
}

type Document struct {
	id       string
	now      func() time.Time
	throttle time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	seq      *sequence
	presence *presenceSet

	hookMu    sync.Mutex
	nextHook  int
	observers map[int]func([]Block)
	updates   map[int]func([]byte)
	flush     *time.Timer
}

type Option func(*Document)

// WithReplicaID fixes the replica id; it must be unique among participants.
func WithReplicaID(id string) Option {
	return func(d *Document) {
		if id != "" {
			d.seq.replica = id
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Document) {
		if now != nil {
			d.now = now
		}
	}
}

func WithThrottle(window time.Duration) Option {
	return func(d *Document) {
		if window > 0 {
			d.throttle = window
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates an empty replica of documentID.
func New(documentID string, opts ...Option) *Document {
	d := &Document{
		id:        documentID,
		now:       time.Now,
		throttle:  DefaultThrottle,
		logger:    slog.Default(),
		seq:       newSequence(util.NewID("rep")),
		observers: make(map[int]func([]Block)),
		updates:   make(map[int]func([]byte)),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.presence = newPresenceSet(d.now)
	return d
}

func (d *Document) ID() string { return d.id }

func (d *Document) ReplicaID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.replica
}

// txn accumulates the ops of one local transaction. Every op is integrated
// as it is issued, so builders must finish validating before issuing any.
type txn struct {
	seq *sequence
	ops []op
}

func (t *txn) insertAfter(origin Stamp, value json.RawMessage) Stamp {
	id := t.seq.tick()
	o := op{Kind: opInsert, ID: id, Origin: origin, Value: value, At: id}
	t.seq.integrate(o)
	t.ops = append(t.ops, o)
	return id
}

func (t *txn) set(target Stamp, value json.RawMessage) {
	o := op{Kind: opSet, Target: target, Value: value, At: t.seq.tick()}
	t.seq.integrate(o)
	t.ops = append(t.ops, o)
}

func (t *txn) remove(target Stamp) {
	o := op{Kind: opDelete, Target: target, At: t.seq.tick()}
	t.seq.integrate(o)
	t.ops = append(t.ops, o)
}

func (t *txn) meta(key string, value any) {
	raw, _ := json.Marshal(value)
	o := op{Kind: opMeta, Key: key, Value: raw, At: t.seq.tick()}
	t.seq.integrate(o)
	t.ops = append(t.ops, o)
}

// transact runs build under the document lock. build returns false to abort
// before issuing any op. On commit the version is bumped, the update blob is
// handed to update hooks and observers are scheduled.
func (d *Document) transact(actorID string, build func(t *txn) bool) (bool, error) {
	d.mu.Lock()
	t := &txn{seq: d.seq}
	if !build(t) {
		d.mu.Unlock()
		return false, nil
	}
	now := d.now().UTC()
	if _, ok := d.seq.meta[metaCreatedAt]; !ok {
		t.meta(metaCreatedAt, now)
	}
	t.meta(metaLastModified, now)
	t.meta(metaLastModifiedBy, actorID)
	t.meta(metaVersion, d.seq.version+1)
	blob, err := encodeUpdate(t.ops)
	d.mu.Unlock()
	if err != nil {
		// State is already committed locally; the blob can be regenerated via EncodeState.
		d.logger.Error("encode local update", "document_id", d.id, "error", err)
		d.scheduleObservers()
		return true, fmt.Errorf("encode local update: %w", err)
	}
	d.emitUpdate(blob)
	d.scheduleObservers()
	return true, nil
}

// ReplaceAllBlocks atomically replaces the whole sequence. Malformed blocks
// are filtered out; if any surviving block cannot be encoded nothing changes.
func (d *Document) ReplaceAllBlocks(blocks []Block, actorID string) error {
	clean := sanitizeBlocks(blocks, map[string]struct{}{})
	values := make([]json.RawMessage, 0, len(clean))
	for _, b := range clean {
		raw, err := d.encodeBlock(b, actorID, 1)
		if err != nil {
			return fmt.Errorf("replace blocks: %w", err)
		}
		values = append(values, raw)
	}
	_, err := d.transact(actorID, func(t *txn) bool {
		for _, e := range t.seq.elems {
			if !e.deleted {
				t.remove(e.id)
			}
		}
		origin := Stamp{}
		if n := len(t.seq.elems); n > 0 {
			origin = t.seq.elems[n-1].id
		}
		for _, raw := range values {
			origin = t.insertAfter(origin, raw)
		}
		return true
	})
	return err
}

// Blocks materializes the current block list. Entries that fail structural
// validation are skipped.
func (d *Document) Blocks() []Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocksLocked()
}

func (d *Document) blocksLocked() []Block {
	visible := d.seq.visible()
	out := make([]Block, 0, len(visible))
	for _, e := range visible {
		if block, ok := decodeBlock(e.value); ok {
			out = append(out, block)
		}
	}
	return out
}

// Len is the number of top-level blocks.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seq.visible())
}

// Block finds a block anywhere in the tree.
func (d *Document) Block(id string) (Block, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, _ := d.ownerLocked(id)
	if e == nil {
		return Block{}, false
	}
	decoded, ok := decodeBlock(e.value)
	if !ok {
		return Block{}, false
	}
	return findInTree([]Block{decoded}, id)
}

// ownerLocked returns the top-level element whose tree contains id, and
// whether id is the top-level block itself.
func (d *Document) ownerLocked(id string) (*element, bool) {
	if id == "" {
		return nil, false
	}
	for _, e := range d.seq.visible() {
		if e.decoded.ID == id {
			return e, true
		}
		if _, ok := findInTree(e.decoded.Children, id); ok {
			return e, false
		}
	}
	return nil, false
}

func (d *Document) idsLocked() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, e := range d.seq.visible() {
		collectIDs([]Block{*e.decoded}, ids)
	}
	return ids
}

// InsertBlock inserts block at position among top-level blocks; -1 or a
// position past the end appends. A block without id, type or content is
// replaced by a scaffold. Returns false if the id already exists.
func (d *Document) InsertBlock(block Block, position int, actorID string) bool {
	block = scaffold(block)
	ok, err := d.transact(actorID, func(t *txn) bool {
		existing := d.idsLocked()
		if _, dup := existing[block.ID]; dup {
			return false
		}
		// The block's own id counts as taken for its children.
		existing[block.ID] = struct{}{}
		block.Children = sanitizeBlocks(block.Children, existing)
		raw, err := d.encodeBlock(block, actorID, 1)
		if err != nil {
			d.logger.Warn("insert block: encode failed", "document_id", d.id, "block_id", block.ID, "error", err)
			return false
		}
		visible := t.seq.visible()
		origin := Stamp{}
		switch {
		case position < 0 || position >= len(visible):
			if n := len(visible); n > 0 {
				origin = visible[n-1].id
			}
		case position > 0:
			origin = visible[position-1].id
		}
		t.insertAfter(origin, raw)
		return true
	})
	return ok && err == nil
}

// UpdateBlock applies a partial update to the block with blockID, which may
// be nested. Returns false without effect if the block does not exist.
func (d *Document) UpdateBlock(blockID string, update BlockUpdate, actorID string) bool {
	ok, err := d.transact(actorID, func(t *txn) bool {
		owner, _ := d.ownerLocked(blockID)
		if owner == nil {
			return false
		}
		root := *owner.decoded
		if update.Children != nil {
			taken := d.idsLocked()
			target, _ := findInTree([]Block{root}, blockID)
			removeIDs(taken, target.Children)
			update.Children = sanitizeBlocks(update.Children, taken)
		}
		tree, found := updateInTree([]Block{root}, blockID, func(b *Block) {
			applyUpdate(b, update)
			b.Meta = BlockMeta{LastModified: d.now().UTC(), LastModifiedBy: actorID, Version: b.Meta.Version + 1}
		})
		if !found {
			return false
		}
		raw, err := json.Marshal(normalizeBlock(tree[0]))
		if err != nil {
			d.logger.Warn("update block: encode failed", "document_id", d.id, "block_id", blockID, "error", err)
			return false
		}
		t.set(owner.id, raw)
		return true
	})
	return ok && err == nil
}

// DeleteBlock removes the block with blockID, which may be nested. Returns
// false without effect if the block does not exist.
func (d *Document) DeleteBlock(blockID string, actorID string) bool {
	ok, err := d.transact(actorID, func(t *txn) bool {
		owner, topLevel := d.ownerLocked(blockID)
		if owner == nil {
			return false
		}
		if topLevel {
			t.remove(owner.id)
			return true
		}
		root := *owner.decoded
		children, found := removeFromTree(root.Children, blockID)
		if !found {
			return false
		}
		root.Children = children
		raw, err := json.Marshal(normalizeBlock(root))
		if err != nil {
			return false
		}
		t.set(owner.id, raw)
		return true
	})
	return ok && err == nil
}

func removeIDs(ids map[string]struct{}, blocks []Block) {
	for _, b := range blocks {
		delete(ids, b.ID)
		removeIDs(ids, b.Children)
	}
}

func (d *Document) encodeBlock(b Block, actorID string, version int64) (json.RawMessage, error) {
	b = normalizeBlock(b)
	b.Meta = BlockMeta{LastModified: d.now().UTC(), LastModifiedBy: actorID, Version: version}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode block %s: %w", b.ID, err)
	}
	return raw, nil
}

func (d *Document) Metadata() Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	md := Metadata{
		DocumentID: d.id,
		Version:    d.seq.version,
		BlockCount: len(d.seq.visible()),
	}
	if entry, ok := d.seq.meta[metaCreatedAt]; ok {
		_ = json.Unmarshal(entry.value, &md.CreatedAt)
	}
	if entry, ok := d.seq.meta[metaLastModified]; ok {
		_ = json.Unmarshal(entry.value, &md.LastModified)
	}
	if entry, ok := d.seq.meta[metaLastModifiedBy]; ok {
		_ = json.Unmarshal(entry.value, &md.LastModifiedBy)
	}
	return md
}

// ApplyRemoteUpdate merges an update blob produced by another replica.
// Applying the same blob twice is a no-op; ops whose dependencies have not
// arrived yet are held back until they do.
func (d *Document) ApplyRemoteUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	applied := d.seq.applyRemote(ops)
	pending := len(d.seq.pending)
	d.mu.Unlock()

	if pending > 0 {
		d.logger.Debug("remote update buffered", "document_id", d.id, "pending_ops", pending)
	}
	if applied > 0 {
		d.scheduleObservers()
	}
	return nil
}

// PendingOps reports how many remote ops await missing dependencies.
func (d *Document) PendingOps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seq.pending)
}

// EncodeState returns the whole replica as a single update blob.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	ops := d.seq.snapshot()
	d.mu.Unlock()
	return encodeUpdate(ops)
}

// OnLocalUpdate registers fn to receive the blob of every local transaction,
// in commit order.
func (d *Document) OnLocalUpdate(fn func([]byte)) func() {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	id := d.nextHook
	d.nextHook++
	d.updates[id] = fn
	return func() {
		d.hookMu.Lock()
		defer d.hookMu.Unlock()
		delete(d.updates, id)
	}
}

func (d *Document) emitUpdate(blob []byte) {
	d.hookMu.Lock()
	hooks := make([]func([]byte), 0, len(d.updates))
	for i := 0; i < d.nextHook; i++ {
		if fn, ok := d.updates[i]; ok {
			hooks = append(hooks, fn)
		}
	}
	d.hookMu.Unlock()
	for _, fn := range hooks {
		fn(blob)
	}
}

// Observe registers fn for change notifications. Bursts of changes within
// the throttle window are coalesced into one call carrying the latest list.
func (d *Document) Observe(fn func([]Block)) func() {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	id := d.nextHook
	d.nextHook++
	d.observers[id] = fn
	return func() {
		d.hookMu.Lock()
		defer d.hookMu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Document) scheduleObservers() {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	if len(d.observers) == 0 || d.flush != nil {
		return
	}
	d.flush = time.AfterFunc(d.throttle, d.notifyObservers)
}

func (d *Document) notifyObservers() {
	d.hookMu.Lock()
	d.flush = nil
	fns := make([]func([]Block), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.hookMu.Unlock()
	if len(fns) == 0 {
		return
	}
	for _, fn := range fns {
		fn(d.Blocks())
	}
}

// Close stops a pending observer flush.
func (d *Document) Close() {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	if d.flush != nil {
		d.flush.Stop()
		d.flush = nil
	}
}
