package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chronicle/coedit/internal/blob"
	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/gitrepo"
	"chronicle/coedit/internal/notify"
	"chronicle/coedit/internal/relay"
	"chronicle/coedit/internal/retry"
	"chronicle/coedit/internal/safety"
	"chronicle/coedit/internal/search"
	"chronicle/coedit/internal/status"
	"chronicle/coedit/internal/store"
	"chronicle/coedit/internal/util"
)

// UpdateRelay forwards persisted local updates to other processes.
type UpdateRelay interface {
	Enqueue(ctx context.Context, evt relay.UpdateEvent) error
}

// PresenceMirror shares awareness entries across processes.
type PresenceMirror interface {
	Publish(ctx context.Context, documentID string, entry document.Presence) error
	Sync(ctx context.Context, doc *document.Document) error
	Remove(ctx context.Context, documentID, userID string) error
}

type BlockIndex interface {
	IndexDocument(documentID string, blocks []document.Block)
	Search(q search.Query) search.Response
}

type CheckpointRepo interface {
	Commit(documentID string, snapshot gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
	Snapshot(documentID, hash string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)
	CreateTag(documentID, hash, name string) error
}

type Service struct {
	log         store.UpdateLog
	relay       UpdateRelay
	presence    PresenceMirror
	index       BlockIndex
	checkpoints CheckpointRepo
	archive     blob.Archive
	applier     Applier
	settings    Settings
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Service)

func WithRelay(r UpdateRelay) Option             { return func(s *Service) { s.relay = r } }
func WithPresenceMirror(p PresenceMirror) Option { return func(s *Service) { s.presence = p } }
func WithIndex(i BlockIndex) Option              { return func(s *Service) { s.index = i } }
func WithCheckpoints(c CheckpointRepo) Option    { return func(s *Service) { s.checkpoints = c } }
func WithArchive(a blob.Archive) Option          { return func(s *Service) { s.archive = a } }
func WithApplier(a Applier) Option               { return func(s *Service) { s.applier = a } }
func WithSettings(st Settings) Option            { return func(s *Service) { s.settings = st } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a service over log. A nil log keeps updates in memory.
func New(log store.UpdateLog, opts ...Option) *Service {
	if log == nil {
		log = store.NewMemoryStore()
	}
	s := &Service{
		log:      log,
		applier:  DocumentApplier{},
		settings: DefaultSettings(),
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.archive == nil {
		s.archive = blob.NewMemoryArchive()
	}
	return s
}

// Open returns the session for documentID, replaying its update log the
// first time.
func (s *Service) Open(ctx context.Context, documentID string) (*Session, error) {
	if documentID == "" {
		return nil, domainerr.Validation("DOCUMENT_ID_REQUIRED", "document id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[documentID]; ok {
		return sess, nil
	}

	sess := newSession(documentID, s.settings, s.now, s.logger)
	updates, err := s.log.ListUpdates(ctx, documentID, 0)
	if err != nil {
		sess.close()
		return nil, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "could not load document updates", err)
	}
	for _, u := range updates {
		if err := sess.Doc.ApplyRemoteUpdate(u.Payload); err != nil {
			s.logger.Warn("skipping unreadable update", "document_id", documentID, "seq", u.Seq, "error", err)
		}
		sess.advance(u.Seq)
	}

	sess.startPersistence(s.log, s.relay)
	if s.index != nil {
		s.index.IndexDocument(documentID, sess.Doc.Blocks())
		sess.unhook = append(sess.unhook, sess.Doc.Observe(func(blocks []document.Block) {
			s.index.IndexDocument(documentID, blocks)
		}))
	}

	s.sessions[documentID] = sess
	openSessions.Inc()
	s.logger.Info("document session opened", "document_id", documentID, "replayed_updates", len(updates), "blocks", sess.Doc.Len())
	return sess, nil
}

// SubmitResult reports what a mutation did.
type SubmitResult struct {
	Validation       safety.Result     `json:"validation"`
	AffectedBlockIDs []string          `json:"affectedBlockIds"`
	RetryOperationID string            `json:"retryOperationId,omitempty"`
	Metadata         document.Metadata `json:"metadata"`
}

func (s *Service) validate(sess *Session, req MutationRequest) safety.Result {
	snapshot := safety.NewSnapshot(sess.Doc.Blocks(), req.CursorBlockID)
	return safety.Validate(snapshot, req.Request, s.settings.safetyConfig())
}

// Submit validates req against the live document, then applies it while
// driving block status and notifications. Apply failures that may succeed
// later are registered for retry.
func (s *Service) Submit(ctx context.Context, documentID string, req MutationRequest) (SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "coedit.Submit", trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.String("mutation.type", string(req.Type)),
	))
	defer span.End()
	started := time.Now()
	defer func() { mutationDuration.WithLabelValues(string(req.Type)).Observe(time.Since(started).Seconds()) }()

	sess, err := s.Open(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SubmitResult{}, err
	}
	sess.mutate.Lock()
	defer sess.mutate.Unlock()

	res := s.validate(sess, req)
	if !res.IsValid {
		mutationsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
		sess.Notices.HandleOperationError(req.TargetBlockIDs, string(req.Type), res.Err, notify.ErrorOptions{
			Action:   string(actionFor(req.Type)),
			Category: notify.CategoryValidation,
		})
		span.SetStatus(codes.Error, res.ErrorMessage)
		return SubmitResult{Validation: res, AffectedBlockIDs: []string{}, Metadata: sess.Doc.Metadata()}, res.Err
	}

	var insertIDs []string
	if req.Type.Inserting() {
		insertIDs = newInsertIDs(insertCount(req))
	}
	plan := buildPlan(res, req, insertIDs)
	affected := plan.Affected()
	action := actionFor(req.Type)
	span.SetAttributes(attribute.Int("mutation.blocks", len(affected)))

	sess.Notices.HandleWarnings(affected, string(req.Type), res.Warnings)
	sess.Status.ApplyAll(affected, status.TriggerStart, status.Detail{Action: action, Message: string(req.Type)})
	sess.Notices.HandleOperationStart(affected, string(req.Type), string(action))

	result := SubmitResult{Validation: res, AffectedBlockIDs: affected}
	if err := s.apply(ctx, sess, plan); err != nil {
		mutationsTotal.WithLabelValues(string(req.Type), "failed").Inc()
		sess.Status.ApplyAll(affected, status.TriggerFailure, status.Detail{Action: action, ErrorMessage: err.Error()})
		opts := notify.ErrorOptions{Action: string(action)}
		if domainerr.Retryable(err) {
			op := sess.Retries.RegisterFailedOperation(string(req.Type), retryArgs{Request: req, InsertIDs: insertIDs}, err, affected)
			result.RetryOperationID = op.ID
			opts.RetryID = op.ID
		}
		sess.Notices.HandleOperationError(affected, string(req.Type), err, opts)
		result.Metadata = sess.Doc.Metadata()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	mutationsTotal.WithLabelValues(string(req.Type), "applied").Inc()
	sess.Status.ApplyAll(affected, status.TriggerSuccess, status.Detail{Action: action})
	// A success supersedes any stale failure on the same blocks.
	if n := sess.Retries.RemoveForBlocks(affected...); n > 0 {
		s.logger.Debug("superseded retryable operations", "document_id", documentID, "removed", n)
	}
	sess.Notices.HandleOperationSuccess(affected, string(req.Type), string(action))
	result.Metadata = sess.Doc.Metadata()
	return result, nil
}

func (s *Service) apply(ctx context.Context, sess *Session, plan Plan) error {
	err := s.applier.Apply(ctx, sess.Doc, plan)
	if err == nil {
		return nil
	}
	// A failed exchange with the transport surfaces as a retryable
	// operation failure.
	switch domainerr.KindOf(err) {
	case "", domainerr.KindNetwork:
		return domainerr.Operation("APPLY_FAILED", "mutation could not be applied", err)
	}
	return err
}

type RetryResult struct {
	Outcome   retry.Outcome     `json:"outcome"`
	Operation *retry.Operation  `json:"operation,omitempty"`
	Metadata  document.Metadata `json:"metadata"`
}

// Retry replays a registered operation. The request is validated again
// against the live document before it is applied.
func (s *Service) Retry(ctx context.Context, documentID, operationID string) (RetryResult, error) {
	ctx, span := tracer.Start(ctx, "coedit.Retry", trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.String("retry.operation_id", operationID),
	))
	defer span.End()

	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return RetryResult{}, err
	}
	op, ok := sess.Retries.Get(operationID)
	if !ok {
		err := domainerr.NotFound("RETRY_NOT_FOUND", fmt.Sprintf("retryable operation %s not found", operationID), nil)
		span.SetStatus(codes.Error, err.Error())
		return RetryResult{Outcome: retry.OutcomeNotFound}, err
	}
	execute := func(ctx context.Context, raw any) error {
		args, ok := raw.(retryArgs)
		if !ok {
			return domainerr.Validation("RETRY_ARGS_INVALID", "retry arguments are not a mutation", nil)
		}
		sess.mutate.Lock()
		defer sess.mutate.Unlock()
		res := s.validate(sess, args.Request)
		if !res.IsValid {
			return res.Err
		}
		return s.apply(ctx, sess, buildPlan(res, args.Request, args.InsertIDs))
	}

	// Terminal operations never run again, so block status stays as it is.
	if op.Exhausted() {
		outcome, err := sess.Retries.RetryOperation(ctx, operationID, execute)
		span.SetAttributes(attribute.String("retry.outcome", string(outcome)))
		span.SetStatus(codes.Error, errorText(err))
		return RetryResult{Outcome: outcome, Operation: &op, Metadata: sess.Doc.Metadata()}, err
	}

	action := actionFor(safety.Kind(op.Type))
	sess.Status.ApplyAll(op.BlockIDs, status.TriggerRetry, status.Detail{Action: action, Message: "retry"})

	outcome, retryErr := sess.Retries.RetryOperation(ctx, operationID, execute)
	span.SetAttributes(attribute.String("retry.outcome", string(outcome)))

	result := RetryResult{Outcome: outcome}
	if current, still := sess.Retries.Get(operationID); still {
		result.Operation = &current
	}
	if outcome == retry.OutcomeSucceeded {
		sess.Status.ApplyAll(op.BlockIDs, status.TriggerRetrySuccess, status.Detail{Action: action})
		sess.Retries.RemoveForBlocks(op.BlockIDs...)
		for _, id := range op.BlockIDs {
			sess.Notices.ClearErrorState(id)
		}
		sess.Notices.HandleOperationSuccess(op.BlockIDs, op.Type, string(action))
		result.Metadata = sess.Doc.Metadata()
		return result, nil
	}

	sess.Status.ApplyAll(op.BlockIDs, status.TriggerRetryFailure, status.Detail{Action: action, ErrorMessage: errorText(retryErr)})
	opts := notify.ErrorOptions{Action: string(action)}
	if outcome == retry.OutcomeFailed {
		opts.RetryID = operationID
	}
	sess.Notices.HandleOperationError(op.BlockIDs, op.Type, retryErr, opts)
	result.Metadata = sess.Doc.Metadata()
	span.RecordError(retryErr)
	span.SetStatus(codes.Error, errorText(retryErr))
	return result, retryErr
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// DiscardRetry drops a registered operation without running it.
func (s *Service) DiscardRetry(ctx context.Context, documentID, operationID string) error {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return err
	}
	if !sess.Retries.RemoveRetryableOperation(operationID) {
		return domainerr.NotFound("RETRY_NOT_FOUND", fmt.Sprintf("retryable operation %s not found", operationID), nil)
	}
	return nil
}

// ClearError resets blockID to idle, dropping its retries and suppressed
// notifications.
func (s *Service) ClearError(ctx context.Context, documentID, blockID string) (status.Entry, error) {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return status.Entry{}, err
	}
	sess.Status.Clear(blockID)
	sess.Notices.ClearErrorState(blockID)
	return sess.Status.Get(blockID), nil
}

// ReplaceBlocks swaps the whole block list, dropping malformed entries.
func (s *Service) ReplaceBlocks(ctx context.Context, documentID string, blocks []document.Block, actorID string) (document.Metadata, error) {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return document.Metadata{}, err
	}
	sess.mutate.Lock()
	defer sess.mutate.Unlock()
	if err := sess.Doc.ReplaceAllBlocks(blocks, actorID); err != nil {
		return document.Metadata{}, domainerr.Operation("REPLACE_FAILED", "blocks could not be replaced", err)
	}
	return sess.Doc.Metadata(), nil
}

// ApplyRemote merges an update blob from another replica and persists it
// under origin.
func (s *Service) ApplyRemote(ctx context.Context, documentID, origin string, update []byte) (document.Metadata, error) {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return document.Metadata{}, err
	}
	if err := sess.Doc.ApplyRemoteUpdate(update); err != nil {
		remoteUpdatesTotal.WithLabelValues("malformed").Inc()
		if errors.Is(err, document.ErrMalformedUpdate) {
			return document.Metadata{}, domainerr.Validation("MALFORMED_UPDATE", err.Error(), nil)
		}
		return document.Metadata{}, err
	}
	if origin == "" {
		origin = "remote"
	}
	persisted, err := s.log.AppendUpdate(ctx, documentID, origin, update)
	if err != nil {
		remoteUpdatesTotal.WithLabelValues("unpersisted").Inc()
		return document.Metadata{}, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "remote update merged but not persisted", err)
	}
	sess.advance(persisted.Seq)
	sess.feed.publish(Event{Type: EventUpdate, DocumentID: documentID, Update: update, At: persisted.CreatedAt})
	remoteUpdatesTotal.WithLabelValues("applied").Inc()
	return sess.Doc.Metadata(), nil
}

// State returns the whole replica as one update blob.
func (s *Service) State(ctx context.Context, documentID string) ([]byte, error) {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return nil, err
	}
	state, err := sess.Doc.EncodeState()
	if err != nil {
		return nil, domainerr.Operation("ENCODE_STATE_FAILED", "document state could not be encoded", err)
	}
	return state, nil
}

// Compact folds the persisted log into a single snapshot row.
func (s *Service) Compact(ctx context.Context, documentID string) (store.Update, error) {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return store.Update{}, err
	}
	through := sess.LastSeq()
	state, err := sess.Doc.EncodeState()
	if err != nil {
		return store.Update{}, domainerr.Operation("ENCODE_STATE_FAILED", "document state could not be encoded", err)
	}
	snapshot, err := s.log.Compact(ctx, documentID, state, through)
	if err != nil {
		return store.Update{}, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "could not compact update log", err)
	}
	sess.advance(snapshot.Seq)
	s.logger.Info("update log compacted", "document_id", documentID, "through_seq", through, "snapshot_seq", snapshot.Seq)
	return snapshot, nil
}

// Checkpoint commits the current block list to git, archives the replica
// state and records both.
func (s *Service) Checkpoint(ctx context.Context, documentID, name, actorID string) (store.Checkpoint, error) {
	if s.checkpoints == nil {
		return store.Checkpoint{}, domainerr.Network("CHECKPOINTS_UNAVAILABLE", "checkpoint storage is not configured", nil)
	}
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return store.Checkpoint{}, err
	}
	if name == "" {
		name = fmt.Sprintf("checkpoint %s", s.now().UTC().Format(time.RFC3339))
	}

	md := sess.Doc.Metadata()
	commit, err := s.checkpoints.Commit(documentID, gitrepo.Snapshot{Metadata: md, Blocks: sess.Doc.Blocks()}, actorID, name)
	if err != nil {
		return store.Checkpoint{}, domainerr.Operation("CHECKPOINT_COMMIT_FAILED", "could not commit checkpoint", err)
	}

	cp := store.Checkpoint{
		ID:         util.NewID("cp"),
		DocumentID: documentID,
		Name:       name,
		CommitHash: commit.FullHash,
		BlockCount: md.BlockCount,
		Version:    md.Version,
		CreatedBy:  actorID,
		CreatedAt:  commit.CreatedAt.UTC(),
	}
	if err := s.checkpoints.CreateTag(documentID, commit.FullHash, cp.ID); err != nil {
		s.logger.Warn("tag checkpoint", "document_id", documentID, "checkpoint_id", cp.ID, "error", err)
	}

	state, err := sess.Doc.EncodeState()
	if err != nil {
		return store.Checkpoint{}, domainerr.Operation("ENCODE_STATE_FAILED", "document state could not be encoded", err)
	}
	key := blob.StateKey(documentID, cp.ID)
	if err := s.archive.Put(ctx, key, state); err != nil {
		s.logger.Warn("archive checkpoint state", "document_id", documentID, "checkpoint_id", cp.ID, "error", err)
	} else {
		cp.ArchiveKey = key
	}

	if err := s.log.InsertCheckpoint(ctx, cp); err != nil {
		return store.Checkpoint{}, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "could not record checkpoint", err)
	}
	return cp, nil
}

func (s *Service) Checkpoints(ctx context.Context, documentID string) ([]store.Checkpoint, error) {
	items, err := s.log.ListCheckpoints(ctx, documentID)
	if err != nil {
		return nil, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "could not list checkpoints", err)
	}
	if items == nil {
		items = []store.Checkpoint{}
	}
	return items, nil
}

// CheckpointBlocks loads the block list a checkpoint captured.
func (s *Service) CheckpointBlocks(ctx context.Context, documentID, checkpointID string) (gitrepo.Snapshot, error) {
	cp, err := s.checkpoint(ctx, documentID, checkpointID)
	if err != nil {
		return gitrepo.Snapshot{}, err
	}
	snapshot, _, err := s.checkpoints.Snapshot(documentID, cp.CommitHash)
	if err != nil {
		return gitrepo.Snapshot{}, domainerr.Operation("CHECKPOINT_READ_FAILED", "could not read checkpoint", err)
	}
	return snapshot, nil
}

// RestoreCheckpoint replaces the live block list with a checkpoint's. The
// restore is itself a replicated change.
func (s *Service) RestoreCheckpoint(ctx context.Context, documentID, checkpointID, actorID string) (document.Metadata, error) {
	snapshot, err := s.CheckpointBlocks(ctx, documentID, checkpointID)
	if err != nil {
		return document.Metadata{}, err
	}
	return s.ReplaceBlocks(ctx, documentID, snapshot.Blocks, actorID)
}

func (s *Service) checkpoint(ctx context.Context, documentID, checkpointID string) (store.Checkpoint, error) {
	if s.checkpoints == nil {
		return store.Checkpoint{}, domainerr.Network("CHECKPOINTS_UNAVAILABLE", "checkpoint storage is not configured", nil)
	}
	cp, err := s.log.GetCheckpoint(ctx, documentID, checkpointID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Checkpoint{}, domainerr.NotFound("CHECKPOINT_NOT_FOUND", fmt.Sprintf("checkpoint %s not found", checkpointID), nil)
	}
	if err != nil {
		return store.Checkpoint{}, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "could not load checkpoint", err)
	}
	return cp, nil
}

// UpdatePresence refreshes userID's awareness entry and mirrors it.
func (s *Service) UpdatePresence(ctx context.Context, documentID, userID string, update document.PresenceUpdate) (document.Presence, error) {
	if userID == "" {
		return document.Presence{}, domainerr.Validation("USER_ID_REQUIRED", "user id is required", nil)
	}
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return document.Presence{}, err
	}
	entry := sess.Doc.UpdatePresence(userID, update)
	sess.feed.publish(Event{Type: EventPresence, DocumentID: documentID, Presence: &entry, At: entry.LastSeen})
	if s.presence != nil {
		if err := s.presence.Publish(ctx, documentID, entry); err != nil {
			s.logger.Warn("mirror presence", "document_id", documentID, "user_id", userID, "error", err)
		}
	}
	return entry, nil
}

func (s *Service) RemovePresence(ctx context.Context, documentID, userID string) error {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return err
	}
	sess.Doc.RemovePresence(userID)
	if s.presence != nil {
		if err := s.presence.Remove(ctx, documentID, userID); err != nil {
			s.logger.Warn("remove mirrored presence", "document_id", documentID, "user_id", userID, "error", err)
		}
	}
	return nil
}

// Presence returns the live broadcast set, or everyone seen within the
// active-user window when active is true.
func (s *Service) Presence(ctx context.Context, documentID string, active bool) ([]document.Presence, error) {
	sess, err := s.Open(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if s.presence != nil {
		if err := s.presence.Sync(ctx, sess.Doc); err != nil {
			s.logger.Warn("sync mirrored presence", "document_id", documentID, "error", err)
		}
	}
	if active {
		return sess.Doc.ActiveUsers(), nil
	}
	return sess.Doc.PresenceStates(), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.index.Search(q)
}

// Documents lists documents known to the update log.
func (s *Service) Documents(ctx context.Context) ([]store.Document, error) {
	docs, err := s.log.ListDocuments(ctx)
	if err != nil {
		return nil, domainerr.Network("UPDATE_LOG_UNAVAILABLE", "could not list documents", err)
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

// OpenDocuments lists ids with an open session.
func (s *Service) OpenDocuments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseDocument flushes and drops a session. The next Open replays the log.
func (s *Service) CloseDocument(documentID string) {
	s.mu.Lock()
	sess, ok := s.sessions[documentID]
	delete(s.sessions, documentID)
	s.mu.Unlock()
	if ok {
		sess.close()
		openSessions.Dec()
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.log.Ping(ctx)
}

// Close flushes every session.
func (s *Service) Close() {
	for _, id := range s.OpenDocuments() {
		s.CloseDocument(id)
	}
}
