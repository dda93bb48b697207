package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/notify"
	"chronicle/coedit/internal/relay"
	"chronicle/coedit/internal/retry"
	"chronicle/coedit/internal/safety"
	"chronicle/coedit/internal/status"
	"chronicle/coedit/internal/store"
)

const persistQueueSize = 256

// Settings tune every session the service opens.
type Settings struct {
	MaxRetries      int
	MaxTargets      int
	ObserveThrottle time.Duration
	DedupWindow     time.Duration
	BatchWindow     time.Duration
	MaxListed       int
	AllowFallback   bool
	PreferCursor    bool
}

func DefaultSettings() Settings {
	return Settings{
		MaxRetries:      retry.DefaultMaxRetries,
		MaxTargets:      safety.DefaultMaxTargets,
		ObserveThrottle: document.DefaultThrottle,
		DedupWindow:     notify.DefaultDedupWindow,
		BatchWindow:     notify.DefaultBatchWindow,
		MaxListed:       notify.DefaultMaxListed,
		AllowFallback:   true,
		PreferCursor:    true,
	}
}

func (s Settings) safetyConfig() safety.Config {
	return safety.Config{
		AllowFallback: s.AllowFallback,
		PreferCursor:  s.PreferCursor,
		MaxTargets:    s.MaxTargets,
	}
}

// Session bundles everything one open document needs. Nothing in it is
// shared with other sessions.
type Session struct {
	ID      string
	Doc     *document.Document
	Retries *retry.Manager
	Status  *status.Tracker
	Notices *notify.Coordinator

	// mutate is held from validation through apply so no mutation is
	// checked against a document another one is about to change.
	mutate sync.Mutex

	feed    *feed
	lastSeq atomic.Int64

	persist   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	unhook    []func()
	logger    *slog.Logger
}

func newSession(id string, settings Settings, now func() time.Time, logger *slog.Logger) *Session {
	sess := &Session{
		ID:      id,
		feed:    newFeed(),
		persist: make(chan []byte, persistQueueSize),
		done:    make(chan struct{}),
		logger:  logger.With("document_id", id),
	}
	sess.Doc = document.New(id,
		document.WithClock(now),
		document.WithThrottle(settings.ObserveThrottle),
		document.WithLogger(logger),
	)
	sess.Retries = retry.NewManager(
		retry.WithMaxRetries(settings.MaxRetries),
		retry.WithClock(now),
		retry.WithLogger(logger),
	)
	sess.Status = status.NewTracker(
		status.WithClock(now),
		status.WithLogger(logger),
		status.WithRetryClearer(sess.Retries),
	)
	sess.Notices = notify.NewCoordinator(notify.SinkFunc(sess.deliver),
		notify.WithClock(now),
		notify.WithLogger(logger),
		notify.WithDedupWindow(settings.DedupWindow),
		notify.WithBatchWindow(settings.BatchWindow),
		notify.WithMaxListed(settings.MaxListed),
	)
	sess.unhook = append(sess.unhook, sess.Status.Subscribe(func(tr status.Transition) {
		sess.feed.publish(Event{Type: EventStatus, DocumentID: id, Transition: &tr, At: tr.Timestamp})
	}))
	return sess
}

func (s *Session) deliver(n notify.Notification) {
	notificationsDelivered.WithLabelValues(n.Status).Inc()
	s.feed.publish(Event{Type: EventNotification, DocumentID: s.ID, Notification: &n, At: n.CreatedAt})
}

// startPersistence appends every local update blob to log in commit order
// and hands it to rel afterwards.
func (s *Session) startPersistence(log store.UpdateLog, rel UpdateRelay) {
	s.unhook = append(s.unhook, s.Doc.OnLocalUpdate(func(blob []byte) {
		s.feed.publish(Event{Type: EventUpdate, DocumentID: s.ID, Update: blob, At: time.Now().UTC()})
		select {
		case s.persist <- blob:
		case <-s.done:
		}
	}))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case blob := <-s.persist:
				s.persistOne(log, rel, blob)
			case <-s.done:
				// Drain what was committed before Close.
				for {
					select {
					case blob := <-s.persist:
						s.persistOne(log, rel, blob)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Session) persistOne(log store.UpdateLog, rel UpdateRelay, blob []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	origin := s.Doc.ReplicaID()
	update, err := log.AppendUpdate(ctx, s.ID, origin, blob)
	if err != nil {
		s.logger.Error("append local update", "error", err)
		return
	}
	s.advance(update.Seq)
	if rel == nil {
		return
	}
	if err := rel.Enqueue(ctx, relay.UpdateEvent{
		DocumentID: s.ID,
		Origin:     origin,
		Seq:        update.Seq,
		Payload:    blob,
		AppliedAt:  update.CreatedAt,
	}); err != nil {
		s.logger.Warn("relay local update", "seq", update.Seq, "error", err)
	}
}

func (s *Session) advance(seq int64) {
	for {
		current := s.lastSeq.Load()
		if seq <= current || s.lastSeq.CompareAndSwap(current, seq) {
			return
		}
	}
}

// LastSeq is the highest update log sequence this session has seen.
func (s *Session) LastSeq() int64 { return s.lastSeq.Load() }

// Notifications returns the most recent notifications, oldest first.
func (s *Session) Notifications() []notify.Notification { return s.feed.notifications() }

// Subscribe streams session events until the returned cancel is called or
// the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) { return s.feed.subscribe() }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		for _, fn := range s.unhook {
			fn()
		}
		close(s.done)
		s.wg.Wait()
		s.Notices.Close()
		s.Doc.Close()
		s.feed.closeAll()
	})
}
