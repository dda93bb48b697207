package app

import (
	"sync"
	"time"

	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/notify"
	"chronicle/coedit/internal/status"
)

const (
	EventUpdate       = "update"
	EventStatus       = "status"
	EventNotification = "notification"
	EventPresence     = "presence"

	recentNotifications = 50
	subscriberBuffer    = 64
)

// Event is one message on a session's live stream.
type Event struct {
	Type         string               `json:"type"`
	DocumentID   string               `json:"documentId"`
	Update       []byte               `json:"update,omitempty"`
	Transition   *status.Transition   `json:"transition,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Presence     *document.Presence   `json:"presence,omitempty"`
	At           time.Time            `json:"at"`
}

// feed fans events out to stream subscribers and keeps the latest
// notifications for polling clients. Slow subscribers lose events rather
// than stall the publisher.
type feed struct {
	mu     sync.Mutex
	seq    int
	subs   map[int]chan Event
	recent []notify.Notification
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Event)}
}

func (f *feed) publish(evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if evt.Notification != nil {
		f.recent = append(f.recent, *evt.Notification)
		if over := len(f.recent) - recentNotifications; over > 0 {
			f.recent = append([]notify.Notification(nil), f.recent[over:]...)
		}
	}
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.seq
	f.seq++
	ch := make(chan Event, subscriberBuffer)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

func (f *feed) notifications() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification{}, f.recent...)
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
