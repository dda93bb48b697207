package document

import (
	"sort"
	"sync"
	"time"
)

const (
	// PresenceBroadcastTTL bounds the live set sent to other participants.
	PresenceBroadcastTTL = 30 * time.Second
	// ActiveUserWindow bounds ActiveUsers.
	ActiveUserWindow = 5 * time.Minute
)

type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Presence is an ephemeral awareness entry. It is never part of document
// content or update blobs.
type Presence struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type PresenceUpdate struct {
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// presenceSet keeps two views: live entries pruned at the broadcast TTL on
// every write, and a roster pruned at the active-user window.
type presenceSet struct {
	mu     sync.Mutex
	now    func() time.Time
	live   map[string]Presence
	roster map[string]Presence
}

func newPresenceSet(now func() time.Time) *presenceSet {
	return &presenceSet{
		now:    now,
		live:   make(map[string]Presence),
		roster: make(map[string]Presence),
	}
}

func (p *presenceSet) put(entry Presence) {
	if current, ok := p.roster[entry.UserID]; ok && entry.LastSeen.Before(current.LastSeen) {
		return
	}
	p.live[entry.UserID] = entry
	p.roster[entry.UserID] = entry
}

func (p *presenceSet) pruneLocked(now time.Time) {
	for id, entry := range p.live {
		if now.Sub(entry.LastSeen) > PresenceBroadcastTTL {
			delete(p.live, id)
		}
	}
	for id, entry := range p.roster {
		if now.Sub(entry.LastSeen) > ActiveUserWindow {
			delete(p.roster, id)
		}
	}
}

// UpdatePresence writes or refreshes userID's entry and prunes stale ones.
func (d *Document) UpdatePresence(userID string, update PresenceUpdate) Presence {
	p := d.presence
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().UTC()
	entry := Presence{
		UserID:   userID,
		Name:     update.Name,
		Color:    update.Color,
		Cursor:   update.Cursor,
		LastSeen: now,
	}
	p.put(entry)
	p.pruneLocked(now)
	return entry
}

// ApplyRemotePresence merges an entry received from another replica. The
// newest LastSeen per user wins.
func (d *Document) ApplyRemotePresence(entry Presence) {
	if entry.UserID == "" {
		return
	}
	p := d.presence
	p.mu.Lock()
	defer p.mu.Unlock()
	p.put(entry)
	p.pruneLocked(p.now().UTC())
}

// PresenceStates returns the live broadcast set, filtered to the broadcast
// TTL at read time.
func (d *Document) PresenceStates() []Presence {
	return d.presence.since(PresenceBroadcastTTL, true)
}

// ActiveUsers returns users seen within the active-user window.
func (d *Document) ActiveUsers() []Presence {
	return d.presence.since(ActiveUserWindow, false)
}

func (d *Document) RemovePresence(userID string) {
	p := d.presence
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, userID)
	delete(p.roster, userID)
}

func (p *presenceSet) since(window time.Duration, live bool) []Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	source := p.roster
	if live {
		source = p.live
	}
	now := p.now().UTC()
	out := make([]Presence, 0, len(source))
	for _, entry := range source {
		if now.Sub(entry.LastSeen) <= window {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
