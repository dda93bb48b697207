package document

import (
	"encoding/json"
)

// Stamp is a Lamport timestamp qualified by the replica that issued it. It
// identifies sequence elements and orders register writes.
type Stamp struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

func (s Stamp) IsZero() bool { return s.Clock == 0 && s.Replica == "" }

// Less orders stamps by clock, then replica id.
func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Replica < o.Replica
}

type opKind string

const (
	opInsert opKind = "ins"
	opSet    opKind = "set"
	opDelete opKind = "del"
	opMeta   opKind = "meta"
)

// op is the unit of replication. Field use per kind:
//
//	ins:  ID (element), Origin (left neighbour, zero = head), Value, At (value stamp)
//	set:  Target, Value, At
//	del:  Target, At
//	meta: Key, Value, At
type op struct {
	Kind   opKind          `json:"k"`
	ID     Stamp           `json:"id,omitempty"`
	Origin Stamp           `json:"o,omitempty"`
	Target Stamp           `json:"t,omitempty"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"v,omitempty"`
	At     Stamp           `json:"at"`
}

type element struct {
	id      Stamp
	origin  Stamp
	value   json.RawMessage
	at      Stamp
	deleted bool
	// decoded is nil when value is not a well-formed block.
	decoded *Block
}

type metaEntry struct {
	value json.RawMessage
	at    Stamp
}

// sequence is an RGA list of block values plus an LWW metadata map.
// Concurrent inserts after the same origin are ordered by descending stamp;
// since every element carries a stamp greater than its origin's, skipping
// greater stamps also skips their descendants, which makes integration order
// independent.
type sequence struct {
	replica string
	clock   uint64
	elems   []*element
	index   map[Stamp]*element
	meta    map[string]metaEntry
	// version is a grow-only max register, kept outside the LWW map so it
	// never moves backwards on merge.
	version int64
	pending []op
}

func newSequence(replica string) *sequence {
	return &sequence{
		replica: replica,
		index:   make(map[Stamp]*element),
		meta:    make(map[string]metaEntry),
	}
}

func (s *sequence) tick() Stamp {
	s.clock++
	return Stamp{Clock: s.clock, Replica: s.replica}
}

func (s *sequence) observe(st Stamp) {
	if st.Clock > s.clock {
		s.clock = st.Clock
	}
}

func (s *sequence) position(id Stamp) int {
	for i, e := range s.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// integrate applies op, reporting false when a causal dependency is missing.
func (s *sequence) integrate(o op) bool {
	switch o.Kind {
	case opInsert:
		return s.integrateInsert(o)
	case opSet:
		e, ok := s.index[o.Target]
		if !ok {
			return false
		}
		s.observe(o.At)
		if e.at.Less(o.At) {
			e.value = o.Value
			e.at = o.At
			e.decoded = decodeValue(o.Value)
		}
		return true
	case opDelete:
		e, ok := s.index[o.Target]
		if !ok {
			return false
		}
		s.observe(o.At)
		e.deleted = true
		return true
	case opMeta:
		s.observe(o.At)
		if o.Key == metaVersion {
			var v int64
			if err := json.Unmarshal(o.Value, &v); err == nil && v > s.version {
				s.version = v
			}
			return true
		}
		current, ok := s.meta[o.Key]
		if !ok || current.at.Less(o.At) {
			s.meta[o.Key] = metaEntry{value: o.Value, at: o.At}
		}
		return true
	default:
		// Unknown kinds from newer replicas are dropped rather than buffered.
		return true
	}
}

func (s *sequence) integrateInsert(o op) bool {
	if existing, ok := s.index[o.ID]; ok {
		// Duplicate delivery, or a state snapshot carrying a newer value.
		s.observe(o.At)
		if existing.at.Less(o.At) {
			existing.value = o.Value
			existing.at = o.At
			existing.decoded = decodeValue(o.Value)
		}
		return true
	}
	idx := 0
	if !o.Origin.IsZero() {
		if _, ok := s.index[o.Origin]; !ok {
			return false
		}
		idx = s.position(o.Origin) + 1
	}
	for idx < len(s.elems) && o.ID.Less(s.elems[idx].id) {
		idx++
	}
	at := o.At
	if at.IsZero() {
		at = o.ID
	}
	e := &element{id: o.ID, origin: o.Origin, value: o.Value, at: at, decoded: decodeValue(o.Value)}
	s.elems = append(s.elems, nil)
	copy(s.elems[idx+1:], s.elems[idx:])
	s.elems[idx] = e
	s.index[o.ID] = e
	s.observe(o.ID)
	s.observe(at)
	return true
}

// applyRemote buffers ops and integrates everything whose dependencies are
// satisfied, repeating until no further progress is possible.
func (s *sequence) applyRemote(ops []op) int {
	s.pending = append(s.pending, ops...)
	applied := 0
	for progress := true; progress; {
		progress = false
		remaining := s.pending[:0]
		for _, o := range s.pending {
			if s.integrate(o) {
				applied++
				progress = true
				continue
			}
			remaining = append(remaining, o)
		}
		s.pending = remaining
	}
	return applied
}

// visible returns live, well-formed elements in document order.
func (s *sequence) visible() []*element {
	out := make([]*element, 0, len(s.elems))
	for _, e := range s.elems {
		if e.deleted || e.decoded == nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// snapshot encodes the whole replica as ops replayable on an empty sequence.
func (s *sequence) snapshot() []op {
	ops := make([]op, 0, len(s.elems)*2+len(s.meta)+1)
	var deletes []op
	for _, e := range s.elems {
		value := e.value
		if e.deleted {
			value = json.RawMessage("null")
			deletes = append(deletes, op{Kind: opDelete, Target: e.id, At: e.at})
		}
		ops = append(ops, op{Kind: opInsert, ID: e.id, Origin: e.origin, Value: value, At: e.at})
	}
	ops = append(ops, deletes...)
	for key, entry := range s.meta {
		ops = append(ops, op{Kind: opMeta, Key: key, Value: entry.value, At: entry.at})
	}
	if s.version > 0 {
		raw, _ := json.Marshal(s.version)
		ops = append(ops, op{Kind: opMeta, Key: metaVersion, Value: raw, At: Stamp{Clock: s.clock, Replica: s.replica}})
	}
	return ops
}

func decodeValue(raw json.RawMessage) *Block {
	if isNullOrEmpty(raw) {
		return nil
	}
	block, ok := decodeBlock(raw)
	if !ok {
		return nil
	}
	return &block
}
