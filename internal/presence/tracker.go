package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Member is one subscriber of a presence channel.
type Member struct {
	ID   string
	Info map[string]any
}

// Callbacks receive member-set changes for one consumer.
type Callbacks struct {
	MemberAdded   func(Member)
	MemberRemoved func(Member)
}

type cbEntry struct {
	id uuid.UUID
	cb Callbacks
}

// Tracker maintains the latest member snapshot for one presence channel and
// diffs consecutive updates into added/removed callback invocations.
//
// Updates carry a per-channel monotone sequence number; an update whose
// sequence is not greater than the last applied one is a transport redelivery
// and is discarded.
type Tracker struct {
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	members map[string]Member
	lastSeq int64
	cbs     []cbEntry // registration order
}

// NewTracker creates a tracker for the named channel.
func NewTracker(channel string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		channel: channel,
		logger:  logger,
		members: make(map[string]Member),
	}
}

// Attach registers consumer callbacks under the given handle id.
func (t *Tracker) Attach(id uuid.UUID, cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cbs = append(t.cbs, cbEntry{id: id, cb: cb})
}

// Detach removes the callbacks registered under the handle id.
func (t *Tracker) Detach(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.cbs {
		if e.id == id {
			t.cbs = append(t.cbs[:i], t.cbs[i+1:]...)
			return
		}
	}
}

// ApplyState replaces the snapshot with a full member set. The first state
// after subscription diffs against an empty set, so every initial member is
// reported as added.
func (t *Tracker) ApplyState(seq int64, members []Member) {
	t.mu.Lock()
	if !t.admitSeqLocked(seq) {
		t.mu.Unlock()
		return
	}

	next := make(map[string]Member, len(members))
	var added []Member
	for _, m := range members {
		next[m.ID] = m
		if _, ok := t.members[m.ID]; !ok {
			added = append(added, m)
		}
	}

	var removed []Member
	for id, m := range t.members {
		if _, ok := next[id]; !ok {
			removed = append(removed, m)
		}
	}

	t.members = next
	cbs := t.snapshotCallbacksLocked()
	t.mu.Unlock()

	for _, m := range added {
		for _, cb := range cbs {
			if cb.MemberAdded != nil {
				cb.MemberAdded(m)
			}
		}
	}
	for _, m := range removed {
		for _, cb := range cbs {
			if cb.MemberRemoved != nil {
				cb.MemberRemoved(m)
			}
		}
	}
}

// ApplyAdded records one member joining.
func (t *Tracker) ApplyAdded(seq int64, m Member) {
	t.mu.Lock()
	if !t.admitSeqLocked(seq) {
		t.mu.Unlock()
		return
	}
	_, existed := t.members[m.ID]
	t.members[m.ID] = m
	cbs := t.snapshotCallbacksLocked()
	t.mu.Unlock()

	if existed {
		return
	}
	for _, cb := range cbs {
		if cb.MemberAdded != nil {
			cb.MemberAdded(m)
		}
	}
}

// ApplyRemoved records one member leaving.
func (t *Tracker) ApplyRemoved(seq int64, id string) {
	t.mu.Lock()
	if !t.admitSeqLocked(seq) {
		t.mu.Unlock()
		return
	}
	m, existed := t.members[id]
	delete(t.members, id)
	cbs := t.snapshotCallbacksLocked()
	t.mu.Unlock()

	if !existed {
		return
	}
	for _, cb := range cbs {
		if cb.MemberRemoved != nil {
			cb.MemberRemoved(m)
		}
	}
}

// Members returns the current member set.
func (t *Tracker) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// Count returns the current member count.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// admitSeqLocked checks and advances the sequence. Out-of-order or duplicate
// updates are dropped.
func (t *Tracker) admitSeqLocked(seq int64) bool {
	if seq <= t.lastSeq {
		t.logger.Debug("discarding stale presence update",
			"channel", t.channel,
			"seq", seq,
			"last_seq", t.lastSeq,
		)
		return false
	}
	t.lastSeq = seq
	return true
}

func (t *Tracker) snapshotCallbacksLocked() []Callbacks {
	out := make([]Callbacks, 0, len(t.cbs))
	for _, e := range t.cbs {
		out = append(out, e.cb)
	}
	return out
}
