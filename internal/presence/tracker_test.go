package presence

import (
	"testing"

	"github.com/google/uuid"
)

type recorder struct {
	added   []string
	removed []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		MemberAdded:   func(m Member) { r.added = append(r.added, m.ID) },
		MemberRemoved: func(m Member) { r.removed = append(r.removed, m.ID) },
	}
}

func TestTracker_InitialStateReportsAllAsAdded(t *testing.T) {
	tr := NewTracker("presence-room", nil)
	rec := &recorder{}
	tr.Attach(uuid.New(), rec.callbacks())

	tr.ApplyState(1, []Member{
		{ID: "alice"},
		{ID: "bob"},
	})

	if len(rec.added) != 2 {
		t.Errorf("added = %v, want 2 members", rec.added)
	}
	if len(rec.removed) != 0 {
		t.Errorf("removed = %v, want none", rec.removed)
	}
	if tr.Count() != 2 {
		t.Errorf("Count = %d, want 2", tr.Count())
	}
}

func TestTracker_StateDiff(t *testing.T) {
	tr := NewTracker("presence-room", nil)
	rec := &recorder{}
	tr.Attach(uuid.New(), rec.callbacks())

	tr.ApplyState(1, []Member{{ID: "alice"}, {ID: "bob"}})
	rec.added = nil

	// bob leaves, carol joins.
	tr.ApplyState(2, []Member{{ID: "alice"}, {ID: "carol"}})

	if len(rec.added) != 1 || rec.added[0] != "carol" {
		t.Errorf("added = %v, want [carol]", rec.added)
	}
	if len(rec.removed) != 1 || rec.removed[0] != "bob" {
		t.Errorf("removed = %v, want [bob]", rec.removed)
	}
}

func TestTracker_AddedRemovedNotifications(t *testing.T) {
	tr := NewTracker("presence-room", nil)
	rec := &recorder{}
	tr.Attach(uuid.New(), rec.callbacks())

	tr.ApplyAdded(1, Member{ID: "alice", Info: map[string]any{"name": "Alice"}})
	tr.ApplyAdded(2, Member{ID: "bob"})
	tr.ApplyRemoved(3, "alice")

	if len(rec.added) != 2 {
		t.Errorf("added = %v, want [alice bob]", rec.added)
	}
	if len(rec.removed) != 1 || rec.removed[0] != "alice" {
		t.Errorf("removed = %v, want [alice]", rec.removed)
	}
	if tr.Count() != 1 {
		t.Errorf("Count = %d, want 1", tr.Count())
	}
}

func TestTracker_DuplicateSequenceDiscarded(t *testing.T) {
	tr := NewTracker("presence-room", nil)
	rec := &recorder{}
	tr.Attach(uuid.New(), rec.callbacks())

	members := []Member{{ID: "alice"}, {ID: "bob"}}
	tr.ApplyState(5, members)
	addedAfterFirst := len(rec.added)

	// Redelivery of the same snapshot must produce zero extra callbacks.
	tr.ApplyState(5, members)
	tr.ApplyState(4, members)
	tr.ApplyAdded(5, Member{ID: "carol"})

	if len(rec.added) != addedAfterFirst {
		t.Errorf("added after redelivery = %v, want unchanged", rec.added)
	}
	if tr.Count() != 2 {
		t.Errorf("Count = %d, want 2", tr.Count())
	}
}

func TestTracker_RemoveUnknownMemberNoCallback(t *testing.T) {
	tr := NewTracker("presence-room", nil)
	rec := &recorder{}
	tr.Attach(uuid.New(), rec.callbacks())

	tr.ApplyRemoved(1, "ghost")

	if len(rec.removed) != 0 {
		t.Errorf("removed = %v, want none", rec.removed)
	}
}

func TestTracker_DetachStopsCallbacks(t *testing.T) {
	tr := NewTracker("presence-room", nil)
	rec := &recorder{}
	id := uuid.New()
	tr.Attach(id, rec.callbacks())
	tr.Detach(id)

	tr.ApplyAdded(1, Member{ID: "alice"})

	if len(rec.added) != 0 {
		t.Errorf("added = %v after Detach, want none", rec.added)
	}
}

func TestTracker_MultipleConsumersInOrder(t *testing.T) {
	tr := NewTracker("presence-room", nil)

	var order []string
	tr.Attach(uuid.New(), Callbacks{
		MemberAdded: func(Member) { order = append(order, "first") },
	})
	tr.Attach(uuid.New(), Callbacks{
		MemberAdded: func(Member) { order = append(order, "second") },
	})

	tr.ApplyAdded(1, Member{ID: "alice"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("callback order = %v, want [first second]", order)
	}
}
