package wiremsg

import "sync"

// Handle is a non-owning reference to a session. It stays safe to hold
// after the session is gone: resolving it then reports the session as
// absent. The zero Handle never resolves.
type Handle struct {
	table *sessionTable
	index uint32
	gen   uint32
}

// Session resolves the handle. It reports false once the session has been
// closed or removed.
func (h Handle) Session() (*Session, bool) {
	if h.table == nil {
		return nil, false
	}
	s, ok := h.table.lookup(h)
	if !ok || s.IsClosed() {
		return nil, false
	}
	return s, true
}

// Send sends msg if the session still exists and reports whether it did.
// A stale handle is skipped silently.
func (h Handle) Send(msg any) bool {
	s, ok := h.Session()
	if !ok {
		return false
	}
	s.Send(msg)
	return true
}

type tableSlot struct {
	gen     uint32
	live    bool
	session *Session
}

// sessionTable tracks the sessions of one server or client. Slots are
// reused; a slot's generation changes on every removal so handles to the
// previous occupant stop resolving.
type sessionTable struct {
	mu    sync.Mutex
	slots []tableSlot
	free  []uint32
}

func newSessionTable() *sessionTable {
	return &sessionTable{}
}

// add stores s and gives it its handle. The session is not live yet.
func (t *sessionTable) add(s *Session) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot{gen: 0})
	}

	slot := &t.slots[index]
	slot.gen++
	slot.session = s
	slot.live = false

	h := Handle{table: t, index: index, gen: slot.gen}
	s.handle = h
	return h
}

// markLive puts the session into the live set.
func (t *sessionTable) markLive(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot, ok := t.slot(h); ok {
		slot.live = true
	}
}

// remove drops the session behind h. It reports false for stale handles.
func (t *sessionTable) remove(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.slot(h)
	if !ok {
		return false
	}
	slot.gen++
	slot.session = nil
	slot.live = false
	t.free = append(t.free, h.index)
	return true
}

func (t *sessionTable) lookup(h Handle) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.slot(h)
	if !ok {
		return nil, false
	}
	return slot.session, true
}

// live returns the sessions in the live set.
func (t *sessionTable) live() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.slots)-len(t.free))
	for _, slot := range t.slots {
		if slot.live && slot.session != nil {
			out = append(out, slot.session)
		}
	}
	return out
}

// all returns every session in the table, live or not.
func (t *sessionTable) all() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.slots)-len(t.free))
	for _, slot := range t.slots {
		if slot.session != nil {
			out = append(out, slot.session)
		}
	}
	return out
}

// slot must be called with t.mu held.
func (t *sessionTable) slot(h Handle) (*tableSlot, bool) {
	if h.table != t || int(h.index) >= len(t.slots) {
		return nil, false
	}
	slot := &t.slots[h.index]
	if slot.gen != h.gen || slot.session == nil {
		return nil, false
	}
	return slot, true
}
