package threadctx

import "sync"

// RepositionEvent mirrors the spec's Event_ResourceReposition payload: a
// batched heap's resource changed identity and every live locator pointing
// into it needs its Resource() swapped, offsets unchanged.
type RepositionEvent struct {
	HeapID      uint64
	OldResource interface{ Destroy() }
	NewResource interface{ Destroy() }
}

type eventSlot struct {
	id      uint64
	data    RepositionEvent
	live    bool
	clients int32
}

// EventList is a bounded ring of published reposition events. Producers
// Push and Publish; consumers Get (which pins the slot with a client ref)
// and must Release once done reading. A slot is only recycled once its
// id has fallen behind processed, which only advances past slots with
// zero outstanding client refs — this is the "recycle-safety rule" from
// spec §4.7: a slow consumer holding an old id keeps its slot alive.
type EventList struct {
	mu        sync.Mutex
	slots     []eventSlot
	written   uint64
	published uint64
	processed uint64
}

// NewEventList creates a ring with the given slot capacity.
func NewEventList(capacity int) *EventList {
	if capacity <= 0 {
		capacity = 16
	}
	return &EventList{slots: make([]eventSlot, capacity)}
}

// Push records a new event, returning its id. The event is not visible to
// Get until Publish(id) is called.
func (l *EventList) Push(data RepositionEvent) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advanceProcessed()
	l.written++
	id := l.written
	slot := &l.slots[id%uint64(len(l.slots))]
	slot.id = id
	slot.data = data
	slot.live = false
	slot.clients = 0
	return id
}

// Publish makes event id visible to Get. Publish calls must happen in id
// order; out-of-order publish is a caller bug and is ignored.
func (l *EventList) Publish(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id != l.published+1 {
		return
	}
	slot := &l.slots[id%uint64(len(l.slots))]
	if slot.id == id {
		slot.live = true
		l.published = id
	}
}

// Get returns the event for id and pins its slot with a client reference,
// or false if id has not been published or has already been recycled.
func (l *EventList) Get(id uint64) (RepositionEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := &l.slots[id%uint64(len(l.slots))]
	if slot.id != id || !slot.live {
		return RepositionEvent{}, false
	}
	slot.clients++
	return slot.data, true
}

// Release drops a client reference taken by Get, allowing the slot to be
// recycled once GetLatestID has moved past it.
func (l *EventList) Release(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := &l.slots[id%uint64(len(l.slots))]
	if slot.id == id && slot.clients > 0 {
		slot.clients--
	}
}

// GetLatestID returns the highest published event id.
func (l *EventList) GetLatestID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published
}

// advanceProcessed recycles slots from processed+1 up to the newest
// published slot with no outstanding client refs, stopping at the first
// slot still pinned. Called after each Push once the ring might be full,
// so a wrap never overwrites a slot a consumer is still reading.
func (l *EventList) advanceProcessed() {
	for l.processed < l.published {
		slot := &l.slots[(l.processed+1)%uint64(len(l.slots))]
		if slot.clients > 0 {
			return
		}
		l.processed++
	}
}
