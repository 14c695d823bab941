package assembly

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/bufferuploads/heap"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/types"
)

// slotSize is the heap address space a transaction slot costs: 16 bytes,
// per spec §4.8.
const slotSize = 16

// maxSlots is the hard cap on live slots per table; allocate
// fails above it rather than growing the backing SpanningHeap further.
const maxSlots = 0xFFFF

// entry is one live transaction. The split reference count the spec packs
// into one atomic 32-bit word is kept here as two plain int32 counters
// under a dedicated mutex instead: Go already gives a clean way to reason
// about "wait until both reach zero" without hand-rolled atomic
// compare-and-swap loops over a packed word, and nothing else in this
// module needs the packed representation's memory compactness.
type entry struct {
	mu  sync.Mutex
	dis uint32

	clientRefs int32
	systemRefs int32

	desc         types.ResourceDesc
	dataType     UploadDataType
	queuedBytes  uint64
	finalLocator locator.Locator

	done    chan struct{}
	settled bool
	err     error

	// releaseOnce guards the one client-ref drop a transaction's handle
	// makes (via Wait or Cancel); sysReleaseOnce guards the one system-ref
	// drop the queued step (Begin) or async step chain (BeginAsync) makes
	// at its final settle. Each
	// fires at most once so the slot is freed exactly once even though the
	// two ref kinds are dropped from different call sites.
	releaseOnce    sync.Once
	sysReleaseOnce sync.Once
}

func newEntry(dis uint32, desc types.ResourceDesc, dataType UploadDataType, queuedBytes uint64) *entry {
	return &entry{
		dis: dis, desc: desc, dataType: dataType, queuedBytes: queuedBytes,
		clientRefs: 1, done: make(chan struct{}),
	}
}

// isAborted reports whether this transaction has already settled —
// Transaction_Cancel settles it with ErrAborted synchronously, before the
// handle's client reference is even dropped, so a step processor picking
// up a step belonging to a cancelled transaction finds settled already
// true here rather than having to race the ref count down to zero itself.
// Step processors check this before doing any device work.
func (e *entry) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settled
}

func (e *entry) addClientRef() {
	e.mu.Lock()
	e.clientRefs++
	e.mu.Unlock()
}

// cancelClientRef drops one client reference (Transaction_Cancel) and
// reports whether both ref counts have now reached zero, mirroring
// releaseSystemRef's contract.
func (e *entry) cancelClientRef() (zero bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clientRefs--
	return e.clientRefs <= 0 && e.systemRefs <= 0
}

func (e *entry) addSystemRef() {
	e.mu.Lock()
	e.systemRefs++
	e.mu.Unlock()
}

// releaseSystemRef drops one system reference and reports whether both
// ref counts have now reached zero (the slot is ready to free).
func (e *entry) releaseSystemRef() (zero bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.systemRefs--
	return e.clientRefs <= 0 && e.systemRefs <= 0
}

// settle fulfills the completion future exactly once.
func (e *entry) settle(loc locator.Locator, err error) {
	e.mu.Lock()
	if e.settled {
		e.mu.Unlock()
		return
	}
	e.settled = true
	e.finalLocator = loc
	e.err = err
	e.mu.Unlock()
	close(e.done)
}

// rebindFinalLocator rewrites the final locator in place, used by a defrag
// reposition event; a no-op before the transaction has settled.
func (e *entry) rebindFinalLocator(f func(locator.Locator) locator.Locator) {
	e.mu.Lock()
	e.finalLocator = f(e.finalLocator)
	e.mu.Unlock()
}

// wait blocks until settle is called and returns its result.
func (e *entry) wait() (locator.Locator, error) {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalLocator, e.err
}

// table is one of the two transaction tables (temporary, long-term): a
// SpanningHeap allocating 16-byte slots addresses entries kept in a Go
// map keyed by slot index. The spec's vector/deque-with-resize storage
// exists to avoid invalidating addresses readers hold across a resize;
// a Go map already has that property for free, so no separate resize
// lock is needed here beyond the one guarding allocate/free.
type table struct {
	mu      sync.Mutex
	heap    *heap.SpanningHeap
	slots   map[uint32]*entry
	longTerm bool
	nextDis uint32
	count   atomic.Int64
}

func newTable(longTerm bool) *table {
	return &table{heap: heap.New(0, slotSize), slots: make(map[uint32]*entry), longTerm: longTerm}
}

// allocate reserves a slot, stores a new entry, and returns its packed id.
func (t *table) allocate(desc types.ResourceDesc, dataType UploadDataType, queuedBytes uint64) (uint64, *entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	off, ok := t.heap.Allocate(slotSize)
	if !ok {
		if t.heap.Size()/slotSize >= maxSlots {
			return 0, nil, ErrTransactionTableExhausted
		}
		t.heap.AppendNewBlock(slotSize * 64)
		off, ok = t.heap.Allocate(slotSize)
		if !ok {
			return 0, nil, ErrTransactionTableExhausted
		}
	}
	slot := uint32(off / slotSize)
	if uint64(slot) >= maxSlots {
		t.heap.Deallocate(off, slotSize)
		return 0, nil, ErrTransactionTableExhausted
	}

	t.nextDis++
	e := newEntry(t.nextDis, desc, dataType, queuedBytes)
	t.slots[slot] = e
	t.count.Add(1)

	return composeID(slot, e.dis, t.longTerm), e, nil
}

// get validates id against this table's long-term flag and discriminator.
func (t *table) get(id uint64) (*entry, bool) {
	slot, dis, longTerm := decomposeID(id)
	if longTerm != t.longTerm {
		return nil, false
	}
	t.mu.Lock()
	e, ok := t.slots[slot]
	t.mu.Unlock()
	if !ok || e.dis != dis {
		return nil, false
	}
	return e, true
}

// free removes the slot for id and returns its space to the heap; called
// once an entry's ref counts both reach zero.
func (t *table) free(id uint64) {
	slot, _, _ := decomposeID(id)
	t.mu.Lock()
	delete(t.slots, slot)
	t.mu.Unlock()
	t.count.Add(-1)
	t.heap.Deallocate(uint64(slot)*slotSize, slotSize)
}

// forEach visits a snapshot of live entries, each paired with its id.
func (t *table) forEach(f func(id uint64, e *entry)) {
	t.mu.Lock()
	snap := make(map[uint32]*entry, len(t.slots))
	for k, v := range t.slots {
		snap[k] = v
	}
	t.mu.Unlock()
	for slot, e := range snap {
		f(composeID(slot, e.dis, t.longTerm), e)
	}
}

// clearResources drops every entry's final resource (OnLostDevice).
func (t *table) clearResources() {
	t.forEach(func(_ uint64, e *entry) {
		e.mu.Lock()
		e.finalLocator = locator.Locator{}
		e.mu.Unlock()
	})
}
