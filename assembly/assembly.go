package assembly

import (
	"context"
	"sync/atomic"

	"github.com/gogpu/bufferuploads/batch"
	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/heap"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/metrics"
	"github.com/gogpu/bufferuploads/source"
	"github.com/gogpu/bufferuploads/threadctx"
	"github.com/gogpu/bufferuploads/types"
)

// framePriorityLanes is the number of FramePriority queue-sets a caller can
// cycle through via FlipWritingQueueSet, per spec §4.8.4.
const framePriorityLanes = 4

// AssemblyLine is the transaction pump: it owns the temporary and
// long-term transaction tables, the Main and FramePriority queue-sets
// steps get routed through, and the deferred-closure queue an async
// Begin's background goroutine posts its continuation onto. A single
// background goroutine normally drives it via DoBackgroundThread, but
// Process is also safe to call synchronously (the immediate-mode path).
type AssemblyLine struct {
	dev hal.Device
	src *source.Source
	ctx *threadctx.Context // deferred/background recording context
	imm *threadctx.Context // immediate context

	temporary *table
	longTerm  *table

	main        *queueSet
	frame       [framePriorityLanes]*queueSet
	writingLane atomic.Uint32

	deferred chan func()
	wake     *wakeupEvent

	loading atomic.Bool
	frameID atomic.Uint64

	queuedBytes [3]atomic.Uint64 // indexed by UploadDataType
	commits     atomic.Uint64
}

// New builds an AssemblyLine around an already-constructed Source and the
// pair of ThreadContexts a Manager owns: ctx records commands in the
// background, imm submits them (and owns the EventList defrag reposition
// events publish to).
func New(dev hal.Device, src *source.Source, ctx, imm *threadctx.Context) *AssemblyLine {
	a := &AssemblyLine{
		dev:       dev,
		src:       src,
		ctx:       ctx,
		imm:       imm,
		temporary: newTable(false),
		longTerm:  newTable(true),
		main:      newQueueSet(),
		deferred:  make(chan func(), 1024),
		wake:      newWakeupEvent(),
	}
	for i := range a.frame {
		a.frame[i] = newQueueSet()
	}
	return a
}

// SetLoading toggles the unlimited-budget loading mode a level load uses
// to avoid throttling its initial burst of uploads.
func (a *AssemblyLine) SetLoading(loading bool) { a.loading.Store(loading) }

// TickFrame records the current frame id, consulted by the staging/reuse
// pools' age-based eviction the next time Process runs.
func (a *AssemblyLine) TickFrame(frameID uint64) { a.frameID.Store(frameID) }

// QueuedBytes reports bytes currently queued-but-unresolved for dt.
func (a *AssemblyLine) QueuedBytes(dt UploadDataType) uint64 { return a.queuedBytes[dt].Load() }

// PopMetrics drains the deferred context's accumulated per-command-list
// metrics.
func (a *AssemblyLine) PopMetrics() []metrics.CommandListMetrics { return a.ctx.PopMetrics() }

// TransactionHandle is a caller's reference to one live transaction: an id
// plus enough to settle or cancel it without a table lookup.
type TransactionHandle struct {
	id   uint64
	e    *entry
	line *AssemblyLine
}

// ID returns the packed transaction id (composeID's output).
func (h TransactionHandle) ID() uint64 { return h.id }

// Wait blocks until the transaction settles and releases this handle's
// client reference, freeing the transaction's slot once no system
// reference is still outstanding either.
func (h TransactionHandle) Wait() (locator.Locator, error) {
	loc, err := h.e.wait()
	h.line.releaseClient(h.id, h.e)
	return loc, err
}

// AddRef adds a client reference, for a caller that wants to hand out a
// second independent handle to the same transaction.
func (h TransactionHandle) AddRef() { h.e.addClientRef() }

// Peek blocks until the transaction settles and returns its result
// without releasing any client reference, for a caller (GetResource) that
// wants to read an already-owned transaction's result again without
// consuming the reference a prior Wait/Cancel will still release.
func (h TransactionHandle) Peek() (locator.Locator, error) { return h.e.wait() }

// Cancel settles the transaction with ErrAborted (a no-op if it already
// settled) and releases this handle's client reference.
func (h TransactionHandle) Cancel() {
	h.e.settle(locator.Empty(), ErrAborted)
	h.line.releaseClient(h.id, h.e)
}

// Validate reports whether id still names a live transaction in either
// table.
func (a *AssemblyLine) Validate(id uint64) bool {
	_, _, ok := a.getEntry(id)
	return ok
}

// GetTransaction looks up a handle for an id obtained some other way (e.g.
// round-tripped through a caller's own bookkeeping).
func (a *AssemblyLine) GetTransaction(id uint64) (TransactionHandle, bool) {
	e, _, ok := a.getEntry(id)
	if !ok {
		return TransactionHandle{}, false
	}
	return TransactionHandle{id: id, e: e, line: a}, true
}

// Cancel is the id-based equivalent of TransactionHandle.Cancel.
func (a *AssemblyLine) Cancel(id uint64) error {
	e, _, ok := a.getEntry(id)
	if !ok {
		return ErrUnknownTransaction
	}
	e.settle(locator.Empty(), ErrAborted)
	a.releaseClient(id, e)
	return nil
}

// Begin starts a transaction whose bytes are already available (DataPacket),
// the synchronous (a) overload. CreateFromDataPacket is queued onto the
// flags-selected queue-set for the background worker to pick up.
func (a *AssemblyLine) Begin(desc types.ResourceDesc, packet DataPacket, flags Flags) (TransactionHandle, error) {
	dt := classifyDataType(desc)
	size := desc.ByteSize()

	t := a.tableFor(flags)
	id, e, err := t.allocate(desc, dt, size)
	if err != nil {
		return TransactionHandle{}, err
	}
	a.bumpQueuedBytes(dt, size)

	qs := a.queueSetFor(flags)
	if err := qs.pushCreate(stepCreateFromDataPacket{txID: id, desc: desc, packet: packet}); err != nil {
		a.dropQueuedBytes(dt, size)
		a.abortNewTransaction(t, id, e)
		return TransactionHandle{}, err
	}
	// Hold a system reference for the queued step itself, not just the
	// caller's handle: otherwise a Cancel landing before the step is
	// processed drops the client ref to zero, frees the slot immediately,
	// and the step finds nothing left to settle or account for when it
	// eventually runs.
	e.addSystemRef()
	a.wake.signal()
	return TransactionHandle{id: id, e: e, line: a}, nil
}

// BeginAsync starts a transaction whose descriptor and bytes each become
// available later (the (b) overload). A single system reference covers
// the whole PrepareStaging -> TransferStagingToFinal chain: the spec bumps
// it again at each continuation, but the chain runs strictly sequentially
// for one transaction, so one reference held for its whole duration is
// equivalent and simpler.
func (a *AssemblyLine) BeginAsync(asyncSource AsyncSource, bindFlags types.BindFlags, flags Flags) (TransactionHandle, error) {
	t := a.tableFor(flags)
	id, e, err := t.allocate(types.ResourceDesc{BindFlags: bindFlags}, UploadDataVertex, 0)
	if err != nil {
		return TransactionHandle{}, err
	}
	e.addSystemRef()

	go func() {
		desc, derr := asyncSource.Desc(context.Background())
		a.deferred <- func() {
			if derr != nil {
				e.settle(locator.Empty(), derr)
				a.releaseSystemOnce(t, id, e)
				return
			}
			desc.BindFlags = bindFlags
			dt := classifyDataType(desc)
			size := desc.ByteSize()

			e.mu.Lock()
			e.desc = desc
			e.dataType = dt
			e.queuedBytes = size
			e.mu.Unlock()
			a.bumpQueuedBytes(dt, size)

			if e.isAborted() {
				e.settle(locator.Empty(), ErrAborted)
				a.dropQueuedBytes(dt, size)
				a.releaseSystemOnce(t, id, e)
				return
			}

			qs := a.queueSetFor(flags)
			step := stepPrepareStaging{txID: id, desc: desc, asyncSource: asyncSource, bindFlags: bindFlags}
			if perr := qs.pushPrepareStaging(step); perr != nil {
				e.settle(locator.Empty(), perr)
				a.dropQueuedBytes(dt, size)
				a.releaseSystemOnce(t, id, e)
			}
		}
		a.wake.signal()
	}()

	return TransactionHandle{id: id, e: e, line: a}, nil
}

// BeginFromLocator wraps an already-resolved locator in a transaction (the
// (c) overload): no step is queued, the transaction settles immediately.
func (a *AssemblyLine) BeginFromLocator(loc locator.Locator, flags Flags) (TransactionHandle, error) {
	var desc types.ResourceDesc
	if loc.Resource() != nil {
		desc = loc.Resource().Desc()
	}
	t := a.tableFor(flags)
	id, e, err := t.allocate(desc, classifyDataType(desc), 0)
	if err != nil {
		return TransactionHandle{}, err
	}
	e.settle(loc, nil)
	return TransactionHandle{id: id, e: e, line: a}, nil
}

// DoBackgroundThread drains every step kind until stop closes, sleeping on
// the wakeup event between rounds that find nothing to do. Equivalent to
// DoBackgroundThreadMasked(stop, StepAll).
func (a *AssemblyLine) DoBackgroundThread(stop <-chan struct{}) {
	a.DoBackgroundThreadMasked(stop, StepAll)
}

// DoBackgroundThreadMasked is DoBackgroundThread restricted to mask, used
// by a Manager that partitions steps between a foreground and a background
// ThreadContext per spec §4.9: only the step kinds the platform allows off
// the main thread are drained here.
func (a *AssemblyLine) DoBackgroundThreadMasked(stop <-chan struct{}, mask StepMask) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		// TODO: surface Process errors once the root Manager exists to own
		// an error sink; for now a failed command-list submission is only
		// visible through the transactions it settled with an error.
		_ = a.Process(mask, context.Background(), nil)
		a.wake.wait(stop)
	}
}

// WakeBackgroundThread signals the wakeup event a background worker may be
// sleeping on, used by Manager.Update after it hands the worker new
// foreground-committed state to notice.
func (a *AssemblyLine) WakeBackgroundThread() { a.wake.signal() }

// Process drains one round of queued steps matching mask. With
// priorityHint set, it drains that FramePriority lane against an unlimited
// budget; otherwise it drains every FramePriority lane, starting with the
// current writing lane, under the round's budget. Main is drained after
// the FramePriority lanes either way. It resolves and commits exactly one command list if any step was
// processed.
func (a *AssemblyLine) Process(mask StepMask, ctx context.Context, priorityHint *uint32) error {
	a.src.TickPools(a.frameID.Load())

drainDeferred:
	for {
		select {
		case fn := <-a.deferred:
			fn()
		default:
			break drainDeferred
		}
	}

	b := newCmdBudget(a.loading.Load())
	did := false

	if priorityHint != nil {
		lane := int(*priorityHint) % framePriorityLanes
		unlimited := newCmdBudget(true)
		if a.drainQueueSet(a.frame[lane], mask, ctx, unlimited) {
			did = true
		}
	} else {
		first := int(a.writingLane.Load())
		for i := 0; i < framePriorityLanes; i++ {
			if a.drainQueueSet(a.frame[(first+i)%framePriorityLanes], mask, ctx, b) {
				did = true
			}
		}
	}
	if a.drainQueueSet(a.main, mask, ctx, b) {
		did = true
	}

	if mask.has(StepBatchedDefrag) {
		if err := a.tickDefrag(); err != nil {
			return err
		}
	}

	if !did {
		return nil
	}

	if _, err := a.ctx.ResolveCommandList(ctx); err != nil {
		return err
	}
	if _, err := a.ctx.CommitToImmediate(ctx, a.imm); err != nil {
		return err
	}
	a.commits.Add(1)
	return nil
}

// drainQueueSet pulls every step of every kind in mask out of qs, pushing
// back (to the tail) any step a budget denial blocks. Returns whether any
// step was consumed.
func (a *AssemblyLine) drainQueueSet(qs *queueSet, mask StepMask, ctx context.Context, b *cmdBudget) bool {
	did := false
	if mask.has(StepCreateFromDataPacket) {
	drainCreate:
		for {
			select {
			case s := <-qs.createFromDataPacket:
				if !a.processCreateFromDataPacket(ctx, s, b) {
					_ = qs.pushCreate(s)
					break drainCreate
				}
				did = true
			default:
				break drainCreate
			}
		}
	}
	if mask.has(StepPrepareStaging) {
	drainPrepare:
		for {
			select {
			case s := <-qs.prepareStaging:
				if !a.processPrepareStaging(ctx, s, b) {
					_ = qs.pushPrepareStaging(s)
					break drainPrepare
				}
				did = true
			default:
				break drainPrepare
			}
		}
	}
	if mask.has(StepTransferStagingToFinal) {
	drainTransfer:
		for {
			select {
			case s := <-qs.transferStagingToFinal:
				if !a.processTransferStagingToFinal(ctx, s, b) {
					_ = qs.pushTransfer(s)
					break drainTransfer
				}
				did = true
			default:
				break drainTransfer
			}
		}
	}
	return did
}

// processCreateFromDataPacket creates the final resource directly and
// stages its initial bytes as a DeferredCopy, settling the transaction
// once the locator is known. Returns false (leaving the step in place to
// retry) if the budget denies it.
func (a *AssemblyLine) processCreateFromDataPacket(_ context.Context, s stepCreateFromDataPacket, b *cmdBudget) bool {
	e, t, ok := a.getEntry(s.txID)
	if !ok {
		return true
	}
	if e.isAborted() {
		e.settle(locator.Empty(), ErrAborted)
		a.dropQueuedBytes(e.dataType, s.desc.ByteSize())
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	size := s.desc.ByteSize()
	if !b.reserve(size, true) {
		return false
	}

	loc, err := a.src.Create(s.desc, nil, false)
	if err != nil {
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}
	loc = loc.WithCompletionCommandList(a.ctx.NextCommandListID())
	a.ctx.QueueCopy(threadctx.DeferredCopy{Dest: loc, Data: s.packet.Data(0)})

	e.settle(loc, nil)
	a.dropQueuedBytes(e.dataType, size)
	a.releaseSystemOnce(t, s.txID, e)
	return true
}

// processPrepareStaging allocates a staging resource, fills it from the
// AsyncSource, and queues the transfer step that moves it into the final
// resource. The staging write itself runs immediately against the
// deferred context (it is CPU-visible by construction, unlike the final
// destination, so it does not need to wait for CommitToImmediate).
func (a *AssemblyLine) processPrepareStaging(ctx context.Context, s stepPrepareStaging, b *cmdBudget) bool {
	e, t, ok := a.getEntry(s.txID)
	if !ok {
		return true
	}
	if e.isAborted() {
		e.settle(locator.Empty(), ErrAborted)
		a.dropQueuedBytes(e.dataType, s.desc.ByteSize())
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	size := s.desc.ByteSize()
	if !b.reserve(size, false) {
		return false
	}

	stagingDesc := CalculatePartialStagingDesc(s.desc)
	stagingLoc, err := a.src.Create(stagingDesc, nil, false)
	if err != nil {
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	dst := [][]byte{make([]byte, size)}
	if err := s.asyncSource.PrepareData(ctx, dst); err != nil {
		stagingLoc.Release()
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}
	if err := a.ctx.WriteToResource(stagingLoc.Resource(), stagingLoc.Offset(), dst[0]); err != nil {
		stagingLoc.Release()
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	transfer := stepTransferStagingToFinal{
		txID: s.txID, desc: s.desc, staging: stagingLoc,
		mapping: StagingMapping{SubresourceOffsets: []uint64{0}},
	}
	if err := a.main.pushTransfer(transfer); err != nil {
		stagingLoc.Release()
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
	}
	return true
}

// processTransferStagingToFinal creates the final resource and records
// the staging-to-final copy via UpdateFinalResourceFromStaging, settling
// the transaction with the final locator.
func (a *AssemblyLine) processTransferStagingToFinal(_ context.Context, s stepTransferStagingToFinal, b *cmdBudget) bool {
	e, t, ok := a.getEntry(s.txID)
	if !ok {
		s.staging.Release()
		return true
	}
	if e.isAborted() {
		e.settle(locator.Empty(), ErrAborted)
		s.staging.Release()
		a.dropQueuedBytes(e.dataType, s.desc.ByteSize())
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	size := s.desc.ByteSize()
	if !b.reserve(size, true) {
		return false
	}

	finalLoc, err := a.src.Create(s.desc, nil, false)
	if err != nil {
		s.staging.Release()
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	mapping := hal.ResourceMap{Mode: types.MapModeWrite, Subresource: s.mapping.BaseMip}
	if err := a.ctx.UpdateFromStaging(finalLoc.Resource(), s.staging.Resource(), s.desc, mapping); err != nil {
		s.staging.Release()
		finalLoc.Release()
		e.settle(locator.Empty(), err)
		a.dropQueuedBytes(e.dataType, size)
		a.releaseSystemOnce(t, s.txID, e)
		return true
	}

	s.staging.Release()
	finalLoc = finalLoc.WithCompletionCommandList(a.ctx.NextCommandListID())
	e.settle(finalLoc, nil)
	a.dropQueuedBytes(e.dataType, size)
	a.releaseSystemOnce(t, s.txID, e)
	return true
}

// tickDefrag advances the batched allocator's defrag state machine one
// step and, if it produced a reposition event, rewrites every outstanding
// locator pointing at the retired resource before publishing the event
// (spec §4.8.8: rewrite happens at both publish and processed time; the
// processed-time rewrite is a no-op here since Rebind is idempotent on a
// locator whose resource already matches NewResource).
func (a *AssemblyLine) tickDefrag() error {
	var ev *batch.DefragEvent
	var err error
	a.ctx.Record(func(enc hal.Encoder) {
		ev, err = a.src.TickDefrag(enc)
	})
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	events := a.imm.Events()
	id := events.Push(threadctx.RepositionEvent{HeapID: ev.HeapID, OldResource: ev.OriginalResource, NewResource: ev.NewResource})
	a.rewriteLocators(ev)
	events.Publish(id)

	a.src.CommitDefrag(ev)
	return nil
}

// rewriteLocators rewrites every live transaction's final locator that
// points into ev.OriginalResource onto ev.NewResource at the offset
// ev.Steps maps it to.
func (a *AssemblyLine) rewriteLocators(ev *batch.DefragEvent) {
	rewrite := func(_ uint64, e *entry) {
		e.rebindFinalLocator(func(loc locator.Locator) locator.Locator {
			if loc.Resource() != ev.OriginalResource {
				return loc
			}
			return loc.Rebind(ev.NewResource, heap.ResolveOffset(loc.Offset(), ev.Steps))
		})
	}
	a.temporary.forEach(rewrite)
	a.longTerm.forEach(rewrite)
}

// FlipWritingQueueSet cycles the current FramePriority writing lane and
// returns the lane index that was active before the flip (the one a
// caller should now drain with Process's priorityHint, since it holds the
// previous frame's work).
func (a *AssemblyLine) FlipWritingQueueSet() uint32 {
	prev := a.writingLane.Load()
	a.writingLane.Store((prev + 1) % framePriorityLanes)
	return prev
}

// OnLostDevice clears every outstanding transaction's final resource
// reference and forwards to the resource source's own device-loss
// handling.
func (a *AssemblyLine) OnLostDevice() {
	a.temporary.clearResources()
	a.longTerm.clearResources()
	a.src.OnLostDevice()
	a.dev.OnLostDevice()
}

func (a *AssemblyLine) tableFor(flags Flags) *table {
	if flags.has(LongTerm) {
		return a.longTerm
	}
	return a.temporary
}

func (a *AssemblyLine) tableForID(id uint64) *table {
	_, _, longTerm := decomposeID(id)
	if longTerm {
		return a.longTerm
	}
	return a.temporary
}

func (a *AssemblyLine) getEntry(id uint64) (*entry, *table, bool) {
	t := a.tableForID(id)
	e, ok := t.get(id)
	return e, t, ok
}

func (a *AssemblyLine) queueSetFor(flags Flags) *queueSet {
	if flags.has(FramePriority) {
		return a.frame[a.writingLane.Load()]
	}
	return a.main
}

func classifyDataType(desc types.ResourceDesc) UploadDataType {
	if desc.IsTexture() {
		return UploadDataTexture
	}
	if desc.BindFlags&types.BindFlagIndexBuffer != 0 {
		return UploadDataIndex
	}
	return UploadDataVertex
}

func (a *AssemblyLine) bumpQueuedBytes(dt UploadDataType, n uint64) { a.queuedBytes[dt].Add(n) }
func (a *AssemblyLine) dropQueuedBytes(dt UploadDataType, n uint64) { a.queuedBytes[dt].Add(-n) }

// abortNewTransaction force-clears both ref counts and frees the slot,
// used when a freshly allocated transaction's first step fails to queue.
func (a *AssemblyLine) abortNewTransaction(t *table, id uint64, e *entry) {
	e.mu.Lock()
	e.clientRefs = 0
	e.systemRefs = 0
	e.mu.Unlock()
	t.free(id)
}

// releaseClient drops a transaction handle's client reference exactly
// once, freeing the slot once no system reference is outstanding either.
func (a *AssemblyLine) releaseClient(id uint64, e *entry) {
	e.releaseOnce.Do(func() {
		if zero := e.cancelClientRef(); zero {
			a.tableForID(id).free(id)
		}
	})
}

// releaseSystemOnce drops the one system reference a transaction's queued
// step (Begin) or async step chain (BeginAsync) holds, exactly once,
// freeing the slot once no client reference is outstanding either.
func (a *AssemblyLine) releaseSystemOnce(t *table, id uint64, e *entry) {
	e.sysReleaseOnce.Do(func() {
		if zero := e.releaseSystemRef(); zero {
			t.free(id)
		}
	})
}
