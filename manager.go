package bufferuploads

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/bufferuploads/assembly"
	"github.com/gogpu/bufferuploads/config"
	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/metrics"
	"github.com/gogpu/bufferuploads/source"
	"github.com/gogpu/bufferuploads/threadctx"
	"github.com/gogpu/bufferuploads/types"
)

// videoMemoryReporter is the optional capability a Device may implement to
// let Update refresh its headroom estimate (spec §6's
// Resource_RecalculateVideoMemoryHeadroom). hal.Device does not require
// it: none of this module's backends (hal/noop, nor any real driver this
// core was written against) track video memory headroom themselves, so
// Update only calls through when a Device opts in, the same
// optional-interface pattern io.ReaderFrom uses.
type videoMemoryReporter interface {
	RecalculateVideoMemoryHeadroom()
}

// Manager is the coordinator from spec §4.9: it owns the device, the
// resource Source, the AssemblyLine, and the foreground/background
// ThreadContext split, and exposes the client-facing Transaction_*
// surface plus Update/FramePriority_Barrier/PopMetrics/IsComplete.
//
// This implementation keeps a single assembly.AssemblyLine recording
// context (rather than a genuinely separate foreground and background
// hal.ThreadContext each with their own AssemblyLine-internal state):
// threadctx.Context already serializes every recording call onto its own
// dedicated thread, so Update (foreground) and the background worker
// (background) calling AssemblyLine.Process concurrently against the same
// underlying context is already safe, and a real backend's deferred
// context is exactly what that one Context wraps when multithreading is
// viable. What genuinely varies by platform is which step kinds run from
// which caller, which StepMask partitioning captures; see
// partitionStepMasks.
type Manager struct {
	dev  hal.Device
	src  *source.Source
	cfg  config.Config
	caps hal.Capabilities

	line   *assembly.AssemblyLine
	ctx    *threadctx.Context // the context AssemblyLine records onto
	imm    *threadctx.Context // the immediate/submitting context
	events *threadctx.EventList

	fgMask assembly.StepMask
	bgMask assembly.StepMask

	mu             sync.Mutex
	backgroundStop chan struct{}
	backgroundDone chan struct{}
}

// New builds a Manager around dev and src, loading capabilities from dev
// and behavior flags from cfg. If dev can produce a deferred context and
// cfg/dev capabilities allow background recording, a background worker
// goroutine is started immediately; otherwise every step runs on the
// caller's own Update calls, per spec §4.9's two branches.
func New(dev hal.Device, src *source.Source, cfg config.Config) (*Manager, error) {
	caps := dev.Capabilities()
	if cfg.Capabilities != (hal.Capabilities{}) {
		caps = cfg.Capabilities
	}

	events := threadctx.NewEventList(256)
	imm := threadctx.New(dev.GetImmediateContext(), events)

	recCtx := imm
	multithreaded := false
	if deferredTC, err := dev.CreateDeferredContext(); err == nil {
		recCtx = threadctx.New(deferredTC, nil)
		multithreaded = true
	}

	line := assembly.New(dev, src, recCtx, imm)
	line.SetLoading(cfg.Loading)

	m := &Manager{
		dev:    dev,
		src:    src,
		cfg:    cfg,
		caps:   caps,
		line:   line,
		ctx:    recCtx,
		imm:    imm,
		events: events,
	}
	m.partitionStepMasks(multithreaded)

	if m.bgMask != 0 {
		m.backgroundStop = make(chan struct{})
		m.backgroundDone = make(chan struct{})
		go func() {
			defer close(m.backgroundDone)
			line.DoBackgroundThreadMasked(m.backgroundStop, m.bgMask)
		}()
	}

	return m, nil
}

// partitionStepMasks implements spec §4.9's step-mask split: background
// gets everything when the platform supports background no-overwrite
// maps and a deferred context is available; otherwise every step runs in
// the foreground and no worker goroutine is started. StepBatchedDefrag is
// masked out of both unless cfg.EnableDefrag opted in, per Open Question
// 2's default-off resolution: TickDefrag otherwise never runs.
func (m *Manager) partitionStepMasks(multithreaded bool) {
	all := assembly.StepAll
	if !m.cfg.EnableDefrag {
		all &^= assembly.StepBatchedDefrag
	}
	if multithreaded && m.caps.CanDoNooverwriteMapInBackground {
		m.bgMask = all
		m.fgMask = 0
		return
	}
	m.bgMask = 0
	m.fgMask = all
}

// Capabilities returns the platform predicates this Manager was
// constructed with.
func (m *Manager) Capabilities() hal.Capabilities { return m.caps }

// Config returns the behavior configuration this Manager was constructed
// with.
func (m *Manager) Config() config.Config { return m.cfg }

// Begin is Transaction_Begin's (a) overload: a synchronous data packet.
func (m *Manager) Begin(desc types.ResourceDesc, packet DataPacket, flags TransactionOptions) (TransactionMarker, error) {
	h, err := m.line.Begin(desc, packet, flags)
	if err != nil {
		return TransactionMarker{}, err
	}
	return TransactionMarker{h: h}, nil
}

// BeginAsync is Transaction_Begin's (b) overload: descriptor and bytes
// each resolve later through asyncSource.
func (m *Manager) BeginAsync(asyncSource AsyncSource, bindFlags types.BindFlags, flags TransactionOptions) (TransactionMarker, error) {
	h, err := m.line.BeginAsync(asyncSource, bindFlags, flags)
	if err != nil {
		return TransactionMarker{}, err
	}
	return TransactionMarker{h: h}, nil
}

// BeginFromLocator is Transaction_Begin's (c) overload: wraps an
// already-resolved locator, settling immediately.
func (m *Manager) BeginFromLocator(loc locator.Locator, flags TransactionOptions) (TransactionMarker, error) {
	h, err := m.line.BeginFromLocator(loc, flags)
	if err != nil {
		return TransactionMarker{}, err
	}
	return TransactionMarker{h: h}, nil
}

// Immediate is Transaction_Immediate: the synchronous main-thread path
// that creates desc directly against the device and writes data into it
// before returning, bypassing the queue-set/worker machinery entirely.
// Used by a caller that already knows it is on the thread allowed to
// touch the immediate context and cannot tolerate even one Update's worth
// of latency.
func (m *Manager) Immediate(desc types.ResourceDesc, data []byte) (locator.Locator, error) {
	res, err := m.dev.CreateResource(desc, nil)
	if err != nil {
		return locator.Empty(), err
	}
	imm := m.dev.GetImmediateContext()
	if err := imm.WriteToBufferViaMap(res, 0, data); err != nil {
		res.Destroy()
		return locator.Empty(), err
	}
	return locator.WholeOwned(res, 0), nil
}

// AddRef adds a client reference to a live transaction named by id.
func (m *Manager) AddRef(id uint64) error {
	h, ok := m.line.GetTransaction(id)
	if !ok {
		return assembly.ErrUnknownTransaction
	}
	h.AddRef()
	return nil
}

// Cancel is Transaction_Cancel: drops the caller's client reference,
// settling the transaction with ErrAborted if it had not already settled.
func (m *Manager) Cancel(id uint64) error { return m.line.Cancel(id) }

// Validate is Transaction_Validate: reports whether id still names a live
// transaction.
func (m *Manager) Validate(id uint64) bool { return m.line.Validate(id) }

// GetResource looks up the resolved locator for a settled transaction
// without consuming its completion future, for a caller that already
// waited once and wants to read the result again.
func (m *Manager) GetResource(id uint64) (locator.Locator, error) {
	h, ok := m.line.GetTransaction(id)
	if !ok {
		return locator.Empty(), assembly.ErrUnknownTransaction
	}
	return h.Peek()
}

// Update is the main/client thread's per-frame pump: it drains the
// foreground step mask, nudges the background worker (if any) in case
// its wakeup event needs a kick, and refreshes the device's video-memory
// headroom estimate if it tracks one.
func (m *Manager) Update(ctx context.Context) error {
	if m.fgMask != 0 {
		if err := m.line.Process(m.fgMask, ctx, nil); err != nil {
			return fmt.Errorf("bufferuploads: update: %w", err)
		}
	}
	if m.bgMask != 0 {
		m.line.WakeBackgroundThread()
	}
	if vr, ok := m.dev.(videoMemoryReporter); ok {
		vr.RecalculateVideoMemoryHeadroom()
	}
	return nil
}

// FramePriorityBarrier is FramePriority_Barrier: flips the writing
// frame-priority lane and returns the lane index that was writing before
// the flip. Update and the background worker call Process with no
// priorityHint, which drains every frame-priority lane ahead of Main, so
// the returned lane is drained on the next Process round.
func (m *Manager) FramePriorityBarrier() uint32 {
	prev := m.line.FlipWritingQueueSet()
	m.line.WakeBackgroundThread()
	return prev
}

// PopMetrics prefers the background context's metrics, falling back to
// nothing further since this Manager shares one recording context
// between the foreground and background step masks (see the Manager
// doc comment).
func (m *Manager) PopMetrics() []metrics.CommandListMetrics { return m.line.PopMetrics() }

// QueuedBytes reports bytes currently queued-but-unresolved for dt, the
// §8 invariant surface a test or diagnostic can poll to confirm a
// cancelled transaction's accounting rolled back.
func (m *Manager) QueuedBytes(dt assembly.UploadDataType) uint64 { return m.line.QueuedBytes(dt) }

// CalculatePoolMetrics is spec §6's CalculatePoolMetrics: a snapshot of
// the reuse pools' and batched allocator's occupancy, for a caller that
// polls instead of scraping through metrics.Recorder.
func (m *Manager) CalculatePoolMetrics() (metrics.PoolSystemMetrics, metrics.BatchingSystemMetrics) {
	return m.src.CalculatePoolMetrics()
}

// IsComplete reports whether commandListID has committed to the
// immediate context, per spec §8's invariant
// "id <= MainContext.CommittedToImmediate".
func (m *Manager) IsComplete(commandListID uint64) bool {
	return commandListID <= m.ctx.CommittedToImmediate()
}

// EventListGetLatestID, EventListGet and EventListRelease let a client
// also observe defrag reposition events, per spec §6.
func (m *Manager) EventListGetLatestID() uint64 { return m.events.GetLatestID() }

func (m *Manager) EventListGet(id uint64) (threadctx.RepositionEvent, bool) {
	return m.events.Get(id)
}

func (m *Manager) EventListRelease(id uint64) { m.events.Release(id) }

// OnLostDevice forwards to the AssemblyLine: clears outstanding final
// resources and the resource source's own pools.
func (m *Manager) OnLostDevice() { m.line.OnLostDevice() }

// Close stops the background worker (if running) and waits for it to
// drain its current round, so no goroutine outlives the Manager. Safe to
// call on a Manager that never started a background thread.
func (m *Manager) Close() error {
	m.mu.Lock()
	stop := m.backgroundStop
	done := m.backgroundDone
	m.backgroundStop = nil
	m.backgroundDone = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	m.ctx.Stop()
	if m.imm != m.ctx {
		m.imm.Stop()
	}
	return nil
}
