package threadctx

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/internal/thread"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/metrics"
	"github.com/gogpu/bufferuploads/types"
)

// DeferredCopy is a write-via-map that must run once the target command
// list is about to be submitted to the immediate context, not when the
// request was first made — used for UpdateSubresource-style writes the
// spec stages rather than recording into the deferred command list itself.
type DeferredCopy struct {
	Dest   locator.Locator
	Offset uint64
	Data   []byte
}

// DeferredDefragCopy relocates a batched resource's live bytes into its
// replacement ahead of submitting the command list that depends on the
// new resource. Kept distinct from DeferredCopy because it targets a raw
// hal.Resource rather than a Locator and its destination is resolved by
// the defrag steps, not a flat offset.
type DeferredDefragCopy struct {
	Resource hal.Resource
	Steps    []hal.DefragCopyStep
}

// CommitStep bundles the work that must happen immediately around a
// command list's submission to the immediate context: deferred map writes
// before, delayed resource deletes after. Mirrors the spec's per-command-
// list CommitStep record.
type CommitStep struct {
	Copies       []DeferredCopy
	DefragCopies []DeferredDefragCopy
	Deletes      []locator.Locator
}

// IsEmpty reports whether this step has no queued work.
func (s *CommitStep) IsEmpty() bool {
	return len(s.Copies) == 0 && len(s.DefragCopies) == 0 && len(s.Deletes) == 0
}

// resolved is one command list that finished recording and is waiting to
// be submitted to the immediate context in id order.
type resolved struct {
	id   uint64
	step CommitStep
}

// Context owns one hal.ThreadContext (a deferred recording context, or the
// device's immediate context) plus the bookkeeping the spec layers on top
// of it: the monotonic under-construction/committed-to-immediate command
// list ids, the CommitStep queued against the list currently being built,
// and (when this Context is the immediate context) the EventList ring used
// to publish defrag reposition events to readers.
//
// Recording calls are serialized onto a dedicated OS thread via
// internal/thread.Thread, matching the constraint most native graphics
// APIs place on a deferred context: all recording on it must come from one
// thread. AssemblyLine's background worker is the only caller in
// practice, but the serialization is enforced here rather than assumed.
type Context struct {
	dev hal.ThreadContext
	rt  *thread.Thread

	underConstruction    atomic.Uint64
	committedToImmediate atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*resolved
	queue   []uint64 // resolved ids awaiting CommitToImmediate, ascending

	building CommitStep

	metricsMu sync.Mutex
	metrics   []metrics.CommandListMetrics

	events *EventList
}

// New wraps dev. events may be nil for a deferred (non-immediate) context;
// only the immediate Context publishes reposition events.
func New(dev hal.ThreadContext, events *EventList) *Context {
	return &Context{
		dev:     dev,
		rt:      thread.New(),
		pending: make(map[uint64]*resolved),
		events:  events,
	}
}

// Stop releases the dedicated recording thread. Safe to call once the
// Context is no longer used.
func (c *Context) Stop() { c.rt.Stop() }

// UnderConstruction returns the id of the command list currently being
// built (0 before the first BeginCommandList).
func (c *Context) UnderConstruction() uint64 { return c.underConstruction.Load() }

// CommittedToImmediate returns the highest command list id that has
// finished submission to the immediate context.
func (c *Context) CommittedToImmediate() uint64 { return c.committedToImmediate.Load() }

// QueueCopy stages a deferred map write against the command list currently
// under construction.
func (c *Context) QueueCopy(cp DeferredCopy) {
	c.mu.Lock()
	c.building.Copies = append(c.building.Copies, cp)
	c.mu.Unlock()
}

// QueueDefragCopy stages a defrag relocation against the command list
// currently under construction.
func (c *Context) QueueDefragCopy(cp DeferredDefragCopy) {
	c.mu.Lock()
	c.building.DefragCopies = append(c.building.DefragCopies, cp)
	c.mu.Unlock()
}

// QueueDelete stages a delayed resource release, run only after the
// command list's submission completes, so a resource overwritten by this
// list is never destroyed before the GPU has consumed the old contents.
func (c *Context) QueueDelete(l locator.Locator) {
	c.mu.Lock()
	c.building.Deletes = append(c.building.Deletes, l)
	c.mu.Unlock()
}

// Record runs f, which should call hal.Encoder methods against enc, on the
// dedicated recording thread.
func (c *Context) Record(f func(enc hal.Encoder)) {
	c.rt.CallVoid(func() {
		enc := c.dev.BeginBlitEncoder()
		f(enc)
		enc.Finish()
	})
}

// WriteToResource copies data into dst through a CPU map/unmap pair,
// serialized onto the recording thread like every other device touch this
// Context makes. Used for the PrepareStaging step's raw write into a
// freshly allocated staging buffer, ahead of the deferred copy into its
// final destination.
func (c *Context) WriteToResource(dst hal.Resource, offset uint64, data []byte) error {
	var err error
	c.rt.CallVoid(func() {
		err = c.dev.WriteToBufferViaMap(dst, offset, data)
	})
	return err
}

// UpdateFromStaging records a copy from staging into dst via the
// underlying device's staging-to-final path, used by
// processTransferStagingToFinal instead of a plain ResourceCopy so the
// destination's subresource layout (mapping) is honored.
func (c *Context) UpdateFromStaging(dst, staging hal.Resource, desc types.ResourceDesc, mapping hal.ResourceMap) error {
	var err error
	c.rt.CallVoid(func() {
		err = c.dev.UpdateFinalResourceFromStaging(dst, staging, desc, mapping)
	})
	return err
}

// NextCommandListID returns the id ResolveCommandList will hand out the
// next time it is called, letting a caller stamp a locator's
// CompletionCommandList before that command list actually resolves.
func (c *Context) NextCommandListID() uint64 { return c.underConstruction.Load() + 1 }

// ResolveCommandList finalizes the command list currently under
// construction: it submits the recorded commands on c.dev to obtain a
// device command-list id, snapshots the accumulated CommitStep, queues the
// pair for CommitToImmediate, and advances UnderConstruction. The returned
// id is the one CommitToImmediate will submit in order.
func (c *Context) ResolveCommandList(ctx context.Context) (uint64, error) {
	var deviceID uint64
	var err error
	c.rt.CallVoid(func() {
		deviceID, err = c.dev.CommitCommands(ctx)
	})
	if err != nil {
		return 0, err
	}

	id := c.underConstruction.Add(1)

	c.mu.Lock()
	step := c.building
	c.building = CommitStep{}
	c.pending[id] = &resolved{id: id, step: step}
	c.queue = append(c.queue, id)
	c.mu.Unlock()

	_ = deviceID // hal.noop's CommitCommands already executed synchronously
	return id, nil
}

// CommitToImmediate submits every resolved command list not yet committed,
// in ascending id order: for each, it runs the list's deferred copies
// against the immediate context imm, marks the list committed, then runs
// its delayed deletes. imm is normally this same Context when it wraps
// the device's immediate hal.ThreadContext.
func (c *Context) CommitToImmediate(ctx context.Context, imm *Context) (metrics.CommandListMetrics, error) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	var m metrics.CommandListMetrics
	for _, id := range queue {
		c.mu.Lock()
		r := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if r == nil {
			continue
		}

		for _, cp := range r.step.Copies {
			if err := imm.dev.WriteToBufferViaMap(cp.Dest.Resource(), cp.Dest.Offset()+cp.Offset, cp.Data); err != nil {
				return m, err
			}
			m.BytesUploaded += uint64(len(cp.Data))
			m.Operations++
		}
		for _, dc := range r.step.DefragCopies {
			c.Record(func(enc hal.Encoder) {
				enc.ResourceCopyDefragSteps(dc.Resource, dc.Steps)
			})
			m.Operations++
		}

		c.committedToImmediate.Store(id)

		for _, d := range r.step.Deletes {
			d.Release()
			m.Operations++
		}
	}
	m.CommandListID = c.committedToImmediate.Load()

	c.metricsMu.Lock()
	c.metrics = append(c.metrics, m)
	c.metricsMu.Unlock()

	return m, nil
}

// PopMetrics drains and returns every CommandListMetrics recorded by
// CommitToImmediate since the last call.
func (c *Context) PopMetrics() []metrics.CommandListMetrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	out := c.metrics
	c.metrics = nil
	return out
}

// Events returns the EventList this Context publishes reposition events
// to, or nil if this Context is not the immediate context.
func (c *Context) Events() *EventList { return c.events }

// IsComplete reports whether the underlying device has finished executing
// commandListID.
func (c *Context) IsComplete(commandListID uint64) bool {
	return c.dev.IsComplete(commandListID)
}
