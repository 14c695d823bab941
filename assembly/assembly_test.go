package assembly_test

import (
	"context"
	"testing"
	"time"

	"github.com/gogpu/bufferuploads/assembly"
	"github.com/gogpu/bufferuploads/batch"
	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/hal/noop"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/respool"
	"github.com/gogpu/bufferuploads/source"
	"github.com/gogpu/bufferuploads/threadctx"
	"github.com/gogpu/bufferuploads/types"
)

func newTestLine(t *testing.T) (*assembly.AssemblyLine, *noop.Device) {
	t.Helper()
	dev := noop.New(hal.Capabilities{})

	staging := respool.New(dev, 0)
	pooled := respool.New(dev, 0)
	batched := batch.New(dev, types.ResourceDesc{
		Kind: types.ResourceKindLinearBuffer, BindFlags: types.BindFlagIndexBuffer,
	}, 4096, 64)
	src := source.New(dev, staging, pooled, batched)

	deferredTC, err := dev.CreateDeferredContext()
	if err != nil {
		t.Fatalf("CreateDeferredContext: %v", err)
	}
	events := threadctx.NewEventList(16)
	imm := threadctx.New(dev.GetImmediateContext(), events)
	ctx := threadctx.New(deferredTC, nil)
	t.Cleanup(func() { ctx.Stop(); imm.Stop() })

	return assembly.New(dev, src, ctx, imm), dev
}

func bufferDesc(size uint64) types.ResourceDesc {
	return types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Buffer: types.LinearBufferDesc{Size: size}}
}

// runUntil pumps Process until done fires or the deadline passes, failing
// the test on timeout; used for the async paths whose steps only appear
// once a background goroutine has posted a closure onto the deferred queue.
func runUntil(t *testing.T, a *assembly.AssemblyLine, done <-chan struct{}) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("timed out waiting for transaction to settle")
		default:
			if err := a.Process(assembly.StepAll, context.Background(), nil); err != nil {
				t.Fatalf("Process: %v", err)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBeginSyncSettlesAfterOneProcess(t *testing.T) {
	a, _ := newTestLine(t)

	data := []byte("sixteen-bytes!!!")
	desc := bufferDesc(uint64(len(data)))
	h, err := a.Begin(desc, assembly.BytesPacket(data), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := a.Process(assembly.StepAll, context.Background(), nil); err != nil {
		t.Fatalf("Process: %v", err)
	}

	loc, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if loc.IsEmpty() {
		t.Fatal("expected a non-empty locator")
	}
	if loc.Size() != uint64(len(data)) {
		t.Fatalf("locator size = %d; want %d", loc.Size(), len(data))
	}
}

func TestBeginFromLocatorSettlesWithoutProcessing(t *testing.T) {
	a, dev := newTestLine(t)

	res, err := dev.CreateResource(bufferDesc(64), nil)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	src := locator.WholeOwned(res, 0)

	h, err := a.BeginFromLocator(src, 0)
	if err != nil {
		t.Fatalf("BeginFromLocator: %v", err)
	}

	// BeginFromLocator settles synchronously inside the call itself, so
	// Wait must return right away with no Process call in between.
	loc, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if loc.Resource() != res {
		t.Fatal("expected the wrapped resource back unchanged")
	}
}

type fakeAsyncSource struct {
	desc types.ResourceDesc
	data []byte
}

func (f *fakeAsyncSource) Desc(ctx context.Context) (types.ResourceDesc, error) {
	return f.desc, nil
}

func (f *fakeAsyncSource) PrepareData(ctx context.Context, dst [][]byte) error {
	copy(dst[0], f.data)
	return nil
}

func TestBeginAsyncFlowsThroughStagingToFinal(t *testing.T) {
	a, _ := newTestLine(t)

	payload := []byte("thirty-two bytes of payload!!!!!")
	async := &fakeAsyncSource{desc: bufferDesc(uint64(len(payload))), data: payload}

	h, err := a.BeginAsync(async, types.BindFlagVertexBuffer, 0)
	if err != nil {
		t.Fatalf("BeginAsync: %v", err)
	}

	done := make(chan struct{})
	var loc locator.Locator
	var werr error
	go func() {
		loc, werr = h.Wait()
		close(done)
	}()

	runUntil(t, a, done)

	if werr != nil {
		t.Fatalf("Wait: %v", werr)
	}
	if loc.IsEmpty() {
		t.Fatal("expected a non-empty final locator")
	}
	if loc.Size() != uint64(len(payload)) {
		t.Fatalf("locator size = %d; want %d", loc.Size(), len(payload))
	}
}

func TestCancelSettlesWithErrAborted(t *testing.T) {
	a, _ := newTestLine(t)

	h, err := a.Begin(bufferDesc(64), assembly.BytesPacket(make([]byte, 64)), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h.Cancel()

	_, err = h.Wait()
	if err != assembly.ErrAborted {
		t.Fatalf("Wait err = %v; want ErrAborted", err)
	}
}

func TestAssemblyLineCancelByID(t *testing.T) {
	a, _ := newTestLine(t)

	h, err := a.Begin(bufferDesc(64), assembly.BytesPacket(make([]byte, 64)), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := a.Cancel(h.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The transaction settled with ErrAborted before any Process call
	// drained its step; Process must treat it as already-done rather than
	// erroring when it later finds the now-aborted step still queued.
	if err := a.Process(assembly.StepAll, context.Background(), nil); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if err := a.Cancel(h.ID()); err != assembly.ErrUnknownTransaction {
		t.Fatalf("second Cancel err = %v; want ErrUnknownTransaction once the slot is freed", err)
	}
}

func TestValidateReflectsLifetime(t *testing.T) {
	a, _ := newTestLine(t)

	h, err := a.Begin(bufferDesc(16), assembly.BytesPacket(make([]byte, 16)), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !a.Validate(h.ID()) {
		t.Fatal("expected Validate to report the fresh transaction as live")
	}

	if err := a.Process(assembly.StepAll, context.Background(), nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if a.Validate(h.ID()) {
		t.Fatal("expected Validate to report the settled, released transaction as gone")
	}
}

func TestFlipWritingQueueSetCyclesLanes(t *testing.T) {
	a, _ := newTestLine(t)

	first := a.FlipWritingQueueSet()
	second := a.FlipWritingQueueSet()
	third := a.FlipWritingQueueSet()
	fourth := a.FlipWritingQueueSet()
	fifth := a.FlipWritingQueueSet()

	if first != 0 {
		t.Fatalf("first flip returned %d; want 0", first)
	}
	if fifth != first {
		t.Fatalf("expected the lane sequence to repeat after 4 flips; got %d, %d, %d, %d, %d", first, second, third, fourth, fifth)
	}
}

func TestOnLostDeviceClearsOutstandingLocators(t *testing.T) {
	a, _ := newTestLine(t)

	h, err := a.Begin(bufferDesc(32), assembly.BytesPacket(make([]byte, 32)), assembly.LongTerm)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := a.Process(assembly.StepAll, context.Background(), nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	h.AddRef()

	a.OnLostDevice()

	loc, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !loc.IsEmpty() {
		t.Fatal("expected OnLostDevice to have cleared the settled locator")
	}
}
