package bufferuploads_test

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/bufferuploads"
	"github.com/gogpu/bufferuploads/assembly"
	"github.com/gogpu/bufferuploads/batch"
	"github.com/gogpu/bufferuploads/config"
	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/hal/noop"
	"github.com/gogpu/bufferuploads/respool"
	"github.com/gogpu/bufferuploads/source"
	"github.com/gogpu/bufferuploads/types"
)

// These tests exercise spec §8's six end-to-end scenarios, scaled down
// from the spec's wall-clock durations (500ms/1500ms/20s/etc.) so the
// suite runs quickly; the invariants under test don't depend on the
// absolute scale.

func newScenarioManager(t *testing.T, cfg config.Config) (*bufferuploads.Manager, *noop.Device) {
	t.Helper()
	dev := noop.New(cfg.Capabilities)
	staging := respool.New(dev, 0)
	pooled := respool.New(dev, 0)
	batched := batch.New(dev, types.ResourceDesc{
		Kind:      types.ResourceKindLinearBuffer,
		BindFlags: types.BindFlagIndexBuffer,
		Rules:     types.AllocationRulePooled | types.AllocationRuleBatched,
	}, 256*1024, 16*1024)
	src := source.New(dev, staging, pooled, batched)

	mgr, err := bufferuploads.New(dev, src, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, dev
}

// pumpUntil drives Update on a ticker until done fires or deadline elapses.
func pumpUntil(t *testing.T, mgr *bufferuploads.Manager, done <-chan struct{}, deadline time.Duration) {
	t.Helper()
	timeout := time.After(deadline)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-timeout:
			t.Fatalf("scenario did not complete within %s", deadline)
		case <-tick.C:
			if err := mgr.Update(context.Background()); err != nil {
				t.Fatalf("Update: %v", err)
			}
		}
	}
}

// Scenario 1: synchronous small buffer.
func TestScenarioSynchronousSmallBuffer(t *testing.T) {
	mgr, _ := newScenarioManager(t, config.Default())

	data := make([]byte, 1024)
	rand.New(rand.NewSource(1)).Read(data)

	marker, err := mgr.Begin(types.ResourceDesc{
		Kind:      types.ResourceKindLinearBuffer,
		BindFlags: types.BindFlagVertexBuffer,
		Rules:     types.AllocationRulePooled,
		Buffer:    types.LinearBufferDesc{Size: 1024},
	}, bufferuploads.BytesPacket(data), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan struct{})
	var loc interface {
		IsWholeResource() bool
		Resource() hal.Resource
	}
	var werr error
	go func() {
		l, e := marker.Wait()
		loc, werr = l, e
		close(done)
	}()
	pumpUntil(t, mgr, done, 5*time.Second)

	if werr != nil {
		t.Fatalf("Wait: %v", werr)
	}
	if !loc.IsWholeResource() {
		t.Fatal("expected a whole-resource locator")
	}
	res, ok := loc.Resource().(*noop.Resource)
	if !ok {
		t.Fatalf("expected a *noop.Resource, got %T", loc.Resource())
	}
	if got := res.Bytes(); !bytes.Equal(got, data) {
		t.Fatalf("readback mismatch: got %d bytes, want %d bytes equal to input", len(got), len(data))
	}
}

// Scenario 2: texture with staging path.
func TestScenarioTextureStagingPath(t *testing.T) {
	mgr, _ := newScenarioManager(t, config.Default())

	desc := types.ResourceDesc{
		Kind: types.ResourceKindTexture,
		Texture: types.TextureDesc{
			Width: 256, Height: 256, Depth: 1, Mips: 1, ArrayCount: 1, Samples: 1,
			Format: types.TextureFormatRGBA8Unorm,
		},
	}
	pixel := []byte{0xff, 0x7f, 0xff, 0x7f}
	data := make([]byte, desc.ByteSize())
	for i := 0; i < len(data); i += 4 {
		copy(data[i:i+4], pixel)
	}

	marker, err := mgr.Begin(desc, bufferuploads.BytesPacket(data), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan struct{})
	var loc interface{ Resource() hal.Resource }
	var werr error
	go func() {
		l, e := marker.Wait()
		loc, werr = l, e
		close(done)
	}()
	pumpUntil(t, mgr, done, 5*time.Second)

	if werr != nil {
		t.Fatalf("Wait: %v", werr)
	}
	res := loc.Resource().(*noop.Resource)
	got := res.Bytes()
	for i := 0; i < len(got); i += 4 {
		if !bytes.Equal(got[i:i+4], pixel) {
			t.Fatalf("pixel at byte %d = % x; want % x", i, got[i:i+4], pixel)
		}
	}
}

type scenarioAsyncSource struct {
	descDelay time.Duration
	dataDelay time.Duration
	desc      types.ResourceDesc
	word      []byte
}

func (s *scenarioAsyncSource) Desc(ctx context.Context) (types.ResourceDesc, error) {
	select {
	case <-time.After(s.descDelay):
		return s.desc, nil
	case <-ctx.Done():
		return types.ResourceDesc{}, ctx.Err()
	}
}

func (s *scenarioAsyncSource) PrepareData(ctx context.Context, dst [][]byte) error {
	select {
	case <-time.After(s.dataDelay):
		for i := 0; i < len(dst[0]); i += len(s.word) {
			copy(dst[0][i:], s.word)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scenario 3: async data source whose descriptor and data each resolve
// later. Spec delays are 500ms/1500ms; scaled to 50ms/150ms here.
func TestScenarioAsyncDataSource(t *testing.T) {
	mgr, _ := newScenarioManager(t, config.Default())

	desc := types.ResourceDesc{
		Kind: types.ResourceKindTexture,
		Texture: types.TextureDesc{
			Width: 256, Height: 256, Depth: 1, Mips: 1, ArrayCount: 1, Samples: 1,
			Format: types.TextureFormatRGBA8Unorm,
		},
	}
	word := []byte{0x11, 0x22, 0x33, 0x44}
	src := &scenarioAsyncSource{descDelay: 50 * time.Millisecond, dataDelay: 150 * time.Millisecond, desc: desc, word: word}

	start := time.Now()
	marker, err := mgr.BeginAsync(src, 0, 0)
	if err != nil {
		t.Fatalf("BeginAsync: %v", err)
	}

	done := make(chan struct{})
	var loc interface{ Resource() hal.Resource }
	var werr error
	go func() {
		l, e := marker.Wait()
		loc, werr = l, e
		close(done)
	}()
	pumpUntil(t, mgr, done, 5*time.Second)

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected completion well within 5s, took %s", elapsed)
	}
	if werr != nil {
		t.Fatalf("Wait: %v", werr)
	}
	res := loc.Resource().(*noop.Resource)
	got := res.Bytes()
	if !bytes.Equal(got[:len(word)], word) {
		t.Fatalf("first word = % x; want % x", got[:len(word)], word)
	}
}

// Scenario 4: batched thrash — many concurrent small index-buffer
// transactions, all of which must complete with no failures. Spec scale
// is 384 transactions over 20s; scaled to 96 transactions here.
func TestScenarioBatchedThrash(t *testing.T) {
	mgr, _ := newScenarioManager(t, config.Default())

	const count = 96
	rng := rand.New(rand.NewSource(7))
	var wg sync.WaitGroup
	errs := make(chan error, count)
	done := make(chan struct{})

	for i := 0; i < count; i++ {
		size := uint64(8*1024 + rng.Intn(56*1024))
		data := make([]byte, size)
		marker, err := mgr.Begin(types.ResourceDesc{
			Kind:      types.ResourceKindLinearBuffer,
			BindFlags: types.BindFlagIndexBuffer,
			Rules:     types.AllocationRulePooled | types.AllocationRuleBatched,
			Buffer:    types.LinearBufferDesc{Size: size},
		}, bufferuploads.BytesPacket(data), 0)
		if err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := marker.Wait(); err != nil {
				errs <- err
			}
		}()
	}
	go func() { wg.Wait(); close(done) }()

	pumpUntil(t, mgr, done, 20*time.Second)
	close(errs)
	for err := range errs {
		t.Fatalf("transaction failed: %v", err)
	}

	_, batching := mgr.CalculatePoolMetrics()
	if batching.TotalAllocated == 0 {
		t.Fatal("expected batched allocator to report nonzero allocated bytes")
	}
}

// Scenario 5: defrag correctness. Spec scale is 100 allocations / 50
// releases / 200 Update iterations; kept at a smaller scale here since
// the invariant (surviving locators stay valid after any published
// reposition event) doesn't depend on the absolute counts.
func TestScenarioDefragCorrectness(t *testing.T) {
	cfg := config.Default()
	cfg.EnableDefrag = true
	mgr, _ := newScenarioManager(t, cfg)

	const count = 40
	rng := rand.New(rand.NewSource(3))
	markers := make([]bufferuploads.TransactionMarker, count)
	for i := 0; i < count; i++ {
		size := uint64(1024 + rng.Intn(4*1024))
		data := make([]byte, size)
		marker, err := mgr.Begin(types.ResourceDesc{
			Kind:      types.ResourceKindLinearBuffer,
			BindFlags: types.BindFlagIndexBuffer,
			Rules:     types.AllocationRulePooled | types.AllocationRuleBatched,
			Buffer:    types.LinearBufferDesc{Size: size},
		}, bufferuploads.BytesPacket(data), 0)
		if err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
		markers[i] = marker
	}

	for _, m := range markers {
		if _, err := m.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	// Release half, keep the rest live, to fragment the heap.
	for i := 0; i < count; i += 2 {
		if err := mgr.Cancel(markers[i].ID()); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	}

	for i := 0; i < 200; i++ {
		if err := mgr.Update(context.Background()); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	// Every surviving transaction must still resolve to a valid,
	// non-empty resource even if the defrag relocated it underneath.
	for i := 1; i < count; i += 2 {
		loc, err := mgr.GetResource(markers[i].ID())
		if err != nil {
			t.Fatalf("GetResource(%d): %v", i, err)
		}
		if loc.IsEmpty() {
			t.Fatalf("surviving transaction %d has an empty locator after defrag ticks", i)
		}
	}
}

// Scenario 6: cancel-while-queued.
func TestScenarioCancelWhileQueued(t *testing.T) {
	mgr, _ := newScenarioManager(t, config.Default())

	before := mgr.QueuedBytes(assembly.UploadDataTexture)

	desc := types.ResourceDesc{
		Kind: types.ResourceKindTexture,
		Texture: types.TextureDesc{
			Width: 64, Height: 64, Depth: 1, Mips: 1, ArrayCount: 1, Samples: 1,
			Format: types.TextureFormatRGBA8Unorm,
		},
	}
	data := make([]byte, desc.ByteSize())

	marker, err := mgr.Begin(desc, bufferuploads.BytesPacket(data), 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	marker.Cancel()

	_, err = marker.Wait()
	if err == nil {
		t.Fatal("expected Wait to report the aborted transaction")
	}

	// The queued step still holds a system reference on the slot, and is
	// still sitting in the queue-set, until a Process round drains it; one
	// Update lets the abort-check roll back its queuedBytes accounting and
	// release that reference, per spec §4.8.4's cancellation rule.
	if err := mgr.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if mgr.Validate(marker.ID()) {
		t.Fatal("expected the transaction slot to be freed once the queued step drained")
	}

	after := mgr.QueuedBytes(assembly.UploadDataTexture)
	if after != before {
		t.Fatalf("queuedBytes accounting leaked: before=%d after=%d", before, after)
	}
}
