package assembly

import (
	"sync"
	"testing"

	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/types"
)

func TestCmdBudgetLoadingIsUnlimited(t *testing.T) {
	b := newCmdBudget(true)
	for i := 0; i < steadyStateOpBudget*2; i++ {
		if !b.reserve(steadyStateByteBudget, true) {
			t.Fatalf("reserve #%d denied while loading", i)
		}
	}
	if b.wasLimited() {
		t.Fatal("wasLimited() true while loading")
	}
}

func TestCmdBudgetLetsFirstOversizedOpThrough(t *testing.T) {
	b := newCmdBudget(false)
	if !b.reserve(steadyStateByteBudget*2, false) {
		t.Fatal("first oversized reserve was denied; want forward progress guarantee")
	}
	if b.reserve(1, false) {
		t.Fatal("second reserve after an already-spent budget was allowed")
	}
	if !b.wasLimited() {
		t.Fatal("wasLimited() false after a denied reserve")
	}
}

func TestCmdBudgetDeniesAtOpCap(t *testing.T) {
	b := newCmdBudget(false)
	for i := 0; i < steadyStateOpBudget; i++ {
		if !b.reserve(1, false) {
			t.Fatalf("reserve #%d denied before reaching the op cap", i)
		}
	}
	if b.reserve(1, false) {
		t.Fatal("reserve beyond the op cap was allowed")
	}
	ops, _ := b.snapshot()
	if ops != steadyStateOpBudget {
		t.Fatalf("snapshot ops = %d; want %d", ops, steadyStateOpBudget)
	}
}

func TestTableAllocateGetFree(t *testing.T) {
	tb := newTable(false)
	desc := types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Buffer: types.LinearBufferDesc{Size: 64}}
	id, e, err := tb.allocate(desc, UploadDataVertex, 64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got, ok := tb.get(id); !ok || got != e {
		t.Fatal("get did not return the allocated entry")
	}

	tb.free(id)
	if _, ok := tb.get(id); ok {
		t.Fatal("get succeeded after free")
	}
}

func TestTableGetRejectsStaleDiscriminator(t *testing.T) {
	tb := newTable(false)
	desc := types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Buffer: types.LinearBufferDesc{Size: 8}}
	id, _, err := tb.allocate(desc, UploadDataVertex, 8)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	tb.free(id)

	id2, _, err := tb.allocate(desc, UploadDataVertex, 8)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// id's slot was very likely reused for id2; id itself must no longer
	// resolve even if its slot number now names a live entry again.
	if id == id2 {
		t.Fatal("expected a distinct id after reuse (different discriminator)")
	}
	if _, ok := tb.get(id); ok {
		t.Fatal("stale id validated against the reused slot")
	}
}

func TestEntryRefCountingFreesExactlyOnce(t *testing.T) {
	desc := types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Buffer: types.LinearBufferDesc{Size: 16}}
	e := newEntry(1, desc, UploadDataVertex, 16)
	e.addSystemRef()

	var wg sync.WaitGroup
	frees := make(chan bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		frees <- e.cancelClientRef()
	}()
	go func() {
		defer wg.Done()
		frees <- e.releaseSystemRef()
	}()
	wg.Wait()
	close(frees)

	zeroCount := 0
	for z := range frees {
		if z {
			zeroCount++
		}
	}
	if zeroCount != 1 {
		t.Fatalf("both-zero reported %d times; want exactly 1", zeroCount)
	}
}

func TestEntrySettleIsIdempotent(t *testing.T) {
	desc := types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Buffer: types.LinearBufferDesc{Size: 4}}
	e := newEntry(1, desc, UploadDataVertex, 4)

	e.settle(locator.Empty(), nil)
	e.settle(locator.Empty(), ErrAborted) // must be a no-op: first settle wins

	_, err := e.wait()
	if err != nil {
		t.Fatalf("wait() err = %v; want nil from the first settle", err)
	}
}
