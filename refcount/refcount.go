package refcount

import (
	"sort"
	"sync"

	"github.com/gogpu/bufferuploads/heap"
)

// Entry is one sorted, non-overlapping reference-count range.
type Entry struct {
	Start    uint64
	End      uint64
	RefCount int32
}

func (e Entry) len() uint64 { return e.End - e.Start }

// Layer overlays per-byte reference counts on an address space the same
// size as a heap.SpanningHeap. Safe for concurrent use.
type Layer struct {
	mu      sync.Mutex
	entries []Entry // sorted by Start, non-overlapping
}

// New creates an empty reference-counting layer.
func New() *Layer {
	return &Layer{}
}

// AddRef increments the reference count of every byte in [start,
// start+size) by one, splitting and merging entries as needed. It returns
// the minimum and maximum reference count across the affected range after
// the update.
func (l *Layer) AddRef(start, size uint64) (minRef, maxRef int32) {
	return l.adjust(start, size, 1)
}

// Release decrements the reference count of every byte in [start,
// start+size) by one; entries whose count falls to zero are removed. It
// returns the minimum and maximum reference count across the affected
// range after the update. Only bytes covered by an entry are counted; a
// range with no entry at all reports 0, 0.
func (l *Layer) Release(start, size uint64) (minRef, maxRef int32) {
	return l.adjust(start, size, -1)
}

func (l *Layer) adjust(start, size uint64, delta int32) (minRef, maxRef int32) {
	if size == 0 {
		return 0, 0
	}
	end := start + size

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = splitAt(l.entries, start)
	l.entries = splitAt(l.entries, end)

	minRef = int32(1<<31 - 1)
	maxRef = 0
	var result []Entry
	for _, e := range l.entries {
		if e.Start >= start && e.End <= end {
			e.RefCount += delta
			if e.RefCount < 0 {
				e.RefCount = 0
			}
		}
		result = append(result, e)
	}

	// Fill any gaps within [start, end) that had no prior entry — these
	// start at refcount 0 (AddRef) or stay absent (Release, no-op there).
	result = fillGaps(result, start, end, delta)

	for _, e := range result {
		if e.Start >= start && e.End <= end {
			if e.RefCount < minRef {
				minRef = e.RefCount
			}
			if e.RefCount > maxRef {
				maxRef = e.RefCount
			}
		}
	}
	if maxRef == 0 && minRef == int32(1<<31-1) {
		minRef, maxRef = 0, 0
	}

	// Drop zero-count entries and merge adjacent equal-count neighbours is
	// optional per the spec; we drop zero entries (they're indistinguishable
	// from "no entry") but do not force-merge equal neighbours.
	l.entries = dropZero(result)
	return minRef, maxRef
}

// splitAt ensures `at` is a boundary between two entries (or outside all
// of them), without changing any reference counts.
func splitAt(entries []Entry, at uint64) []Entry {
	for i, e := range entries {
		if at > e.Start && at < e.End {
			left := Entry{Start: e.Start, End: at, RefCount: e.RefCount}
			right := Entry{Start: at, End: e.End, RefCount: e.RefCount}
			out := make([]Entry, 0, len(entries)+1)
			out = append(out, entries[:i]...)
			out = append(out, left, right)
			out = append(out, entries[i+1:]...)
			return out
		}
	}
	return entries
}

// fillGaps inserts refCount=max(0,delta) entries for any sub-range of
// [start, end) not already covered by an entry. Only meaningful for
// AddRef (delta>0); for Release there is nothing to fill since uncovered
// bytes are already at refcount zero.
func fillGaps(entries []Entry, start, end uint64, delta int32) []Entry {
	if delta <= 0 {
		return entries
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })

	var out []Entry
	cursor := start
	for _, e := range entries {
		if e.End <= start || e.Start >= end {
			out = append(out, e)
			continue
		}
		if e.Start > cursor {
			out = append(out, Entry{Start: cursor, End: e.Start, RefCount: delta})
		}
		out = append(out, e)
		cursor = e.End
	}
	if cursor < end {
		out = append(out, Entry{Start: cursor, End: end, RefCount: delta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func dropZero(entries []Entry) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.RefCount > 0 {
			out = append(out, e)
		}
	}
	return out
}

// CalculatedReferencedSpace returns the sum of lengths of entries with a
// positive reference count. Outside of an in-flight defrag (and any
// queued-but-not-yet-applied deallocates) this always equals the parallel
// SpanningHeap's AllocatedSpace.
func (l *Layer) CalculatedReferencedSpace() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total uint64
	for _, e := range l.entries {
		if e.RefCount > 0 {
			total += e.len()
		}
	}
	return total
}

// ValidateBlock reports whether exactly one entry covers [start,
// start+size) precisely — neither more nor less.
func (l *Layer) ValidateBlock(start, size uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	end := start + size
	for _, e := range l.entries {
		if e.Start == start && e.End == end {
			return true
		}
	}
	return false
}

// Entries returns a snapshot of the current entries, sorted by Start.
// Intended for tests and property checks.
func (l *Layer) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// PerformDefrag relocates every entry through the unique DefragStep that
// covers it. Entries are expected to each fall wholly within one step's
// source range, which holds in practice because refcount entries are
// always created at whole-allocation granularity by BatchedResources.
func (l *Layer) PerformDefrag(steps []heap.DefragStep) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		newStart := heap.ResolveOffset(e.Start, steps)
		l.entries[i] = Entry{Start: newStart, End: newStart + e.len(), RefCount: e.RefCount}
	}
	sort.Slice(l.entries, func(i, j int) bool { return l.entries[i].Start < l.entries[j].Start })
}
