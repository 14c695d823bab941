package bufferuploads

import (
	"github.com/gogpu/bufferuploads/assembly"
	"github.com/gogpu/bufferuploads/locator"
)

// TransactionOptions is the Transaction_Begin flags bitfield from spec §6,
// a direct alias of assembly.Flags: LongTerm routes through the smaller
// long-term table, FramePriority routes onto the writing frame-priority
// lane instead of Main.
type TransactionOptions = assembly.Flags

const (
	// LongTerm requests the long-term transaction table.
	LongTerm = assembly.LongTerm
	// FramePriority routes the transaction onto the current writing
	// frame-priority lane.
	FramePriority = assembly.FramePriority
)

// DataPacket is the synchronous data source for Transaction_Begin's (a)
// overload, re-exported from assembly so callers never need to import it
// directly.
type DataPacket = assembly.DataPacket

// BytesPacket is a DataPacket over a single flat byte range.
type BytesPacket = assembly.BytesPacket

// AsyncSource is the asynchronous data source for Transaction_Begin's (b)
// overload.
type AsyncSource = assembly.AsyncSource

// TransactionMarker wraps a transaction's completion future: Wait blocks
// for the resolved ResourceLocator, AddRef hands out another independent
// client reference, and Cancel aborts it. A thin wrapper over
// assembly.TransactionHandle so the root package's public surface never
// requires an assembly import from callers.
type TransactionMarker struct {
	h assembly.TransactionHandle
}

// ID returns the packed transaction id GetResource/Cancel/Validate take.
func (m TransactionMarker) ID() uint64 { return m.h.ID() }

// Wait blocks until the transaction settles and releases this marker's
// client reference.
func (m TransactionMarker) Wait() (locator.Locator, error) { return m.h.Wait() }

// AddRef adds a client reference, for a caller handing out a second
// independent marker to the same transaction.
func (m TransactionMarker) AddRef() { m.h.AddRef() }

// Cancel releases this marker's client reference after settling the
// transaction with ErrAborted if it had not already settled.
func (m TransactionMarker) Cancel() { m.h.Cancel() }
