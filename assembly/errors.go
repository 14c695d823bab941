package assembly

import "errors"

// ErrTransactionTableExhausted is returned by a table's allocate when a
// table's SpanningHeap would exceed the hard cap of 0xFFFF 16-byte slots.
var ErrTransactionTableExhausted = errors.New("assembly: transaction table exhausted")

// ErrQueueFull is returned by Begin when the target queue-set's bounded
// step queue has no room.
var ErrQueueFull = errors.New("assembly: step queue full")

// ErrAborted is the error a transaction's completion future settles with
// when its client references reach zero before the upload completes.
var ErrAborted = errors.New("assembly: aborted because client references were released")

// ErrUnknownTransaction is returned by operations given a transaction id
// that doesn't validate against either table (wrong discriminator, or the
// slot was already freed).
var ErrUnknownTransaction = errors.New("assembly: unknown or stale transaction id")
