// Package assembly implements AssemblyLine: the transaction table, the
// step queue-sets, and the background worker loop that turns a Begin
// call into a resolved command list and a fulfilled completion future.
//
// A Transaction lives in one of two tables (temporary or long-term),
// addressed by a 64-bit id packing a heap-allocated 16-byte slot index, a
// reuse discriminator, and the long-term flag. Begin pushes one of three
// step records onto a queue-set (Main, or one of four FramePriority
// lanes); DoBackgroundThread's Process loop drains queue-sets under a
// per-command-list budget, runs CreateFromDataPacketStep/
// PrepareStagingStep/TransferStagingToFinalStep, and resolves command
// lists through a threadctx.Context. There is no separate batching pass:
// each step calls source.Source.Create, and small pooled buffers are
// packed by whichever allocator that call routes them to.
package assembly
