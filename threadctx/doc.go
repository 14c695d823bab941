// Package threadctx implements ThreadContext: the owner of one command
// list under construction, its CommitStep (deferred copies and delayed
// deletes to apply around submission), and the EventList ring that
// publishes defrag reposition events to observers.
//
// A real backend distinguishes recording on a deferred context from
// submitting on the immediate context; hal/noop's CommitCommands executes
// synchronously, so ResolveCommandList and CommitToImmediate collapse to
// bookkeeping here, but the two-phase shape (resolve now, commit later, in
// id order) is preserved so a real backend slots in without an API change.
package threadctx
