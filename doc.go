// Package bufferuploads is the upload-engine coordinator: Manager owns a
// device, an assembly.AssemblyLine, and the foreground/background
// ThreadContext split described in spec §4.9, and exposes the
// Transaction_* surface (Begin, AddRef, Cancel, Validate, Immediate) a
// client drives from its main thread.
package bufferuploads
