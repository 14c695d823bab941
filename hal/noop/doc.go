// Package noop implements hal.Device entirely in host memory: every
// "GPU" resource is a Go byte slice, every copy a memmove, every command
// list completes the instant it is committed.
//
// It exists so the upload engine's tests and cmd/uploadbench can exercise
// real copy semantics (data actually moves, defrag steps actually relocate
// bytes) without a graphics driver, and so Capabilities can be flipped to
// probe both code paths (map-based vs. command-based defrag, and so on)
// deterministically.
package noop
