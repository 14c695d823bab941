// Package subframe implements the upload engine's scratch-memory arena:
// SharedPkt, an opaque allocation from either a process-wide reference-
// counted MiniHeap or a per-thread bump-pointer SubFrameHeap, and the
// producer/consumer frame barriers that recycle SubFrameHeap blocks once
// the GPU has consumed the commands that referenced them.
//
// SubFrameHeap's blocks are backed by an anonymous memory mapping on
// platforms golang.org/x/sys/unix supports (Linux, Darwin); elsewhere a
// plain heap-allocated slice stands in, since the mapping is scratch space
// the OS never needs to back with a file.
package subframe
