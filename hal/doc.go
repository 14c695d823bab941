// Package hal defines the narrow device/command-list contract the buffer
// upload engine consumes from its graphics-device collaborator.
//
// The engine never talks to a concrete graphics API directly: every
// resource creation, copy, and map goes through [Device] and
// [ThreadContext], which a real backend (D3D12, Vulkan, Metal...)
// implements, and which tests drive through the fake backend in
// hal/noop.
//
// # Design Principles
//
// The HAL prioritizes portability over safety, delegating validation to the
// core layer above it. This means:
//
//   - Most methods are unsafe in terms of GPU state validation
//   - Validation is the caller's responsibility
//   - Only unrecoverable errors are returned (out of memory, device lost)
//
// # Thread Safety
//
// Unless stated otherwise, HAL interfaces are not thread-safe: a
// [ThreadContext] belongs to exactly one caller at a time, matching the
// single-writer discipline of the upload engine's two thread contexts.
//
// # Reference
//
// This design is based on wgpu-hal from the Rust WebGPU implementation.
// See: https://github.com/gfx-rs/wgpu/tree/trunk/wgpu-hal
package hal
