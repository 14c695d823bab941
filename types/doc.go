// Package types defines the descriptor types shared across the buffer
// uploads subsystem: buffer and texture formats/descriptors, the
// discriminated ResourceDesc union, and the flags that steer pooling and
// routing decisions (BindFlags, CPUAccess, GPUAccess, AllocationRules).
//
// ResourceDesc.Hash produces the DescHash pooling key used by
// ResourcesPool and BatchedResources; it is the one place buffer-size
// rounding into size classes happens.
package types
