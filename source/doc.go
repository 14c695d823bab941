// Package source implements ResourceSource: the policy layer deciding
// which sub-allocator services a given ResourceDesc — the staging pool,
// the general reuse pool, BatchedResources, or a direct device allocation.
package source
