package types

// MapMode describes the CPU access mode requested by a ResourceMap.
type MapMode uint8

const (
	// MapModeRead maps the resource for reading.
	MapModeRead MapMode = 1 << iota
	// MapModeWrite maps the resource for writing.
	MapModeWrite
)

// BufferMapState describes the map lifecycle of a staging resource as
// tracked by ThreadContext across CommitCommands boundaries.
type BufferMapState uint8

const (
	// BufferMapStateUnmapped means the resource is not mapped.
	BufferMapStateUnmapped BufferMapState = iota
	// BufferMapStatePending means an async map request is outstanding.
	BufferMapStatePending
	// BufferMapStateMapped means the resource is currently mapped.
	BufferMapStateMapped
)
