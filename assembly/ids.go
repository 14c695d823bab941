package assembly

// UploadDataType classifies queued-but-unprocessed bytes for the
// per-UploadDataType counters the AssemblyLine maintains.
type UploadDataType int

const (
	UploadDataTexture UploadDataType = iota
	UploadDataVertex
	UploadDataIndex
)

// Flags is the transaction creation-options bitfield.
type Flags uint8

const (
	// LongTerm routes the transaction through the long-term table instead
	// of the temporary one (e.g. resources expected to outlive a frame).
	LongTerm Flags = 1 << iota
	// FramePriority routes the transaction's step onto the current
	// frame-priority lane instead of the Main queue-set.
	FramePriority
)

func (f Flags) has(bit Flags) bool { return f&bit == bit }

// longTermBit is bit 63 of a packed transaction id.
const longTermBit = uint64(1) << 63

// discriminatorMask keeps the discriminator inside 31 bits (bits 32..62),
// leaving bit 63 for the long-term flag.
const discriminatorMask = uint64(0x7FFFFFFF)

// composeID packs a 16-byte-slot index, a reuse discriminator, and the
// long-term flag into one 64-bit transaction id, per spec §4.8.1.
func composeID(slot uint32, discriminator uint32, longTerm bool) uint64 {
	id := uint64(slot) | (uint64(discriminator)&discriminatorMask)<<32
	if longTerm {
		id |= longTermBit
	}
	return id
}

func decomposeID(id uint64) (slot uint32, discriminator uint32, longTerm bool) {
	slot = uint32(id)
	discriminator = uint32((id >> 32) & discriminatorMask)
	longTerm = id&longTermBit != 0
	return
}
