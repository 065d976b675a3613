// Package layout houses the in-memory layout of heap chunks and nodes: the
// sizes of the headers written into committed pages, the sentinel patterns
// that guard them, and the alignment and little-endian helpers used to read
// and write them. Keeping the byte layout here lets the heap and the
// verifier agree on a single description of memory.
package layout

const (
	// Granule is the allocation granularity. Requests are rounded up to it.
	Granule = 4

	// GranuleMask is Granule-1, used by the alignment helpers.
	GranuleMask = Granule - 1

	// DefaultPageSize is the page size used when a provider does not specify one.
	DefaultPageSize = 4096
)

// Chunk header layout (little-endian), written at the first byte of every chunk:
//
//	0x00  magic   u32
//	0x04  flags   u32
//	0x08  start   u64
//	0x10  break   u64
//	0x18  top     u64
const (
	ChunkMagicOffset = 0x00
	ChunkFlagsOffset = 0x04
	ChunkStartOffset = 0x08
	ChunkBreakOffset = 0x10
	ChunkTopOffset   = 0x18

	// ChunkHeaderSize is the number of bytes reserved at the start of each chunk.
	ChunkHeaderSize = 0x20

	// ChunkMagic identifies a chunk header ("CHNK").
	ChunkMagic uint32 = 0x4B4E4843

	// ChunkFlagPinned marks a chunk seeded by bootstrap code. Pinned chunks are
	// never handed back to the provider.
	ChunkFlagPinned uint32 = 1 << 0
)

// Node header layout (little-endian), immediately preceding the payload:
//
//	0x00  sentinel  u32   SentinelUsed or SentinelFree
//	0x04  size      u32   payload bytes
//	0x08  offset    u32   header offset relative to the chunk start
//	0x0C  reserved  u32
//
// The payload is followed by a u32 EndSentinel.
const (
	NodeSentinelOffset = 0x00
	NodeSizeOffset     = 0x04
	NodeChunkOffset    = 0x08
	NodeReservedOffset = 0x0C

	// NodeHeaderSize is the size of the header preceding every payload.
	NodeHeaderSize = 0x10

	// EndSentinelSize is the size of the trailing guard word after every payload.
	EndSentinelSize = 4

	// NodeOverhead is the per-node metadata cost in committed memory.
	NodeOverhead = NodeHeaderSize + EndSentinelSize

	// MinNodeSize is the smallest node worth creating: overhead plus one granule.
	// Leftovers below this are absorbed by the neighbouring allocation.
	MinNodeSize = NodeOverhead + Granule
)

const (
	// SentinelUsed tags the header of an allocated node ("USED").
	SentinelUsed uint32 = 0x55534544

	// SentinelFree tags the header of a free node ("FREE").
	SentinelFree uint32 = 0x46524545

	// EndSentinel follows every payload.
	EndSentinel uint32 = 0xE7D5E7D5

	// Poison is written over freed payloads.
	Poison uint32 = 0xFEEEFEEE
)
