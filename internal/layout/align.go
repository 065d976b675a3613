package layout

// Alignment utilities shared by the allocators. All helpers assume the
// alignment is a power of two; callers validate with IsPow2 first.

// Align4 returns n aligned up to the next Granule boundary.
//
// Example:
//
//	Align4(1) = 4
//	Align4(4) = 4
//	Align4(5) = 8
func Align4(n uint64) uint64 {
	return (n + GranuleMask) &^ GranuleMask
}

// AlignUp returns n rounded up to a multiple of align.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n rounded down to a multiple of align.
func AlignDown(n, align uint64) uint64 {
	return n &^ (align - 1)
}

// IsPow2 reports whether n is a non-zero power of two.
func IsPow2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Pages returns the number of pages of pageSize needed to hold n bytes.
func Pages(n uint64, pageSize int) int {
	ps := uint64(pageSize)
	return int((n + ps - 1) / ps)
}
