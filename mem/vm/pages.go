package vm

// pageSet records which pages of a reservation are committed.
type pageSet struct {
	words []uint64
	count int
}

func newPageSet(pages int) pageSet {
	return pageSet{words: make([]uint64, (pages+63)/64)}
}

func (s *pageSet) has(i int) bool {
	return s.words[i>>6]&(1<<(uint(i)&63)) != 0
}

// set marks [first, first+n) committed and returns how many were newly set.
func (s *pageSet) set(first, n int) int {
	added := 0
	for i := first; i < first+n; i++ {
		w, b := i>>6, uint64(1)<<(uint(i)&63)
		if s.words[w]&b == 0 {
			s.words[w] |= b
			added++
		}
	}
	s.count += added
	return added
}

// clear marks [first, first+n) uncommitted and returns how many were cleared.
func (s *pageSet) clear(first, n int) int {
	removed := 0
	for i := first; i < first+n; i++ {
		w, b := i>>6, uint64(1)<<(uint(i)&63)
		if s.words[w]&b != 0 {
			s.words[w] &^= b
			removed++
		}
	}
	s.count -= removed
	return removed
}

// missing counts uncommitted pages in [first, first+n).
func (s *pageSet) missing(first, n int) int {
	have := 0
	for i := first; i < first+n; i++ {
		if s.has(i) {
			have++
		}
	}
	return n - have
}

// all reports whether every page in [first, first+n) is committed.
func (s *pageSet) all(first, n int) bool {
	return s.missing(first, n) == 0
}

