// Package visited tracks traversal state for one query. A bitset plus a
// dirty list keeps Reset proportional to the nodes actually touched, so
// pooled sets stay cheap across queries.
package visited

// Set records which dense node ids a traversal has seen.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a set sized for capacity nodes. It grows on demand.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks a node as seen. Returns false if it was already seen.
func (s *Set) Visit(id uint32) bool {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}
	if s.bits[word]&mask != 0 {
		return false
	}
	s.bits[word] |= mask
	s.dirty = append(s.dirty, id)
	return true
}

// Visited reports whether a node has been seen.
func (s *Set) Visited(id uint32) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears exactly the bits touched since the last Reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(words int) {
	next := len(s.bits) * 2
	if next < words {
		next = words
	}
	nb := make([]uint64, next)
	copy(nb, s.bits)
	s.bits = nb
}
