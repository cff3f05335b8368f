package foundation

import "fmt"

// Tag identifies an invocation scope: a 32-bit tag area in the high half and
// a 32-bit iteration count in the low half.
type Tag uint64

// NoTag is the tag carried by bootstrap and freshly seeded requests.
const NoTag Tag = 0

// MakeTag packs a tag area and iteration count.
func MakeTag(area, iteration uint32) Tag {
	return Tag((uint64(area) << 32) ^ uint64(iteration))
}

// Area returns the tag area.
func (t Tag) Area() uint32 {
	return uint32(t >> 32)
}

// Iteration returns the iteration count.
func (t Tag) Iteration() uint32 {
	return uint32(t & 0xffffffff)
}

func (t Tag) String() string {
	return fmt.Sprintf("%08x:%d", t.Area(), t.Iteration())
}
