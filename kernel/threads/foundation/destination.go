package foundation

import "fmt"

// Destination routes a token to its consumer.
// Layout: <address (28 bits)> <input slot (1 bit)> <matching function (3 bits)>
type Destination uint32

// Input slots
const (
	SlotFirst  uint32 = 0
	SlotSecond uint32 = 1
)

// Matching functions
const (
	MatchOne  uint8 = 0 // deliver alone
	MatchBoth uint8 = 1 // pair both inputs
	MatchAny  uint8 = 2 // deliver whichever arrives first
)

// AddressLimit is one past the largest encodable instruction address.
const AddressLimit uint32 = 1 << 28

// Reserved sentinel destinations. They never index into the program image.
var (
	OutputNumber      = MakeDestination(AddressLimit-1, SlotFirst, MatchOne)
	OutputString      = MakeDestination(AddressLimit-2, SlotFirst, MatchOne)
	RegisterHandler   = MakeDestination(AddressLimit-3, SlotFirst, MatchOne)
	DeregisterHandler = MakeDestination(AddressLimit-4, SlotFirst, MatchOne)
	Discard           = MakeDestination(AddressLimit-5, SlotFirst, MatchOne)
)

// MakeDestination packs an address, input slot and matching function.
func MakeDestination(address, slot uint32, matching uint8) Destination {
	return Destination((((address << 1) ^ slot) << 3) ^ uint32(matching))
}

// Address returns the target instruction address.
func (d Destination) Address() uint32 {
	return uint32(d) >> 4
}

// Slot returns the input slot (SlotFirst or SlotSecond).
func (d Destination) Slot() uint32 {
	return (uint32(d) >> 3) & 0x1
}

// Matching returns the matching function code. Only the two low bits are
// read even though the field is three bits wide.
func (d Destination) Matching() uint8 {
	return uint8(d & 0x3)
}

// Relocate shifts the address by base, keeping slot and matching function.
func (d Destination) Relocate(base uint32) Destination {
	return MakeDestination(d.Address()+base, d.Slot(), d.Matching())
}

// IsReserved reports whether d is one of the five sentinel destinations.
func IsReserved(d Destination) bool {
	switch d {
	case OutputNumber, OutputString, RegisterHandler, DeregisterHandler, Discard:
		return true
	}
	return false
}

func (d Destination) String() string {
	return fmt.Sprintf("%d/%d/%d", d.Address(), d.Slot(), d.Matching())
}
