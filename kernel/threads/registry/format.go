package registry

import "github.com/nmxmxh/tokenflow/kernel/threads/foundation"

// Module image layout. All integers are little-endian.
const (
	Magic           = "sephiALD"
	HeaderSize      = 16
	UpdateSize      = 8
	NameSize        = 256
	ExternalSize    = UpdateSize + NameSize // 264
	ExportSize      = 4 + NameSize          // 260
	InstructionSize = 40

	// MaxImageSize bounds a decompressed image.
	MaxImageSize = 1 << 26
)

// Instruction record offsets
const (
	offOpcode   = 0
	offDest1    = 4
	offDest2    = 8
	offMarker   = 12
	offLiteral1 = 16
	offLiteral2 = 24
	offLiterals = 32
)

// FieldFlags selects the instruction fields an update record applies to.
type FieldFlags uint8

const (
	FieldDest1    FieldFlags = 0x1
	FieldDest2    FieldFlags = 0x2
	FieldLiteral1 FieldFlags = 0x4
	FieldLiteral2 FieldFlags = 0x8

	// FieldOpcode overwrites the opcode with the resolved symbol value.
	// Dangerous: it lets an unprivileged module reach privileged opcodes.
	FieldOpcode FieldFlags = 0x80
)

// Has reports whether every bit of f is set.
func (flags FieldFlags) Has(f FieldFlags) bool {
	return flags&f == f
}

// Update names instruction fields of one module-local instruction.
type Update struct {
	Index  uint32
	Fields FieldFlags
}

// External is an instruction field to patch with an exported symbol.
type External struct {
	Update
	Name string
}

// Export publishes a module-local destination under a name.
type Export struct {
	Destination foundation.Destination
	Name        string
}

// Module is a decoded module image. Destinations are module-local until the
// store relocates them.
type Module struct {
	// Constants lists destination fields that are absolute and must not be
	// relocated.
	Constants []Update
	// Fixable lists literal fields that hold module-local destinations.
	Fixable      []Update
	Externals    []External
	Exports      []Export
	Instructions []foundation.Instruction
}

// FieldIndex merges update records by instruction index.
func FieldIndex(updates []Update) map[uint32]FieldFlags {
	index := make(map[uint32]FieldFlags, len(updates))
	for _, u := range updates {
		index[u.Index] |= u.Fields
	}
	return index
}

// Size returns the encoded size of the uncompressed image.
func (m *Module) Size() int {
	return HeaderSize +
		(len(m.Constants)+len(m.Fixable))*UpdateSize +
		len(m.Externals)*ExternalSize +
		len(m.Exports)*ExportSize +
		len(m.Instructions)*InstructionSize
}
