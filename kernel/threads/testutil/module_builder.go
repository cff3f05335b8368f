package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/registry"
)

// ModuleBuilder helps create module images for testing
type ModuleBuilder struct {
	module registry.Module
}

// NewModuleBuilder creates an empty builder
func NewModuleBuilder() *ModuleBuilder {
	return &ModuleBuilder{}
}

// Next returns the module-local index the next instruction will get.
func (b *ModuleBuilder) Next() uint32 {
	return uint32(len(b.module.Instructions))
}

// Instruction appends a raw instruction
func (b *ModuleBuilder) Instruction(inst foundation.Instruction) *ModuleBuilder {
	b.module.Instructions = append(b.module.Instructions, inst)
	return b
}

// Op appends an instruction that waits for all of its operands.
func (b *ModuleBuilder) Op(op foundation.Opcode, dst1, dst2 foundation.Destination, marker foundation.Marker) *ModuleBuilder {
	return b.Instruction(foundation.Instruction{
		Opcode:       op,
		Destination1: dst1,
		Destination2: dst2,
		Marker:       marker,
		Literals:     foundation.LiteralNone,
	})
}

// OpLiteral appends an instruction whose second operand is literal.
func (b *ModuleBuilder) OpLiteral(op foundation.Opcode, dst1, dst2 foundation.Destination, marker foundation.Marker, lit1 uint64) *ModuleBuilder {
	return b.Instruction(foundation.Instruction{
		Opcode:       op,
		Destination1: dst1,
		Destination2: dst2,
		Marker:       marker,
		Literal1:     lit1,
		Literals:     foundation.LiteralOne,
	})
}

// OpLiterals appends an instruction that is ready at load time.
func (b *ModuleBuilder) OpLiterals(op foundation.Opcode, dst1, dst2 foundation.Destination, marker foundation.Marker, lit1, lit2 uint64) *ModuleBuilder {
	return b.Instruction(foundation.Instruction{
		Opcode:       op,
		Destination1: dst1,
		Destination2: dst2,
		Marker:       marker,
		Literal1:     lit1,
		Literal2:     lit2,
		Literals:     foundation.LiteralTwo,
	})
}

// Constant marks destination fields of instruction index as absolute.
func (b *ModuleBuilder) Constant(index uint32, fields registry.FieldFlags) *ModuleBuilder {
	b.module.Constants = append(b.module.Constants, registry.Update{Index: index, Fields: fields})
	return b
}

// Fixable marks literal fields of instruction index as module-local destinations.
func (b *ModuleBuilder) Fixable(index uint32, fields registry.FieldFlags) *ModuleBuilder {
	b.module.Fixable = append(b.module.Fixable, registry.Update{Index: index, Fields: fields})
	return b
}

// Extern patches fields of instruction index with an exported symbol.
func (b *ModuleBuilder) Extern(index uint32, fields registry.FieldFlags, name string) *ModuleBuilder {
	b.module.Externals = append(b.module.Externals, registry.External{
		Update: registry.Update{Index: index, Fields: fields},
		Name:   name,
	})
	return b
}

// Export publishes a module-local destination.
func (b *ModuleBuilder) Export(name string, dst foundation.Destination) *ModuleBuilder {
	b.module.Exports = append(b.module.Exports, registry.Export{Destination: dst, Name: name})
	return b
}

// Module returns a copy of the module built so far
func (b *ModuleBuilder) Module() *registry.Module {
	m := b.module
	m.Constants = append([]registry.Update(nil), b.module.Constants...)
	m.Fixable = append([]registry.Update(nil), b.module.Fixable...)
	m.Externals = append([]registry.External(nil), b.module.Externals...)
	m.Exports = append([]registry.Export(nil), b.module.Exports...)
	m.Instructions = append([]foundation.Instruction(nil), b.module.Instructions...)
	return &m
}

// Build returns the encoded image
func (b *ModuleBuilder) Build() []byte {
	data, err := registry.Encode(&b.module)
	if err != nil {
		panic(err)
	}
	return data
}

// BuildCompressed returns the brotli-compressed image
func (b *ModuleBuilder) BuildCompressed() []byte {
	data, err := registry.EncodeCompressed(&b.module)
	if err != nil {
		panic(err)
	}
	return data
}

// WriteFile writes the encoded image to dir/name and returns its path
func (b *ModuleBuilder) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Build(), 0o600); err != nil {
		t.Fatalf("write module %s: %v", path, err)
	}
	return path
}
