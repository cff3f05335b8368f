package store

import (
	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/registry"
)

// LoadResult describes one committed module.
type LoadResult struct {
	Base        uint32
	Count       int
	Exports     []registry.Symbol // relocated, in module order
	Neutralized int               // privileged opcodes rewritten to DUP
}

// Export returns the relocated destination of a symbol exported by this
// module only.
func (r *LoadResult) Export(name string) (foundation.Destination, bool) {
	for _, s := range r.Exports {
		if s.Name == name {
			return s.Destination, true
		}
	}
	return 0, false
}

// Program is the append-only program image and its export directory.
// Owned by the store worker; not safe for concurrent use.
type Program struct {
	instructions     []foundation.Instruction
	exports          *registry.ExportDirectory
	allowOpcodePatch bool
}

// NewProgram creates an empty program image.
func NewProgram(allowOpcodePatch bool) *Program {
	return &Program{
		exports:          registry.NewExportDirectory(),
		allowOpcodePatch: allowOpcodePatch,
	}
}

// Len returns the number of placed instructions.
func (p *Program) Len() int {
	return len(p.instructions)
}

// Instruction returns the instruction at an absolute address.
func (p *Program) Instruction(addr uint32) (foundation.Instruction, bool) {
	if uint64(addr) >= uint64(len(p.instructions)) {
		return foundation.Instruction{}, false
	}
	return p.instructions[addr], true
}

// Lookup resolves a symbol in the global export directory.
func (p *Program) Lookup(name string) (foundation.Destination, bool) {
	return p.exports.Lookup(name)
}

// Exports returns the export directory size.
func (p *Program) Exports() int {
	return p.exports.Len()
}

// Load decodes and links a module image. On error the program is unchanged.
func (p *Program) Load(data []byte, privileged bool) (*LoadResult, error) {
	m, err := registry.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Link(m, privileged)
}

// Link places a decoded module at the end of the image. The module is
// relocated and patched on a staged copy which is committed only when every
// step succeeds.
func (p *Program) Link(m *registry.Module, privileged bool) (*LoadResult, error) {
	base := uint32(len(p.instructions))
	count := len(m.Instructions)
	if uint64(base)+uint64(count) > uint64(foundation.Discard.Address()) {
		return nil, registry.NewLoadError(registry.ErrCodeAddressSpaceExceeded, "module does not fit below the reserved addresses").
			WithContext("base", base).
			WithContext("instructions", count)
	}

	// Every external reference must resolve against symbols already loaded
	resolved := make([]foundation.Destination, len(m.Externals))
	for i, ext := range m.Externals {
		dst, ok := p.exports.Lookup(ext.Name)
		if !ok {
			return nil, registry.ErrUnresolvedSymbol(ext.Name)
		}
		if int(ext.Index) >= count {
			return nil, registry.ErrReferenceOutOfRange(ext.Name, ext.Index, count)
		}
		if ext.Fields.Has(registry.FieldOpcode) && !p.allowOpcodePatch {
			return nil, registry.ErrOpcodePatchDenied(ext.Name, ext.Index)
		}
		resolved[i] = dst
	}

	constants := registry.FieldIndex(m.Constants)
	fixable := registry.FieldIndex(m.Fixable)

	result := &LoadResult{Base: base, Count: count}
	staged := make([]foundation.Instruction, count)
	for i, inst := range m.Instructions {
		idx := uint32(i)
		if !constants[idx].Has(registry.FieldDest1) && inst.Destination1 != foundation.Discard {
			inst.Destination1 = inst.Destination1.Relocate(base)
		}
		if !constants[idx].Has(registry.FieldDest2) && inst.Destination2 != foundation.Discard {
			inst.Destination2 = inst.Destination2.Relocate(base)
		}
		if fixable[idx].Has(registry.FieldLiteral1) {
			inst.Literal1 = relocateLiteral(inst.Literal1, base)
		}
		if fixable[idx].Has(registry.FieldLiteral2) {
			inst.Literal2 = relocateLiteral(inst.Literal2, base)
		}
		if !privileged && inst.Opcode.Privileged() {
			inst.Opcode = foundation.DUP
			result.Neutralized++
		}
		staged[i] = inst
	}

	// Patches apply after relocation and neutralization
	for i, ext := range m.Externals {
		inst := &staged[ext.Index]
		dst := resolved[i]
		if ext.Fields.Has(registry.FieldDest1) {
			inst.Destination1 = dst
		}
		if ext.Fields.Has(registry.FieldDest2) {
			inst.Destination2 = dst
		}
		if ext.Fields.Has(registry.FieldLiteral1) {
			inst.Literal1 = uint64(dst)
		}
		if ext.Fields.Has(registry.FieldLiteral2) {
			inst.Literal2 = uint64(dst)
		}
		if ext.Fields.Has(registry.FieldOpcode) {
			inst.Opcode = foundation.Opcode(dst)
		}
	}

	p.instructions = append(p.instructions, staged...)

	result.Exports = make([]registry.Symbol, len(m.Exports))
	for i, exp := range m.Exports {
		dst := exp.Destination.Relocate(base)
		p.exports.Add(exp.Name, dst)
		result.Exports[i] = registry.Symbol{Name: exp.Name, Destination: dst}
	}
	return result, nil
}

// relocateLiteral relocates a literal through its 32-bit destination view.
// The upper half of the literal is discarded.
func relocateLiteral(lit uint64, base uint32) uint64 {
	return uint64(foundation.Destination(uint32(lit)).Relocate(base))
}

// ReadyRequests builds execution requests for the instructions of a load
// that carry every operand as a literal.
func (p *Program) ReadyRequests(r *LoadResult) []foundation.ExecutionRequest {
	var reqs []foundation.ExecutionRequest
	for i := 0; i < r.Count; i++ {
		addr := r.Base + uint32(i)
		inst := p.instructions[addr]
		if !inst.Ready() {
			continue
		}
		req := foundation.ExecutionRequest{
			Opcode:       inst.Opcode,
			Data1:        inst.Literal1,
			Tag:          foundation.NoTag,
			Destination1: inst.Destination1,
			Destination2: inst.Destination2,
			Marker:       inst.Marker,
			Origin:       addr,
		}
		if inst.Literals == foundation.LiteralTwo {
			req.Data2 = inst.Literal2
		}
		reqs = append(reqs, req)
	}
	return reqs
}
