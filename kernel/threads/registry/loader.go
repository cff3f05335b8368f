package registry

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
)

// Decode parses a module image. Images that do not start with the magic are
// tried as brotli streams.
func Decode(data []byte) (*Module, error) {
	if !bytes.HasPrefix(data, []byte(Magic)) && len(data) > 0 {
		raw, err := decompress(data)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return decodeRaw(data)
}

func decompress(data []byte) ([]byte, error) {
	r := io.LimitReader(brotli.NewReader(bytes.NewReader(data)), MaxImageSize+1)
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, WrapLoadError(ErrCodeBadMagic, "image is neither a module nor a brotli stream", err)
	}
	if len(raw) > MaxImageSize {
		return nil, NewLoadError(ErrCodeDecompressFailed, "decompressed image too large").
			WithContext("limit", MaxImageSize)
	}
	if !bytes.HasPrefix(raw, []byte(Magic)) {
		return nil, NewLoadError(ErrCodeBadMagic, "decompressed image lacks module magic")
	}
	return raw, nil
}

func decodeRaw(data []byte) (*Module, error) {
	if len(data) < HeaderSize {
		return nil, NewLoadError(ErrCodeTruncated, "image shorter than header").
			WithContext("size", len(data))
	}
	if string(data[:8]) != Magic {
		return nil, NewLoadError(ErrCodeBadMagic, "wrong magic bytes")
	}

	numConstant := int(binary.LittleEndian.Uint16(data[8:10]))
	numFixable := int(binary.LittleEndian.Uint16(data[10:12]))
	numExternal := int(binary.LittleEndian.Uint16(data[12:14]))
	numExport := int(binary.LittleEndian.Uint16(data[14:16]))

	sectionsEnd := HeaderSize +
		(numConstant+numFixable)*UpdateSize +
		numExternal*ExternalSize +
		numExport*ExportSize
	if sectionsEnd > len(data) {
		return nil, NewLoadError(ErrCodeBadSections, "section counts exceed image size").
			WithContext("sections_end", sectionsEnd).
			WithContext("size", len(data))
	}
	if (len(data)-sectionsEnd)%InstructionSize != 0 {
		return nil, NewLoadError(ErrCodeMisaligned, "instruction section is not a whole number of records").
			WithContext("instruction_bytes", len(data)-sectionsEnd)
	}

	m := &Module{
		Constants:    make([]Update, numConstant),
		Fixable:      make([]Update, numFixable),
		Externals:    make([]External, numExternal),
		Exports:      make([]Export, numExport),
		Instructions: make([]foundation.Instruction, (len(data)-sectionsEnd)/InstructionSize),
	}

	offset := HeaderSize
	for i := range m.Constants {
		m.Constants[i] = readUpdate(data[offset:])
		offset += UpdateSize
	}
	for i := range m.Fixable {
		m.Fixable[i] = readUpdate(data[offset:])
		offset += UpdateSize
	}
	for i := range m.Externals {
		m.Externals[i] = External{
			Update: readUpdate(data[offset:]),
			Name:   readName(data[offset+UpdateSize : offset+ExternalSize]),
		}
		offset += ExternalSize
	}
	for i := range m.Exports {
		m.Exports[i] = Export{
			Destination: foundation.Destination(binary.LittleEndian.Uint32(data[offset:])),
			Name:        readName(data[offset+4 : offset+ExportSize]),
		}
		offset += ExportSize
	}
	for i := range m.Instructions {
		m.Instructions[i] = readInstruction(data[offset : offset+InstructionSize])
		offset += InstructionSize
	}
	return m, nil
}

// Helper: Read update record
func readUpdate(data []byte) Update {
	return Update{
		Index:  binary.LittleEndian.Uint32(data[0:4]),
		Fields: FieldFlags(data[4]),
	}
}

// Helper: Read NUL-terminated name. The last byte is always treated as NUL.
func readName(data []byte) string {
	data = data[:NameSize-1]
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

// Helper: Read instruction record
func readInstruction(data []byte) foundation.Instruction {
	return foundation.Instruction{
		Opcode:       foundation.Opcode(binary.LittleEndian.Uint32(data[offOpcode:])),
		Destination1: foundation.Destination(binary.LittleEndian.Uint32(data[offDest1:])),
		Destination2: foundation.Destination(binary.LittleEndian.Uint32(data[offDest2:])),
		Marker:       foundation.Marker(data[offMarker]),
		Literal1:     binary.LittleEndian.Uint64(data[offLiteral1:]),
		Literal2:     binary.LittleEndian.Uint64(data[offLiteral2:]),
		Literals:     foundation.LiteralKind(binary.LittleEndian.Uint32(data[offLiterals:])),
	}
}
