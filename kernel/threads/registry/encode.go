package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/andybalholm/brotli"
)

// Encode serializes m into an uncompressed image. Names longer than 255
// bytes are truncated.
func Encode(m *Module) ([]byte, error) {
	for name, n := range map[string]int{
		"constant": len(m.Constants),
		"fixable":  len(m.Fixable),
		"external": len(m.Externals),
		"export":   len(m.Exports),
	} {
		if n > 0xFFFF {
			return nil, fmt.Errorf("encode: %d %s records exceed the header limit", n, name)
		}
	}

	data := make([]byte, m.Size())
	copy(data, Magic)
	binary.LittleEndian.PutUint16(data[8:], uint16(len(m.Constants)))
	binary.LittleEndian.PutUint16(data[10:], uint16(len(m.Fixable)))
	binary.LittleEndian.PutUint16(data[12:], uint16(len(m.Externals)))
	binary.LittleEndian.PutUint16(data[14:], uint16(len(m.Exports)))

	offset := HeaderSize
	for _, u := range m.Constants {
		writeUpdate(data[offset:], u)
		offset += UpdateSize
	}
	for _, u := range m.Fixable {
		writeUpdate(data[offset:], u)
		offset += UpdateSize
	}
	for _, ext := range m.Externals {
		writeUpdate(data[offset:], ext.Update)
		writeName(data[offset+UpdateSize:offset+ExternalSize], ext.Name)
		offset += ExternalSize
	}
	for _, exp := range m.Exports {
		binary.LittleEndian.PutUint32(data[offset:], uint32(exp.Destination))
		writeName(data[offset+4:offset+ExportSize], exp.Name)
		offset += ExportSize
	}
	for _, inst := range m.Instructions {
		rec := data[offset : offset+InstructionSize]
		binary.LittleEndian.PutUint32(rec[offOpcode:], uint32(inst.Opcode))
		binary.LittleEndian.PutUint32(rec[offDest1:], uint32(inst.Destination1))
		binary.LittleEndian.PutUint32(rec[offDest2:], uint32(inst.Destination2))
		rec[offMarker] = byte(inst.Marker)
		binary.LittleEndian.PutUint64(rec[offLiteral1:], inst.Literal1)
		binary.LittleEndian.PutUint64(rec[offLiteral2:], inst.Literal2)
		binary.LittleEndian.PutUint32(rec[offLiterals:], uint32(inst.Literals))
		offset += InstructionSize
	}
	return data, nil
}

// EncodeCompressed serializes m into a brotli-compressed image.
func EncodeCompressed(m *Module) ([]byte, error) {
	raw, err := Encode(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress module: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress module: %w", err)
	}
	return buf.Bytes(), nil
}

func writeUpdate(data []byte, u Update) {
	binary.LittleEndian.PutUint32(data[0:4], u.Index)
	data[4] = byte(u.Fields)
}

func writeName(data []byte, name string) {
	if len(name) > NameSize-1 {
		name = name[:NameSize-1]
	}
	copy(data, name)
}
