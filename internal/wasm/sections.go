package wasm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotWasm = errors.New("not a wasm core module")

	magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
)

// Section locates one section inside a binary. Start and End bound the
// payload; for custom sections the payload begins after the name.
type Section struct {
	Name  string
	ID    byte
	Head  int // offset of the section id byte
	Start int
	End   int
}

// Sections walks the top-level sections of a core module.
func Sections(bin []byte) ([]Section, error) {
	if len(bin) < len(magic) || !bytes.Equal(bin[:len(magic)], magic) {
		return nil, ErrNotWasm
	}

	r := &reader{data: bin, pos: len(magic)}
	var out []Section
	for !r.eof() {
		head := r.pos
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		start := r.pos
		payload, err := r.bytes(size)
		if err != nil {
			return nil, fmt.Errorf("section 0x%02x at offset %d: %w", id, head, err)
		}

		s := Section{ID: id, Head: head, Start: start, End: start + len(payload)}
		if id == SectionCustom {
			nr := &reader{data: payload}
			name, err := nr.name()
			if err != nil {
				return nil, fmt.Errorf("custom section name at offset %d: %w", head, err)
			}
			s.Name = name
			s.Start = start + nr.pos
		}
		out = append(out, s)
	}
	return out, nil
}

// KernelSection is a device kernel module embedded in a guest binary.
type KernelSection struct {
	Module []byte
	ID     uint32
}

// KernelSections extracts every custom section named name. The payload is
// a little-endian u32 module id followed by the module bytes. When two
// sections share an id the first wins.
func KernelSections(bin []byte, name string) ([]KernelSection, error) {
	sections, err := Sections(bin)
	if err != nil {
		return nil, err
	}

	var out []KernelSection
	seen := make(map[uint32]bool)
	for _, s := range sections {
		if s.ID != SectionCustom || s.Name != name {
			continue
		}
		payload := bin[s.Start:s.End]
		if len(payload) < 4 {
			return nil, fmt.Errorf("kernel section at offset %d: payload of %d bytes has no module id", s.Head, len(payload))
		}
		id := binary.LittleEndian.Uint32(payload[:4])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, KernelSection{
			ID:     id,
			Module: bytes.Clone(payload[4:]),
		})
	}
	return out, nil
}

// AppendCustomSection returns bin with a custom section appended.
func AppendCustomSection(bin []byte, name string, payload []byte) []byte {
	body := EncodeName(name)
	body = append(body, payload...)

	out := make([]byte, 0, len(bin)+len(body)+6)
	out = append(out, bin...)
	out = append(out, SectionCustom)
	out = append(out, EncodeULEB128(uint32(len(body)))...)
	return append(out, body...)
}

// AppendKernelSection embeds a device kernel module under id.
func AppendKernelSection(bin []byte, name string, id uint32, module []byte) []byte {
	payload := make([]byte, 4, 4+len(module))
	binary.LittleEndian.PutUint32(payload, id)
	payload = append(payload, module...)
	return AppendCustomSection(bin, name, payload)
}
