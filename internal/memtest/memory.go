// Package memtest provides an in-memory guest memory for tests.
package memtest

import "encoding/binary"

// Memory is a fixed-size linear memory backed by a byte slice.
type Memory struct {
	Bytes []byte
}

// New creates a zeroed memory of size bytes.
func New(size uint32) *Memory {
	return &Memory{Bytes: make([]byte, size)}
}

func (m *Memory) Size() uint32 { return uint32(len(m.Bytes)) }

func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.fits(offset, byteCount) {
		return nil, false
	}
	return m.Bytes[offset : offset+byteCount : offset+byteCount], true
}

func (m *Memory) Write(offset uint32, v []byte) bool {
	if !m.fits(offset, uint32(len(v))) {
		return false
	}
	copy(m.Bytes[offset:], v)
	return true
}

func (m *Memory) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.fits(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Bytes[offset:]), true
}

func (m *Memory) WriteUint32Le(offset, v uint32) bool {
	if !m.fits(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Bytes[offset:], v)
	return true
}

func (m *Memory) fits(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(m.Bytes))
}
