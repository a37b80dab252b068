package wasm

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

var ErrTruncated = errors.New("unexpected end of wasm binary")

// EncodeULEB128 encodes an unsigned value in LEB128 format.
func EncodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

// EncodeSLEB128 encodes a signed value in LEB128 format.
func EncodeSLEB128[T int32 | int64](v T) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

// EncodeName encodes a length-prefixed UTF-8 name.
func EncodeName(name string) []byte {
	out := EncodeULEB128(uint32(len(name)))
	return append(out, name...)
}

// ValTypeToWasm converts a wazero value type to WASM encoding.
func ValTypeToWasm(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI32:
		return 0x7f
	case api.ValueTypeI64:
		return 0x7e
	case api.ValueTypeF32:
		return 0x7d
	case api.ValueTypeF64:
		return 0x7c
	default:
		return 0x7f
	}
}

// reader is a bounds-checked cursor over wasm bytes. Guest binaries are
// untrusted input, so every read reports truncation instead of panicking.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) eof() bool {
	return r.pos >= len(r.data)
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("uleb128 at offset %d exceeds 32 bits", r.pos)
}

func (r *reader) s32() (int32, error) {
	var result int64
	var shift uint
	for i := 0; i < 5; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return int32(result), nil
		}
	}
	return 0, fmt.Errorf("sleb128 at offset %d exceeds 32 bits", r.pos)
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(r.pos)+uint64(n) > uint64(len(r.data)) {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// limits skips a limits encoding and returns its minimum.
func (r *reader) limits() (uint32, error) {
	flag, err := r.byte()
	if err != nil {
		return 0, err
	}
	min, err := r.u32()
	if err != nil {
		return 0, err
	}
	if flag&0x01 != 0 {
		if _, err := r.u32(); err != nil {
			return 0, err
		}
	}
	return min, nil
}

// skipExpr advances past a constant expression including its end opcode.
// Only the opcodes allowed in constant expressions are understood.
func (r *reader) skipExpr() error {
	for {
		op, err := r.byte()
		if err != nil {
			return err
		}
		switch op {
		case OpEnd:
			return nil
		case OpI32Const, OpGlobalGet, OpRefFunc:
			if _, err := r.u32(); err != nil {
				return err
			}
		case OpI64Const:
			for {
				b, err := r.byte()
				if err != nil {
					return err
				}
				if b&0x80 == 0 {
					break
				}
			}
		case OpF32Const:
			if _, err := r.bytes(4); err != nil {
				return err
			}
		case OpF64Const:
			if _, err := r.bytes(8); err != nil {
				return err
			}
		case OpRefNull:
			if _, err := r.byte(); err != nil {
				return err
			}
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		default:
			return fmt.Errorf("unsupported opcode 0x%02x in constant expression", op)
		}
	}
}
