package wasm

import (
	"testing"
)

func TestULEB128_RoundTrip(t *testing.T) {
	tests := []struct {
		value uint32
		bytes int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16384, 3},
		{0xffffffff, 5},
	}
	for _, tt := range tests {
		enc := EncodeULEB128(tt.value)
		if len(enc) != tt.bytes {
			t.Errorf("EncodeULEB128(%d) used %d bytes, want %d", tt.value, len(enc), tt.bytes)
		}
		r := &reader{data: enc}
		got, err := r.u32()
		if err != nil {
			t.Fatalf("decode %d: %v", tt.value, err)
		}
		if got != tt.value || !r.eof() {
			t.Errorf("decode(%x) = %d, want %d", enc, got, tt.value)
		}
	}
}

func TestSLEB128_Decode(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 63, -64, 64, -65, 1 << 30, -1 << 31} {
		r := &reader{data: EncodeSLEB128(v)}
		got, err := r.s32()
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Errorf("s32() = %d, want %d", got, v)
		}
	}
}

func TestReader_Truncated(t *testing.T) {
	r := &reader{data: []byte{0x80, 0x80}}
	if _, err := r.u32(); err != ErrTruncated {
		t.Fatalf("u32() = %v, want ErrTruncated", err)
	}

	r = &reader{data: []byte{0x05, 'a'}}
	if _, err := r.name(); err != ErrTruncated {
		t.Fatalf("name() = %v, want ErrTruncated", err)
	}
}

func TestReader_SkipExpr(t *testing.T) {
	expr := Concat(I32Const(-5), []byte{OpEnd, 0xaa})
	r := &reader{data: expr}
	if err := r.skipExpr(); err != nil {
		t.Fatal(err)
	}
	if b, _ := r.byte(); b != 0xaa {
		t.Fatalf("skipExpr stopped at wrong offset, next byte 0x%02x", b)
	}

	r = &reader{data: []byte{OpCall, 0x00, OpEnd}}
	if err := r.skipExpr(); err == nil {
		t.Fatal("expected error for non-constant opcode")
	}
}
