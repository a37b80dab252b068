package wasm

import (
	"github.com/tetratelabs/wazero/api"
)

// ModuleBuilder assembles core modules from raw function bodies.
// Imports must be added before functions so indices stay stable.
type ModuleBuilder struct {
	types      []funcType
	imports    []funcImport
	funcs      []builtFunc
	exports    []export
	customs    []custom
	elems      []uint32
	memExport  string
	tableSize  uint32
	memPages   uint32
	hasMemory  bool
	hasTable   bool
	elemOffset uint32
}

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type funcImport struct {
	module  string
	name    string
	typeIdx uint32
}

type builtFunc struct {
	locals  []api.ValueType
	body    []byte
	typeIdx uint32
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type custom struct {
	name    string
	payload []byte
}

// NewModuleBuilder creates an empty module builder.
func NewModuleBuilder() *ModuleBuilder {
	return &ModuleBuilder{}
}

func (b *ModuleBuilder) typeIndex(params, results []api.ValueType) uint32 {
	for i, t := range b.types {
		if equalTypes(t.params, params) && equalTypes(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ImportFunc adds a function import and returns its function index.
func (b *ModuleBuilder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	b.imports = append(b.imports, funcImport{
		module:  module,
		name:    name,
		typeIdx: b.typeIndex(params, results),
	})
	return uint32(len(b.imports) - 1)
}

// Func adds a function and returns its index. body is the instruction
// sequence without the trailing end opcode.
func (b *ModuleBuilder) Func(params, results, locals []api.ValueType, body []byte) uint32 {
	b.funcs = append(b.funcs, builtFunc{
		typeIdx: b.typeIndex(params, results),
		locals:  locals,
		body:    body,
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// ExportFunc exports function index fn under name.
func (b *ModuleBuilder) ExportFunc(name string, fn uint32) {
	b.exports = append(b.exports, export{name: name, kind: ExternFunc, index: fn})
}

// Memory declares memory 0 with minPages pages, exported as name if non-empty.
func (b *ModuleBuilder) Memory(minPages uint32, name string) {
	b.hasMemory = true
	b.memPages = minPages
	b.memExport = name
}

// Table declares table 0 of size slots and fills it from offset with fns.
func (b *ModuleBuilder) Table(size, offset uint32, fns ...uint32) {
	b.hasTable = true
	b.tableSize = size
	b.elemOffset = offset
	b.elems = fns
}

// Custom appends a custom section after all other sections.
func (b *ModuleBuilder) Custom(name string, payload []byte) {
	b.customs = append(b.customs, custom{name: name, payload: payload})
}

// Build generates the module bytes.
func (b *ModuleBuilder) Build() []byte {
	wasm := append([]byte(nil), magic...)

	if len(b.types) > 0 {
		var s []byte
		s = append(s, EncodeULEB128(uint32(len(b.types)))...)
		for _, t := range b.types {
			s = append(s, TypeFunc)
			s = append(s, EncodeULEB128(uint32(len(t.params)))...)
			for _, p := range t.params {
				s = append(s, ValTypeToWasm(p))
			}
			s = append(s, EncodeULEB128(uint32(len(t.results)))...)
			for _, r := range t.results {
				s = append(s, ValTypeToWasm(r))
			}
		}
		wasm = appendSection(wasm, SectionType, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = append(s, EncodeULEB128(uint32(len(b.imports)))...)
		for _, imp := range b.imports {
			s = append(s, EncodeName(imp.module)...)
			s = append(s, EncodeName(imp.name)...)
			s = append(s, ExternFunc)
			s = append(s, EncodeULEB128(imp.typeIdx)...)
		}
		wasm = appendSection(wasm, SectionImport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = append(s, EncodeULEB128(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			s = append(s, EncodeULEB128(f.typeIdx)...)
		}
		wasm = appendSection(wasm, SectionFunction, s)
	}

	if b.hasTable {
		s := []byte{0x01, TypeFuncRef, 0x00}
		s = append(s, EncodeULEB128(b.tableSize)...)
		wasm = appendSection(wasm, SectionTable, s)
	}

	if b.hasMemory {
		s := []byte{0x01, 0x00}
		s = append(s, EncodeULEB128(b.memPages)...)
		wasm = appendSection(wasm, SectionMemory, s)
	}

	exports := b.exports
	if b.hasMemory && b.memExport != "" {
		exports = append([]export{{name: b.memExport, kind: ExternMemory}}, exports...)
	}
	if len(exports) > 0 {
		var s []byte
		s = append(s, EncodeULEB128(uint32(len(exports)))...)
		for _, e := range exports {
			s = append(s, EncodeName(e.name)...)
			s = append(s, e.kind)
			s = append(s, EncodeULEB128(e.index)...)
		}
		wasm = appendSection(wasm, SectionExport, s)
	}

	if b.hasTable && len(b.elems) > 0 {
		s := []byte{0x01, 0x00, OpI32Const}
		s = append(s, EncodeSLEB128(int32(b.elemOffset))...)
		s = append(s, OpEnd)
		s = append(s, EncodeULEB128(uint32(len(b.elems)))...)
		for _, fn := range b.elems {
			s = append(s, EncodeULEB128(fn)...)
		}
		wasm = appendSection(wasm, SectionElement, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = append(s, EncodeULEB128(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			body := EncodeULEB128(uint32(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 0x01, ValTypeToWasm(l))
			}
			body = append(body, f.body...)
			body = append(body, OpEnd)
			s = append(s, EncodeULEB128(uint32(len(body)))...)
			s = append(s, body...)
		}
		wasm = appendSection(wasm, SectionCode, s)
	}

	for _, c := range b.customs {
		wasm = AppendCustomSection(wasm, c.name, c.payload)
	}

	return wasm
}

func appendSection(wasm []byte, id byte, payload []byte) []byte {
	wasm = append(wasm, id)
	wasm = append(wasm, EncodeULEB128(uint32(len(payload)))...)
	return append(wasm, payload...)
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{OpI32Const}, EncodeSLEB128(v)...)
}

// F32Const encodes f32.const v.
func F32Const(bits uint32) []byte {
	return []byte{OpF32Const, byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte {
	return append([]byte{OpLocalGet}, EncodeULEB128(idx)...)
}

// LocalSet encodes local.set idx.
func LocalSet(idx uint32) []byte {
	return append([]byte{OpLocalSet}, EncodeULEB128(idx)...)
}

// Call encodes call fn.
func Call(fn uint32) []byte {
	return append([]byte{OpCall}, EncodeULEB128(fn)...)
}

// MemArg encodes a load/store opcode with alignment and offset.
func MemArg(op byte, align, offset uint32) []byte {
	out := []byte{op}
	out = append(out, EncodeULEB128(align)...)
	return append(out, EncodeULEB128(offset)...)
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
