// Package testguest assembles guest binaries that drive the parallel host
// functions. Every host import is re-exported through a wasm wrapper under
// the same name so tests can call it with the guest as the caller.
package testguest

import (
	"math"

	"github.com/tetratelabs/wazero/api"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/internal/wasm"
)

var i32 = api.ValueTypeI32

// HostFunc describes one import of the parallel host module.
type HostFunc struct {
	Name   string
	Params int
}

// HostFuncs lists the host imports in declaration order.
var HostFuncs = []HostFunc{
	{"get_device", 2},
	{"create_buffer", 4},
	{"write_buffer", 3},
	{"read_buffer", 3},
	{"parallel_for", 7},
}

// Guest is a guest module under construction.
type Guest struct {
	b       *wasm.ModuleBuilder
	imports map[string]uint32
	slots   []uint32
}

// New creates a guest with one exported page of memory and wrappers for
// every host import.
func New() *Guest {
	g := &Guest{b: wasm.NewModuleBuilder(), imports: make(map[string]uint32)}
	for _, f := range HostFuncs {
		g.imports[f.Name] = g.b.ImportFunc(wasiparallel.ImportModule, f.Name, params(f.Params), params(1))
	}
	for _, f := range HostFuncs {
		var body []byte
		for i := 0; i < f.Params; i++ {
			body = append(body, wasm.LocalGet(uint32(i))...)
		}
		body = append(body, wasm.Call(g.imports[f.Name])...)
		g.b.ExportFunc(f.Name, g.b.Func(params(f.Params), params(1), nil, body))
	}
	g.b.Memory(1, "memory")
	return g
}

// Import returns the function index of a host import.
func (g *Guest) Import(name string) uint32 {
	return g.imports[name]
}

// Builder exposes the underlying module builder.
func (g *Guest) Builder() *wasm.ModuleBuilder {
	return g.b
}

// Body is a kernel function taking Buffers pointer/length pairs after the
// three scalar parameters.
type Body struct {
	Locals  []api.ValueType
	Code    []byte
	Buffers int
}

// Kernel adds k and places it in the next table slot. It returns the slot.
func (g *Guest) Kernel(k Body) uint32 {
	fn := g.b.Func(params(3+2*k.Buffers), nil, k.Locals, k.Code)
	g.slots = append(g.slots, fn)
	return uint32(len(g.slots) - 1)
}

// Export adds an exported function.
func (g *Guest) Export(name string, nparams, nresults int, body []byte) {
	g.b.ExportFunc(name, g.b.Func(params(nparams), params(nresults), nil, body))
}

// Build emits the guest with its kernels in table slots 0..n-1.
func (g *Guest) Build() []byte {
	if len(g.slots) > 0 {
		g.b.Table(uint32(len(g.slots)), 0, g.slots...)
	}
	return g.b.Build()
}

// Bare builds a module with one exported page of memory and kernels in
// table slots 0..n-1, without host imports.
func Bare(kernels ...Body) []byte {
	g := &Guest{b: wasm.NewModuleBuilder()}
	g.b.Memory(1, "memory")
	for _, k := range kernels {
		g.Kernel(k)
	}
	return g.Build()
}

// StoreFirst stores thread_id+1 at offset 0.
func StoreFirst() Body {
	return Body{Code: wasm.Concat(
		wasm.I32Const(0),
		wasm.LocalGet(0), wasm.I32Const(1), []byte{wasm.OpI32Add},
		wasm.MemArg(wasm.OpI32Store, 2, 0),
	)}
}

// SlotBase is where StoreSlot writes.
const SlotBase = 1024

// StoreSlot stores thread_id+1 at SlotBase+4*thread_id.
func StoreSlot() Body {
	return Body{Code: wasm.Concat(
		wasm.LocalGet(0), wasm.I32Const(4), []byte{wasm.OpI32Mul},
		wasm.LocalGet(0), wasm.I32Const(1), []byte{wasm.OpI32Add},
		wasm.MemArg(wasm.OpI32Store, 2, SlotBase),
	)}
}

// TrapOn traps in thread tid and stores thread_id+1 at SlotBase+4*thread_id
// in every other thread.
func TrapOn(tid int32) Body {
	return Body{Code: wasm.Concat(
		wasm.LocalGet(0), wasm.I32Const(tid), []byte{wasm.OpI32Eq},
		[]byte{wasm.OpIf, wasm.BlockVoid, wasm.OpUnreachable, wasm.OpEnd},
		StoreSlot().Code,
	)}
}

// Minimal is the smallest useful guest: slot 0 is StoreFirst and "run"
// dispatches it over 12 threads with block size 4, returning the
// parallel_for status.
func Minimal() []byte {
	g := New()
	g.Kernel(StoreFirst())
	g.Export("run", 0, 1, wasm.Concat(
		wasm.I32Const(0), wasm.I32Const(12), wasm.I32Const(4),
		wasm.I32Const(0), wasm.I32Const(0), wasm.I32Const(0), wasm.I32Const(0),
		wasm.Call(g.Import("parallel_for")),
	))
	return g.Build()
}

// Slots is a guest whose slot 0 is StoreSlot. "run"(num_threads)
// dispatches it with no buffers.
func Slots() []byte {
	g := New()
	g.Kernel(StoreSlot())
	g.Export("run", 1, 1, wasm.Concat(
		wasm.I32Const(0), wasm.LocalGet(0), wasm.I32Const(1),
		wasm.I32Const(0), wasm.I32Const(0), wasm.I32Const(0), wasm.I32Const(0),
		wasm.Call(g.Import("parallel_for")),
	))
	return g.Build()
}

// NStreamKernel is the triad A[i] += B[i] + scalar*C[i] over buffers
// (B, C) in and (A) out. Thread t handles elements [t*bs, t*bs+bs); the
// last thread runs to the end of A.
func NStreamKernel(scalar float32) Body {
	const (
		tid, n, bs       = 0, 1, 2
		bPtr, cPtr, aPtr = 3, 5, 7
		aLen             = 8
		i, end, count    = 9, 10, 11
		off              = 12
	)
	load := func(ptr uint32) []byte {
		return wasm.Concat(wasm.LocalGet(ptr), wasm.LocalGet(off), []byte{wasm.OpI32Add},
			wasm.MemArg(wasm.OpF32Load, 2, 0))
	}
	code := wasm.Concat(
		wasm.LocalGet(aLen), wasm.I32Const(4), []byte{wasm.OpI32DivU}, wasm.LocalSet(count),
		wasm.LocalGet(tid), wasm.LocalGet(bs), []byte{wasm.OpI32Mul}, wasm.LocalSet(i),
		wasm.LocalGet(i), wasm.LocalGet(bs), []byte{wasm.OpI32Add}, wasm.LocalSet(end),

		wasm.LocalGet(tid), wasm.LocalGet(n), wasm.I32Const(1), []byte{wasm.OpI32Sub}, []byte{wasm.OpI32Eq},
		[]byte{wasm.OpIf, wasm.BlockVoid}, wasm.LocalGet(count), wasm.LocalSet(end), []byte{wasm.OpEnd},

		wasm.LocalGet(count), wasm.LocalGet(end), []byte{wasm.OpI32LtU},
		[]byte{wasm.OpIf, wasm.BlockVoid}, wasm.LocalGet(count), wasm.LocalSet(end), []byte{wasm.OpEnd},

		[]byte{wasm.OpBlock, wasm.BlockVoid, wasm.OpLoop, wasm.BlockVoid},
		wasm.LocalGet(i), wasm.LocalGet(end), []byte{wasm.OpI32GeU, wasm.OpBrIf, 1},
		wasm.LocalGet(i), wasm.I32Const(4), []byte{wasm.OpI32Mul}, wasm.LocalSet(off),

		wasm.LocalGet(aPtr), wasm.LocalGet(off), []byte{wasm.OpI32Add},
		load(aPtr), load(bPtr), []byte{wasm.OpF32Add},
		wasm.F32Const(math.Float32bits(scalar)), load(cPtr), []byte{wasm.OpF32Mul},
		[]byte{wasm.OpF32Add},
		wasm.MemArg(wasm.OpF32Store, 2, 0),

		wasm.LocalGet(i), wasm.I32Const(1), []byte{wasm.OpI32Add}, wasm.LocalSet(i),
		[]byte{wasm.OpBr, 0},
		[]byte{wasm.OpEnd, wasm.OpEnd},
	)
	return Body{Buffers: 3, Locals: []api.ValueType{i32, i32, i32, i32}, Code: code}
}

// NStream is a guest with the triad kernel in slot 0 and, when module is
// non-nil, module embedded as device kernel id 0.
func NStream(scalar float32, module []byte) []byte {
	g := New()
	g.Kernel(NStreamKernel(scalar))
	bin := g.Build()
	if module != nil {
		bin = wasm.AppendKernelSection(bin, wasiparallel.KernelSectionName, 0, module)
	}
	return bin
}

func params(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = i32
	}
	return out
}
