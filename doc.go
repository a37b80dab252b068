// Package wasiparallel implements the host side of wasi-parallel: a set of
// WebAssembly host functions that let a guest run a "parallel for" over a
// kernel, either fanned out across native threads or launched on a GPU.
//
// The guest's linear memory stays the shared address space. CPU kernels are
// guest functions taken from the guest's indirect function table and run
// concurrently against the same memory. GPU kernels are device modules the
// guest binary carries in "wasi-parallel" custom sections.
//
// # Architecture Overview
//
//	wasiparallel/        Root package with Memory, DeviceKind and BufferAccess
//	├── runtime/         High-level API for loading and running guests
//	├── engine/          wazero integration and WASI preview1
//	├── host/            wasi_ephemeral_parallel host module (i32 ABI)
//	├── dispatch/        parallel_for state machine, CPU fan-out, GPU launch
//	├── kernel/          Kernel resolution and compiled program cache
//	├── buffer/          Buffer handles, guest bindings, device mirrors
//	├── device/          Device registry and GPU backend contract
//	│   ├── webgpu/      WebGPU backend
//	│   └── emulated/    In-process backend running Go kernels
//	├── resource/        Generational handle arenas
//	└── errors/          Structured error types and guest status codes
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	results, err := inst.Call(ctx, "run")
//
// # Guest ABI
//
// Guests import five functions from "wasi_ephemeral_parallel". Every one
// returns an i32 status: 0 on success, otherwise a code from the errors
// package (see errors.Status). Out parameters are guest memory offsets the
// host writes a u32 handle into.
//
//	get_device(hint, out_device) -> status
//	create_buffer(device, size, access, out_buffer) -> status
//	write_buffer(data_offset, data_len, buffer) -> status
//	read_buffer(buffer, data_offset, data_len) -> status
//	parallel_for(kernel, num_threads, block_size,
//	             in_start, in_len, out_start, out_len) -> status
//
// # Limitations
//
// Kernel units are not isolated from each other: the host takes no locks on
// guest memory. A trapping unit fails the whole call but completed units are
// not rolled back. There is no timeout; a hung kernel hangs parallel_for.
// CPU kernel identity is a table slot and GPU kernel identity is a custom
// section id, and nothing enforces that the two agree.
package wasiparallel
