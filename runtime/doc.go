// Package runtime provides the high-level API for running guests that use
// wasi-parallel.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, runtime.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// Load a core module importing wasi_ephemeral_parallel
//	mod, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create an instance
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	// Call exported functions with raw wasm values
//	results, err := inst.Call(ctx, "_start")
//
// # GPU Devices
//
// Without a backend only the CPU device exists and get_device for a GPU
// kind fails with no_such_device. Pass a backend to reach GPUs:
//
//	backend := webgpu.New(webgpu.Config{})
//	rt, err := runtime.New(ctx, runtime.Config{Backend: backend})
//
// Buffers created with the read access mode are bound read-only; a kernel
// that stores to one fails parallel_for with gpu_dispatch_failed.
//
// GPU kernels are embedded in the guest as "wasi-parallel" custom sections.
// AttachKernel adds one to an existing binary:
//
//	bin, err = runtime.AttachKernel(bin, 0, []byte(wgslSource))
//
// # Kernel References
//
// On the CPU a kernel_ref is a slot of the guest's table 0; on a GPU it is
// a kernel module id. Module.TableSlots and Module.KernelIDs report what a
// guest carries. Nothing checks that slot n and module n compute the same
// thing.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. You can call
// Module.Instantiate() from multiple goroutines concurrently.
//
// Instance is NOT thread-safe. Each goroutine should have its own
// Instance, or access must be synchronized externally. CPU kernels
// dispatched by parallel_for run concurrently against the instance's memory
// without any host-side locking.
//
// # Resource Management
//
// Always close instances when done. Closing releases the guest memory,
// device buffers, compiled kernels and GPU contexts.
package runtime
