// Package engine provides the low-level guest runtime on top of wazero.
//
// The engine owns one wazero runtime together with the two host modules
// guests import: WASI preview1 and wasi_ephemeral_parallel. Both are
// instantiated lazily, once per runtime.
//
// # Architecture
//
// The engine package provides three main types:
//
//	WazeroEngine   - Creates and manages the wazero runtime and host modules
//	WazeroModule   - A prepared and compiled guest, can create instances
//	WazeroInstance - A running guest with its parallel session
//
// # Load and Instantiation Flow
//
//  1. WazeroEngine.LoadModule() reads table 0 and the "wasi-parallel" sections
//  2. Every populated table slot is exported as "wasi-parallel:slot/<n>"
//  3. The rewritten binary is compiled once and shared by all instances
//  4. WazeroModule.Instantiate() attaches a host.Session under a unique
//     module name, then instantiates the guest
//  5. WazeroInstance.Close() closes the guest and releases its devices,
//     buffers and compiled kernels
//
// # Table Slots
//
// wazero does not expose tables to the host, so CPU kernels are reached
// through the synthetic slot exports. Only active element segments with
// constant offsets are seen; slots written at run time by table.set,
// table.init or table.copy are not callable as kernels.
//
// # Threads
//
// Config.EnableThreads turns on the threads proposal for guests built with
// shared memory. CPU kernels run concurrently against the instance's memory
// either way; the host never locks it.
package engine
