// Package kernel resolves a guest kernel reference into something the
// dispatcher can run.
//
// A reference means different things per target. On the CPU it is a slot of
// the guest's table 0, called through the synthetic export the loader adds
// for every populated slot. On a GPU it is the id of a device-kernel module
// carried in a "wasi-parallel" custom section; the module is compiled once
// per (id, device) and reused until the resolver is closed.
//
// Nothing ties slot n to module id n. A guest that puts different kernels
// under the same number gets different computations per device.
package kernel
