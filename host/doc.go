// Package host exposes the parallel engine to guests as the
// "wasi_ephemeral_parallel" import module.
//
// Every import takes i32 arguments and returns an i32 status, 0 on
// success. Handles are written little-endian into guest-supplied slots.
// Every guest memory range is bounds-checked here or in the component it is
// handed to before it is touched. A failed call is logged with its full
// error before it is collapsed into a status.
//
//	get_device(hint, out_device) -> status
//	create_buffer(device, size, access, out_buffer) -> status
//	write_buffer(data_offset, data_len, buffer) -> status
//	read_buffer(buffer, data_offset, data_len) -> status
//	parallel_for(kernel_ref, num_threads, block_size,
//	             in_buffers_start, in_buffers_len,
//	             out_buffers_start, out_buffers_len) -> status
//
// One Module serves every guest of a wazero runtime. Each guest gets its own
// Session, attached under the guest's module name before instantiation and
// detached and closed when the guest goes away.
package host
