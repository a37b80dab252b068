// Package errors provides structured error types for wasi-parallel.
//
// Errors are categorized by Phase (which component failed) and Kind (what
// went wrong). Kinds mirror the guest-visible taxonomy: device, buffer,
// kernel and dispatch failures each have their own kind so host logs can
// name the exact cause, while the guest only sees a Status code.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDispatch, errors.KindDeviceMismatch).
//		Path("parallel_for", "out_buffers").
//		Detail("buffer %d lives on device %d", h, dev).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidHandle(errors.PhaseBuffer, "buffer", h)
//	err := errors.OutOfBounds(errors.PhaseHost, path, off, n, mem.Size())
//
// StatusOf collapses any error chain to the i32 status returned by host
// functions. All errors implement the standard error interface and support
// errors.Is/As.
package errors
