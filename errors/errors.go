package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which component produced the error
type Phase string

const (
	PhaseDevice   Phase = "device"   // device registry and backends
	PhaseBuffer   Phase = "buffer"   // buffer manager
	PhaseKernel   Phase = "kernel"   // kernel resolution and compilation
	PhaseDispatch Phase = "dispatch" // parallel_for execution
	PhaseHost     Phase = "host"     // guest ABI translation
	PhaseLoad     Phase = "load"     // guest binary loading
	PhaseRuntime  Phase = "runtime"  // runtime operations
)

// Kind categorizes the error
type Kind string

const (
	KindNoSuchDevice       Kind = "no_such_device"
	KindAllocationFailed   Kind = "allocation_failed"
	KindInvalidHandle      Kind = "invalid_handle"
	KindInvalidSize        Kind = "invalid_size"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindNotBound           Kind = "not_bound"
	KindInvalidKernelIndex Kind = "invalid_kernel_index"
	KindModuleNotFound     Kind = "module_not_found"
	KindCompileFailed      Kind = "compile_failed"
	KindDeviceMismatch     Kind = "device_mismatch"
	KindKernelTrapped      Kind = "kernel_trapped"
	KindGpuDispatchFailed  Kind = "gpu_dispatch_failed"
	KindInvalidArgument    Kind = "invalid_argument"

	KindInvalidInput   Kind = "invalid_input"
	KindInvalidData    Kind = "invalid_data"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindInstantiation  Kind = "instantiation"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path, e.g. the host function and argument name
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NoSuchDevice creates an error for a device hint no backend can satisfy
func NoSuchDevice(what string) *Error {
	return &Error{
		Phase:  PhaseDevice,
		Kind:   KindNoSuchDevice,
		Detail: fmt.Sprintf("no %s device available", what),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint32, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocationFailed,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Cause:  cause,
		Value:  size,
	}
}

// InvalidHandle creates an error for a handle that does not resolve
func InvalidHandle(phase Phase, what string, handle uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidHandle,
		Detail: fmt.Sprintf("unknown %s handle %d", what, handle),
		Value:  handle,
	}
}

// InvalidSize creates an invalid size error
func InvalidSize(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidSize,
		Detail: detail,
	}
}

// OutOfBounds creates an error for a guest region that does not fit in memory
func OutOfBounds(phase Phase, path []string, offset, length, memSize uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("region [%d, +%d) out of bounds (memory size %d)", offset, length, memSize),
		Value:  offset,
	}
}

// InvalidArgument creates an error for a malformed guest argument
func InvalidArgument(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidArgument,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Runtime package convenience constructors

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
