package errors

import stderrors "errors"

// Status is the numeric result a host function returns to the guest.
type Status uint32

const (
	StatusSuccess            Status = 0
	StatusNoSuchDevice       Status = 1
	StatusAllocationFailed   Status = 2
	StatusInvalidHandle      Status = 3
	StatusInvalidSize        Status = 4
	StatusOutOfBounds        Status = 5
	StatusInvalidKernelIndex Status = 6
	StatusModuleNotFound     Status = 7
	StatusCompileFailed      Status = 8
	StatusDeviceMismatch     Status = 9
	StatusKernelTrapped      Status = 10
	StatusGpuDispatchFailed  Status = 11
	StatusNotBound           Status = 12
	StatusInvalidArgument    Status = 13
	StatusInternal           Status = 14
)

var kindStatus = map[Kind]Status{
	KindNoSuchDevice:       StatusNoSuchDevice,
	KindAllocationFailed:   StatusAllocationFailed,
	KindInvalidHandle:      StatusInvalidHandle,
	KindInvalidSize:        StatusInvalidSize,
	KindOutOfBounds:        StatusOutOfBounds,
	KindInvalidKernelIndex: StatusInvalidKernelIndex,
	KindModuleNotFound:     StatusModuleNotFound,
	KindCompileFailed:      StatusCompileFailed,
	KindDeviceMismatch:     StatusDeviceMismatch,
	KindKernelTrapped:      StatusKernelTrapped,
	KindGpuDispatchFailed:  StatusGpuDispatchFailed,
	KindNotBound:           StatusNotBound,
	KindInvalidArgument:    StatusInvalidArgument,
}

// StatusOf maps an error chain to the status reported to the guest.
// The outermost *Error with a taxonomy kind decides; nil is success.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			break
		}
		if s, ok := kindStatus[e.Kind]; ok {
			return s
		}
		err = e.Cause
	}
	return StatusInternal
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoSuchDevice:
		return "no_such_device"
	case StatusAllocationFailed:
		return "allocation_failed"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusInvalidSize:
		return "invalid_size"
	case StatusOutOfBounds:
		return "out_of_bounds"
	case StatusInvalidKernelIndex:
		return "invalid_kernel_index"
	case StatusModuleNotFound:
		return "module_not_found"
	case StatusCompileFailed:
		return "compile_failed"
	case StatusDeviceMismatch:
		return "device_mismatch"
	case StatusKernelTrapped:
		return "kernel_trapped"
	case StatusGpuDispatchFailed:
		return "gpu_dispatch_failed"
	case StatusNotBound:
		return "not_bound"
	case StatusInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}
