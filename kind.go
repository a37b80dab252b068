package wasiparallel

import "fmt"

// DeviceKind is the device hint a guest passes to get_device.
type DeviceKind uint32

const (
	DeviceCPU           DeviceKind = 0
	DeviceDiscreteGPU   DeviceKind = 1
	DeviceIntegratedGPU DeviceKind = 2
)

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool {
	return k <= DeviceIntegratedGPU
}

// IsGPU reports whether k names a GPU device.
func (k DeviceKind) IsGPU() bool {
	return k == DeviceDiscreteGPU || k == DeviceIntegratedGPU
}

func (k DeviceKind) String() string {
	switch k {
	case DeviceCPU:
		return "cpu"
	case DeviceDiscreteGPU:
		return "discrete-gpu"
	case DeviceIntegratedGPU:
		return "integrated-gpu"
	default:
		return fmt.Sprintf("device-kind(%d)", uint32(k))
	}
}

// BufferAccess restricts how device kernels may use a buffer.
// Host transfers (write_buffer, read_buffer) are always permitted.
type BufferAccess uint32

const (
	AccessRead      BufferAccess = 0
	AccessWrite     BufferAccess = 1
	AccessReadWrite BufferAccess = 2
)

// Valid reports whether a is a known access mode.
func (a BufferAccess) Valid() bool {
	return a <= AccessReadWrite
}

// Writable reports whether kernels may store to the buffer. A Read buffer
// is bound read-only and a launch that changes it fails.
func (a BufferAccess) Writable() bool {
	return a == AccessWrite || a == AccessReadWrite
}

func (a BufferAccess) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("access(%d)", uint32(a))
	}
}
