package device

import (
	wasiparallel "github.com/wippyai/wasi-parallel"
)

// Backend is a GPU compute driver. It enumerates adapters and opens them
// into device contexts. Implementations live in subpackages.
type Backend interface {
	// Name identifies the backend in logs, e.g. "webgpu".
	Name() string

	// Adapters lists the GPU adapters the driver can see.
	Adapters() ([]AdapterInfo, error)

	// Open creates a device context on adapter. The context lives until
	// Close; a registry opens each adapter at most once.
	Open(adapter AdapterInfo) (Context, error)
}

// AdapterInfo describes one GPU adapter reported by a backend.
type AdapterInfo struct {
	Name   string
	Vendor string
	Driver string
	Index  int
	Kind   wasiparallel.DeviceKind
}

// Context is an opened GPU device. All methods block until the driver
// reports completion; none of them retry.
type Context interface {
	// Alloc creates a device-resident buffer of size bytes.
	Alloc(size uint32, access wasiparallel.BufferAccess) (Mirror, error)

	// Upload copies data into m starting at offset 0.
	Upload(m Mirror, data []byte) error

	// Download copies len(dst) bytes from the start of m into dst.
	Download(m Mirror, dst []byte) error

	// Compile builds a kernel module into an executable program.
	Compile(module []byte) (Program, error)

	// Launch runs p once with a global work size of globalSize, binding
	// args in order.
	Launch(p Program, args []Mirror, globalSize uint32) error

	// Close releases the device and everything allocated from it.
	Close() error
}

// Mirror is a device-resident buffer.
type Mirror interface {
	Size() uint32
	Release()
}

// Program is a compiled kernel module.
type Program interface {
	Release()
}
