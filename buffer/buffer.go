package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/resource"
)

// DefaultMaxSize caps a single buffer allocation.
const DefaultMaxSize = 1 << 30

// Buffer is a sized, access-moded region bound to one device.
//
// A CPU buffer's storage is the guest memory region it was last bound to by
// Write; kernels receive that region as their pointer/length pair. A GPU
// buffer owns host staging storage plus a device mirror of the same size.
type Buffer struct {
	Device  *device.Device
	mirror  device.Mirror
	storage []byte
	ID      resource.Handle
	Size    uint32
	offset  uint32
	Access  wasiparallel.BufferAccess
	bound   bool
	mu      sync.Mutex
}

// Binding returns the guest region a CPU buffer is bound to.
func (b *Buffer) Binding() (offset uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset, b.bound
}

// Mirror returns the device-resident allocation, nil for CPU buffers.
func (b *Buffer) Mirror() device.Mirror {
	return b.mirror
}

// Drop releases the device mirror.
func (b *Buffer) Drop() {
	if b.mirror != nil {
		b.mirror.Release()
	}
}

// Manager owns the buffer table of one guest instance.
type Manager struct {
	buffers *resource.Arena[*Buffer]
	maxSize uint32
}

// NewManager creates a manager. maxSize of 0 means DefaultMaxSize.
func NewManager(maxSize uint32) *Manager {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &Manager{
		buffers: resource.NewArena[*Buffer](),
		maxSize: maxSize,
	}
}

// Create allocates a buffer of size bytes on dev.
func (m *Manager) Create(dev *device.Device, size uint32, access wasiparallel.BufferAccess) (*Buffer, error) {
	if size == 0 {
		return nil, errors.InvalidSize(errors.PhaseBuffer, "buffer size must be non-zero")
	}
	if !access.Valid() {
		return nil, errors.InvalidArgument(errors.PhaseBuffer, []string{"access"},
			"unknown buffer access "+access.String())
	}
	if size > m.maxSize {
		return nil, errors.New(errors.PhaseBuffer, errors.KindAllocationFailed).
			Detail("buffer of %d bytes exceeds limit of %d", size, m.maxSize).
			Value(size).
			Build()
	}

	b := &Buffer{Device: dev, Size: size, Access: access}
	if dev.IsGPU() {
		mirror, err := dev.Context.Alloc(size, access)
		if err != nil {
			return nil, errors.AllocationFailed(errors.PhaseBuffer, size, err)
		}
		b.mirror = mirror
		b.storage = make([]byte, size)
	}

	h, err := m.buffers.Insert(b)
	if err != nil {
		b.Drop()
		return nil, errors.AllocationFailed(errors.PhaseBuffer, size, err)
	}
	b.ID = h

	Logger().Debug("buffer created",
		zap.Uint32("handle", uint32(h)),
		zap.Uint32("device", uint32(dev.ID)),
		zap.Uint32("size", size),
		zap.Stringer("access", access))
	return b, nil
}

// Lookup resolves a guest-supplied buffer handle.
func (m *Manager) Lookup(h resource.Handle) (*Buffer, error) {
	b, ok := m.buffers.Get(h)
	if !ok {
		return nil, errors.InvalidHandle(errors.PhaseBuffer, "buffer", uint32(h))
	}
	return b, nil
}

// Write copies exactly the buffer's size from guest memory at offset.
// length must equal the buffer size. CPU buffers are bound to the region
// instead of copied; GPU buffers are staged and uploaded before returning.
func (m *Manager) Write(mem wasiparallel.Memory, offset, length uint32, h resource.Handle) error {
	b, err := m.Lookup(h)
	if err != nil {
		return err
	}
	if length != b.Size {
		return errors.InvalidSize(errors.PhaseBuffer,
			sizeDetail("write", length, b.Size, "must equal"))
	}
	src, err := guestRegion(mem, offset, length, "write_buffer")
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Device.IsGPU() {
		b.offset = offset
		b.bound = true
		return nil
	}

	copy(b.storage, src)
	if err := b.Device.Context.Upload(b.mirror, b.storage); err != nil {
		return transferFailed("upload", b, err)
	}
	return nil
}

// Read copies length bytes of the buffer into guest memory at offset.
// length may not exceed the buffer size. GPU buffers are downloaded into
// staging storage first.
func (m *Manager) Read(mem wasiparallel.Memory, h resource.Handle, offset, length uint32) error {
	b, err := m.Lookup(h)
	if err != nil {
		return err
	}
	if length > b.Size {
		return errors.InvalidSize(errors.PhaseBuffer,
			sizeDetail("read", length, b.Size, "exceeds"))
	}
	if _, err := guestRegion(mem, offset, length, "read_buffer"); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var src []byte
	if b.Device.IsGPU() {
		if err := b.Device.Context.Download(b.mirror, b.storage[:length]); err != nil {
			return transferFailed("download", b, err)
		}
		src = b.storage[:length]
	} else {
		if !b.bound {
			return errors.New(errors.PhaseBuffer, errors.KindNotBound).
				Detail("buffer %d was never written", uint32(b.ID)).
				Value(uint32(b.ID)).
				Build()
		}
		src, err = guestRegion(mem, b.offset, length, "binding")
		if err != nil {
			return err
		}
	}

	if !mem.Write(offset, src) {
		return errors.OutOfBounds(errors.PhaseBuffer, []string{"read_buffer"}, offset, length, mem.Size())
	}
	return nil
}

// Len returns the number of live buffers.
func (m *Manager) Len() int {
	return m.buffers.Len()
}

// Close releases every buffer and its device mirror.
func (m *Manager) Close() error {
	return m.buffers.Close()
}

func guestRegion(mem wasiparallel.Memory, offset, length uint32, what string) ([]byte, error) {
	if mem == nil {
		return nil, errors.OutOfBounds(errors.PhaseBuffer, []string{what}, offset, length, 0)
	}
	data, ok := mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseBuffer, []string{what}, offset, length, mem.Size())
	}
	return data, nil
}

func sizeDetail(op string, length, size uint32, rel string) string {
	return fmt.Sprintf("%s length %d %s buffer size %d", op, length, rel, size)
}

func transferFailed(op string, b *Buffer, cause error) error {
	return errors.New(errors.PhaseBuffer, errors.KindGpuDispatchFailed).
		Detail("%s of buffer %d on %s", op, uint32(b.ID), b.Device.Name).
		Cause(cause).
		Build()
}
