package host

import (
	"context"
	"encoding/binary"
	stderrors "errors"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/buffer"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/dispatch"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/internal/wasm"
	"github.com/wippyai/wasi-parallel/kernel"
	"github.com/wippyai/wasi-parallel/resource"
)

// SessionConfig configures the per-instance state.
type SessionConfig struct {
	// Backend drives GPU devices. nil restricts the guest to the CPU.
	Backend device.Backend

	// MaxBufferSize caps a single buffer. 0 means buffer.DefaultMaxSize.
	MaxBufferSize uint32

	// Dispatch options, e.g. a state hook.
	Dispatch []dispatch.Option
}

// Session is the host state of one guest instance: its devices, buffers,
// compiled kernels and dispatcher. Every method takes guest-numeric
// arguments and the guest memory they refer to.
type Session struct {
	Devices    *device.Registry
	Buffers    *buffer.Manager
	Kernels    *kernel.Resolver
	Dispatcher *dispatch.Dispatcher
}

// NewSession creates the state for a guest with the given table 0 layout
// and embedded device-kernel modules. exports may be nil; the host module
// binds the calling guest on its first import call.
func NewSession(exports kernel.Exporter, table *wasm.TableLayout, modules []wasm.KernelSection, cfg SessionConfig) *Session {
	s := &Session{
		Devices: device.NewRegistry(cfg.Backend),
		Buffers: buffer.NewManager(cfg.MaxBufferSize),
		Kernels: kernel.NewResolver(exports, table, modules),
	}
	s.Dispatcher = dispatch.New(s.Kernels, s.Devices, cfg.Dispatch...)
	return s
}

// GetDevice opens the device for hint and stores its handle at out.
func (s *Session) GetDevice(mem wasiparallel.Memory, hint, out uint32) error {
	if err := checkSlot(mem, "get_device", "out_device", out); err != nil {
		return err
	}
	d, err := s.Devices.Get(wasiparallel.DeviceKind(hint))
	if err != nil {
		return err
	}
	mem.WriteUint32Le(out, uint32(d.ID))
	return nil
}

// CreateBuffer allocates a buffer on device and stores its handle at out.
func (s *Session) CreateBuffer(mem wasiparallel.Memory, dev, size, access, out uint32) error {
	if err := checkSlot(mem, "create_buffer", "out_buffer", out); err != nil {
		return err
	}
	d, err := s.Devices.Lookup(resource.Handle(dev))
	if err != nil {
		return err
	}
	b, err := s.Buffers.Create(d, size, wasiparallel.BufferAccess(access))
	if err != nil {
		return err
	}
	mem.WriteUint32Le(out, uint32(b.ID))
	return nil
}

// WriteBuffer stages [offset, +length) of guest memory into buffer.
func (s *Session) WriteBuffer(mem wasiparallel.Memory, offset, length, buf uint32) error {
	return s.Buffers.Write(mem, offset, length, resource.Handle(buf))
}

// ReadBuffer copies length bytes of buffer into guest memory at offset.
func (s *Session) ReadBuffer(mem wasiparallel.Memory, buf, offset, length uint32) error {
	return s.Buffers.Read(mem, resource.Handle(buf), offset, length)
}

// ParallelFor resolves the input and output handle arrays and dispatches.
func (s *Session) ParallelFor(ctx context.Context, mem wasiparallel.Memory, ref uint32, threads, block int32, inStart, inLen, outStart, outLen uint32) error {
	inputs, err := s.handles(mem, "in_buffers", inStart, inLen)
	if err != nil {
		return err
	}
	outputs, err := s.handles(mem, "out_buffers", outStart, outLen)
	if err != nil {
		return err
	}
	return s.Dispatcher.ParallelFor(ctx, dispatch.Request{
		Kernel:     ref,
		NumThreads: threads,
		BlockSize:  block,
		Inputs:     inputs,
		Outputs:    outputs,
	})
}

// handles reads count i32 handles from start and looks each one up.
func (s *Session) handles(mem wasiparallel.Memory, what string, start, count uint32) ([]*buffer.Buffer, error) {
	if count == 0 {
		return nil, nil
	}
	if count > 1<<28 {
		return nil, errors.InvalidArgument(errors.PhaseHost, []string{"parallel_for", what},
			"handle list too long")
	}
	raw, err := region(mem, "parallel_for", what, start, 4*count)
	if err != nil {
		return nil, err
	}
	out := make([]*buffer.Buffer, count)
	for i := range out {
		b, err := s.Buffers.Lookup(resource.Handle(binary.LittleEndian.Uint32(raw[4*i:])))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Close releases compiled programs, buffers and device contexts, in that
// order.
func (s *Session) Close() error {
	return stderrors.Join(
		s.Kernels.Close(),
		s.Buffers.Close(),
		s.Devices.Close(),
	)
}

func checkSlot(mem wasiparallel.Memory, fn, arg string, out uint32) error {
	_, err := region(mem, fn, arg, out, 4)
	return err
}

func region(mem wasiparallel.Memory, fn, arg string, offset, length uint32) ([]byte, error) {
	if mem == nil {
		return nil, errors.OutOfBounds(errors.PhaseHost, []string{fn, arg}, offset, length, 0)
	}
	data, ok := mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseHost, []string{fn, arg}, offset, length, mem.Size())
	}
	return data, nil
}
