// Package dispatch implements parallel_for.
//
// A call moves through Resolving, Dispatching and AwaitingCompletion to Done;
// any error moves it straight to Failed. On the CPU every unit runs the guest
// kernel on its own goroutine against the shared guest memory and the call
// returns only after all of them have. Side effects of units that finished
// before another trapped are kept. On a GPU the whole range is one launch.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/buffer"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/kernel"
)

// Resolver resolves kernel references. *kernel.Resolver satisfies it.
type Resolver interface {
	Resolve(ref uint32, dev *device.Device, buffers int) (kernel.Invocable, error)
}

// Devices supplies the device used when a call passes no buffers.
// *device.Registry satisfies it.
type Devices interface {
	Get(hint wasiparallel.DeviceKind) (*device.Device, error)
}

// Request is one parallel_for call with its buffers already looked up.
type Request struct {
	Inputs     []*buffer.Buffer
	Outputs    []*buffer.Buffer
	Kernel     uint32
	NumThreads int32
	BlockSize  int32
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStateHook calls fn on every state transition. err is set only when
// entering StateFailed.
func WithStateHook(fn func(s State, err error)) Option {
	return func(d *Dispatcher) {
		d.hook = fn
	}
}

// Dispatcher runs parallel_for calls for one guest instance.
type Dispatcher struct {
	resolver Resolver
	devices  Devices
	hook     func(State, error)
}

// New creates a dispatcher.
func New(resolver Resolver, devices Devices, opts ...Option) *Dispatcher {
	d := &Dispatcher{resolver: resolver, devices: devices}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type call struct {
	d     *Dispatcher
	log   *zap.Logger
	state State
}

func (c *call) enter(s State) {
	c.state = s
	c.log.Debug("parallel_for", zap.Stringer("state", s))
	if c.d.hook != nil {
		c.d.hook(s, nil)
	}
}

func (c *call) fail(err error) error {
	c.log.Debug("parallel_for failed",
		zap.Stringer("from", c.state),
		zap.Error(err))
	c.state = StateFailed
	if c.d.hook != nil {
		c.d.hook(StateFailed, err)
	}
	return err
}

// ParallelFor runs the kernel once per thread id and blocks until all units
// complete or the launch finishes.
func (d *Dispatcher) ParallelFor(ctx context.Context, req Request) error {
	c := &call{d: d, log: Logger().With(
		zap.Uint32("kernel", req.Kernel),
		zap.Int32("threads", req.NumThreads),
		zap.Int32("block", req.BlockSize),
	)}
	c.enter(StateResolving)

	if req.NumThreads < 1 {
		return c.fail(errors.InvalidArgument(errors.PhaseDispatch, []string{"num_threads"},
			fmt.Sprintf("num_threads must be at least 1, got %d", req.NumThreads)))
	}
	if req.BlockSize < 0 {
		return c.fail(errors.InvalidArgument(errors.PhaseDispatch, []string{"block_size"},
			fmt.Sprintf("block_size must not be negative, got %d", req.BlockSize)))
	}

	buffers := make([]*buffer.Buffer, 0, len(req.Inputs)+len(req.Outputs))
	buffers = append(buffers, req.Inputs...)
	buffers = append(buffers, req.Outputs...)

	dev, err := d.target(buffers)
	if err != nil {
		return c.fail(err)
	}
	k, err := d.resolver.Resolve(req.Kernel, dev, len(buffers))
	if err != nil {
		return c.fail(err)
	}

	start := time.Now()
	if k.IsNative() {
		err = c.runNative(ctx, k.Native, req, buffers)
	} else {
		err = c.runDevice(k, req, buffers)
	}
	if err != nil {
		return c.fail(err)
	}

	c.enter(StateDone)
	c.log.Debug("parallel_for complete",
		zap.String("device", dev.Name),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// target picks the single device every buffer lives on.
func (d *Dispatcher) target(buffers []*buffer.Buffer) (*device.Device, error) {
	if len(buffers) == 0 {
		return d.devices.Get(wasiparallel.DeviceCPU)
	}
	dev := buffers[0].Device
	for i, b := range buffers[1:] {
		if b.Device != dev {
			return nil, errors.New(errors.PhaseDispatch, errors.KindDeviceMismatch).
				Detail("buffer %d is on %s, buffer 0 is on %s", i+1, b.Device.Name, dev.Name).
				Build()
		}
	}
	return dev, nil
}

func (c *call) runNative(ctx context.Context, n *kernel.Native, req Request, buffers []*buffer.Buffer) error {
	args := make([]uint64, kernel.FixedParams, kernel.FixedParams+2*len(buffers))
	args[1] = uint64(uint32(req.NumThreads))
	args[2] = uint64(uint32(req.BlockSize))
	for i, b := range buffers {
		off, ok := b.Binding()
		if !ok {
			return errors.New(errors.PhaseDispatch, errors.KindNotBound).
				Detail("buffer %d (handle %d) is not bound to guest memory", i, uint32(b.ID)).
				Value(uint32(b.ID)).
				Build()
		}
		args = append(args, uint64(off), uint64(b.Size))
	}

	c.enter(StateDispatching)
	var g errgroup.Group
	for tid := int32(0); tid < req.NumThreads; tid++ {
		unit := append([]uint64(nil), args...)
		unit[0] = uint64(uint32(tid))
		fn := n.Function()
		g.Go(func() error {
			if _, err := fn.Call(ctx, unit...); err != nil {
				return errors.New(errors.PhaseDispatch, errors.KindKernelTrapped).
					Detail("thread %d of %d in kernel %d", tid, req.NumThreads, n.Slot).
					Cause(err).
					Build()
			}
			return nil
		})
	}

	c.enter(StateAwaitingCompletion)
	return g.Wait()
}

func (c *call) runDevice(k kernel.Invocable, req Request, buffers []*buffer.Buffer) error {
	mirrors := make([]device.Mirror, len(buffers))
	for i, b := range buffers {
		mirrors[i] = b.Mirror()
	}

	c.enter(StateDispatching)
	// Launch returns only once the backend reports completion.
	c.enter(StateAwaitingCompletion)
	if err := k.Device.Context.Launch(k.Program, mirrors, uint32(req.NumThreads)); err != nil {
		return errors.New(errors.PhaseDispatch, errors.KindGpuDispatchFailed).
			Detail("launch of module %d over %d threads on %s", k.Ref, req.NumThreads, k.Device.Name).
			Cause(err).
			Build()
	}
	return nil
}
