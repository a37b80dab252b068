package kernel

import (
	"strconv"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/internal/wasm"
	"github.com/wippyai/wasi-parallel/resource"
)

// FixedParams is the number of scalar parameters before the buffer pairs:
// thread_id, num_threads and block_size.
const FixedParams = 3

type cacheKey struct {
	id     uint32
	device resource.Handle
}

// Resolver resolves kernel references for one guest instance.
type Resolver struct {
	exports  Exporter
	table    *wasm.TableLayout
	modules  map[uint32][]byte
	programs map[cacheKey]device.Program
	group    singleflight.Group
	mu       sync.Mutex
	closed   bool
}

// NewResolver creates a resolver over the guest's exports, its table 0 and
// its embedded device-kernel modules. table may be nil for a guest without
// a table. exports may be nil until Bind is called.
func NewResolver(exports Exporter, table *wasm.TableLayout, modules []wasm.KernelSection) *Resolver {
	if table == nil {
		table = &wasm.TableLayout{Slots: map[uint32]uint32{}}
	}
	r := &Resolver{
		exports:  exports,
		table:    table,
		modules:  make(map[uint32][]byte, len(modules)),
		programs: make(map[cacheKey]device.Program),
	}
	for _, m := range modules {
		if _, dup := r.modules[m.ID]; !dup {
			r.modules[m.ID] = m.Module
		}
	}
	return r
}

// Resolve turns ref into an invocable kernel for dev. buffers is the total
// number of input and output buffers the call passes; CPU kernels must take
// one pointer/length pair for each.
func (r *Resolver) Resolve(ref uint32, dev *device.Device, buffers int) (Invocable, error) {
	if dev.IsGPU() {
		p, err := r.program(ref, dev)
		if err != nil {
			return Invocable{}, err
		}
		return Invocable{Ref: ref, Device: dev, Program: p}, nil
	}

	n, err := r.native(ref, buffers)
	if err != nil {
		return Invocable{}, err
	}
	return Invocable{Ref: ref, Device: dev, Native: n}, nil
}

// Bind sets the guest exports CPU kernels are looked up in, unless they are
// already set.
func (r *Resolver) Bind(exports Exporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exports == nil {
		r.exports = exports
	}
}

func (r *Resolver) native(ref uint32, buffers int) (*Native, error) {
	r.mu.Lock()
	exports := r.exports
	r.mu.Unlock()

	if !r.table.Present || ref >= r.table.Size {
		return nil, invalidIndex(ref, "outside table of %d entries", r.table.Size)
	}
	if _, ok := r.table.Slots[ref]; !ok {
		return nil, invalidIndex(ref, "table slot %d is empty", ref)
	}

	name := wasm.SlotExportName(ref)
	var fn api.Function
	if exports != nil {
		fn = exports.ExportedFunction(name)
	}
	if fn == nil {
		return nil, invalidIndex(ref, "table slot %d is not callable", ref)
	}

	params := fn.Definition().ParamTypes()
	want := FixedParams + 2*buffers
	if len(params) != want {
		return nil, invalidIndex(ref, "kernel takes %d parameters, call supplies %d", len(params), want)
	}
	for i, p := range params {
		if p != api.ValueTypeI32 {
			return nil, invalidIndex(ref, "parameter %d is %s, want i32", i, api.ValueTypeName(p))
		}
	}
	return &Native{exports: exports, Export: name, Slot: ref}, nil
}

func (r *Resolver) program(id uint32, dev *device.Device) (device.Program, error) {
	key := cacheKey{id: id, device: dev.ID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.NotInitialized(errors.PhaseKernel, "resolver")
	}
	if p, ok := r.programs[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	module, ok := r.modules[id]
	r.mu.Unlock()

	if !ok {
		return nil, errors.New(errors.PhaseKernel, errors.KindModuleNotFound).
			Detail("no kernel module with id %d", id).
			Value(id).
			Build()
	}

	flight := strconv.FormatUint(uint64(id), 10) + "@" + strconv.FormatUint(uint64(dev.ID), 10)
	v, err, _ := r.group.Do(flight, func() (any, error) {
		r.mu.Lock()
		if p, ok := r.programs[key]; ok {
			r.mu.Unlock()
			return p, nil
		}
		r.mu.Unlock()

		p, err := dev.Context.Compile(module)
		if err != nil {
			Logger().Warn("kernel compile failed",
				zap.Uint32("module", id),
				zap.String("device", dev.Name),
				zap.Error(err))
			return nil, errors.New(errors.PhaseKernel, errors.KindCompileFailed).
				Detail("module %d on %s", id, dev.Name).
				Cause(err).
				Build()
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			p.Release()
			return nil, errors.NotInitialized(errors.PhaseKernel, "resolver")
		}
		r.programs[key] = p
		Logger().Debug("kernel compiled",
			zap.Uint32("module", id),
			zap.String("device", dev.Name),
			zap.Int("bytes", len(module)))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(device.Program), nil
}

// Cached returns the number of compiled programs held.
func (r *Resolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.programs)
}

// Close releases every compiled program. Later GPU resolves fail.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for k, p := range r.programs {
		p.Release()
		delete(r.programs, k)
	}
	return nil
}

func invalidIndex(ref uint32, format string, args ...any) error {
	return errors.New(errors.PhaseKernel, errors.KindInvalidKernelIndex).
		Detail("kernel %d: "+format, append([]any{ref}, args...)...).
		Value(ref).
		Build()
}
