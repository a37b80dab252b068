package device

import (
	"sync"

	"go.uber.org/zap"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/resource"
)

// Device is a compute target a guest allocates buffers on and launches
// kernels against. Context is nil for the CPU device.
type Device struct {
	Context Context
	Name    string
	Adapter AdapterInfo
	ID      resource.Handle
	Kind    wasiparallel.DeviceKind
}

// IsGPU reports whether buffers on d need a device mirror.
func (d *Device) IsGPU() bool {
	return d.Context != nil
}

// Drop closes the device context. Called when the registry closes.
func (d *Device) Drop() {
	if d.Context == nil {
		return
	}
	if err := d.Context.Close(); err != nil {
		Logger().Warn("close device context",
			zap.String("device", d.Name),
			zap.Error(err))
	}
}

// Registry tracks the devices opened by one guest instance. Devices are
// created lazily and never destroyed before Close.
type Registry struct {
	backend   Backend
	devices   *resource.Arena[*Device]
	byKind    map[wasiparallel.DeviceKind]*Device
	byAdapter map[int]*Device
	mu        sync.Mutex
}

// NewRegistry creates a registry. backend may be nil, in which case only
// the CPU device is available.
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend:   backend,
		devices:   resource.NewArena[*Device](),
		byKind:    make(map[wasiparallel.DeviceKind]*Device),
		byAdapter: make(map[int]*Device),
	}
}

// Get returns the device for hint, opening it on first use. Repeated calls
// with the same hint return the same device.
func (r *Registry) Get(hint wasiparallel.DeviceKind) (*Device, error) {
	if !hint.Valid() {
		return nil, errors.InvalidArgument(errors.PhaseDevice, []string{"hint"},
			"unknown device kind "+hint.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.byKind[hint]; ok {
		return d, nil
	}

	var d *Device
	var err error
	if hint == wasiparallel.DeviceCPU {
		d, err = r.insert(&Device{Kind: wasiparallel.DeviceCPU, Name: "cpu"})
	} else {
		d, err = r.openGPU(hint)
	}
	if err != nil {
		return nil, err
	}
	r.byKind[hint] = d
	return d, nil
}

// Lookup resolves a guest-supplied device handle.
func (r *Registry) Lookup(h resource.Handle) (*Device, error) {
	d, ok := r.devices.Get(h)
	if !ok {
		return nil, errors.InvalidHandle(errors.PhaseDevice, "device", uint32(h))
	}
	return d, nil
}

// Devices returns the opened devices in creation order.
func (r *Registry) Devices() []*Device {
	var out []*Device
	r.devices.Each(func(_ resource.Handle, d *Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Close tears down every device context.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind = make(map[wasiparallel.DeviceKind]*Device)
	r.byAdapter = make(map[int]*Device)
	return r.devices.Close()
}

func (r *Registry) openGPU(hint wasiparallel.DeviceKind) (*Device, error) {
	if r.backend == nil {
		return nil, errors.NoSuchDevice(hint.String())
	}

	adapters, err := r.backend.Adapters()
	if err != nil {
		return nil, noDevice(hint, "enumerate adapters", err)
	}

	adapter, ok := pickAdapter(adapters, hint)
	if !ok {
		return nil, errors.NoSuchDevice(hint.String())
	}

	if d, ok := r.byAdapter[adapter.Index]; ok {
		return d, nil
	}

	ctx, err := r.backend.Open(adapter)
	if err != nil {
		return nil, noDevice(hint, "open adapter "+adapter.Name, err)
	}

	d, err := r.insert(&Device{
		Kind:    adapter.Kind,
		Name:    adapter.Name,
		Adapter: adapter,
		Context: ctx,
	})
	if err != nil {
		_ = ctx.Close()
		return nil, err
	}
	r.byAdapter[adapter.Index] = d

	Logger().Info("opened gpu device",
		zap.String("backend", r.backend.Name()),
		zap.String("adapter", adapter.Name),
		zap.String("vendor", adapter.Vendor),
		zap.Stringer("kind", adapter.Kind),
		zap.Uint32("handle", uint32(d.ID)))
	return d, nil
}

func (r *Registry) insert(d *Device) (*Device, error) {
	h, err := r.devices.Insert(d)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseDevice, 0, err)
	}
	d.ID = h
	return d, nil
}

// pickAdapter prefers an adapter of exactly the hinted kind and falls back
// to any other GPU adapter.
func pickAdapter(adapters []AdapterInfo, hint wasiparallel.DeviceKind) (AdapterInfo, bool) {
	var fallback *AdapterInfo
	for i := range adapters {
		a := &adapters[i]
		if a.Kind == hint {
			return *a, true
		}
		if fallback == nil && a.Kind.IsGPU() {
			fallback = a
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return AdapterInfo{}, false
}

func noDevice(hint wasiparallel.DeviceKind, what string, cause error) error {
	return errors.New(errors.PhaseDevice, errors.KindNoSuchDevice).
		Detail("no %s device available: %s", hint, what).
		Cause(cause).
		Build()
}
