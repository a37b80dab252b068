package runtime

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/engine"
	"github.com/wippyai/wasi-parallel/errors"
)

type Instance struct {
	module         *Module
	wazeroInstance *engine.WazeroInstance
}

// Call invokes an exported function with raw wasm values, e.g. from
// api.EncodeI32.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	mod := i.wazeroInstance.Module()
	if mod == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "instance")
	}
	if mod.ExportedFunction(name) == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	return i.wazeroInstance.Call(ctx, name, args...)
}

// Memory returns the guest's linear memory, nil if it exports none.
func (i *Instance) Memory() api.Memory {
	return i.wazeroInstance.Memory()
}

// Name returns the module name the instance runs under.
func (i *Instance) Name() string {
	return i.wazeroInstance.Name()
}

// Device describes a device the guest has opened.
type Device struct {
	Name   string
	Vendor string
	Handle uint32
	Kind   wasiparallel.DeviceKind
}

// Devices lists the devices opened so far, in the order get_device first
// returned them.
func (i *Instance) Devices() []Device {
	s := i.wazeroInstance.Session()
	if s == nil {
		return nil
	}
	var out []Device
	for _, d := range s.Devices.Devices() {
		out = append(out, Device{
			Name:   d.Name,
			Vendor: d.Adapter.Vendor,
			Handle: uint32(d.ID),
			Kind:   d.Kind,
		})
	}
	return out
}

// Buffers returns the number of live buffers.
func (i *Instance) Buffers() int {
	s := i.wazeroInstance.Session()
	if s == nil {
		return 0
	}
	return s.Buffers.Len()
}

// Close closes the guest and releases its device contexts, buffers and
// compiled kernels.
func (i *Instance) Close(ctx context.Context) error {
	return i.wazeroInstance.Close(ctx)
}
