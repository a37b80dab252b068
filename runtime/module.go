package runtime

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-parallel/engine"
	"github.com/wippyai/wasi-parallel/errors"
)

type Module struct {
	runtime      *Runtime
	wazeroModule *engine.WazeroModule
}

// Instantiate creates an instance with its own devices and buffers.
// _start is run only when Config.RunStart is set.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	cfg := m.runtime.cfg
	wazeroInstance, err := m.wazeroModule.InstantiateWithConfig(ctx, &engine.InstanceConfig{
		Backend:       cfg.Backend,
		Stdin:         cfg.Stdin,
		Stdout:        cfg.Stdout,
		Stderr:        cfg.Stderr,
		Env:           cfg.Env,
		Args:          cfg.Args,
		MaxBufferSize: cfg.MaxBufferSize,
		RunStart:      cfg.RunStart,
	})
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	return &Instance{
		module:         m,
		wazeroInstance: wazeroInstance,
	}, nil
}

type Export struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Exports lists the guest's exported functions sorted by name. The
// synthetic table slot exports are left out.
func (m *Module) Exports() []Export {
	names := m.wazeroModule.ExportNames()
	sort.Strings(names)
	exports := make([]Export, len(names))
	for i, name := range names {
		def := m.wazeroModule.ExportedFunction(name)
		exports[i] = Export{Name: name, Params: def.ParamTypes(), Results: def.ResultTypes()}
	}
	return exports
}

// KernelIDs returns the ids of the embedded device-kernel modules in
// ascending order.
func (m *Module) KernelIDs() []uint32 {
	kernels := m.wazeroModule.Kernels()
	ids := make([]uint32, len(kernels))
	for i, k := range kernels {
		ids[i] = k.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TableSlots returns the populated slots of table 0 usable as CPU kernels.
func (m *Module) TableSlots() []uint32 {
	return m.wazeroModule.TableLayout().SortedSlots()
}

// TableSize returns the declared size of table 0, 0 without a table.
func (m *Module) TableSize() uint32 {
	return m.wazeroModule.TableLayout().Size
}
