package runtime

import (
	"context"
	"io"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/engine"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/internal/wasm"
)

// Config configures a Runtime and the instances it creates.
type Config struct {
	// Backend drives GPU devices. nil restricts guests to the CPU device.
	Backend device.Backend

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Env and Args are passed to guests importing WASI.
	Env  map[string]string
	Args []string

	// MemoryLimitPages caps guest memory in 64KiB pages. 0 means no cap
	// beyond the 4GiB address space.
	MemoryLimitPages uint32

	// MaxBufferSize caps a single create_buffer. 0 means 1GiB.
	MaxBufferSize uint32

	// EnableThreads enables the threads proposal for shared-memory guests.
	EnableThreads bool

	// RunStart runs the guest's _start export during Instantiate, as a WASI
	// command would. Host calls made from _start already reach the
	// instance's devices and kernels.
	RunStart bool
}

type Runtime struct {
	engine *engine.WazeroEngine
	cfg    Config
}

func New(ctx context.Context, cfg Config) (*Runtime, error) {
	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{
		MemoryLimitPages: cfg.MemoryLimitPages,
		EnableThreads:    cfg.EnableThreads,
	})
	if err != nil {
		return nil, errors.Load("create engine", err)
	}

	return &Runtime{
		engine: eng,
		cfg:    cfg,
	}, nil
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Load prepares and compiles a core WebAssembly guest. Its table slots
// and embedded device-kernel modules are recorded for parallel_for.
func (r *Runtime) Load(ctx context.Context, bin []byte) (*Module, error) {
	if len(bin) < 8 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "binary too short to be a wasm module")
	}

	wazeroModule, err := r.engine.LoadModule(ctx, bin)
	if err != nil {
		return nil, errors.Load("load module", err)
	}

	return &Module{
		runtime:      r,
		wazeroModule: wazeroModule,
	}, nil
}

// AttachKernel returns bin with module embedded as the device-kernel module
// id. An id already present keeps its first module, so attaching twice does
// not replace it.
func AttachKernel(bin []byte, id uint32, module []byte) ([]byte, error) {
	if _, err := wasm.Sections(bin); err != nil {
		return nil, errors.Load("attach kernel", err)
	}
	existing, err := wasm.KernelSections(bin, wasiparallel.KernelSectionName)
	if err != nil {
		return nil, errors.Load("attach kernel", err)
	}
	for _, k := range existing {
		if k.ID == id {
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
				Detail("kernel module %d already attached", id).
				Value(id).
				Build()
		}
	}
	return wasm.AppendKernelSection(bin, wasiparallel.KernelSectionName, id, module), nil
}
