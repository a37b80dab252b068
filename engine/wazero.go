package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/dispatch"
	"github.com/wippyai/wasi-parallel/host"
	"github.com/wippyai/wasi-parallel/internal/wasm"
)

// WazeroEngine owns a wazero runtime and the host modules guests import.
type WazeroEngine struct {
	runtime      wazero.Runtime
	host         *host.Module
	wasiInitMu   sync.Mutex
	hostInitMu   sync.Mutex
	wasiInitDone atomic.Bool
	hostInitDone atomic.Bool
	instances    atomic.Uint64
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	// Guests built with shared memory and atomics need it.
	EnableThreads bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()

	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.EnableThreads {
			runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
		}
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return &WazeroEngine{runtime: runtime, host: host.New()}, nil
}

// Runtime returns the underlying wazero runtime.
func (e *WazeroEngine) Runtime() wazero.Runtime {
	return e.runtime
}

// Host returns the parallel host module shared by this engine's guests.
func (e *WazeroEngine) Host() *host.Module {
	return e.host
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// InitWASI instantiates the WASI singleton for this engine's runtime.
// Safe for concurrent calls from multiple modules sharing the same engine.
func (e *WazeroEngine) InitWASI(ctx context.Context) error {
	return e.initOnce(&e.wasiInitMu, &e.wasiInitDone, WASIModule, func() error {
		_, err := InstantiateWASI(ctx, e.runtime)
		return err
	})
}

// InitHost instantiates the wasi_ephemeral_parallel host module.
func (e *WazeroEngine) InitHost(ctx context.Context) error {
	return e.initOnce(&e.hostInitMu, &e.hostInitDone, wasiparallel.ImportModule, func() error {
		_, err := e.host.Instantiate(ctx, e.runtime)
		return err
	})
}

func (e *WazeroEngine) initOnce(mu *sync.Mutex, done *atomic.Bool, name string, init func() error) error {
	if done.Load() {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()

	if done.Load() {
		return nil
	}

	if e.runtime.Module(name) != nil {
		done.Store(true)
		return nil
	}

	if err := init(); err != nil {
		// If another path initialized the module concurrently in the same
		// runtime, treat it as success and mark done.
		if e.runtime.Module(name) == nil {
			return fmt.Errorf("instantiate %s: %w", name, err)
		}
	}

	done.Store(true)
	return nil
}

// LoadModule prepares a guest binary: it recovers table 0 and the embedded
// device-kernel modules, exports every populated table slot and compiles
// the result.
func (e *WazeroEngine) LoadModule(ctx context.Context, wasmBytes []byte) (*WazeroModule, error) {
	layout, err := wasm.ParseTable(wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}
	kernels, err := wasm.KernelSections(wasmBytes, wasiparallel.KernelSectionName)
	if err != nil {
		return nil, fmt.Errorf("kernel sections: %w", err)
	}
	if layout.Unresolved > 0 {
		Logger().Warn("table slots with non-constant offsets are not callable as kernels",
			zap.Int("segments", layout.Unresolved))
	}

	rewritten, err := wasm.ExportSlots(wasmBytes, layout, wasm.SlotExportName)
	if err != nil {
		return nil, fmt.Errorf("export table slots: %w", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, rewritten)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	m := &WazeroModule{
		engine:   e,
		compiled: compiled,
		layout:   layout,
		kernels:  kernels,
	}
	for _, fn := range compiled.ImportedFunctions() {
		switch mod, _, _ := fn.Import(); mod {
		case WASIModule:
			m.importsWASI = true
		case wasiparallel.ImportModule:
			m.importsParallel = true
		}
	}

	Logger().Debug("module loaded",
		zap.Int("table_slots", len(layout.Slots)),
		zap.Int("kernel_modules", len(kernels)),
		zap.Bool("wasi", m.importsWASI),
		zap.Bool("parallel", m.importsParallel))
	return m, nil
}

// WazeroModule is a compiled guest module
type WazeroModule struct {
	engine          *WazeroEngine
	compiled        wazero.CompiledModule
	layout          *wasm.TableLayout
	kernels         []wasm.KernelSection
	importsWASI     bool
	importsParallel bool
}

// InstanceConfig holds configuration for module instantiation
type InstanceConfig struct {
	// Backend drives GPU devices for this instance. nil means CPU only.
	Backend device.Backend

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Env  map[string]string
	Name string
	Args []string

	Dispatch []dispatch.Option

	// MaxBufferSize caps a single buffer. 0 means the buffer package default.
	MaxBufferSize uint32

	// RunStart runs _start during instantiation, as a WASI command would.
	RunStart bool
}

// TableLayout returns table 0 as initialized by the guest's element segments.
func (m *WazeroModule) TableLayout() *wasm.TableLayout {
	return m.layout
}

// Kernels returns the embedded device-kernel modules.
func (m *WazeroModule) Kernels() []wasm.KernelSection {
	return m.kernels
}

// ExportNames returns the names of the guest's own exported functions.
func (m *WazeroModule) ExportNames() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		if strings.HasPrefix(name, wasm.SlotExportPrefix) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// ExportedFunction returns the definition of an exported function, nil if
// there is none.
func (m *WazeroModule) ExportedFunction(name string) api.FunctionDefinition {
	return m.compiled.ExportedFunctions()[name]
}

func (m *WazeroModule) Instantiate(ctx context.Context) (*WazeroInstance, error) {
	return m.InstantiateWithConfig(ctx, nil)
}

// InstantiateWithConfig creates an instance with its own parallel session.
// The session is attached under the instance name before instantiation so
// a start function may already call the host.
func (m *WazeroModule) InstantiateWithConfig(ctx context.Context, cfg *InstanceConfig) (*WazeroInstance, error) {
	if cfg == nil {
		cfg = &InstanceConfig{}
	}

	if m.importsWASI {
		if err := m.engine.InitWASI(ctx); err != nil {
			return nil, err
		}
	}
	if err := m.engine.InitHost(ctx); err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("guest-%d", m.engine.instances.Add(1))
	}

	session := host.NewSession(nil, m.layout, m.kernels, host.SessionConfig{
		Backend:       cfg.Backend,
		MaxBufferSize: cfg.MaxBufferSize,
		Dispatch:      cfg.Dispatch,
	})
	if err := m.engine.host.Attach(name, session); err != nil {
		_ = session.Close()
		return nil, err
	}

	instance, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, moduleConfig(name, cfg))
	if err != nil {
		m.engine.host.Detach(name)
		if cerr := session.Close(); cerr != nil {
			Logger().Warn("close session after failed instantiation",
				zap.String("name", name),
				zap.Error(cerr))
		}
		return nil, fmt.Errorf("instantiate failed: %w", err)
	}
	session.Kernels.Bind(instance)

	return &WazeroInstance{
		module:   m,
		instance: instance,
		session:  session,
		name:     name,
	}, nil
}

func moduleConfig(name string, cfg *InstanceConfig) wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().WithName(name)
	if !cfg.RunStart {
		mc = mc.WithStartFunctions()
	}
	if cfg.Stdin != nil {
		mc = mc.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		mc = mc.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		mc = mc.WithStderr(cfg.Stderr)
	}
	if len(cfg.Args) > 0 {
		mc = mc.WithArgs(cfg.Args...)
	}
	for k, v := range cfg.Env {
		mc = mc.WithEnv(k, v)
	}
	return mc.WithSysWalltime().WithSysNanotime().WithRandSource(rand.Reader)
}

// WazeroInstance is an instantiated guest with its parallel session.
type WazeroInstance struct {
	module   *WazeroModule
	instance api.Module
	session  *host.Session
	name     string
	closeMu  sync.Mutex
}

// Name returns the unique module name the instance runs under.
func (i *WazeroInstance) Name() string {
	return i.name
}

// Module returns the wazero module instance.
func (i *WazeroInstance) Module() api.Module {
	return i.instance
}

// Session returns the instance's devices, buffers and kernels.
func (i *WazeroInstance) Session() *host.Session {
	return i.session
}

// Memory returns the guest's memory, nil if it has none.
func (i *WazeroInstance) Memory() api.Memory {
	if i.instance == nil {
		return nil
	}
	return i.instance.Memory()
}

// Call invokes an exported function with raw wasm values.
func (i *WazeroInstance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if i.instance == nil {
		return nil, fmt.Errorf("instance closed")
	}
	fn := i.instance.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("function %q not exported", name)
	}
	return fn.Call(ctx, args...)
}

// Close closes the guest, then releases its session.
func (i *WazeroInstance) Close(ctx context.Context) error {
	i.closeMu.Lock()
	defer i.closeMu.Unlock()

	var firstErr error
	if i.instance != nil {
		if err := i.instance.Close(ctx); err != nil {
			firstErr = err
		}
		i.instance = nil
	}
	if i.session != nil {
		i.module.engine.host.Detach(i.name)
		if err := i.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		i.session = nil
	}
	return firstErr
}
