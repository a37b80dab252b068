package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/errors"
)

// Function describes one guest import of the host module.
type Function struct {
	call   func(ctx context.Context, s *Session, mem wasiparallel.Memory, args []uint32) error
	Name   string
	Params int
}

// Functions lists the imports in the order they are exported. Every one
// takes i32 parameters and returns an i32 status.
var Functions = []Function{
	{
		Name:   "get_device",
		Params: 2,
		call: func(_ context.Context, s *Session, mem wasiparallel.Memory, a []uint32) error {
			return s.GetDevice(mem, a[0], a[1])
		},
	},
	{
		Name:   "create_buffer",
		Params: 4,
		call: func(_ context.Context, s *Session, mem wasiparallel.Memory, a []uint32) error {
			return s.CreateBuffer(mem, a[0], a[1], a[2], a[3])
		},
	},
	{
		Name:   "write_buffer",
		Params: 3,
		call: func(_ context.Context, s *Session, mem wasiparallel.Memory, a []uint32) error {
			return s.WriteBuffer(mem, a[0], a[1], a[2])
		},
	},
	{
		Name:   "read_buffer",
		Params: 3,
		call: func(_ context.Context, s *Session, mem wasiparallel.Memory, a []uint32) error {
			return s.ReadBuffer(mem, a[0], a[1], a[2])
		},
	},
	{
		Name:   "parallel_for",
		Params: 7,
		call: func(ctx context.Context, s *Session, mem wasiparallel.Memory, a []uint32) error {
			return s.ParallelFor(ctx, mem, a[0], int32(a[1]), int32(a[2]), a[3], a[4], a[5], a[6])
		},
	},
}

// Module is the wasi_ephemeral_parallel host module of one wazero runtime.
// Guests importing it are told apart by module name; each must be attached
// before it is instantiated.
type Module struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// New creates a host module with no sessions.
func New() *Module {
	return &Module{sessions: make(map[string]*Session)}
}

// Attach registers s as the state of the guest named name.
func (m *Module) Attach(name string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; ok {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Detail("guest %q already has a session", name).
			Build()
	}
	m.sessions[name] = s
	return nil
}

// Detach removes and returns the session of name, nil if there is none.
func (m *Module) Detach(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[name]
	delete(m.sessions, name)
	return s
}

// Session returns the session of the guest named name.
func (m *Module) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Instantiate defines the host module in r.
func (m *Module) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(wasiparallel.ImportModule)
	for _, f := range Functions {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(m.wrap(f), i32s(f.Params), i32s(1)).
			WithParameterNames(paramNames[f.Name]...).
			Export(f.Name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Instantiation(fmt.Errorf("host module %s: %w", wasiparallel.ImportModule, err))
	}
	return mod, nil
}

var paramNames = map[string][]string{
	"get_device":    {"hint", "out_device"},
	"create_buffer": {"device", "size", "access", "out_buffer"},
	"write_buffer":  {"data_offset", "data_len", "buffer"},
	"read_buffer":   {"buffer", "data_offset", "data_len"},
	"parallel_for": {"kernel_ref", "num_threads", "block_size",
		"in_buffers_start", "in_buffers_len", "out_buffers_start", "out_buffers_len"},
}

func (m *Module) wrap(f Function) api.GoModuleFunc {
	return func(ctx context.Context, caller api.Module, stack []uint64) {
		args := make([]uint32, f.Params)
		for i := range args {
			args[i] = api.DecodeU32(stack[i])
		}

		err := m.invoke(ctx, caller, f, args)
		status := errors.StatusOf(err)
		if err != nil {
			Logger().Warn("host call failed",
				zap.String("func", f.Name),
				zap.String("guest", caller.Name()),
				zap.Uint32s("args", args),
				zap.Stringer("status", status),
				zap.Error(err))
		}
		stack[0] = api.EncodeU32(uint32(status))
	}
}

func (m *Module) invoke(ctx context.Context, caller api.Module, f Function, args []uint32) error {
	s, ok := m.Session(caller.Name())
	if !ok {
		return errors.NotInitialized(errors.PhaseHost, "session for guest "+caller.Name())
	}
	s.Kernels.Bind(caller)
	return f.call(ctx, s, caller.Memory(), args)
}

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}
