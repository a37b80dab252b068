// Package emulated provides an in-process GPU backend. Kernels are Go
// functions registered by name; a kernel module is the registered name.
// It backs tests and embedders that need the GPU dispatch path without a
// driver.
package emulated

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
)

var (
	ErrUnknownKernel = stderrors.New("unknown kernel")
	ErrForeign       = stderrors.New("object belongs to another context")
	ErrReleased      = stderrors.New("object already released")
	ErrReadOnly      = stderrors.New("kernel wrote a read-only binding")
)

// Kernel runs once per global id. args are the bound buffers in order and
// alias device memory, except Read buffers which are private copies;
// invocations may run concurrently.
type Kernel func(id, size uint32, args [][]byte)

// Backend is an emulated GPU driver.
type Backend struct {
	kernels  map[string]Kernel
	adapters []device.AdapterInfo
	limit    uint32
	mu       sync.RWMutex
	open     atomic.Int32
}

// Option configures a Backend.
type Option func(*Backend)

// WithAdapter adds an adapter of the given kind. Without any option a
// single discrete adapter named "emulated" is reported.
func WithAdapter(name string, kind wasiparallel.DeviceKind) Option {
	return func(b *Backend) {
		b.adapters = append(b.adapters, device.AdapterInfo{
			Name:   name,
			Vendor: "wasi-parallel",
			Driver: "emulated",
			Index:  len(b.adapters),
			Kind:   kind,
		})
	}
}

// WithoutAdapters makes the backend report no adapters.
func WithoutAdapters() Option {
	return func(b *Backend) {
		b.adapters = []device.AdapterInfo{}
	}
}

// WithMaxGlobalSize caps the global work size of a launch.
func WithMaxGlobalSize(n uint32) Option {
	return func(b *Backend) {
		b.limit = n
	}
}

// New creates an emulated backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		kernels: make(map[string]Kernel),
		limit:   65535,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.adapters == nil {
		WithAdapter("emulated", wasiparallel.DeviceDiscreteGPU)(b)
	}
	return b
}

// Register makes k available to modules whose bytes are name.
func (b *Backend) Register(name string, k Kernel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[name] = k
}

// OpenContexts returns how many contexts are open and not yet closed.
func (b *Backend) OpenContexts() int {
	return int(b.open.Load())
}

func (b *Backend) Name() string { return "emulated" }

func (b *Backend) Adapters() ([]device.AdapterInfo, error) {
	return append([]device.AdapterInfo(nil), b.adapters...), nil
}

func (b *Backend) Open(adapter device.AdapterInfo) (device.Context, error) {
	if adapter.Index < 0 || adapter.Index >= len(b.adapters) {
		return nil, fmt.Errorf("adapter %d not found", adapter.Index)
	}
	b.open.Add(1)
	return &Context{backend: b}, nil
}

func (b *Backend) kernel(name string) (Kernel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	k, ok := b.kernels[name]
	return k, ok
}

// Context is an opened emulated device.
type Context struct {
	backend  *Backend
	mirrors  atomic.Int32
	programs atomic.Int32
	launches atomic.Int32
	closed   atomic.Bool
}

type mirror struct {
	ctx      *Context
	data     []byte
	access   wasiparallel.BufferAccess
	released atomic.Bool
}

func (m *mirror) Size() uint32 { return uint32(len(m.data)) }

func (m *mirror) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.ctx.mirrors.Add(-1)
	}
}

type program struct {
	ctx      *Context
	kernel   Kernel
	name     string
	released atomic.Bool
}

func (p *program) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.ctx.programs.Add(-1)
	}
}

// Stats reports live mirrors, live programs and completed launches.
func (c *Context) Stats() (mirrors, programs, launches int) {
	return int(c.mirrors.Load()), int(c.programs.Load()), int(c.launches.Load())
}

func (c *Context) Alloc(size uint32, access wasiparallel.BufferAccess) (device.Mirror, error) {
	if c.closed.Load() {
		return nil, ErrReleased
	}
	c.mirrors.Add(1)
	return &mirror{ctx: c, data: make([]byte, size), access: access}, nil
}

func (c *Context) Upload(m device.Mirror, data []byte) error {
	mm, err := c.own(m)
	if err != nil {
		return err
	}
	if len(data) > len(mm.data) {
		return fmt.Errorf("upload of %d bytes into %d byte buffer", len(data), len(mm.data))
	}
	copy(mm.data, data)
	return nil
}

func (c *Context) Download(m device.Mirror, dst []byte) error {
	mm, err := c.own(m)
	if err != nil {
		return err
	}
	if len(dst) > len(mm.data) {
		return fmt.Errorf("download of %d bytes from %d byte buffer", len(dst), len(mm.data))
	}
	copy(dst, mm.data)
	return nil
}

func (c *Context) Compile(module []byte) (device.Program, error) {
	name := strings.TrimSpace(string(module))
	k, ok := c.backend.kernel(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKernel, name)
	}
	c.programs.Add(1)
	return &program{ctx: c, kernel: k, name: name}, nil
}

// Launch splits the global range across GOMAXPROCS workers and waits for
// all of them. A panicking kernel fails the launch, as does one that
// changes a buffer allocated with AccessRead.
func (c *Context) Launch(p device.Program, args []device.Mirror, globalSize uint32) error {
	prog, ok := p.(*program)
	if !ok || prog.ctx != c {
		return ErrForeign
	}
	if prog.released.Load() {
		return ErrReleased
	}
	if globalSize > c.backend.limit {
		return fmt.Errorf("global size %d exceeds limit %d", globalSize, c.backend.limit)
	}

	bound := make([][]byte, len(args))
	mirrors := make([]*mirror, len(args))
	for i, a := range args {
		mm, err := c.own(a)
		if err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
		mirrors[i] = mm
		bound[i] = mm.data
		if !mm.access.Writable() {
			bound[i] = bytes.Clone(mm.data)
		}
	}

	workers := uint32(runtime.GOMAXPROCS(0))
	if workers > globalSize {
		workers = globalSize
	}
	var g errgroup.Group
	for w := uint32(0); w < workers; w++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("kernel %s panicked: %v", prog.name, r)
				}
			}()
			for id := w; id < globalSize; id += workers {
				prog.kernel(id, globalSize, bound)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, mm := range mirrors {
		if !mm.access.Writable() && !bytes.Equal(bound[i], mm.data) {
			return fmt.Errorf("%w %d", ErrReadOnly, i)
		}
	}
	c.launches.Add(1)
	return nil
}

func (c *Context) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.backend.open.Add(-1)
	}
	return nil
}

func (c *Context) own(m device.Mirror) (*mirror, error) {
	mm, ok := m.(*mirror)
	if !ok || mm.ctx != c {
		return nil, ErrForeign
	}
	if mm.released.Load() {
		return nil, ErrReleased
	}
	return mm, nil
}
