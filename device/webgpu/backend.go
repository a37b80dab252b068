// Package webgpu implements the GPU backend on WebGPU (wgpu-native).
//
// Kernel modules are WGSL compute shaders. The entry point (default
// "main") must be declared @workgroup_size(1): a launch dispatches one
// workgroup per global id, so global_invocation_id.x is the thread id and
// num_workgroups.x the thread count. Buffers bind to @group(0) in the order
// they were passed to parallel_for, inputs first.
// Buffers allocated with AccessRead bind as read-only storage, the rest as
// read_write storage. A shader declaring read_write storage at a read-only
// binding fails pipeline creation, so the launch fails.
package webgpu

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/openfluke/webgpu/wgpu"
	"go.uber.org/zap"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
)

const defaultMaxWorkgroups = 65535

var ErrNoInstance = stderrors.New("failed to create WebGPU instance")

// Config holds WebGPU backend options.
type Config struct {
	// EntryPoint names the compute entry point, "main" if empty.
	EntryPoint string

	// MaxWorkgroups caps the global work size of one launch.
	// 0 means the WebGPU default limit of 65535.
	MaxWorkgroups uint32

	// SkipValidation disables the naga front-end check of kernel modules
	// before they are handed to the driver.
	SkipValidation bool
}

// Backend enumerates WebGPU adapters. The instance is created on first use.
type Backend struct {
	instance *wgpu.Instance
	initErr  error
	adapters []*wgpu.Adapter
	cfg      Config
	once     sync.Once
}

// New creates a WebGPU backend.
func New(cfg Config) *Backend {
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = "main"
	}
	if cfg.MaxWorkgroups == 0 {
		cfg.MaxWorkgroups = defaultMaxWorkgroups
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "webgpu" }

func (b *Backend) init() error {
	b.once.Do(func() {
		b.instance = wgpu.CreateInstance(nil)
		if b.instance == nil {
			b.initErr = ErrNoInstance
			return
		}
		b.adapters = b.instance.EnumerateAdapters(nil)
	})
	return b.initErr
}

// Adapters lists GPU adapters. Software and unknown adapters are skipped.
func (b *Backend) Adapters() ([]device.AdapterInfo, error) {
	if err := b.init(); err != nil {
		return nil, err
	}

	var out []device.AdapterInfo
	for i, a := range b.adapters {
		info := a.GetInfo()
		kind, ok := adapterKind(info.AdapterType.String())
		if !ok {
			Logger().Debug("skip adapter",
				zap.String("name", info.Name),
				zap.String("type", info.AdapterType.String()))
			continue
		}
		out = append(out, device.AdapterInfo{
			Name:   info.Name,
			Vendor: info.VendorName,
			Driver: info.DriverDescription,
			Index:  i,
			Kind:   kind,
		})
	}
	return out, nil
}

func adapterKind(t string) (wasiparallel.DeviceKind, bool) {
	switch t {
	case "discrete-gpu", "virtual-gpu":
		return wasiparallel.DeviceDiscreteGPU, true
	case "integrated-gpu":
		return wasiparallel.DeviceIntegratedGPU, true
	default:
		return 0, false
	}
}

// Open requests a device and queue on the adapter.
func (b *Backend) Open(adapter device.AdapterInfo) (device.Context, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if adapter.Index < 0 || adapter.Index >= len(b.adapters) {
		return nil, fmt.Errorf("adapter %d not found", adapter.Index)
	}

	dev, err := b.adapters[adapter.Index].RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("request device: %w", err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		return nil, fmt.Errorf("device %s has no queue", adapter.Name)
	}

	return &Context{
		device: dev,
		queue:  queue,
		name:   adapter.Name,
		cfg:    b.cfg,
	}, nil
}

// Context is an opened WebGPU device.
type Context struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	name   string
	cfg    Config
	mu     sync.Mutex
}

type mirror struct {
	buf    *wgpu.Buffer
	ctx    *Context
	size   uint32
	access wasiparallel.BufferAccess
}

func (m *mirror) Size() uint32 { return m.size }

func (m *mirror) Release() {
	if m.buf != nil {
		m.buf.Destroy()
		m.buf = nil
	}
}

// program keeps the shader module and one pipeline per binding layout. A
// layout is the access pattern of the bound buffers, so a kernel launched
// with a Read buffer at binding i gets a read-only storage binding there.
type program struct {
	shader    *wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	ctx       *Context
}

func (p *program) Release() {
	for key, pl := range p.pipelines {
		pl.Release()
		delete(p.pipelines, key)
	}
	if p.shader != nil {
		p.shader.Release()
		p.shader = nil
	}
}

// bindingType maps an access mode to the storage binding the kernel sees.
func bindingType(access wasiparallel.BufferAccess) wgpu.BufferBindingType {
	if access.Writable() {
		return wgpu.BufferBindingTypeStorage
	}
	return wgpu.BufferBindingTypeReadOnlyStorage
}

// layoutKey names the binding layout of accesses, one byte per binding.
func layoutKey(accesses []wasiparallel.BufferAccess) string {
	key := make([]byte, len(accesses))
	for i, a := range accesses {
		if a.Writable() {
			key[i] = 'w'
		} else {
			key[i] = 'r'
		}
	}
	return string(key)
}

// align4 rounds n up to the copy alignment WebGPU requires.
func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

func (c *Context) Alloc(size uint32, access wasiparallel.BufferAccess) (device.Mirror, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "wasi-parallel-" + access.String(),
		Size:  align4(size),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	return &mirror{buf: buf, ctx: c, size: size, access: access}, nil
}

func (c *Context) Upload(m device.Mirror, data []byte) error {
	mm, err := c.own(m)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(mm.size) {
		return fmt.Errorf("upload of %d bytes into %d byte buffer", len(data), mm.size)
	}

	padded := data
	if n := align4(uint32(len(data))); n != uint64(len(data)) {
		padded = make([]byte, n)
		copy(padded, data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.WriteBuffer(mm.buf, 0, padded)
	c.device.Poll(true, nil)
	return nil
}

func (c *Context) Download(m device.Mirror, dst []byte) error {
	mm, err := c.own(m)
	if err != nil {
		return err
	}
	if uint64(len(dst)) > uint64(mm.size) {
		return fmt.Errorf("download of %d bytes from %d byte buffer", len(dst), mm.size)
	}
	if len(dst) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := align4(uint32(len(dst)))
	staging, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "wasi-parallel-readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}
	defer staging.Destroy()

	enc, err := c.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	enc.CopyBufferToBuffer(mm.buf, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	c.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map status: %d", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("map staging buffer: %w", err)
	}

Loop:
	for {
		c.device.Poll(true, nil)
		select {
		case <-done:
			break Loop
		default:
		}
	}
	if mapErr != nil {
		return mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return fmt.Errorf("failed to get mapped range")
	}
	copy(dst, data)
	staging.Unmap()
	return nil
}

// Compile validates module as WGSL and checks that it builds with an
// automatic layout. Pipelines with the real binding layout are built at
// launch.
func (c *Context) Compile(module []byte) (device.Program, error) {
	source := string(module)
	if !c.cfg.SkipValidation {
		spirv, err := naga.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("validate kernel: %w", err)
		}
		Logger().Debug("kernel validated",
			zap.String("device", c.name),
			zap.Int("spirv_bytes", len(spirv)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	shader, err := c.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "wasi-parallel-kernel",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile: %w", err)
	}

	check, err := c.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "wasi-parallel-check",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shader,
			EntryPoint: c.cfg.EntryPoint,
		},
	})
	if err != nil {
		shader.Release()
		return nil, fmt.Errorf("pipeline create: %w", err)
	}
	check.Release()

	return &program{shader: shader, pipelines: make(map[string]*wgpu.ComputePipeline), ctx: c}, nil
}

// pipeline returns the pipeline of p for accesses, building it with an
// explicit layout on first use. The driver rejects a shader whose declared
// access for a binding is read_write where the layout is read-only.
// c.mu must be held.
func (c *Context) pipeline(p *program, accesses []wasiparallel.BufferAccess) (*wgpu.ComputePipeline, error) {
	key := layoutKey(accesses)
	if pl, ok := p.pipelines[key]; ok {
		return pl, nil
	}

	entries := make([]wgpu.BindGroupLayoutEntry, len(accesses))
	for i, a := range accesses {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: bindingType(a)},
		}
	}
	bgl, err := c.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   "wasi-parallel-bgl-" + key,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}
	defer bgl.Release()

	layout, err := c.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "wasi-parallel-pl-" + key,
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	defer layout.Release()

	pl, err := c.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "wasi-parallel-pipeline-" + key,
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     p.shader,
			EntryPoint: c.cfg.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kernel bindings %q do not match buffer access: %w", key, err)
	}
	p.pipelines[key] = pl
	return pl, nil
}

// Launch binds args to group 0 with read-only storage for Read buffers and
// dispatches globalSize workgroups, then waits for the queue to drain.
func (c *Context) Launch(p device.Program, args []device.Mirror, globalSize uint32) error {
	prog, ok := p.(*program)
	if !ok || prog.ctx != c || prog.shader == nil {
		return fmt.Errorf("program does not belong to device %s", c.name)
	}
	if globalSize > c.cfg.MaxWorkgroups {
		return fmt.Errorf("global size %d exceeds workgroup limit %d", globalSize, c.cfg.MaxWorkgroups)
	}

	bufs := make([]*mirror, len(args))
	accesses := make([]wasiparallel.BufferAccess, len(args))
	for i, a := range args {
		mm, err := c.own(a)
		if err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
		bufs[i] = mm
		accesses[i] = mm.access
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pipeline, err := c.pipeline(prog, accesses)
	if err != nil {
		return err
	}

	var bindGroup *wgpu.BindGroup
	if len(bufs) > 0 {
		entries := make([]wgpu.BindGroupEntry, len(bufs))
		for i, m := range bufs {
			entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: m.buf, Size: m.buf.GetSize()}
		}
		bindGroup, err = c.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   "wasi-parallel-bind",
			Layout:  pipeline.GetBindGroupLayout(0),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("create bind group: %w", err)
		}
		defer bindGroup.Release()
	}

	enc, err := c.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	if bindGroup != nil {
		pass.SetBindGroup(0, bindGroup, nil)
	}
	pass.DispatchWorkgroups(globalSize, 1, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	c.queue.Submit(cmd)
	c.device.Poll(true, nil)
	return nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		c.device.Release()
		c.device = nil
	}
	return nil
}

func (c *Context) own(m device.Mirror) (*mirror, error) {
	mm, ok := m.(*mirror)
	if !ok || mm.ctx != c {
		return nil, fmt.Errorf("buffer does not belong to device %s", c.name)
	}
	if mm.buf == nil {
		return nil, fmt.Errorf("buffer already released")
	}
	return mm, nil
}
