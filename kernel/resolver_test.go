package kernel

import (
	"context"
	"sync"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/device/emulated"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/internal/wasm"
)

var i32 = api.ValueTypeI32

// guest instantiates a module whose table holds, in order, a kernel with
// no buffers, a kernel with one buffer and a function taking an f32.
func guest(t *testing.T) (api.Module, *wasm.TableLayout) {
	t.Helper()

	b := wasm.NewModuleBuilder()
	plain := b.Func([]api.ValueType{i32, i32, i32}, nil, nil, nil)
	oneBuf := b.Func([]api.ValueType{i32, i32, i32, i32, i32}, nil, nil, nil)
	wrong := b.Func([]api.ValueType{i32, i32, api.ValueTypeF32}, nil, nil, nil)
	b.Table(5, 0, plain, oneBuf, wrong)
	bin := b.Build()

	layout, err := wasm.ParseTable(bin)
	if err != nil {
		t.Fatal(err)
	}
	bin, err = wasm.ExportSlots(bin, layout, wasm.SlotExportName)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })
	mod, err := r.Instantiate(ctx, bin)
	if err != nil {
		t.Fatal(err)
	}
	return mod, layout
}

func cpuDevice(t *testing.T) *device.Device {
	t.Helper()
	reg := device.NewRegistry(nil)
	t.Cleanup(func() { reg.Close() })
	d, err := reg.Get(wasiparallel.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestResolve_Native(t *testing.T) {
	mod, layout := guest(t)
	r := NewResolver(mod, layout, nil)
	cpu := cpuDevice(t)

	tests := []struct {
		name    string
		ref     uint32
		buffers int
		want    errors.Status
	}{
		{"no buffers", 0, 0, errors.StatusSuccess},
		{"one buffer", 1, 1, errors.StatusSuccess},
		{"buffer count mismatch", 0, 1, errors.StatusInvalidKernelIndex},
		{"missing buffer pair", 1, 0, errors.StatusInvalidKernelIndex},
		{"non-i32 parameter", 2, 0, errors.StatusInvalidKernelIndex},
		{"empty slot", 3, 0, errors.StatusInvalidKernelIndex},
		{"past table end", 5, 0, errors.StatusInvalidKernelIndex},
		{"negative from guest", 0xffffffff, 0, errors.StatusInvalidKernelIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := r.Resolve(tt.ref, cpu, tt.buffers)
			if got := errors.StatusOf(err); got != tt.want {
				t.Fatalf("Resolve(%d) status = %s (%v), want %s", tt.ref, got, err, tt.want)
			}
			if err != nil {
				return
			}
			if !k.IsNative() || k.Native.Slot != tt.ref {
				t.Fatalf("unexpected invocable %+v", k)
			}
			if k.Native.Function() == nil {
				t.Fatal("native kernel has no function")
			}
		})
	}
}

func TestResolve_NoTable(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	_, err := r.Resolve(0, cpuDevice(t), 0)
	if errors.StatusOf(err) != errors.StatusInvalidKernelIndex {
		t.Fatalf("Resolve without table = %v, want InvalidKernelIndex", err)
	}
}

func gpuDevice(t *testing.T, backend *emulated.Backend) *device.Device {
	t.Helper()
	reg := device.NewRegistry(backend)
	t.Cleanup(func() { reg.Close() })
	d, err := reg.Get(wasiparallel.DeviceDiscreteGPU)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestResolve_DeviceCachesPerModule(t *testing.T) {
	backend := emulated.New()
	backend.Register("triad", emulated.NStream(3))
	backend.Register("copy", func(uint32, uint32, [][]byte) {})
	gpu := gpuDevice(t, backend)
	stats := gpu.Context.(*emulated.Context)

	r := NewResolver(nil, nil, []wasm.KernelSection{
		{ID: 0, Module: []byte("triad")},
		{ID: 7, Module: []byte("copy")},
		{ID: 0, Module: []byte("shadowed")},
	})

	first, err := r.Resolve(0, gpu, 3)
	if err != nil {
		t.Fatal(err)
	}
	if first.IsNative() || first.Program == nil {
		t.Fatalf("expected device program, got %+v", first)
	}
	again, err := r.Resolve(0, gpu, 3)
	if err != nil {
		t.Fatal(err)
	}
	if again.Program != first.Program {
		t.Fatal("second resolve recompiled the module")
	}
	if _, err := r.Resolve(7, gpu, 0); err != nil {
		t.Fatal(err)
	}

	if _, programs, _ := stats.Stats(); programs != 2 {
		t.Fatalf("programs = %d, want 2", programs)
	}
	if r.Cached() != 2 {
		t.Fatalf("Cached() = %d, want 2", r.Cached())
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, programs, _ := stats.Stats(); programs != 0 {
		t.Fatalf("programs after Close = %d, want 0", programs)
	}
	if _, err := r.Resolve(0, gpu, 3); err == nil {
		t.Fatal("resolve after Close succeeded")
	}
}

func TestResolve_DeviceErrors(t *testing.T) {
	backend := emulated.New()
	gpu := gpuDevice(t, backend)
	r := NewResolver(nil, nil, []wasm.KernelSection{{ID: 1, Module: []byte("unregistered")}})

	if _, err := r.Resolve(0, gpu, 0); errors.StatusOf(err) != errors.StatusModuleNotFound {
		t.Fatalf("missing module = %v, want ModuleNotFound", err)
	}
	if _, err := r.Resolve(1, gpu, 0); errors.StatusOf(err) != errors.StatusCompileFailed {
		t.Fatalf("bad module = %v, want CompileFailed", err)
	}
	if r.Cached() != 0 {
		t.Fatal("failed compile was cached")
	}
}

func TestResolve_ConcurrentCompileOnce(t *testing.T) {
	backend := emulated.New()
	backend.Register("k", func(uint32, uint32, [][]byte) {})
	gpu := gpuDevice(t, backend)
	r := NewResolver(nil, nil, []wasm.KernelSection{{ID: 3, Module: []byte("k")}})
	defer r.Close()

	var wg sync.WaitGroup
	programs := make([]device.Program, 16)
	for i := range programs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := r.Resolve(3, gpu, 0)
			if err != nil {
				t.Error(err)
				return
			}
			programs[i] = k.Program
		}()
	}
	wg.Wait()

	for i, p := range programs {
		if p != programs[0] {
			t.Fatalf("resolve %d got a different program", i)
		}
	}
	if _, compiled, _ := gpu.Context.(*emulated.Context).Stats(); compiled != 1 {
		t.Fatalf("programs = %d, want 1", compiled)
	}
}
