package device_test

import (
	stderrors "errors"
	"testing"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/device/emulated"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/resource"
)

func TestRegistry_CPUIdempotent(t *testing.T) {
	r := device.NewRegistry(nil)
	defer r.Close()

	a, err := r.Get(wasiparallel.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Get(wasiparallel.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || a.ID != b.ID || a.ID == 0 {
		t.Fatalf("CPU handles differ: %d vs %d", a.ID, b.ID)
	}
	if a.IsGPU() {
		t.Fatal("CPU device reports GPU")
	}
	if got, err := r.Lookup(a.ID); err != nil || got != a {
		t.Fatalf("Lookup(%d) = %v, %v", a.ID, got, err)
	}
}

func TestRegistry_NoBackend(t *testing.T) {
	r := device.NewRegistry(nil)
	defer r.Close()

	for _, hint := range []wasiparallel.DeviceKind{wasiparallel.DeviceDiscreteGPU, wasiparallel.DeviceIntegratedGPU} {
		if _, err := r.Get(hint); errors.StatusOf(err) != errors.StatusNoSuchDevice {
			t.Errorf("Get(%s) = %v, want NoSuchDevice", hint, err)
		}
	}
	if len(r.Devices()) != 0 {
		t.Fatal("failed lookups registered devices")
	}
}

func TestRegistry_InvalidHint(t *testing.T) {
	r := device.NewRegistry(nil)
	if _, err := r.Get(wasiparallel.DeviceKind(7)); errors.StatusOf(err) != errors.StatusInvalidArgument {
		t.Fatalf("Get(7) = %v, want InvalidArgument", err)
	}
}

func TestRegistry_LookupInvalid(t *testing.T) {
	r := device.NewRegistry(nil)
	for _, h := range []uint32{0, 1, 1 << 24} {
		if _, err := r.Lookup(handle(h)); errors.StatusOf(err) != errors.StatusInvalidHandle {
			t.Errorf("Lookup(%d) = %v, want InvalidHandle", h, err)
		}
	}
}

func TestRegistry_AdapterSelection(t *testing.T) {
	tests := []struct {
		name    string
		opts    []emulated.Option
		hint    wasiparallel.DeviceKind
		adapter string
		status  errors.Status
	}{
		{
			name:    "exact discrete",
			opts:    []emulated.Option{emulated.WithAdapter("i", wasiparallel.DeviceIntegratedGPU), emulated.WithAdapter("d", wasiparallel.DeviceDiscreteGPU)},
			hint:    wasiparallel.DeviceDiscreteGPU,
			adapter: "d",
		},
		{
			name:    "exact integrated",
			opts:    []emulated.Option{emulated.WithAdapter("d", wasiparallel.DeviceDiscreteGPU), emulated.WithAdapter("i", wasiparallel.DeviceIntegratedGPU)},
			hint:    wasiparallel.DeviceIntegratedGPU,
			adapter: "i",
		},
		{
			name:    "fallback to other gpu",
			opts:    []emulated.Option{emulated.WithAdapter("d", wasiparallel.DeviceDiscreteGPU)},
			hint:    wasiparallel.DeviceIntegratedGPU,
			adapter: "d",
		},
		{
			name:   "no adapters",
			opts:   []emulated.Option{emulated.WithoutAdapters()},
			hint:   wasiparallel.DeviceDiscreteGPU,
			status: errors.StatusNoSuchDevice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := device.NewRegistry(emulated.New(tt.opts...))
			defer r.Close()

			d, err := r.Get(tt.hint)
			if got := errors.StatusOf(err); got != tt.status {
				t.Fatalf("status = %s (%v), want %s", got, err, tt.status)
			}
			if err != nil {
				return
			}
			if d.Name != tt.adapter || !d.IsGPU() {
				t.Fatalf("got device %q gpu=%v, want %q", d.Name, d.IsGPU(), tt.adapter)
			}
		})
	}
}

func TestRegistry_SharesAdapterAcrossHints(t *testing.T) {
	backend := emulated.New()
	r := device.NewRegistry(backend)

	d, err := r.Get(wasiparallel.DeviceDiscreteGPU)
	if err != nil {
		t.Fatal(err)
	}
	i, err := r.Get(wasiparallel.DeviceIntegratedGPU)
	if err != nil {
		t.Fatal(err)
	}
	if d != i {
		t.Fatal("fallback opened the same adapter twice")
	}
	if backend.OpenContexts() != 1 {
		t.Fatalf("open contexts = %d, want 1", backend.OpenContexts())
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if backend.OpenContexts() != 0 {
		t.Fatalf("open contexts after Close = %d", backend.OpenContexts())
	}
}

type brokenBackend struct{ err error }

func (b brokenBackend) Name() string { return "broken" }

func (b brokenBackend) Adapters() ([]device.AdapterInfo, error) {
	return []device.AdapterInfo{{Name: "x", Kind: wasiparallel.DeviceDiscreteGPU}}, nil
}

func (b brokenBackend) Open(device.AdapterInfo) (device.Context, error) {
	return nil, b.err
}

func TestRegistry_OpenFailure(t *testing.T) {
	cause := stderrors.New("driver lost")
	r := device.NewRegistry(brokenBackend{err: cause})

	_, err := r.Get(wasiparallel.DeviceDiscreteGPU)
	if errors.StatusOf(err) != errors.StatusNoSuchDevice {
		t.Fatalf("Get = %v, want NoSuchDevice", err)
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("cause not preserved")
	}
}

func handle(h uint32) resource.Handle { return resource.Handle(h) }
