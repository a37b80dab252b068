package webgpu

import (
	"testing"

	"github.com/openfluke/webgpu/wgpu"

	wasiparallel "github.com/wippyai/wasi-parallel"
)

func TestAdapterKind(t *testing.T) {
	tests := []struct {
		in   string
		want wasiparallel.DeviceKind
		ok   bool
	}{
		{"discrete-gpu", wasiparallel.DeviceDiscreteGPU, true},
		{"virtual-gpu", wasiparallel.DeviceDiscreteGPU, true},
		{"integrated-gpu", wasiparallel.DeviceIntegratedGPU, true},
		{"cpu", 0, false},
		{"unknown", 0, false},
	}
	for _, tt := range tests {
		got, ok := adapterKind(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("adapterKind(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAlign4(t *testing.T) {
	for in, want := range map[uint32]uint64{0: 0, 1: 4, 4: 4, 5: 8, 1023: 1024} {
		if got := align4(in); got != want {
			t.Errorf("align4(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.EntryPoint != "main" {
		t.Errorf("entry point = %q", b.cfg.EntryPoint)
	}
	if b.cfg.MaxWorkgroups != defaultMaxWorkgroups {
		t.Errorf("max workgroups = %d", b.cfg.MaxWorkgroups)
	}
	if b.Name() != "webgpu" {
		t.Errorf("name = %q", b.Name())
	}
}

func TestBindingType(t *testing.T) {
	tests := []struct {
		access wasiparallel.BufferAccess
		want   wgpu.BufferBindingType
	}{
		{wasiparallel.AccessRead, wgpu.BufferBindingTypeReadOnlyStorage},
		{wasiparallel.AccessWrite, wgpu.BufferBindingTypeStorage},
		{wasiparallel.AccessReadWrite, wgpu.BufferBindingTypeStorage},
	}
	for _, tt := range tests {
		if got := bindingType(tt.access); got != tt.want {
			t.Errorf("bindingType(%s) = %v, want %v", tt.access, got, tt.want)
		}
	}
}

func TestLayoutKey(t *testing.T) {
	got := layoutKey([]wasiparallel.BufferAccess{
		wasiparallel.AccessRead, wasiparallel.AccessRead, wasiparallel.AccessReadWrite, wasiparallel.AccessWrite,
	})
	if got != "rrww" {
		t.Fatalf("layoutKey = %q, want rrww", got)
	}
	if layoutKey(nil) != "" {
		t.Fatalf("empty layout key = %q", layoutKey(nil))
	}
}
