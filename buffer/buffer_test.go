package buffer

import (
	"bytes"
	stderrors "errors"
	"testing"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/device/emulated"
	"github.com/wippyai/wasi-parallel/errors"
	"github.com/wippyai/wasi-parallel/internal/memtest"
	"github.com/wippyai/wasi-parallel/resource"
)

func devices(t *testing.T) (cpu, gpu *device.Device, reg *device.Registry) {
	t.Helper()
	reg = device.NewRegistry(emulated.New())
	t.Cleanup(func() { reg.Close() })

	cpu, err := reg.Get(wasiparallel.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	gpu, err = reg.Get(wasiparallel.DeviceDiscreteGPU)
	if err != nil {
		t.Fatal(err)
	}
	return cpu, gpu, reg
}

func statusOf(err error) errors.Status {
	return errors.StatusOf(err)
}

func TestCreate_ZeroSize(t *testing.T) {
	cpu, gpu, _ := devices(t)
	m := NewManager(0)

	for _, dev := range []*device.Device{cpu, gpu} {
		_, err := m.Create(dev, 0, wasiparallel.AccessReadWrite)
		if statusOf(err) != errors.StatusInvalidSize {
			t.Fatalf("Create(size=0) on %s = %v, want InvalidSize", dev.Name, err)
		}
	}
	if m.Len() != 0 {
		t.Fatalf("zero-size create allocated %d buffers", m.Len())
	}
}

func TestCreate_Limits(t *testing.T) {
	cpu, _, _ := devices(t)
	m := NewManager(64)

	if _, err := m.Create(cpu, 65, wasiparallel.AccessRead); statusOf(err) != errors.StatusAllocationFailed {
		t.Fatalf("oversized create = %v, want AllocationFailed", err)
	}
	if _, err := m.Create(cpu, 8, wasiparallel.BufferAccess(9)); statusOf(err) != errors.StatusInvalidArgument {
		t.Fatalf("bad access = %v, want InvalidArgument", err)
	}
	b, err := m.Create(cpu, 64, wasiparallel.AccessWrite)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == 0 || b.Size != 64 || b.Mirror() != nil {
		t.Fatalf("unexpected buffer %+v", b)
	}
}

func TestLookup_InvalidHandle(t *testing.T) {
	m := NewManager(0)
	for _, h := range []uint32{0, 1, 0xdeadbeef} {
		if _, err := m.Lookup(resourceHandle(h)); statusOf(err) != errors.StatusInvalidHandle {
			t.Errorf("Lookup(%d) = %v, want InvalidHandle", h, err)
		}
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	cpu, gpu, _ := devices(t)
	data := []byte("wasi-parallel payload!")

	for _, dev := range []*device.Device{cpu, gpu} {
		t.Run(dev.Name, func(t *testing.T) {
			mem := memtest.New(256)
			copy(mem.Bytes[16:], data)

			m := NewManager(0)
			b, err := m.Create(dev, uint32(len(data)), wasiparallel.AccessReadWrite)
			if err != nil {
				t.Fatal(err)
			}
			if err := m.Write(mem, 16, uint32(len(data)), b.ID); err != nil {
				t.Fatal(err)
			}
			if err := m.Read(mem, b.ID, 128, uint32(len(data))); err != nil {
				t.Fatal(err)
			}
			if got := mem.Bytes[128 : 128+len(data)]; !bytes.Equal(got, data) {
				t.Fatalf("read back %q, want %q", got, data)
			}
		})
	}
}

func TestWrite_CPUBindsRegion(t *testing.T) {
	cpu, _, _ := devices(t)
	mem := memtest.New(64)
	m := NewManager(0)

	b, _ := m.Create(cpu, 8, wasiparallel.AccessReadWrite)
	if _, ok := b.Binding(); ok {
		t.Fatal("new CPU buffer should be unbound")
	}
	if err := m.Write(mem, 24, 8, b.ID); err != nil {
		t.Fatal(err)
	}
	off, ok := b.Binding()
	if !ok || off != 24 {
		t.Fatalf("Binding() = (%d, %v), want (24, true)", off, ok)
	}

	// the region is shared, later guest stores are visible on read
	copy(mem.Bytes[24:], "ABCDEFGH")
	if err := m.Read(mem, b.ID, 0, 8); err != nil {
		t.Fatal(err)
	}
	if string(mem.Bytes[:8]) != "ABCDEFGH" {
		t.Fatalf("read %q", mem.Bytes[:8])
	}
}

func TestWrite_GPUSnapshots(t *testing.T) {
	_, gpu, _ := devices(t)
	mem := memtest.New(64)
	m := NewManager(0)

	b, _ := m.Create(gpu, 4, wasiparallel.AccessRead)
	copy(mem.Bytes, "abcd")
	if err := m.Write(mem, 0, 4, b.ID); err != nil {
		t.Fatal(err)
	}
	copy(mem.Bytes, "zzzz")
	if err := m.Read(mem, b.ID, 8, 4); err != nil {
		t.Fatal(err)
	}
	if string(mem.Bytes[8:12]) != "abcd" {
		t.Fatalf("GPU buffer should hold the uploaded snapshot, got %q", mem.Bytes[8:12])
	}
}

func TestReadWrite_Errors(t *testing.T) {
	cpu, _, _ := devices(t)
	mem := memtest.New(32)
	m := NewManager(0)
	b, _ := m.Create(cpu, 8, wasiparallel.AccessReadWrite)

	tests := []struct {
		name string
		call func() error
		want errors.Status
	}{
		{"read unbound", func() error { return m.Read(mem, b.ID, 0, 8) }, errors.StatusNotBound},
		{"write short", func() error { return m.Write(mem, 0, 4, b.ID) }, errors.StatusInvalidSize},
		{"write long", func() error { return m.Write(mem, 0, 16, b.ID) }, errors.StatusInvalidSize},
		{"write out of bounds", func() error { return m.Write(mem, 28, 8, b.ID) }, errors.StatusOutOfBounds},
		{"write overflow", func() error { return m.Write(mem, 0xfffffffc, 8, b.ID) }, errors.StatusOutOfBounds},
		{"write bad handle", func() error { return m.Write(mem, 0, 8, b.ID+1) }, errors.StatusInvalidHandle},
		{"read too long", func() error { return m.Read(mem, b.ID, 0, 9) }, errors.StatusInvalidSize},
		{"read out of bounds", func() error { return m.Read(mem, b.ID, 30, 8) }, errors.StatusOutOfBounds},
		{"read bad handle", func() error { return m.Read(mem, 0, 0, 8) }, errors.StatusInvalidHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusOf(tt.call()); got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClose_ReleasesMirrors(t *testing.T) {
	_, gpu, _ := devices(t)
	ctx := gpu.Context.(*emulated.Context)
	m := NewManager(0)

	for i := 0; i < 3; i++ {
		if _, err := m.Create(gpu, 16, wasiparallel.AccessReadWrite); err != nil {
			t.Fatal(err)
		}
	}
	if mirrors, _, _ := ctx.Stats(); mirrors != 3 {
		t.Fatalf("mirrors = %d, want 3", mirrors)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if mirrors, _, _ := ctx.Stats(); mirrors != 0 {
		t.Fatalf("mirrors after Close = %d, want 0", mirrors)
	}
}

type failingContext struct {
	device.Context
}

func (failingContext) Alloc(uint32, wasiparallel.BufferAccess) (device.Mirror, error) {
	return nil, stderrors.New("out of device memory")
}

func TestCreate_MirrorAllocationFails(t *testing.T) {
	dev := &device.Device{Name: "broken", Kind: wasiparallel.DeviceDiscreteGPU, Context: failingContext{}}
	m := NewManager(0)
	_, err := m.Create(dev, 16, wasiparallel.AccessRead)
	if statusOf(err) != errors.StatusAllocationFailed {
		t.Fatalf("Create = %v, want AllocationFailed", err)
	}
	if m.Len() != 0 {
		t.Fatal("failed create left a buffer behind")
	}
}

func resourceHandle(h uint32) resource.Handle { return resource.Handle(h) }
