package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero/api"

	wasiparallel "github.com/wippyai/wasi-parallel"
	"github.com/wippyai/wasi-parallel/internal/testguest"
	"github.com/wippyai/wasi-parallel/internal/wasm"
)

func newEngine(t *testing.T, cfg *Config) *WazeroEngine {
	t.Helper()
	ctx := context.Background()
	e, err := NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func TestLoadModule(t *testing.T) {
	e := newEngine(t, nil)
	bin := testguest.NStream(3, []byte("nstream"))

	m, err := e.LoadModule(context.Background(), bin)
	if err != nil {
		t.Fatal(err)
	}
	if !m.importsParallel || m.importsWASI {
		t.Fatalf("imports: parallel=%v wasi=%v", m.importsParallel, m.importsWASI)
	}
	if got := m.TableLayout().SortedSlots(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("slots = %v", got)
	}
	if k := m.Kernels(); len(k) != 1 || k[0].ID != 0 || !bytes.Equal(k[0].Module, []byte("nstream")) {
		t.Fatalf("kernels = %+v", k)
	}

	for _, n := range m.ExportNames() {
		if n == wasm.SlotExportName(0) {
			t.Fatal("slot export listed as a guest export")
		}
	}
	if m.ExportedFunction("parallel_for") == nil {
		t.Fatal("parallel_for wrapper not exported")
	}
}

func TestLoadModule_Invalid(t *testing.T) {
	e := newEngine(t, nil)
	if _, err := e.LoadModule(context.Background(), []byte("not wasm")); err == nil {
		t.Fatal("expected error")
	}

	bin := wasm.AppendCustomSection(testguest.Bare(), wasiparallel.KernelSectionName, []byte{1, 2})
	if _, err := e.LoadModule(context.Background(), bin); err == nil {
		t.Fatal("short kernel section accepted")
	}
}

func TestInstantiate_UniqueNamesAndSessions(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()
	m, err := e.LoadModule(ctx, testguest.Minimal())
	if err != nil {
		t.Fatal(err)
	}

	a, err := m.Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Name() == b.Name() {
		t.Fatalf("instances share name %q", a.Name())
	}
	if a.Session() == b.Session() {
		t.Fatal("instances share a session")
	}

	for _, inst := range []*WazeroInstance{a, b} {
		res, err := inst.Call(ctx, "run")
		if err != nil {
			t.Fatal(err)
		}
		if res[0] != 0 {
			t.Fatalf("run returned status %d", res[0])
		}
		if v, _ := inst.Memory().ReadUint32Le(0); v == 0 {
			t.Fatal("kernel did not run")
		}
	}

	name := a.Name()
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Host().Session(name); ok {
		t.Fatal("session still attached after Close")
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := a.Call(ctx, "run"); err == nil {
		t.Fatal("call on closed instance succeeded")
	}
	b.Close(ctx)
}

func TestInstantiate_NameClash(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()
	m, err := e.LoadModule(ctx, testguest.Minimal())
	if err != nil {
		t.Fatal(err)
	}
	a, err := m.InstantiateWithConfig(ctx, &InstanceConfig{Name: "same"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	if _, err := m.InstantiateWithConfig(ctx, &InstanceConfig{Name: "same"}); err == nil {
		t.Fatal("duplicate name instantiated")
	}
}

func TestInstantiate_WASI(t *testing.T) {
	e := newEngine(t, &Config{MemoryLimitPages: 16})
	ctx := context.Background()

	b := wasm.NewModuleBuilder()
	i32 := []api.ValueType{api.ValueTypeI32}
	exit := b.ImportFunc(WASIModule, "proc_exit", i32, nil)
	b.ExportFunc("quit", b.Func(nil, nil, nil, wasm.Concat(wasm.I32Const(3), wasm.Call(exit))))
	b.Memory(1, "memory")

	m, err := e.LoadModule(ctx, b.Build())
	if err != nil {
		t.Fatal(err)
	}
	if !m.importsWASI {
		t.Fatal("WASI import not detected")
	}
	inst, err := m.Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(ctx)

	if _, err := inst.Call(ctx, "quit"); err == nil {
		t.Fatal("proc_exit did not surface as an error")
	}
	if e.Runtime().Module(WASIModule) == nil {
		t.Fatal("WASI not instantiated")
	}
}
