// Package wasm provides the WebAssembly binary utilities wasi-parallel needs
// before a guest is compiled: section walking, kernel section extraction,
// table layout recovery and export rewriting.
//
// wazero exposes no public API for a module's function table, so the
// runtime recovers table 0 from the binary instead:
//
//	layout, err := wasm.ParseTable(bin)
//	bin, err = wasm.ExportSlots(bin, layout, wasm.SlotExportName)
//
// Every populated slot becomes an exported function that the kernel
// resolver can look up by name. Slots written at run time through
// table.set, table.grow or table.init are not visible this way.
//
// ModuleBuilder assembles small guest modules for tests and tools.
package wasm
