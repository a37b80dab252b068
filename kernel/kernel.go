package kernel

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-parallel/device"
)

// Exporter looks up guest exports. api.Module satisfies it.
type Exporter interface {
	ExportedFunction(name string) api.Function
}

// Native is a guest function reached through a table slot.
type Native struct {
	exports Exporter
	Export  string
	Slot    uint32
}

// Function returns a fresh handle on the guest function. api.Function is
// not safe for concurrent use, so every parallel unit takes its own.
func (n *Native) Function() api.Function {
	return n.exports.ExportedFunction(n.Export)
}

// Invocable is a resolved kernel. Exactly one of Native and Program is set.
type Invocable struct {
	Native  *Native
	Program device.Program
	Device  *device.Device
	Ref     uint32
}

// IsNative reports whether the kernel runs as guest code on CPU threads.
func (k Invocable) IsNative() bool {
	return k.Native != nil
}
