package wasiparallel

// Memory is the guest linear memory as seen by the host functions.
// wazero's api.Memory satisfies it directly. The returned slices of Read
// alias guest memory and are only valid until the memory grows.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool
	Size() uint32
}

// ImportModule is the module name guests import the parallel functions from.
const ImportModule = "wasi_ephemeral_parallel"

// KernelSectionName is the custom section carrying device kernel modules.
const KernelSectionName = "wasi-parallel"
