package resource

// Handle is an opaque reference to a value in an Arena.
// The low 20 bits hold the slot index plus one, the high 12 bits the slot
// generation. Handle 0 is reserved and always invalid.
type Handle uint32

const (
	indexBits = 20
	indexMask = 1<<indexBits - 1
	maxSlots  = indexMask

	// maxGeneration is the last generation a slot is handed out with.
	// A slot removed at maxGeneration is retired, never reused.
	maxGeneration = 1<<(32-indexBits) - 1
)

func makeHandle(slot int, gen uint16) Handle {
	return Handle(uint32(gen)<<indexBits | uint32(slot+1))
}

// slot returns the slot index encoded in h, or -1 for the zero handle.
func (h Handle) slot() int {
	return int(uint32(h)&indexMask) - 1
}

func (h Handle) gen() uint16 {
	return uint16(uint32(h) >> indexBits)
}

// Dropper is optionally implemented by arena values that need cleanup
// when they are removed or the arena is closed.
type Dropper interface {
	Drop()
}
