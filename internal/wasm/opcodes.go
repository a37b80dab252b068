package wasm

// Section ids.
const (
	SectionCustom    byte = 0x00
	SectionType      byte = 0x01
	SectionImport    byte = 0x02
	SectionFunction  byte = 0x03
	SectionTable     byte = 0x04
	SectionMemory    byte = 0x05
	SectionGlobal    byte = 0x06
	SectionExport    byte = 0x07
	SectionStart     byte = 0x08
	SectionElement   byte = 0x09
	SectionCode      byte = 0x0a
	SectionData      byte = 0x0b
	SectionDataCount byte = 0x0c
	SectionTag       byte = 0x0d
)

// External kinds used in import and export entries.
const (
	ExternFunc   byte = 0x00
	ExternTable  byte = 0x01
	ExternMemory byte = 0x02
	ExternGlobal byte = 0x03
	ExternTag    byte = 0x04
)

// Opcodes used by constant expressions and the module builder.
const (
	OpUnreachable byte = 0x00
	OpNop         byte = 0x01
	OpBlock       byte = 0x02
	OpLoop        byte = 0x03
	OpIf          byte = 0x04
	OpElse        byte = 0x05
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpBrIf        byte = 0x0d
	OpReturn      byte = 0x0f
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpLocalTee    byte = 0x22
	OpGlobalGet   byte = 0x23
	OpI32Load     byte = 0x28
	OpF32Load     byte = 0x2a
	OpI32Store    byte = 0x36
	OpF32Store    byte = 0x38
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpF32Const    byte = 0x43
	OpF64Const    byte = 0x44
	OpI32Eqz      byte = 0x45
	OpI32Eq       byte = 0x46
	OpI32Ne       byte = 0x47
	OpI32LtU      byte = 0x49
	OpI32GeU      byte = 0x4f
	OpI32Add      byte = 0x6a
	OpI32Sub      byte = 0x6b
	OpI32Mul      byte = 0x6c
	OpI32DivU     byte = 0x6e
	OpI32Shl      byte = 0x74
	OpI64Add      byte = 0x7c
	OpI64Sub      byte = 0x7d
	OpI64Mul      byte = 0x7e
	OpF32Add      byte = 0x92
	OpF32Mul      byte = 0x94
	OpRefNull     byte = 0xd0
	OpRefFunc     byte = 0xd2
)

// Value and reference type encodings.
const (
	TypeI32     byte = 0x7f
	TypeI64     byte = 0x7e
	TypeF32     byte = 0x7d
	TypeF64     byte = 0x7c
	TypeFuncRef byte = 0x70
	TypeFunc    byte = 0x60
	BlockVoid   byte = 0x40
)
