package target

import "encoding/binary"

// Transport is the narrow contract a memory source must satisfy: a live
// process, a core file, or an in-memory double.
//
// ReadMemory fills buf with the bytes at addr and returns how many bytes
// were read. Implementations may return a short count; the Service treats
// any short read as a failure.
type Transport interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
	Close() error
}

// ByteOrderer is implemented by transports that know the target's byte order
// (an ELF core, for example). Others are assumed little-endian.
type ByteOrderer interface {
	ByteOrder() binary.ByteOrder
}

// Describer is implemented by transports that can name themselves for logs.
type Describer interface {
	Describe() string
}

// PointerSizer is implemented by transports that know the target's pointer
// width in bytes.
type PointerSizer interface {
	PointerSize() int
}
