package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
)

// ErrFakeUnmapped is returned by FakeTarget for reads that start outside any
// mapped byte.
var ErrFakeUnmapped = errors.New("fake target: address not mapped")

// ErrFakeFault is returned for reads that touch a range registered with
// FailRange.
var ErrFakeFault = errors.New("fake target: injected fault")

type span struct {
	addr, n uint64
}

func (s span) overlaps(addr, n uint64) bool {
	return addr < s.addr+s.n && s.addr < addr+n
}

// FakeTarget is an in-memory sparse address space implementing the memory
// transport contract. It is safe for concurrent use.
type FakeTarget struct {
	mu     sync.Mutex
	mem    map[uint64]byte
	faults []span
	order  binary.ByteOrder
	next   uint64
	reads  int
	closes int
}

// NewFakeTarget returns an empty little-endian address space. Alloc hands out
// addresses starting at 0x10000.
func NewFakeTarget() *FakeTarget {
	return &FakeTarget{
		mem:   make(map[uint64]byte),
		order: binary.LittleEndian,
		next:  0x10000,
	}
}

// SetByteOrder changes the order used by the Put helpers and reported to
// the read service.
func (f *FakeTarget) SetByteOrder(order binary.ByteOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = order
}

// ByteOrder reports the target's byte order.
func (f *FakeTarget) ByteOrder() binary.ByteOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order
}

// Describe names the transport.
func (f *FakeTarget) Describe() string { return "fake" }

// Alloc reserves size zeroed bytes aligned to 16 and returns their address.
func (f *FakeTarget) Alloc(size uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.next
	for i := uint64(0); i < size; i++ {
		f.mem[addr+i] = 0
	}
	f.next = (addr + size + 0x1f) &^ 0xf
	return addr
}

// Map writes data at addr, mapping the bytes.
func (f *FakeTarget) Map(addr uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
}

// Unmap removes n bytes at addr from the address space.
func (f *FakeTarget) Unmap(addr, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		delete(f.mem, addr+i)
	}
}

// PutUint16 writes v at addr.
func (f *FakeTarget) PutUint16(addr uint64, v uint16) {
	b := make([]byte, 2)
	f.ByteOrder().PutUint16(b, v)
	f.Map(addr, b)
}

// PutUint32 writes v at addr.
func (f *FakeTarget) PutUint32(addr uint64, v uint32) {
	b := make([]byte, 4)
	f.ByteOrder().PutUint32(b, v)
	f.Map(addr, b)
}

// PutUint64 writes v at addr.
func (f *FakeTarget) PutUint64(addr uint64, v uint64) {
	b := make([]byte, 8)
	f.ByteOrder().PutUint64(b, v)
	f.Map(addr, b)
}

// PutUint writes v at addr using size bytes (1, 2, 4 or 8).
func (f *FakeTarget) PutUint(addr uint64, size int, v uint64) {
	switch size {
	case 1:
		f.Map(addr, []byte{byte(v)})
	case 2:
		f.PutUint16(addr, uint16(v))
	case 4:
		f.PutUint32(addr, uint32(v))
	case 8:
		f.PutUint64(addr, v)
	default:
		panic(fmt.Sprintf("fake target: unsupported width %d", size))
	}
}

// FailRange makes every read overlapping [addr, addr+n) fail.
func (f *FakeTarget) FailRange(addr, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, span{addr: addr, n: n})
}

// ClearFaults removes all injected faults.
func (f *FakeTarget) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// ReadMemory copies the mapped bytes at addr into buf. It returns a short
// count when the range runs into unmapped memory.
func (f *FakeTarget) ReadMemory(addr uint64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	for _, s := range f.faults {
		if s.overlaps(addr, uint64(len(buf))) {
			return 0, ErrFakeFault
		}
	}
	for i := range buf {
		b, ok := f.mem[addr+uint64(i)]
		if !ok {
			if i == 0 {
				return 0, ErrFakeUnmapped
			}
			return i, nil
		}
		buf[i] = b
	}
	return len(buf), nil
}

// Reads returns how many times ReadMemory was called.
func (f *FakeTarget) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Closes returns how many times Close was called.
func (f *FakeTarget) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Close records the call.
func (f *FakeTarget) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Segments returns the mapped bytes as contiguous runs in address order.
func (f *FakeTarget) Segments() []ELFSegment {
	f.mu.Lock()
	defer f.mu.Unlock()

	addrs := make([]uint64, 0, len(f.mem))
	for a := range f.mem {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)

	var segs []ELFSegment
	for _, a := range addrs {
		if n := len(segs); n > 0 && segs[n-1].Vaddr+uint64(len(segs[n-1].Data)) == a {
			segs[n-1].Data = append(segs[n-1].Data, f.mem[a])
			continue
		}
		segs = append(segs, ELFSegment{Vaddr: a, Data: []byte{f.mem[a]}})
	}
	return segs
}

// WriteCore dumps the fake address space as an ELF core file under
// t.TempDir and returns its path.
func (f *FakeTarget) WriteCore(t *testing.T, name string) string {
	t.Helper()
	return WriteELF(t, name, ELFSpec{Order: f.ByteOrder(), Segments: f.Segments()})
}
