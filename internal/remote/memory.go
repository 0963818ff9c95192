// Package remote provides typed, non-dereferenceable handles to values in a
// target address space.
//
// A Ptr is an address plus a codec. The only way to obtain the value behind
// it is Materialize, which performs one fresh read through the session's
// read service and decodes a local copy. Sizes of collector structures come
// from the session's layout table; only fixed-width scalars carry a compiled
// size.
package remote

import (
	"encoding/binary"

	"github.com/coral-mesh/gcscope/internal/layout"
	"github.com/coral-mesh/gcscope/internal/target"
)

// Reader is the read primitive. *target.Service implements it.
type Reader interface {
	Read(addr target.Address, n uint64) ([]byte, error)
	ByteOrder() binary.ByteOrder
}

// Memory binds a reader to the layout table of the same session.
type Memory struct {
	r     Reader
	table *layout.Table
}

// NewMemory returns a Memory reading through r and sizing through table.
func NewMemory(r Reader, table *layout.Table) *Memory {
	return &Memory{r: r, table: table}
}

// Table returns the session layout.
func (m *Memory) Table() *layout.Table { return m.table }

// ByteOrder returns the target byte order.
func (m *Memory) ByteOrder() binary.ByteOrder { return m.r.ByteOrder() }

// PointerSize returns the target pointer width in bytes.
func (m *Memory) PointerSize() int { return m.table.PointerSize() }

// Read returns n bytes at addr or fails; it never returns partial data.
func (m *Memory) Read(addr target.Address, n uint64) ([]byte, error) {
	return m.r.Read(addr, n)
}
