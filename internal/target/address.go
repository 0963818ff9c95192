// Package target implements the memory read service: the single primitive
// through which every byte of the inspected process or snapshot is obtained.
//
// Foreign memory is only ever named by an Address. An Address is an opaque
// integer in the target's address space; it supports byte-offset arithmetic
// but can never be turned into a local pointer. Bytes are obtained by an
// explicit, fallible Service.Read.
package target

import (
	"fmt"

	"github.com/coral-mesh/gcscope/internal/safe"
)

// Address is a location in the inspected address space.
type Address uint64

// Null is the "no address" sentinel. It is never passed to a transport.
const Null Address = 0

// IsNull reports whether a is the null sentinel.
func (a Address) IsNull() bool { return a == Null }

// Add returns a displaced by off bytes. Arithmetic wraps; use Offset when
// the result must be validated.
func (a Address) Add(off int64) Address {
	return Address(uint64(a) + uint64(off))
}

// Offset returns a+off and false if the result wraps around.
func (a Address) Offset(off uint64) (Address, bool) {
	v, ok := safe.Add(uint64(a), off)
	return Address(v), ok
}

// Sub returns the byte distance a-b. The caller must ensure a >= b.
func (a Address) Sub(b Address) uint64 { return uint64(a) - uint64(b) }

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// MarshalText renders the address in hex for JSON and YAML output.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
