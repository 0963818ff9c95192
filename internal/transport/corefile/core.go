// Package corefile reads the address space captured in an ELF core dump.
//
// The file is memory-mapped and each PT_LOAD segment with file contents
// becomes a readable range. Ranges the dump did not capture (gaps, or the
// tail of a segment whose Memsz exceeds its Filesz) are unreadable; the
// transport never invents zero bytes for them.
package corefile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnmapped is returned for reads that start outside every segment.
var ErrUnmapped = errors.New("address not captured in core file")

// Config configures Open.
type Config struct {
	// AllowNonCore accepts ET_EXEC and ET_DYN files, whose segments are then
	// read at their link addresses.
	AllowNonCore bool

	Logger zerolog.Logger
}

// Transport reads a core file.
type Transport struct {
	path     string
	order    binary.ByteOrder
	ptrSize  int
	machine  elf.Machine
	segments segments

	mu   sync.RWMutex
	file *mmapFile
}

// Open maps path and indexes its loadable segments.
func Open(path string, cfg Config) (*Transport, error) {
	logger := cfg.Logger.With().Str("component", "corefile").Str("path", path).Logger()

	mf, err := mmapOpen(path)
	if err != nil {
		return nil, err
	}

	t, err := load(path, mf, cfg)
	if err != nil {
		_ = mf.close()
		return nil, err
	}

	logger.Debug().
		Int("segments", len(t.segments)).
		Int("pointer_size", t.ptrSize).
		Str("machine", t.machine.String()).
		Msg("Core file opened")
	return t, nil
}

func load(path string, mf *mmapFile, cfg Config) (*Transport, error) {
	f, err := elf.NewFile(bytes.NewReader(mf.data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Type != elf.ET_CORE && !cfg.AllowNonCore {
		return nil, fmt.Errorf("%s: not a core file (type %s)", path, f.Type)
	}

	t := &Transport{
		path:    path,
		order:   f.ByteOrder,
		ptrSize: 8,
		machine: f.Machine,
		file:    mf,
	}
	if f.Class == elf.ELFCLASS32 {
		t.ptrSize = 4
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if p.Memsz < p.Filesz {
			return nil, fmt.Errorf("%s: segment at 0x%x has Memsz %d < Filesz %d", path, p.Vaddr, p.Memsz, p.Filesz)
		}
		data, err := mf.slice(p.Off, p.Filesz)
		if err != nil {
			return nil, fmt.Errorf("%s: segment at 0x%x: %w", path, p.Vaddr, err)
		}
		if err := t.segments.insert(segment{addr: p.Vaddr, data: data}); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(t.segments) == 0 {
		return nil, fmt.Errorf("%s: no loadable segments with file contents", path)
	}
	return t, nil
}

// ReadMemory copies captured bytes at addr into buf. A range that runs into
// a gap returns a short count.
func (t *Transport) ReadMemory(addr uint64, buf []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.file == nil {
		return 0, errMmapClosed
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n := t.segments.read(addr, buf)
	if n == 0 {
		return 0, fmt.Errorf("0x%x: %w", addr, ErrUnmapped)
	}
	return n, nil
}

// ByteOrder reports the dump's byte order.
func (t *Transport) ByteOrder() binary.ByteOrder { return t.order }

// PointerSize reports 4 for ELFCLASS32 dumps and 8 otherwise.
func (t *Transport) PointerSize() int { return t.ptrSize }

// Machine reports the dumped architecture.
func (t *Transport) Machine() elf.Machine { return t.machine }

// Describe names the transport.
func (t *Transport) Describe() string { return "core " + t.path }

// Ranges returns the captured [start, end) ranges, sorted.
func (t *Transport) Ranges() [][2]uint64 {
	out := make([][2]uint64, len(t.segments))
	for i, s := range t.segments {
		out[i] = [2]uint64{s.addr, s.end()}
	}
	return out
}

// Close unmaps the file. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return nil
	}
	err := t.file.close()
	t.file = nil
	t.segments = nil
	return err
}
