// Package symbols locates the runtime's published diagnostics globals in
// the executable image of the inspected target.
//
// The globals pointer is an exported data symbol. Its link-time value is read
// from the ELF symbol tables; for position-independent images the caller
// supplies the address the image was loaded at and the resolver applies the
// load bias.
package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/gcscope/internal/constants"
	"github.com/coral-mesh/gcscope/internal/sys/proc"
	"github.com/coral-mesh/gcscope/internal/target"
)

// DefaultGlobalsSymbol is the symbol under which the runtime publishes the
// pointer to its diagnostics globals block.
var DefaultGlobalsSymbol = constants.DefaultGlobalsSymbol

// pageSize aligns the link base; the loader maps the first PT_LOAD at a page
// boundary.
var pageSize = uint64(os.Getpagesize())

// ErrSymbolNotFound is returned when neither symbol table defines the name.
var ErrSymbolNotFound = errors.New("symbol not found")

// Image is the parsed symbol view of one ELF file.
type Image struct {
	Path string
	Hash uint64
	Type elf.Type

	// linkBase is the lowest PT_LOAD virtual address.
	linkBase uint64
	symbols  map[string]elf.Symbol
}

// PIE reports whether the image is relocated at load time.
func (img *Image) PIE() bool { return img.Type == elf.ET_DYN }

// LinkBase is the lowest virtual address the image was linked at.
func (img *Image) LinkBase() uint64 { return img.linkBase }

// Lookup returns the link-time value of a defined symbol.
func (img *Image) Lookup(name string) (uint64, bool) {
	s, ok := img.symbols[name]
	if !ok {
		return 0, false
	}
	return s.Value, true
}

// Len reports how many named symbols were indexed.
func (img *Image) Len() int { return len(img.symbols) }

// Relocate maps a link-time address to the runtime address for an image
// loaded at loadBase, the start of its lowest mapping. Non-PIE images are
// never relocated.
func (img *Image) Relocate(value, loadBase uint64) uint64 {
	if !img.PIE() || loadBase == 0 {
		return value
	}
	return value - img.linkBase&^(pageSize-1) + loadBase
}

// Resolver parses executables and caches their symbol tables by content.
type Resolver struct {
	logger zerolog.Logger

	mu     sync.Mutex
	images map[uint64]*Image
}

// NewResolver creates an empty resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "symbols").Logger(),
		images: make(map[uint64]*Image),
	}
}

// Open returns the image for path, reusing a cached parse when the file
// content hash is unchanged.
func (r *Resolver) Open(path string) (*Image, error) {
	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if img, ok := r.images[hash]; ok {
		r.logger.Debug().Str("path", path).Msg("Symbol table cache hit")
		return img, nil
	}

	img, err := parse(path)
	if err != nil {
		return nil, err
	}
	img.Hash = hash
	r.images[hash] = img

	r.logger.Debug().
		Str("path", path).
		Int("symbols", img.Len()).
		Bool("pie", img.PIE()).
		Msg("Symbol table loaded")
	return img, nil
}

// Resolve returns the runtime address of name in the executable at path,
// loaded at loadBase (0 for an unrelocated image).
func (r *Resolver) Resolve(path, name string, loadBase uint64) (target.Address, error) {
	img, err := r.Open(path)
	if err != nil {
		return target.Null, err
	}
	v, ok := img.Lookup(name)
	if !ok {
		return target.Null, fmt.Errorf("%s in %s: %w", name, path, ErrSymbolNotFound)
	}
	if img.PIE() && loadBase == 0 {
		r.logger.Warn().Str("symbol", name).Msg("Position-independent image without a load base, using link address")
	}
	return target.Address(img.Relocate(v, loadBase)), nil
}

// ResolvePid resolves name in the executable of a live process, taking the
// load base from its memory maps.
func (r *Resolver) ResolvePid(pid int, name string) (target.Address, error) {
	exe, err := proc.GetBinaryPath(pid)
	if err != nil {
		return target.Null, fmt.Errorf("failed to locate executable of pid %d: %w", pid, err)
	}
	maps, err := proc.ReadMaps(pid)
	if err != nil {
		return target.Null, err
	}
	base, ok := proc.ImageBase(maps, exe)
	if !ok {
		return target.Null, fmt.Errorf("executable %s not mapped in pid %d", exe, pid)
	}
	addr, err := r.Resolve(exe, name, base)
	if err != nil {
		return target.Null, err
	}
	if m, ok := proc.FindMapping(maps, uint64(addr)); !ok || !m.Readable() {
		r.logger.Debug().Int("pid", pid).Stringer("addr", addr).Msg("Globals symbol is not in a readable mapping")
	}
	return addr, nil
}

func parse(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	defer f.Close() // nolint:errcheck

	img := &Image{
		Path:    path,
		Type:    f.Type,
		symbols: make(map[string]elf.Symbol),
	}

	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < img.linkBase {
			img.linkBase = p.Vaddr
			first = false
		}
	}

	// .symtab wins over .dynsym for names defined in both.
	static, serr := f.Symbols()
	dynamic, derr := f.DynamicSymbols()
	if serr != nil && derr != nil {
		return nil, fmt.Errorf("%s has no symbol table (stripped binary?)", path)
	}
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Name == "" || s.Section == elf.SHN_UNDEF {
				continue
			}
			if _, ok := img.symbols[s.Name]; !ok {
				img.symbols[s.Name] = s
			}
		}
	}
	add(static)
	add(dynamic)
	return img, nil
}

func hashFile(path string) (uint64, error) {
	f, err := os.Open(path) //nolint:gosec // G304: user-supplied executable path
	if err != nil {
		return 0, err
	}
	defer f.Close() // nolint:errcheck

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum64(), nil
}
