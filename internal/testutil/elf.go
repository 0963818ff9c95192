package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// ELFSegment is one PT_LOAD program header. Memsz defaults to len(Data).
type ELFSegment struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64
}

// ELFSymbol is one global object symbol.
type ELFSymbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// ELFSpec describes a minimal 64-bit ELF file.
type ELFSpec struct {
	Type     elf.Type // default ET_CORE
	Order    binary.ByteOrder
	Segments []ELFSegment
	Symbols  []ELFSymbol
	// DynamicSymbols puts the symbols in .dynsym instead of .symtab.
	DynamicSymbols bool
}

// WriteELF writes spec to a file under t.TempDir and returns its path.
func WriteELF(t *testing.T, name string, spec ELFSpec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, BuildELF(spec), 0o600); err != nil {
		t.Fatalf("write elf: %v", err)
	}
	return path
}

// BuildELF encodes spec. Layout: header, program headers, segment data,
// string tables, symbol table, section headers.
func BuildELF(spec ELFSpec) []byte {
	order := spec.Order
	if order == nil {
		order = binary.LittleEndian
	}
	typ := spec.Type
	if typ == 0 {
		typ = elf.ET_CORE
	}

	const ehsize, phsize, shsize, symsize = 64, 56, 64, 24
	phoff := uint64(ehsize)
	off := phoff + uint64(len(spec.Segments))*phsize

	var body bytes.Buffer
	progs := make([]elf.Prog64, len(spec.Segments))
	for i, s := range spec.Segments {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    off + uint64(body.Len()),
			Vaddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  1,
		}
		body.Write(s.Data)
	}

	symtabName, strtabName := ".symtab", ".strtab"
	symType := elf.SHT_SYMTAB
	if spec.DynamicSymbols {
		symtabName, strtabName = ".dynsym", ".dynstr"
		symType = elf.SHT_DYNSYM
	}

	var sections []elf.Section64
	var shstr bytes.Buffer
	shstr.WriteByte(0)
	addName := func(n string) uint32 {
		at := uint32(shstr.Len())
		shstr.WriteString(n)
		shstr.WriteByte(0)
		return at
	}
	sections = append(sections, elf.Section64{})

	if len(spec.Symbols) > 0 {
		var strtab bytes.Buffer
		strtab.WriteByte(0)
		var symtab bytes.Buffer
		_ = binary.Write(&symtab, order, elf.Sym64{})
		for _, s := range spec.Symbols {
			nameOff := uint32(strtab.Len())
			strtab.WriteString(s.Name)
			strtab.WriteByte(0)
			_ = binary.Write(&symtab, order, elf.Sym64{
				Name:  nameOff,
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT),
				Shndx: uint16(elf.SHN_ABS),
				Value: s.Value,
				Size:  s.Size,
			})
		}

		strOff := off + uint64(body.Len())
		body.Write(strtab.Bytes())
		symOff := off + uint64(body.Len())
		body.Write(symtab.Bytes())

		// Section 1 is the symbol table, section 2 its string table.
		sections = append(sections,
			elf.Section64{
				Name: addName(symtabName), Type: uint32(symType), Off: symOff,
				Size: uint64(symtab.Len()), Link: 2, Info: 1, Addralign: 8, Entsize: symsize,
			},
			elf.Section64{
				Name: addName(strtabName), Type: uint32(elf.SHT_STRTAB), Off: strOff,
				Size: uint64(strtab.Len()), Addralign: 1,
			},
		)
	}

	shstrIndex := len(sections)
	shstrName := addName(".shstrtab")
	shstrOff := off + uint64(body.Len())
	body.Write(shstr.Bytes())
	sections = append(sections, elf.Section64{
		Name: shstrName, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(shstr.Len()), Addralign: 1,
	})

	shoff := off + uint64(body.Len())
	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(len(progs)),
		Shentsize: shsize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(shstrIndex),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if order == binary.BigEndian {
		hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	_ = binary.Write(&out, order, hdr)
	for _, p := range progs {
		_ = binary.Write(&out, order, p)
	}
	out.Write(body.Bytes())
	for _, s := range sections {
		_ = binary.Write(&out, order, s)
	}
	return out.Bytes()
}
