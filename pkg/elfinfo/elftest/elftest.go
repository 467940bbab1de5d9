// Package elftest synthesizes small ELF64 files for tests. The output
// carries only what the dynamic linking logic looks at: the header,
// program headers, the dynamic section with its string table, and
// optional .note.dlopen notes.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
)

type Spec struct {
	Machine elf.Machine
	OSABI   elf.OSABI
	Type    elf.Type

	// Interp adds a PT_INTERP segment pointing at the given path.
	Interp string

	// NoSegments leaves out the PT_LOAD segment.
	NoSegments bool

	Needed  []string
	Runpath string
	Rpath   string

	// DlopenNotes are raw payloads, one note each.
	DlopenNotes []string
}

// Library is a shared object needing the given libraries.
func Library(needed ...string) Spec {
	return Spec{Type: elf.ET_DYN, Needed: needed}
}

// Executable is a dynamically linked executable.
func Executable(interp string, needed ...string) Spec {
	return Spec{Type: elf.ET_EXEC, Interp: interp, Needed: needed}
}

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	dynSize  = 16

	dlopenNoteType = 0x407c0c0a
)

type section struct {
	name    string
	typ     elf.SectionType
	data    []byte
	link    uint32
	entsize uint64
	align   uint64
	off     uint64
}

// Build renders s as an ELF64 little endian image.
func Build(s Spec) []byte {
	if s.Machine == 0 {
		s.Machine = elf.EM_X86_64
	}

	if s.Type == 0 {
		s.Type = elf.ET_DYN
	}

	order := binary.LittleEndian

	var sections []*section

	var interp *section
	if s.Interp != "" {
		interp = &section{
			name:  ".interp",
			typ:   elf.SHT_PROGBITS,
			data:  append([]byte(s.Interp), 0),
			align: 1,
		}
		sections = append(sections, interp)
	}

	var dynamic *section

	if len(s.Needed) > 0 || s.Runpath != "" || s.Rpath != "" {
		var (
			strtab bytes.Buffer
			dyns   bytes.Buffer
		)

		strtab.WriteByte(0)

		addStr := func(str string) uint64 {
			off := uint64(strtab.Len())
			strtab.WriteString(str)
			strtab.WriteByte(0)
			return off
		}

		addDyn := func(tag elf.DynTag, val uint64) {
			binary.Write(&dyns, order, elf.Dyn64{Tag: int64(tag), Val: val})
		}

		for _, n := range s.Needed {
			addDyn(elf.DT_NEEDED, addStr(n))
		}

		if s.Runpath != "" {
			addDyn(elf.DT_RUNPATH, addStr(s.Runpath))
		}

		if s.Rpath != "" {
			addDyn(elf.DT_RPATH, addStr(s.Rpath))
		}

		addDyn(elf.DT_NULL, 0)

		dynstr := &section{
			name:  ".dynstr",
			typ:   elf.SHT_STRTAB,
			data:  strtab.Bytes(),
			align: 1,
		}

		sections = append(sections, dynstr)

		dynamic = &section{
			name:    ".dynamic",
			typ:     elf.SHT_DYNAMIC,
			data:    dyns.Bytes(),
			link:    uint32(len(sections)), // index of .dynstr, counting the null section
			entsize: dynSize,
			align:   8,
		}

		sections = append(sections, dynamic)
	}

	if len(s.DlopenNotes) > 0 {
		var notes bytes.Buffer

		for _, payload := range s.DlopenNotes {
			name := []byte("FDO\x00")
			desc := append([]byte(payload), 0)

			binary.Write(&notes, order, uint32(len(name)))
			binary.Write(&notes, order, uint32(len(desc)))
			binary.Write(&notes, order, uint32(dlopenNoteType))
			notes.Write(pad4(name))
			notes.Write(pad4(desc))
		}

		sections = append(sections, &section{
			name:  ".note.dlopen",
			typ:   elf.SHT_NOTE,
			data:  notes.Bytes(),
			align: 4,
		})
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)

	nameOffsets := make([]uint32, len(sections)+1)

	for i, sec := range sections {
		nameOffsets[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(sec.name)
		shstrtab.WriteByte(0)
	}

	nameOffsets[len(sections)] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	sections = append(sections, &section{
		name:  ".shstrtab",
		typ:   elf.SHT_STRTAB,
		data:  shstrtab.Bytes(),
		align: 1,
	})

	phnum := 0
	if interp != nil {
		phnum++
	}

	if !s.NoSegments {
		phnum++
	}

	if dynamic != nil {
		phnum++
	}

	off := uint64(ehdrSize + phdrSize*phnum)

	for _, sec := range sections {
		off = alignUp(off, sec.align)
		sec.off = off
		off += uint64(len(sec.data))
	}

	shoff := alignUp(off, 8)
	shnum := len(sections) + 1
	total := shoff + uint64(shdrSize*shnum)

	var out bytes.Buffer

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(s.OSABI)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(s.Type),
		Machine:   uint16(s.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(phnum),
		Shentsize: shdrSize,
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shnum - 1),
		Shoff:     shoff,
	}

	if phnum > 0 {
		hdr.Phoff = ehdrSize
	}

	binary.Write(&out, order, hdr)

	if interp != nil {
		binary.Write(&out, order, elf.Prog64{
			Type:   uint32(elf.PT_INTERP),
			Flags:  uint32(elf.PF_R),
			Off:    interp.off,
			Vaddr:  interp.off,
			Paddr:  interp.off,
			Filesz: uint64(len(interp.data)),
			Memsz:  uint64(len(interp.data)),
			Align:  1,
		})
	}

	if !s.NoSegments {
		binary.Write(&out, order, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Filesz: total,
			Memsz:  total,
			Align:  0x1000,
		})
	}

	if dynamic != nil {
		binary.Write(&out, order, elf.Prog64{
			Type:   uint32(elf.PT_DYNAMIC),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    dynamic.off,
			Vaddr:  dynamic.off,
			Paddr:  dynamic.off,
			Filesz: uint64(len(dynamic.data)),
			Memsz:  uint64(len(dynamic.data)),
			Align:  8,
		})
	}

	for _, sec := range sections {
		out.Write(make([]byte, int(sec.off)-out.Len()))
		out.Write(sec.data)
	}

	out.Write(make([]byte, int(shoff)-out.Len()))

	binary.Write(&out, order, elf.Section64{})

	for i, sec := range sections {
		binary.Write(&out, order, elf.Section64{
			Name:      nameOffsets[i],
			Type:      uint32(sec.typ),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      sec.off,
			Off:       sec.off,
			Size:      uint64(len(sec.data)),
			Link:      sec.link,
			Addralign: sec.align,
			Entsize:   sec.entsize,
		})
	}

	return out.Bytes()
}

// WriteFile builds s and writes it to path, creating parent directories.
func WriteFile(path string, s Spec) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(path, Build(s), 0755)
}

func alignUp(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}

	return (n + a - 1) &^ (a - 1)
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}

	return b
}
