package elfinfo

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
)

var ErrNotELF = errors.New("not an ELF file")

type Kind int

const (
	Other Kind = iota
	StaticExecutable
	DynamicExecutable
	SharedObject
)

func (k Kind) String() string {
	switch k {
	case StaticExecutable:
		return "static-executable"
	case DynamicExecutable:
		return "dynamic-executable"
	case SharedObject:
		return "shared-object"
	default:
		return "other"
	}
}

// File is a snapshot of the dynamic linking information of an ELF file.
type File struct {
	Machine     elf.Machine
	OSABI       elf.OSABI
	Type        elf.Type
	Kind        Kind
	Interpreter string

	HasLoadSegments bool

	// Runpath holds DT_RUNPATH, or DT_RPATH when there is no RUNPATH.
	Runpath []string

	// Needed holds one alternative set per dependency. Each set
	// is satisfied by any one of its candidates.
	Needed [][]string
}

// Open reads and parses the file at path.
func Open(path string) (*File, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes the ELF header, program headers, dynamic section and
// dlopen notes from data. Any decoding problem is reported as ErrNotELF.
func Parse(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrNotELF, "%s", err)
	}

	defer ef.Close()

	f := &File{
		Machine: ef.Machine,
		OSABI:   ef.OSABI,
		Type:    ef.Type,
	}

	hasInterp := false

	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_INTERP:
			hasInterp = true

			interp, err := ioutil.ReadAll(p.Open())
			if err == nil {
				f.Interpreter = NullStr(interp)
			}
		case elf.PT_LOAD:
			f.HasLoadSegments = true
		}
	}

	switch {
	case hasInterp:
		f.Kind = DynamicExecutable
	case ef.Type == elf.ET_EXEC:
		f.Kind = StaticExecutable
	case ef.Type == elf.ET_DYN:
		f.Kind = SharedObject
	}

	f.Runpath, err = runpath(ef)
	if err != nil {
		return nil, errors.Wrapf(ErrNotELF, "reading runpath: %s", err)
	}

	needed, err := ef.DynString(elf.DT_NEEDED)
	if err != nil {
		return nil, errors.Wrapf(ErrNotELF, "reading needed entries: %s", err)
	}

	for _, name := range needed {
		f.Needed = append(f.Needed, []string{name})
	}

	for _, sec := range ef.Sections {
		if sec.Name != DlopenSection {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		f.Needed = append(f.Needed, parseDlopenNotes(data, ef.ByteOrder)...)
	}

	return f, nil
}

func runpath(ef *elf.File) ([]string, error) {
	for _, tag := range []elf.DynTag{elf.DT_RUNPATH, elf.DT_RPATH} {
		vals, err := ef.DynString(tag)
		if err != nil {
			return nil, err
		}

		if len(vals) > 0 {
			return strings.Split(vals[0], ":"), nil
		}
	}

	return nil, nil
}

// IsStatic reports whether f is an executable without an interpreter.
func (f *File) IsStatic() bool {
	return f.Kind == StaticExecutable
}

func (f *File) IsDynamicExecutable() bool {
	return f.Kind == DynamicExecutable
}

// OSABICompatible reports whether code built for a can be loaded alongside
// code built for b. The System V tag is compatible with everything,
// otherwise the tags must match exactly.
func OSABICompatible(a, b elf.OSABI) bool {
	if a == elf.ELFOSABI_NONE || b == elf.ELFOSABI_NONE {
		return true
	}

	return a == b
}

func MachineString(m elf.Machine) string {
	return strings.TrimPrefix(m.String(), "EM_")
}

func OSABIString(abi elf.OSABI) string {
	s := abi.String()
	if strings.HasPrefix(s, "ELFOSABI_") {
		return s
	}

	return fmt.Sprintf("unknown_%d", uint8(abi))
}

// NullStr returns the bytes of b up to the first NUL as a string.
func NullStr(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx != -1 {
		return string(b[:idx])
	}

	return string(b)
}
