package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"lab47.dev/autopatchelf/pkg/elfinfo"
)

var ErrToolchain = errors.New("unable to determine toolchain")

// Toolchain describes the dynamic linker and libc patched files are
// pointed at. It is built once at startup and passed down.
type Toolchain struct {
	InterpreterPath string
	Interpreter     *elfinfo.File

	// LibcDir holds the libc libraries, which are left to the
	// linker's default resolution.
	LibcDir string
}

// BintoolsPaths reads the dynamic linker and libc library directory from
// a bintools wrapper's nix-support directory.
func BintoolsPaths(bintools string) (string, string, error) {
	support := filepath.Join(bintools, "nix-support")

	interp, err := readTrimmed(filepath.Join(support, "dynamic-linker"))
	if err != nil {
		return "", "", err
	}

	libc, err := readTrimmed(filepath.Join(support, "orig-libc"))
	if err != nil {
		return "", "", err
	}

	return interp, filepath.Join(libc, "lib"), nil
}

func readTrimmed(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(ErrToolchain, "reading %s: %s", path, err)
	}

	val := strings.TrimSpace(string(data))
	if val == "" {
		return "", errors.Wrapf(ErrToolchain, "%s is empty", path)
	}

	return val, nil
}

// Toolchain resolves the toolchain, preferring the given paths over the
// ones found through Bintools.
func (c *Config) Toolchain(interpreter, libcDir string) (*Toolchain, error) {
	if interpreter == "" || libcDir == "" {
		interp, libc, err := BintoolsPaths(c.Bintools)
		if err != nil {
			return nil, err
		}

		if interpreter == "" {
			interpreter = interp
		}

		if libcDir == "" {
			libcDir = libc
		}
	}

	return LoadToolchain(interpreter, libcDir)
}

// LoadToolchain checks that both paths exist and parses the interpreter,
// which has to be a valid ELF file.
func LoadToolchain(interpreter, libcDir string) (*Toolchain, error) {
	fi, err := os.Stat(libcDir)
	if err != nil || !fi.IsDir() {
		return nil, errors.Wrapf(ErrToolchain, "libc directory %s is not usable", libcDir)
	}

	data, err := ioutil.ReadFile(interpreter)
	if err != nil {
		return nil, errors.Wrapf(ErrToolchain, "reading dynamic linker %s: %s", interpreter, err)
	}

	ef, err := elfinfo.Parse(data)
	if err != nil {
		return nil, errors.Wrapf(ErrToolchain, "parsing dynamic linker %s: %s", interpreter, err)
	}

	return &Toolchain{
		InterpreterPath: interpreter,
		Interpreter:     ef,
		LibcDir:         libcDir,
	}, nil
}
