package fileutils

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// SharedObjectPattern matches the base names of shared libraries,
// including versioned ones such as libfoo.so.1.2.
const SharedObjectPattern = "*.so*"

// Glob calls fn with every path below root whose base name matches pattern.
// Without recursive only the direct children of root are considered. A root
// that is not a directory is offered to fn itself if its name matches, and
// a root that doesn't exist yields nothing. Symlinks to directories are
// followed, each directory at most once, and paths are reported below root
// as given. Entries are visited in lexical order. Returning an error from
// fn stops the walk and returns that error.
func Glob(root, pattern string, recursive bool, fn func(path string) error) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return errors.Wrapf(err, "compiling pattern %q", pattern)
	}

	fi, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	if !fi.IsDir() {
		if g.Match(filepath.Base(root)) {
			return fn(root)
		}

		return nil
	}

	w := &globWalk{
		g:         g,
		recursive: recursive,
		fn:        fn,
		visited:   make(map[string]struct{}),
	}

	return w.walk(root, true)
}

type globWalk struct {
	g         glob.Glob
	recursive bool
	fn        func(path string) error

	// visited holds resolved directories, so symlink cycles terminate.
	visited map[string]struct{}
}

func (w *globWalk) walk(dir string, root bool) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if root {
			return err
		}

		return nil
	}

	if _, ok := w.visited[real]; ok {
		return nil
	}

	w.visited[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Unreadable subtrees are skipped rather than failing the walk.
		if root {
			return err
		}

		return nil
	}

	for _, ent := range entries {
		path := filepath.Join(dir, ent.Name())

		isDir := ent.IsDir()
		if ent.Type()&fs.ModeSymlink != 0 {
			if fi, err := os.Stat(path); err == nil {
				isDir = fi.IsDir()
			}
		}

		if w.g.Match(ent.Name()) {
			if err := w.fn(path); err != nil {
				return err
			}
		}

		if isDir && w.recursive {
			if err := w.walk(path, false); err != nil {
				return err
			}
		}
	}

	return nil
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// HasELFMagic reports whether the file at path starts with the ELF magic.
func HasELFMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}

	defer f.Close()

	var buf [4]byte

	_, err = io.ReadFull(f, buf[:])
	if err != nil {
		return false
	}

	return bytes.Equal(buf[:], elfMagic)
}

// RealPathKeepingName resolves symlinks in path, but only keeps the result
// when the base name survives. A libfoo.so.1 -> libfoo.so.1.2.3 link is
// therefore left alone, since the loader looks it up by its link name.
func RealPathKeepingName(path string) string {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}

	real, err = filepath.Abs(real)
	if err != nil {
		return path
	}

	if filepath.Base(real) != filepath.Base(path) {
		return path
	}

	return real
}
