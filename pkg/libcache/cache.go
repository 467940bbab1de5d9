// Package libcache indexes the shared libraries that can satisfy
// dependencies, keyed by file name and machine.
package libcache

import (
	"debug/elf"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/autopatchelf/pkg/elfinfo"
	"lab47.dev/autopatchelf/pkg/fileutils"
)

type key struct {
	name    string
	machine elf.Machine
}

// Location is a directory providing a library, with the OS ABI the
// library was built for.
type Location struct {
	Dir   string
	OSABI elf.OSABI
}

// Cache maps library names to the directories that provide them. The
// first location recorded for a name wins, so directories must be
// populated in priority order.
type Cache struct {
	L hclog.Logger

	visited map[string]struct{}
	dirs    []string

	libs  map[key][]Location
	order []key
}

func New(L hclog.Logger) *Cache {
	if L == nil {
		L = hclog.L()
	}

	return &Cache{
		L:       L,
		visited: make(map[string]struct{}),
		libs:    make(map[key][]Location),
	}
}

// placeholders are dynamic string tokens the loader expands at runtime;
// directories containing them can't be scanned ahead of time.
var placeholders = []string{
	"$ORIGIN", "${ORIGIN}",
	"$LIB", "${LIB}",
	"$PLATFORM", "${PLATFORM}",
}

func scannable(dir string) bool {
	if dir == "" {
		return false
	}

	for _, p := range placeholders {
		if strings.Contains(dir, p) {
			return false
		}
	}

	return true
}

// Populate scans the seed directories breadth first for shared libraries,
// following the runpath of every library found. Each directory is scanned
// once across all calls. recursive controls whether subdirectories of a
// scanned directory are searched too.
func (c *Cache) Populate(seeds []string, recursive bool) error {
	queue := append([]string(nil), seeds...)

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		if dir == "" {
			continue
		}

		dir = filepath.Clean(dir)

		if _, ok := c.visited[dir]; ok {
			continue
		}

		c.visited[dir] = struct{}{}
		c.dirs = append(c.dirs, dir)

		c.L.Trace("scanning for libraries", "dir", dir, "recursive", recursive)

		err := fileutils.Glob(dir, fileutils.SharedObjectPattern, recursive, func(path string) error {
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				return nil
			}

			resolved := fileutils.RealPathKeepingName(path)

			data, err := ioutil.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "reading library %s", path)
			}

			ef, err := elfinfo.Parse(data)
			if err != nil {
				c.L.Trace("ignoring unparsable library", "path", path, "error", err)
				return nil
			}

			for _, rp := range ef.Runpath {
				if scannable(rp) {
					queue = append(queue, rp)
				}
			}

			c.add(filepath.Base(path), ef.Machine, Location{
				Dir:   filepath.Dir(resolved),
				OSABI: ef.OSABI,
			})

			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "scanning %s", dir)
		}
	}

	return nil
}

func (c *Cache) add(name string, machine elf.Machine, loc Location) {
	k := key{name: name, machine: machine}

	locs, ok := c.libs[k]
	if !ok {
		c.order = append(c.order, k)
	}

	for _, l := range locs {
		if l == loc {
			return
		}
	}

	c.L.Trace("found library", "name", name, "dir", loc.Dir, "arch", elfinfo.MachineString(machine))

	c.libs[k] = append(locs, loc)
}

// Find returns the first directory recorded for soname on machine whose
// OS ABI is compatible with abi.
func (c *Cache) Find(soname string, machine elf.Machine, abi elf.OSABI) (string, bool) {
	for _, l := range c.libs[key{name: soname, machine: machine}] {
		if elfinfo.OSABICompatible(abi, l.OSABI) {
			return l.Dir, true
		}
	}

	return "", false
}

// Len returns the number of distinct (name, machine) entries.
func (c *Cache) Len() int {
	return len(c.order)
}

// Dirs returns the directories scanned so far, in scan order.
func (c *Cache) Dirs() []string {
	return append([]string(nil), c.dirs...)
}

// Each calls fn for every entry in discovery order.
func (c *Cache) Each(fn func(name string, machine elf.Machine, locs []Location)) {
	for _, k := range c.order {
		fn(k.name, k.machine, c.libs[k])
	}
}
