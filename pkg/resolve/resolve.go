// Package resolve decides where each dependency of an ELF file comes from
// and rewrites the file's interpreter and search path to match.
package resolve

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/autopatchelf/pkg/elfinfo"
	"lab47.dev/autopatchelf/pkg/future"
	"lab47.dev/autopatchelf/pkg/libcache"
	"lab47.dev/autopatchelf/pkg/patcher"
)

// Dependency is the outcome of resolving one alternative set of a file.
type Dependency struct {
	File  string
	Name  string
	Found bool

	// Dir is the directory contributed to the search path, if any.
	Dir string
}

type Options struct {
	InterpreterPath string
	Interpreter     *elfinfo.File
	LibcDir         string

	KeepLibc bool

	// Prepend and Append surround the discovered directories in the
	// final search path.
	Prepend []string
	Append  []string

	ExtraArgs []string

	// StrictRpath makes a failure to set the search path an error for
	// the file instead of a log line.
	StrictRpath bool
}

type Resolver struct {
	Options

	Libraries *future.Future[*libcache.Cache]
	Patcher   patcher.Patcher

	L hclog.Logger
}

func (r *Resolver) log() hclog.Logger {
	if r.L == nil {
		r.L = hclog.L()
	}

	return r.L
}

// PatchFile resolves the dependencies of the ELF file at path and patches
// it. Files that aren't ELF, or that can't run with the configured
// interpreter, are skipped and return no dependencies.
func (r *Resolver) PatchFile(ctx context.Context, path string) ([]Dependency, error) {
	L := r.log()

	ef, err := elfinfo.Open(path)
	if err != nil {
		if errors.Cause(err) == elfinfo.ErrNotELF {
			L.Debug("skipping non-ELF file", "path", path)
			return nil, nil
		}

		return nil, err
	}

	if ef.IsStatic() {
		L.Info("skipping statically linked executable", "path", path)
		return nil, nil
	}

	if !ef.HasLoadSegments {
		L.Info("skipping file without loadable segments", "path", path)
		return nil, nil
	}

	if interp := r.Interpreter; interp != nil {
		if ef.Machine != interp.Machine {
			L.Info("skipping file built for another architecture",
				"path", path,
				"arch", elfinfo.MachineString(ef.Machine),
				"want", elfinfo.MachineString(interp.Machine),
			)
			return nil, nil
		}

		if !elfinfo.OSABICompatible(ef.OSABI, interp.OSABI) {
			L.Info("skipping file built for another OS ABI",
				"path", path,
				"osabi", elfinfo.OSABIString(ef.OSABI),
				"want", elfinfo.OSABIString(interp.OSABI),
			)
			return nil, nil
		}
	}

	if ef.IsDynamicExecutable() {
		L.Info("setting interpreter", "path", path, "interpreter", r.InterpreterPath)

		err = r.Patcher.SetInterpreter(ctx, path, r.InterpreterPath, r.ExtraArgs)
		if err != nil {
			return nil, errors.Wrapf(err, "setting interpreter of %s", path)
		}
	}

	L.Info("searching for dependencies", "path", path)

	cache, err := r.Libraries.Get()
	if err != nil {
		return nil, errors.Wrapf(err, "building library cache for %s", path)
	}

	var (
		deps []Dependency
		dirs []string
	)

	for _, set := range ef.Needed {
		dep := r.resolveSet(path, ef, cache, set)

		if dep.Found {
			L.Info("found dependency", "path", path, "name", dep.Name, "dir", dep.Dir)
		} else {
			L.Info("dependency not found", "path", path, "name", dep.Name)
		}

		if dep.Dir != "" {
			dirs = append(dirs, dep.Dir)
		}

		deps = append(deps, dep)
	}

	var search []string
	search = append(search, r.Prepend...)
	search = append(search, dirs...)
	search = append(search, r.Append...)

	search = DedupPaths(search)

	if len(search) > 0 {
		rpath := strings.Join(search, ":")

		L.Info("setting rpath", "path", path, "rpath", rpath)

		err = r.Patcher.SetRpath(ctx, path, rpath, r.ExtraArgs)
		if err != nil {
			if r.StrictRpath {
				return deps, errors.Wrapf(err, "setting rpath of %s", path)
			}

			L.Error("unable to set rpath", "path", path, "error", err)
		}
	}

	return deps, nil
}

func (r *Resolver) resolveSet(path string, ef *elfinfo.File, cache *libcache.Cache, set []string) Dependency {
	for _, cand := range set {
		if filepath.IsAbs(cand) && isRegular(cand) {
			return Dependency{File: path, Name: cand, Found: true}
		}

		base := filepath.Base(cand)

		if !r.KeepLibc && r.inLibc(base) {
			return Dependency{File: path, Name: cand, Found: true}
		}

		if dir, ok := cache.Find(base, ef.Machine, ef.OSABI); ok {
			return Dependency{File: path, Name: cand, Found: true, Dir: dir}
		}

		if r.inLibc(base) {
			return Dependency{File: path, Name: cand, Found: true}
		}
	}

	return Dependency{File: path, Name: Label(set)}
}

func (r *Resolver) inLibc(name string) bool {
	if r.LibcDir == "" {
		return false
	}

	return isRegular(filepath.Join(r.LibcDir, name))
}

func isRegular(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Label names an alternative set in reports: the candidate itself when
// there is one, otherwise any(a, b, ...).
func Label(set []string) string {
	if len(set) == 1 {
		return set[0]
	}

	return "any(" + strings.Join(set, ", ") + ")"
}

// DedupPaths drops repeated entries, keeping the first occurrence.
func DedupPaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))

	var out []string

	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out
}
