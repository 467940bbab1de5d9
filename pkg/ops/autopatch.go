package ops

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"lab47.dev/autopatchelf/pkg/config"
	"lab47.dev/autopatchelf/pkg/fileutils"
	"lab47.dev/autopatchelf/pkg/future"
	"lab47.dev/autopatchelf/pkg/libcache"
	"lab47.dev/autopatchelf/pkg/patcher"
	"lab47.dev/autopatchelf/pkg/progress"
	"lab47.dev/autopatchelf/pkg/resolve"
	"lab47.dev/autopatchelf/pkg/state"
)

var (
	ErrNoPaths     = errors.New("no paths to patch")
	ErrUnsatisfied = errors.New("unsatisfied dependencies")
)

// AutoPatch patches every ELF file below Paths so that it runs with the
// configured toolchain and finds its libraries via RUNPATH.
type AutoPatch struct {
	common

	Paths     []string
	Libraries []string

	// AddExisting makes libraries below Paths available to each other.
	AddExisting bool
	Recurse     bool
	KeepLibc    bool

	Prepend []string
	Append  []string

	IgnoreMissing []string
	ExtraArgs     []string
	StrictRpath   bool

	Toolchain *config.Toolchain
	Patcher   patcher.Patcher
}

func (a *AutoPatch) Run(ctx context.Context) (*Report, error) {
	if len(a.Paths) == 0 {
		return nil, ErrNoPaths
	}

	L := a.L()

	libs := future.Go(a.populate)

	res := &resolve.Resolver{
		Options: resolve.Options{
			InterpreterPath: a.Toolchain.InterpreterPath,
			Interpreter:     a.Toolchain.Interpreter,
			LibcDir:         a.Toolchain.LibcDir,
			KeepLibc:        a.KeepLibc,
			Prepend:         a.Prepend,
			Append:          a.Append,
			ExtraArgs:       a.ExtraArgs,
			StrictRpath:     a.StrictRpath,
		},
		Libraries: libs,
		Patcher:   a.Patcher,
		L:         L,
	}

	prog := progress.Spinner(ctx, "patching")
	defer prog.Close()

	var report Report

	for _, root := range a.Paths {
		err := a.patchRoot(ctx, res, root, &report, prog)
		if err != nil {
			return nil, track(err)
		}
	}

	report.partition(NewIgnoreMatcher(L, a.IgnoreMissing))
	report.log(L)

	if len(report.Missing) > 0 {
		return &report, errors.Wrapf(ErrUnsatisfied, "%d missing", len(report.Missing))
	}

	return &report, nil
}

// populate builds the library cache. Target roots come first so that
// libraries shipped alongside the files being patched win.
func (a *AutoPatch) populate() (*libcache.Cache, error) {
	L := a.L()

	c := libcache.New(L.Named("libcache"))

	if a.AddExisting {
		err := c.Populate(a.Paths, a.Recurse)
		if err != nil {
			return nil, err
		}
	}

	err := c.Populate(a.Libraries, false)
	if err != nil {
		return nil, err
	}

	L.Debug("library cache ready", "libraries", c.Len(), "dirs", len(c.Dirs()))

	return c, nil
}

func (a *AutoPatch) patchRoot(
	ctx context.Context,
	res *resolve.Resolver,
	root string,
	report *Report,
	prog *progress.Progress,
) error {
	L := a.L()

	ds, err := state.Open(ctx, L.Named("state"), root)
	if err != nil {
		return err
	}

	defer func() {
		if err := ds.Close(); err != nil {
			L.Error("unable to save state", "root", root, "error", err)
		}
	}()

	fi, err := os.Stat(root)
	if err != nil {
		return err
	}

	base := root
	if !fi.IsDir() {
		base = filepath.Dir(root)
	}

	return fileutils.Glob(root, "*", a.Recurse, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if st, err := os.Stat(path); err == nil && st.IsDir() {
			return nil
		}

		prog.Tick()
		report.Scanned++

		fi, err := os.Lstat(path)
		if err != nil || !fi.Mode().IsRegular() || !fileutils.HasELFMagic(path) {
			report.Skipped++
			return nil
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		if ds.UpToDate(rel, fi.ModTime().UnixNano()) {
			L.Debug("file is up to date", "path", path)
			report.UpToDate++
			return nil
		}

		prog.On(rel)

		deps, err := res.PatchFile(ctx, path)
		if err != nil {
			L.Error("unable to patch file", "path", path, "error", err)
			report.Errors = append(report.Errors, FileError{Path: path, Err: err})
			return nil
		}

		report.Dependencies = append(report.Dependencies, deps...)
		report.Patched++

		// Patching rewrites the file, so record the new mtime.
		if fi, err := os.Stat(path); err == nil {
			ds.Update(rel, fi.ModTime().UnixNano())
		}

		return nil
	})
}
