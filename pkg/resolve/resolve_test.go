package resolve

import (
	"context"
	"debug/elf"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/autopatchelf/pkg/elfinfo"
	"lab47.dev/autopatchelf/pkg/elfinfo/elftest"
	"lab47.dev/autopatchelf/pkg/future"
	"lab47.dev/autopatchelf/pkg/libcache"
)

type call struct {
	op, path, val string
}

type fakePatcher struct {
	calls []call

	interpErr error
	rpathErr  error
}

func (f *fakePatcher) SetInterpreter(ctx context.Context, path, interp string, extra []string) error {
	f.calls = append(f.calls, call{"interp", path, interp})
	return f.interpErr
}

func (f *fakePatcher) SetRpath(ctx context.Context, path, rpath string, extra []string) error {
	f.calls = append(f.calls, call{"rpath", path, rpath})
	return f.rpathErr
}

func (f *fakePatcher) rpaths() []string {
	var out []string

	for _, c := range f.calls {
		if c.op == "rpath" {
			out = append(out, c.val)
		}
	}

	return out
}

type fixture struct {
	root   string
	libc   string
	libs   string
	interp string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		root: root,
		libc: filepath.Join(root, "libc", "lib"),
		libs: filepath.Join(root, "libs"),
	}

	require.NoError(t, os.MkdirAll(f.libc, 0755))
	require.NoError(t, os.MkdirAll(f.libs, 0755))

	f.interp = filepath.Join(f.libc, "ld-linux-x86-64.so.2")

	require.NoError(t, elftest.WriteFile(f.interp, elftest.Library()))
	require.NoError(t, elftest.WriteFile(filepath.Join(f.libc, "libc.so.6"), elftest.Library()))

	return f
}

func (f *fixture) resolver(t *testing.T, p *fakePatcher, opts Options) *Resolver {
	t.Helper()

	L := hclog.New(&hclog.LoggerOptions{Level: hclog.Error})

	cache := libcache.New(L)
	require.NoError(t, cache.Populate([]string{f.libs}, false))

	interp, err := elfinfo.Open(f.interp)
	require.NoError(t, err)

	opts.InterpreterPath = f.interp
	opts.Interpreter = interp
	opts.LibcDir = f.libc

	return &Resolver{
		Options:   opts,
		Libraries: future.Ready(cache),
		Patcher:   p,
		L:         L,
	}
}

func (f *fixture) write(t *testing.T, name string, spec elftest.Spec) string {
	t.Helper()

	path := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, elftest.WriteFile(path, spec))

	return path
}

func TestPatchFile(t *testing.T) {
	ctx := context.Background()

	t.Run("finds libraries in the cache and sets the rpath", func(t *testing.T) {
		f := setup(t)
		f.write(t, "libs/libfoo.so.1", elftest.Library())

		bin := f.write(t, "out/bin/prog", elftest.Executable("/lib64/ld-linux-x86-64.so.2", "libfoo.so.1"))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, bin)
		require.NoError(t, err)

		assert.Equal(t, []Dependency{
			{File: bin, Name: "libfoo.so.1", Found: true, Dir: f.libs},
		}, deps)

		assert.Equal(t, []call{
			{"interp", bin, f.interp},
			{"rpath", bin, f.libs},
		}, p.calls)
	})

	t.Run("reports missing dependencies", func(t *testing.T) {
		f := setup(t)

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libmissing.so.7"))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, lib)
		require.NoError(t, err)

		assert.Equal(t, []Dependency{
			{File: lib, Name: "libmissing.so.7"},
		}, deps)

		assert.Empty(t, p.calls)
	})

	t.Run("prefers an existing absolute path over the cache", func(t *testing.T) {
		f := setup(t)
		abs := f.write(t, "libs/libfoo.so.1", elftest.Library())

		lib := f.write(t, "out/lib/libbar.so", elftest.Library(abs))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, lib)
		require.NoError(t, err)

		require.Len(t, deps, 1)
		assert.True(t, deps[0].Found)
		assert.Equal(t, "", deps[0].Dir)

		assert.Empty(t, p.rpaths())
	})

	t.Run("leaves libc to the linker", func(t *testing.T) {
		f := setup(t)
		f.write(t, "libs/libc.so.6", elftest.Library())

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libc.so.6"))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, lib)
		require.NoError(t, err)

		require.Len(t, deps, 1)
		assert.True(t, deps[0].Found)
		assert.Equal(t, "", deps[0].Dir)
		assert.Empty(t, p.rpaths())
	})

	t.Run("adds the cached libc directory with keep-libc", func(t *testing.T) {
		f := setup(t)
		f.write(t, "libs/libc.so.6", elftest.Library())

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libc.so.6"))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{KeepLibc: true}).PatchFile(ctx, lib)
		require.NoError(t, err)

		require.Len(t, deps, 1)
		assert.True(t, deps[0].Found)
		assert.Equal(t, f.libs, deps[0].Dir)
		assert.Equal(t, []string{f.libs}, p.rpaths())
	})

	t.Run("still finds libc with keep-libc and no cached copy", func(t *testing.T) {
		f := setup(t)

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libc.so.6"))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{KeepLibc: true}).PatchFile(ctx, lib)
		require.NoError(t, err)

		require.Len(t, deps, 1)
		assert.True(t, deps[0].Found)
		assert.Equal(t, "", deps[0].Dir)
	})

	t.Run("resolves dlopen alternatives in order", func(t *testing.T) {
		f := setup(t)
		f.write(t, "libs/libgl2.so", elftest.Library())

		spec := elftest.Library()
		spec.DlopenNotes = []string{
			`[{"soname": ["libgl1.so", "libgl2.so"]}]`,
			`[{"soname": ["libvk1.so", "libvk2.so"]}]`,
		}

		lib := f.write(t, "out/lib/libbar.so", spec)

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, lib)
		require.NoError(t, err)

		assert.Equal(t, []Dependency{
			{File: lib, Name: "libgl2.so", Found: true, Dir: f.libs},
			{File: lib, Name: "any(libvk1.so, libvk2.so)"},
		}, deps)
	})

	t.Run("surrounds discovered directories with prepend and append", func(t *testing.T) {
		f := setup(t)
		f.write(t, "libs/libfoo.so.1", elftest.Library())
		f.write(t, "libs/libbaz.so.1", elftest.Library())

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libfoo.so.1", "libbaz.so.1"))

		var p fakePatcher

		_, err := f.resolver(t, &p, Options{
			Prepend: []string{"/run/opengl", f.libs},
			Append:  []string{"/extra", "/run/opengl"},
		}).PatchFile(ctx, lib)
		require.NoError(t, err)

		assert.Equal(t, []string{"/run/opengl:" + f.libs + ":/extra"}, p.rpaths())
	})

	t.Run("skips static executables", func(t *testing.T) {
		f := setup(t)

		bin := f.write(t, "out/bin/static", elftest.Spec{Type: elf.ET_EXEC})

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, bin)
		require.NoError(t, err)

		assert.Nil(t, deps)
		assert.Empty(t, p.calls)
	})

	t.Run("skips files without loadable segments", func(t *testing.T) {
		f := setup(t)

		spec := elftest.Library("libfoo.so.1")
		spec.NoSegments = true

		lib := f.write(t, "out/lib/libdebug.so", spec)

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, lib)
		require.NoError(t, err)

		assert.Nil(t, deps)
	})

	t.Run("skips other architectures and OS ABIs", func(t *testing.T) {
		f := setup(t)

		arm := elftest.Library("libfoo.so.1")
		arm.Machine = elf.EM_AARCH64

		bsd := elftest.Library("libfoo.so.1")
		bsd.OSABI = elf.ELFOSABI_FREEBSD

		var p fakePatcher

		r := f.resolver(t, &p, Options{})

		for _, path := range []string{
			f.write(t, "out/lib/libarm.so", arm),
			f.write(t, "out/lib/libbsd.so", bsd),
		} {
			deps, err := r.PatchFile(ctx, path)
			require.NoError(t, err)
			assert.Nil(t, deps)
		}

		assert.Empty(t, p.calls)
	})

	t.Run("ignores files that aren't ELF", func(t *testing.T) {
		f := setup(t)

		path := filepath.Join(f.root, "script")
		require.NoError(t, ioutil.WriteFile(path, []byte("#!/bin/sh\n"), 0755))

		var p fakePatcher

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, path)
		require.NoError(t, err)
		assert.Nil(t, deps)
	})

	t.Run("fails the file when the interpreter can't be set", func(t *testing.T) {
		f := setup(t)

		bin := f.write(t, "out/bin/prog", elftest.Executable("/lib64/ld.so", "libfoo.so.1"))

		boom := errors.New("boom")
		p := fakePatcher{interpErr: boom}

		_, err := f.resolver(t, &p, Options{}).PatchFile(ctx, bin)
		assert.Equal(t, boom, errors.Cause(err))
	})

	t.Run("logs rpath failures unless strict", func(t *testing.T) {
		f := setup(t)
		f.write(t, "libs/libfoo.so.1", elftest.Library())

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libfoo.so.1"))

		boom := errors.New("boom")

		p := fakePatcher{rpathErr: boom}

		deps, err := f.resolver(t, &p, Options{}).PatchFile(ctx, lib)
		require.NoError(t, err)
		assert.Len(t, deps, 1)

		_, err = f.resolver(t, &p, Options{StrictRpath: true}).PatchFile(ctx, lib)
		assert.Equal(t, boom, errors.Cause(err))
	})

	t.Run("propagates a failed library cache", func(t *testing.T) {
		f := setup(t)

		lib := f.write(t, "out/lib/libbar.so", elftest.Library("libfoo.so.1"))

		var p fakePatcher

		r := f.resolver(t, &p, Options{})

		boom := errors.New("scan failed")
		r.Libraries = future.Go(func() (*libcache.Cache, error) {
			return nil, boom
		})

		for i := 0; i < 2; i++ {
			_, err := r.PatchFile(ctx, lib)
			assert.Equal(t, boom, errors.Cause(err))
		}
	})
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "libfoo.so", Label([]string{"libfoo.so"}))
	assert.Equal(t, "any(liba.so, libb.so)", Label([]string{"liba.so", "libb.so"}))
}

func TestDedupPaths(t *testing.T) {
	assert.Equal(t, []string{"d1", "d2", "d3"}, DedupPaths([]string{"d1", "d2", "d1", "d3"}))
	assert.Nil(t, DedupPaths(nil))
}
