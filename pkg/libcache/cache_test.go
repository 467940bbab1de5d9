package libcache

import (
	"debug/elf"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/autopatchelf/pkg/elfinfo/elftest"
)

func TestCache(t *testing.T) {
	L := hclog.New(&hclog.LoggerOptions{Level: hclog.Info})

	writeLib := func(t *testing.T, path string, spec elftest.Spec) {
		t.Helper()
		require.NoError(t, elftest.WriteFile(path, spec))
	}

	t.Run("returns nothing for unknown libraries", func(t *testing.T) {
		c := New(L)

		require.NoError(t, c.Populate([]string{tempDir(t)}, false))

		_, ok := c.Find("libnope.so.1", elf.EM_X86_64, elf.ELFOSABI_NONE)
		assert.False(t, ok)
	})

	t.Run("finds libraries by name and machine", func(t *testing.T) {
		dir := tempDir(t)
		writeLib(t, filepath.Join(dir, "libfoo.so.1"), elftest.Library())

		c := New(L)
		require.NoError(t, c.Populate([]string{dir}, false))

		found, ok := c.Find("libfoo.so.1", elf.EM_X86_64, elf.ELFOSABI_LINUX)
		require.True(t, ok)
		assert.Equal(t, dir, found)

		_, ok = c.Find("libfoo.so.1", elf.EM_AARCH64, elf.ELFOSABI_LINUX)
		assert.False(t, ok)
	})

	t.Run("returns the earliest compatible provider", func(t *testing.T) {
		first := tempDir(t)
		second := tempDir(t)
		third := tempDir(t)

		freebsd := elftest.Library()
		freebsd.OSABI = elf.ELFOSABI_FREEBSD

		writeLib(t, filepath.Join(first, "libfoo.so.1"), freebsd)
		writeLib(t, filepath.Join(second, "libfoo.so.1"), elftest.Library())
		writeLib(t, filepath.Join(third, "libfoo.so.1"), elftest.Library())

		c := New(L)
		require.NoError(t, c.Populate([]string{first, second, third}, false))

		found, ok := c.Find("libfoo.so.1", elf.EM_X86_64, elf.ELFOSABI_LINUX)
		require.True(t, ok)
		assert.Equal(t, second, found)

		found, ok = c.Find("libfoo.so.1", elf.EM_X86_64, elf.ELFOSABI_FREEBSD)
		require.True(t, ok)
		assert.Equal(t, first, found)
	})

	t.Run("follows runpaths and scans each directory once", func(t *testing.T) {
		dir1 := tempDir(t)
		dir2 := tempDir(t)

		a := elftest.Library()
		a.Rpath = dir2

		b := elftest.Library()
		b.Rpath = dir1

		writeLib(t, filepath.Join(dir1, "liba.so"), a)
		writeLib(t, filepath.Join(dir2, "libb.so"), b)

		c := New(L)
		require.NoError(t, c.Populate([]string{dir1}, false))

		assert.Equal(t, []string{dir1, dir2}, c.Dirs())

		found, ok := c.Find("libb.so", elf.EM_X86_64, elf.ELFOSABI_NONE)
		require.True(t, ok)
		assert.Equal(t, dir2, found)

		require.NoError(t, c.Populate([]string{dir2, dir1}, false))
		assert.Equal(t, []string{dir1, dir2}, c.Dirs())
	})

	t.Run("does not follow empty or placeholder runpath entries", func(t *testing.T) {
		dir := tempDir(t)

		lib := elftest.Library()
		lib.Runpath = ":$ORIGIN/../lib:${ORIGIN}:/nonexistent/$LIB"

		writeLib(t, filepath.Join(dir, "liba.so"), lib)

		c := New(L)
		require.NoError(t, c.Populate([]string{dir}, false))

		assert.Equal(t, []string{dir}, c.Dirs())
	})

	t.Run("only searches subdirectories when recursive", func(t *testing.T) {
		dir := tempDir(t)
		writeLib(t, filepath.Join(dir, "sub", "libdeep.so"), elftest.Library())

		flat := New(L)
		require.NoError(t, flat.Populate([]string{dir}, false))

		_, ok := flat.Find("libdeep.so", elf.EM_X86_64, elf.ELFOSABI_NONE)
		assert.False(t, ok)

		deep := New(L)
		require.NoError(t, deep.Populate([]string{dir}, true))

		found, ok := deep.Find("libdeep.so", elf.EM_X86_64, elf.ELFOSABI_NONE)
		require.True(t, ok)
		assert.Equal(t, filepath.Join(dir, "sub"), found)
	})

	t.Run("finds libraries in a symlinked directory", func(t *testing.T) {
		real := tempDir(t)
		writeLib(t, filepath.Join(real, "libfoo.so.1"), elftest.Library())

		link := filepath.Join(tempDir(t), "lib")
		require.NoError(t, os.Symlink(real, link))

		c := New(L)
		require.NoError(t, c.Populate([]string{link}, false))

		found, ok := c.Find("libfoo.so.1", elf.EM_X86_64, elf.ELFOSABI_NONE)
		require.True(t, ok)
		assert.Equal(t, real, found)
	})

	t.Run("treats equivalent spellings of a directory as one", func(t *testing.T) {
		dir := tempDir(t)
		writeLib(t, filepath.Join(dir, "libfoo.so.1"), elftest.Library())

		c := New(L)
		require.NoError(t, c.Populate([]string{dir, dir + "/", dir + "/./"}, false))

		assert.Equal(t, []string{dir}, c.Dirs())
	})

	t.Run("skips files that aren't ELF", func(t *testing.T) {
		dir := tempDir(t)
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "libfake.so"), []byte("INPUT(-lfoo)"), 0644))

		c := New(L)
		require.NoError(t, c.Populate([]string{dir}, false))

		assert.Equal(t, 0, c.Len())
	})

	t.Run("records a link under the directory of the link when the names differ", func(t *testing.T) {
		dir := tempDir(t)
		store := tempDir(t)

		writeLib(t, filepath.Join(store, "libfoo.so.1.2.3"), elftest.Library())
		require.NoError(t, os.Symlink(filepath.Join(store, "libfoo.so.1.2.3"), filepath.Join(dir, "libfoo.so.1")))

		c := New(L)
		require.NoError(t, c.Populate([]string{dir}, false))

		found, ok := c.Find("libfoo.so.1", elf.EM_X86_64, elf.ELFOSABI_NONE)
		require.True(t, ok)
		assert.Equal(t, dir, found)
	})

	t.Run("never records the same location twice", func(t *testing.T) {
		dir := tempDir(t)
		writeLib(t, filepath.Join(dir, "libfoo.so.1"), elftest.Library())

		c := New(L)
		require.NoError(t, c.Populate([]string{dir}, false))
		require.NoError(t, c.Populate([]string{dir + "/"}, false))

		type entry struct {
			Name    string
			Machine elf.Machine
			Locs    []Location
		}

		var entries []entry

		c.Each(func(name string, machine elf.Machine, locs []Location) {
			entries = append(entries, entry{name, machine, locs})
		})

		expected := []entry{
			{"libfoo.so.1", elf.EM_X86_64, []Location{{Dir: dir, OSABI: elf.ELFOSABI_NONE}}},
		}

		if diff := cmp.Diff(expected, entries); diff != "" {
			t.Errorf("unexpected entries (-want +got):\n%s", diff)
		}
	})
}

// tempDir resolves symlinks in the temp dir so it compares equal to the
// real paths recorded by the cache.
func tempDir(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	return dir
}
