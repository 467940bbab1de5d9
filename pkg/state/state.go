// Package state remembers the modification times of files already
// patched below a root, so later runs can skip them.
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"lab47.dev/autopatchelf/pkg/humanize"
	"lab47.dev/autopatchelf/pkg/lockfile"
)

const (
	FileName = ".auto-patchelf.state"

	// Version is bumped whenever the record layout changes. Records with
	// another version are discarded.
	Version uint32 = 1

	maxRecordSize = 32 << 20
)

var (
	ErrVersion  = errors.New("unsupported state version")
	ErrChecksum = errors.New("state checksum mismatch")
	ErrTooLarge = errors.New("state record too large")
	ErrTrailing = errors.New("trailing data after state record")
)

// DirState tracks mtimes for the files below one root, keyed by their
// path relative to that root.
type DirState struct {
	L hclog.Logger

	root    string
	file    *os.File
	release func()

	mtimes map[string]int64
}

// Open loads the state recorded for root, taking a lock so that concurrent
// runs on the same root serialize. A record that can't be read is
// discarded, which makes every file under root look out of date. A root
// that is a single file gets a state that lives only in memory.
func Open(ctx context.Context, L hclog.Logger, root string) (*DirState, error) {
	if L == nil {
		L = hclog.L()
	}

	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}

	if !fi.IsDir() {
		return NewMemory(L), nil
	}

	ds := &DirState{
		L:      L,
		root:   root,
		mtimes: make(map[string]int64),
	}

	path := filepath.Join(root, FileName)

	ds.release, err = lockfile.Take(ctx, path+".lock", func() {
		L.Info("state file is locked, waiting", "path", path)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}

	ds.file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		ds.release()
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	mtimes, err := decode(L, ds.file)
	if err != nil {
		L.Warn("unable to load state, rescanning", "root", root, "error", err)
	} else {
		ds.mtimes = mtimes
	}

	return ds, nil
}

// NewMemory returns a state that is never persisted.
func NewMemory(L hclog.Logger) *DirState {
	if L == nil {
		L = hclog.L()
	}

	return &DirState{
		L:      L,
		mtimes: make(map[string]int64),
	}
}

// UpToDate reports whether rel was recorded with exactly mtime.
func (d *DirState) UpToDate(rel string, mtime int64) bool {
	prev, ok := d.mtimes[rel]
	return ok && prev == mtime
}

func (d *DirState) Update(rel string, mtime int64) {
	d.mtimes[rel] = mtime
}

func (d *DirState) Len() int {
	return len(d.mtimes)
}

// Close writes the full record back and releases the lock.
func (d *DirState) Close() error {
	if d.file == nil {
		return nil
	}

	defer d.release()
	defer d.file.Close()

	var buf bytes.Buffer

	sum := encode(&buf, d.mtimes)

	d.L.Trace("saving state",
		"root", d.root,
		"entries", len(d.mtimes),
		"size", humanize.Format(int64(buf.Len())),
		"sum", base58.Encode(sum),
	)

	_, err := d.file.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	err = d.file.Truncate(0)
	if err != nil {
		return err
	}

	_, err = d.file.Write(buf.Bytes())
	if err != nil {
		return errors.Wrapf(err, "writing state for %s", d.root)
	}

	return nil
}

// encode writes the record for mtimes to w and returns its checksum.
//
// Layout, little endian: version u32, count u64, then per entry sorted by
// path: len u32, path, mtime i64. A BLAKE2b-256 of everything before it
// closes the record.
func encode(w io.Writer, mtimes map[string]int64) []byte {
	h, _ := blake2b.New256(nil)
	mw := io.MultiWriter(w, h)

	paths := make([]string, 0, len(mtimes))
	for p := range mtimes {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	binary.Write(mw, binary.LittleEndian, Version)
	binary.Write(mw, binary.LittleEndian, uint64(len(paths)))

	for _, p := range paths {
		binary.Write(mw, binary.LittleEndian, uint32(len(p)))
		io.WriteString(mw, p)
		binary.Write(mw, binary.LittleEndian, mtimes[p])
	}

	sum := h.Sum(nil)
	w.Write(sum)

	return sum
}

func decode(L hclog.Logger, r io.Reader) (map[string]int64, error) {
	h, _ := blake2b.New256(nil)

	br := bufio.NewReader(io.LimitReader(r, maxRecordSize+1))
	tr := io.TeeReader(br, h)

	var version uint32

	err := binary.Read(tr, binary.LittleEndian, &version)
	if err != nil {
		if err == io.EOF {
			// Fresh state file.
			return make(map[string]int64), nil
		}

		return nil, err
	}

	if version != Version {
		return nil, errors.Wrapf(ErrVersion, "got %d, want %d", version, Version)
	}

	var count uint64

	err = binary.Read(tr, binary.LittleEndian, &count)
	if err != nil {
		return nil, err
	}

	if count > maxRecordSize {
		return nil, ErrTooLarge
	}

	mtimes := make(map[string]int64)

	for i := uint64(0); i < count; i++ {
		var sz uint32

		err = binary.Read(tr, binary.LittleEndian, &sz)
		if err != nil {
			return nil, err
		}

		if sz > maxRecordSize {
			return nil, ErrTooLarge
		}

		path := make([]byte, sz)

		_, err = io.ReadFull(tr, path)
		if err != nil {
			return nil, err
		}

		var mtime int64

		err = binary.Read(tr, binary.LittleEndian, &mtime)
		if err != nil {
			return nil, err
		}

		mtimes[string(path)] = mtime
	}

	want := h.Sum(nil)
	got := make([]byte, len(want))

	_, err = io.ReadFull(br, got)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(want, got) {
		return nil, ErrChecksum
	}

	if _, err := br.ReadByte(); err != io.EOF {
		return nil, ErrTrailing
	}

	L.Trace("loaded state", "entries", len(mtimes), "sum", base58.Encode(got))

	return mtimes, nil
}
