//go:build unix

package corefile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var errMmapClosed = errors.New("mmap: closed")

// mmapFile is a read-only mapping of a whole file.
type mmapFile struct {
	name string
	data []byte
}

func mmapOpen(name string) (*mmapFile, error) {
	f, err := os.Open(name) //nolint:gosec // G304: user-supplied core path
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return &mmapFile{name: name, data: []byte{}}, nil
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", name)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", name, err)
	}
	return &mmapFile{name: name, data: data}, nil
}

// slice returns data[off:off+n] without copying.
func (f *mmapFile) slice(off, n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, errMmapClosed
	}
	end := off + n
	if end < off || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("mmap: range [%d,+%d) outside %d-byte file", off, n, len(f.data))
	}
	return f.data[off:end:end], nil
}

func (f *mmapFile) close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if len(f.data) > 0 {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	return err
}
