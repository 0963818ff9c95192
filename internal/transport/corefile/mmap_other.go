//go:build !unix

package corefile

import (
	"errors"
	"fmt"
	"os"
)

var errMmapClosed = errors.New("mmap: closed")

// mmapFile holds the whole file in memory where mmap is unavailable.
type mmapFile struct {
	name string
	data []byte
}

func mmapOpen(name string) (*mmapFile, error) {
	data, err := os.ReadFile(name) //nolint:gosec // G304: user-supplied core path
	if err != nil {
		return nil, err
	}
	return &mmapFile{name: name, data: data}, nil
}

func (f *mmapFile) slice(off, n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, errMmapClosed
	}
	end := off + n
	if end < off || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("range [%d,+%d) outside %d-byte file", off, n, len(f.data))
	}
	return f.data[off:end:end], nil
}

func (f *mmapFile) close() error {
	f.data = nil
	return nil
}
