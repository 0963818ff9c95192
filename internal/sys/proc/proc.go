// Package proc reads the parts of the Linux /proc filesystem gcscope needs to
// attach to a live process: its executable and its memory mappings.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Root is the procfs mount point. Tests point it at a fixture tree.
var Root = "/proc"

// GetBinaryPath returns the path to the executable for the given PID.
func GetBinaryPath(pid int) (string, error) {
	return os.Readlink(filepath.Join(Root, strconv.Itoa(pid), "exe"))
}

// ListPids returns all process IDs visible in procfs, ascending.
func ListPids() ([]int, error) {
	entries, err := os.ReadDir(Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", Root, err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Inode  uint64
	Path   string
}

// Readable reports whether the mapping has read permission.
func (m Mapping) Readable() bool { return strings.HasPrefix(m.Perms, "r") }

// Contains reports whether addr lies inside the mapping.
func (m Mapping) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	//nolint:gosec // G304: path is built from a numeric pid under procfs.
	f, err := os.Open(filepath.Join(Root, strconv.Itoa(pid), "maps"))
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	return ParseMaps(f)
}

// ParseMaps parses the maps format:
//
//	55d4c8a00000-55d4c8a21000 r--p 00000000 fd:01 1835012  /usr/bin/dotnet
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		m := Mapping{Perms: fields[1]}
		var err error
		if m.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
			return nil, fmt.Errorf("malformed start %q: %w", start, err)
		}
		if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
			return nil, fmt.Errorf("malformed end %q: %w", end, err)
		}
		if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed offset %q: %w", fields[2], err)
		}
		if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
			return nil, fmt.Errorf("malformed inode %q: %w", fields[4], err)
		}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	return maps, nil
}

// ImageBase returns the lowest start address among mappings of path, which
// is where a PIE executable or shared object was loaded.
func ImageBase(maps []Mapping, path string) (uint64, bool) {
	var base uint64
	found := false
	for _, m := range maps {
		if m.Path != path {
			continue
		}
		if !found || m.Start < base {
			base = m.Start
			found = true
		}
	}
	return base, found
}

// FindMapping returns the mapping containing addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}
