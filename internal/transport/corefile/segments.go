package corefile

import (
	"fmt"
	"sort"
)

// segment is a file-backed range of the dumped address space.
type segment struct {
	addr uint64
	data []byte
}

func (s segment) end() uint64 { return s.addr + uint64(len(s.data)) }

// segments is sorted by address and non-overlapping.
type segments []segment

func (ss *segments) insert(s segment) error {
	if len(s.data) == 0 {
		return nil
	}
	if s.end() < s.addr {
		return fmt.Errorf("segment 0x%x+%d wraps the address space", s.addr, len(s.data))
	}
	i := sort.Search(len(*ss), func(i int) bool { return (*ss)[i].addr >= s.addr })
	if i > 0 && (*ss)[i-1].end() > s.addr {
		return fmt.Errorf("segment 0x%x overlaps 0x%x", s.addr, (*ss)[i-1].addr)
	}
	if i < len(*ss) && s.end() > (*ss)[i].addr {
		return fmt.Errorf("segment 0x%x overlaps 0x%x", s.addr, (*ss)[i].addr)
	}
	*ss = append(*ss, segment{})
	copy((*ss)[i+1:], (*ss)[i:])
	(*ss)[i] = s
	return nil
}

// find returns the index of the segment containing addr.
func (ss segments) find(addr uint64) (int, bool) {
	i := sort.Search(len(ss), func(i int) bool { return ss[i].end() > addr })
	if i < len(ss) && ss[i].addr <= addr {
		return i, true
	}
	return 0, false
}

// read copies bytes at addr into buf, continuing across adjacent segments.
// It returns how many bytes were available before the first gap.
func (ss segments) read(addr uint64, buf []byte) int {
	i, ok := ss.find(addr)
	if !ok {
		return 0
	}
	total := 0
	for total < len(buf) && i < len(ss) {
		s := ss[i]
		cur := addr + uint64(total)
		if cur < s.addr || cur >= s.end() {
			break
		}
		total += copy(buf[total:], s.data[cur-s.addr:])
		i++
	}
	return total
}
