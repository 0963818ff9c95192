//go:build linux

package live

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/gcscope/internal/sys/proc"
)

// SIGSTOP is asynchronous; Open polls the process state for at most
// stopWait before reading.
var (
	stopWait = time.Second
	stopPoll = 10 * time.Millisecond
)

// Transport reads a live process.
type Transport struct {
	pid     int
	freeze  bool
	order   binary.ByteOrder
	ptrSize int
	logger  zerolog.Logger

	mu     sync.Mutex
	useVM  bool
	mem    *os.File
	closed bool
}

// Open attaches to cfg.Pid. It fails if the process does not exist.
func Open(cfg Config) (*Transport, error) {
	logger := cfg.Logger.With().Str("component", "live_transport").Int("pid", cfg.Pid).Logger()

	p, err := process.NewProcess(int32(cfg.Pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", cfg.Pid, err)
	}

	t := &Transport{
		pid:    cfg.Pid,
		freeze: cfg.Freeze,
		order:  binary.LittleEndian,
		logger: logger,
		useVM:  !cfg.DisableProcessVM,
	}

	if exe, err := proc.GetBinaryPath(cfg.Pid); err == nil {
		t.ptrSize, t.order = elfShape(exe, logger)
	} else {
		logger.Debug().Err(err).Msg("Cannot resolve target executable")
	}

	if cfg.Freeze {
		if err := unix.Kill(cfg.Pid, unix.SIGSTOP); err != nil {
			return nil, fmt.Errorf("failed to stop process %d: %w", cfg.Pid, err)
		}
		if waitStopped(p, stopWait, stopPoll) {
			logger.Debug().Msg("Target stopped")
		} else {
			logger.Warn().Dur("waited", stopWait).Msg("Target did not report stopped state after SIGSTOP")
		}
	} else if status, err := p.Status(); err == nil && !slices.Contains(status, process.Stop) {
		logger.Warn().
			Strs("status", status).
			Msg("Target is not stopped; heap structures may change between reads")
	}

	return t, nil
}

// waitStopped polls p until it reports process.Stop or timeout elapses.
func waitStopped(p *process.Process, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if status, err := p.Status(); err == nil && slices.Contains(status, process.Stop) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

// elfShape reads pointer size and byte order from the executable header.
func elfShape(path string, logger zerolog.Logger) (int, binary.ByteOrder) {
	f, err := elf.Open(path)
	if err != nil {
		logger.Debug().Err(err).Str("exe", path).Msg("Cannot read executable header")
		return 0, binary.LittleEndian
	}
	defer f.Close() // nolint:errcheck

	size := 8
	if f.Class == elf.ELFCLASS32 {
		size = 4
	}
	return size, f.ByteOrder
}

// ReadMemory copies target memory at addr into buf.
func (t *Transport) ReadMemory(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, os.ErrClosed
	}
	useVM := t.useVM
	t.mu.Unlock()

	if useVM {
		n, err := t.readVM(addr, buf)
		if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EPERM) {
			return n, err
		}
		t.logger.Debug().Err(err).Msg("process_vm_readv unavailable, using /proc/<pid>/mem")
		t.mu.Lock()
		t.useVM = false
		t.mu.Unlock()
	}
	return t.readMemFile(addr, buf)
}

func (t *Transport) readVM(addr uint64, buf []byte) (int, error) {
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}

	n, err := unix.ProcessVMReadv(t.pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv 0x%x+%d: %w", addr, len(buf), err)
	}
	return n, nil
}

func (t *Transport) readMemFile(addr uint64, buf []byte) (int, error) {
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("address 0x%x beyond file offset range", addr)
	}

	f, err := t.memFile()
	if err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		n, err := unix.Pread(int(f.Fd()), buf[total:], int64(addr)+int64(total)) //nolint:gosec // bounded above
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, fmt.Errorf("pread /proc/%d/mem 0x%x+%d: %w", t.pid, addr, len(buf), err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func (t *Transport) memFile() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mem != nil {
		return t.mem, nil
	}
	f, err := os.Open(filepath.Join(proc.Root, strconv.Itoa(t.pid), "mem"))
	if err != nil {
		return nil, err
	}
	t.mem = f
	return f, nil
}

// ByteOrder reports the target byte order from its executable.
func (t *Transport) ByteOrder() binary.ByteOrder { return t.order }

// PointerSize reports the target pointer width, or 0 when unknown.
func (t *Transport) PointerSize() int { return t.ptrSize }

// Describe names the transport.
func (t *Transport) Describe() string { return fmt.Sprintf("pid %d", t.pid) }

// Close releases the mem file and continues a frozen target.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.mem != nil {
		errs = append(errs, t.mem.Close())
	}
	if t.freeze {
		if err := unix.Kill(t.pid, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("failed to continue process %d: %w", t.pid, err))
		}
	}
	return errors.Join(errs...)
}
