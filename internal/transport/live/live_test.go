//go:build linux

package live

import (
	"os"
	"os/exec"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/gcscope/internal/sys/proc"
)

// selfImage returns the load address of the test binary's ELF header.
func selfImage(t *testing.T) uint64 {
	t.Helper()
	exe, err := proc.GetBinaryPath(os.Getpid())
	require.NoError(t, err)
	maps, err := proc.ReadMaps(os.Getpid())
	require.NoError(t, err)
	base, ok := proc.ImageBase(maps, exe)
	require.True(t, ok, "test binary not found in maps")
	return base
}

func TestTransport_ReadsOwnImage(t *testing.T) {
	base := selfImage(t)

	for _, disableVM := range []bool{false, true} {
		tr, err := Open(Config{Pid: os.Getpid(), DisableProcessVM: disableVM, Logger: zerolog.Nop()})
		require.NoError(t, err)

		buf := make([]byte, 4)
		n, err := tr.ReadMemory(base, buf)
		require.NoError(t, err, "disableVM=%v", disableVM)
		assert.Equal(t, 4, n)
		assert.Equal(t, []byte("\x7fELF"), buf)

		assert.Equal(t, 8, tr.PointerSize())
		assert.Contains(t, tr.Describe(), "pid ")
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
	}
}

func TestTransport_UnmappedAddress(t *testing.T) {
	tr, err := Open(Config{Pid: os.Getpid(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	_, err = tr.ReadMemory(0x10, make([]byte, 8))
	assert.Error(t, err)
}

func TestTransport_ReadAfterClose(t *testing.T) {
	tr, err := Open(Config{Pid: os.Getpid(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = tr.ReadMemory(selfImage(t), make([]byte, 4))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestOpen_MissingProcess(t *testing.T) {
	_, err := Open(Config{Pid: 1 << 30, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestOpen_FreezeWaitsForStop(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(sleep, "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	p, err := process.NewProcess(int32(cmd.Process.Pid)) //nolint:gosec // pids fit in int32
	require.NoError(t, err)

	tr, err := Open(Config{Pid: cmd.Process.Pid, Freeze: true, Logger: zerolog.Nop()})
	require.NoError(t, err)

	status, err := p.Status()
	require.NoError(t, err)
	assert.Contains(t, status, process.Stop, "target must be stopped when Open returns")

	require.NoError(t, tr.Close())
	assert.Eventually(t, func() bool {
		status, err := p.Status()
		return err == nil && !slices.Contains(status, process.Stop)
	}, 2*time.Second, 10*time.Millisecond)
}
