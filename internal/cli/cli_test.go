package cli

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/gcscope/internal/constants"
	gcerrors "github.com/coral-mesh/gcscope/internal/errors"
	"github.com/coral-mesh/gcscope/internal/sys/proc"
	"github.com/coral-mesh/gcscope/internal/target"
	"github.com/coral-mesh/gcscope/internal/testutil"
)

// run executes the CLI with a private config directory and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runWith(t, context.Background(), &app{}, args...)
}

// runWith executes the CLI for a prepared app under ctx.
func runWith(t *testing.T, ctx context.Context, a *app, args ...string) (string, error) {
	t.Helper()
	if _, ok := os.LookupEnv(constants.ConfigEnv); !ok {
		t.Setenv(constants.ConfigEnv, t.TempDir())
	}

	cmd := newRootCmdFor(a)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

// closeCounter counts Close calls on the wrapped transport.
type closeCounter struct {
	target.Transport
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.Transport.Close()
}

func fixture() *testutil.Fixture {
	gen := func(n int, base uint64) testutil.GenerationSpec {
		var segs []testutil.SegmentSpec
		for i := 0; i < n; i++ {
			mem := base + uint64(i)*0x10000
			segs = append(segs, testutil.SegmentSpec{Mem: mem, Allocated: mem + 0x100, Committed: mem + 0x1000, Reserved: mem + 0x10000})
		}
		return testutil.GenerationSpec{AllocationStart: base, AllocPtr: base + 0x80, AllocLimit: base + 0x1000, Segments: segs}
	}
	return testutil.BuildFixture(testutil.FixtureOptions{
		ServerGC: true,
		Heaps: []testutil.HeapSpec{
			{AllocAllocated: 0x500000, Generations: []testutil.GenerationSpec{gen(2, 0x1000000), gen(1, 0x2000000), gen(1, 0x3000000)}},
			{AllocAllocated: 0x600000, Generations: []testutil.GenerationSpec{gen(1, 0x4000000), gen(0, 0), gen(1, 0x5000000)}},
		},
	})
}

// coreArgs dumps fx to a core file and returns the flags that open it.
func coreArgs(t *testing.T, fx *testutil.Fixture) []string {
	t.Helper()
	core := fx.Target.WriteCore(t, "core")
	return []string{"--core", core, "--globals-addr", target.Address(fx.Globals).String()}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gcscope version")
	assert.Contains(t, out, "Go version:")

	out, err = run(t, "version", "-o", "json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["go_version"])
	assert.NotEmpty(t, info["platform"])

	_, err = run(t, "version", "-o", "csv")
	assert.Error(t, err)
}

func TestHeapsCmd(t *testing.T) {
	fx := fixture()
	args := coreArgs(t, fx)

	out, err := run(t, append([]string{"heaps"}, args...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ALLOC_ALLOCATED")
	assert.Contains(t, lines[1], target.Address(fx.HeapAddrs[0]).String())
	assert.Contains(t, lines[2], "0x600000")

	out, err = run(t, append([]string{"heaps", "-o", "json"}, args...)...)
	require.NoError(t, err)
	var heaps []struct {
		Index       int    `json:"index"`
		Address     string `json:"address"`
		Generations []any  `json:"generations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &heaps))
	require.Len(t, heaps, 2)
	assert.Equal(t, 1, heaps[1].Index)
	assert.Equal(t, target.Address(fx.HeapAddrs[1]).String(), heaps[1].Address)
	assert.Len(t, heaps[0].Generations, 3)
}

func TestGenerationsCmd(t *testing.T) {
	fx := fixture()

	out, err := run(t, append([]string{"generations", "--heap", "1", "-o", "csv"}, coreArgs(t, fx)...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "GEN,ADDRESS,ALLOCATION_START,ALLOC_PTR,ALLOC_LIMIT,START_SEGMENT", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,"+target.Address(fx.GenAddrs[1][0]).String()+",0x4000000,0x4000080,0x4001000,"))
	assert.True(t, strings.HasPrefix(lines[3], "2,"))
}

func TestSegmentsCmd(t *testing.T) {
	fx := fixture()

	out, err := run(t, append([]string{"segments", "--heap", "0", "--gen", "0", "-o", "csv"}, coreArgs(t, fx)...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "SEG,ADDRESS,MEM,ALLOCATED,COMMITTED,RESERVED,SIZE,FLAGS", lines[0])
	assert.Contains(t, lines[1], target.Address(fx.SegAddrs[0][0][0]).String())
	assert.Contains(t, lines[2], ",0x1010000,0x1010100,")
	assert.Contains(t, lines[2], ",256,")
}

func TestSegmentsCmd_IndexOutOfRange(t *testing.T) {
	fx := fixture()
	args := coreArgs(t, fx)

	_, err := run(t, append([]string{"segments", "--gen", "3"}, args...)...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gcerrors.IndexOutOfRange), "got %v", err)

	_, err = run(t, append([]string{"segments", "--heap", "2"}, args...)...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gcerrors.IndexOutOfRange), "got %v", err)
}

func TestLayoutCmd(t *testing.T) {
	fx := fixture()

	out, err := run(t, append([]string{"layout", "-o", "json"}, coreArgs(t, fx)...)...)
	require.NoError(t, err)
	var report struct {
		Version         string      `json:"version"`
		Fingerprint     string      `json:"fingerprint"`
		Globals         string      `json:"globals"`
		Block           string      `json:"block"`
		PointerSize     int         `json:"pointer_size"`
		ServerGC        bool        `json:"server_gc"`
		GenerationCount int         `json:"generation_count"`
		Entries         []layoutRow `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, target.Address(fx.Globals).String(), report.Globals)
	assert.NotEqual(t, "0x0", report.Block)
	assert.Equal(t, "1.0", report.Version)
	assert.Equal(t, 8, report.PointerSize)
	assert.True(t, report.ServerGC)
	assert.Equal(t, 3, report.GenerationCount)
	assert.Len(t, report.Fingerprint, 16)
	assert.Len(t, report.Entries, len(testutil.DefaultRows(8)))

	out, err = run(t, append([]string{"layout"}, coreArgs(t, fx)...)...)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# layout 1.0, 64-bit, server_gc=true, 3 generations\n"))
	assert.Contains(t, out, "generation.allocation_start")
}

func TestResolveGlobalsFromExecutable(t *testing.T) {
	fx := fixture()
	core := fx.Target.WriteCore(t, "core")
	exe := testutil.WriteELF(t, "server", testutil.ELFSpec{
		Type:     elf.ET_EXEC,
		Segments: []testutil.ELFSegment{{Vaddr: 0x400000, Data: make([]byte, 16)}},
		Symbols:  []testutil.ELFSymbol{{Name: constants.DefaultGlobalsSymbol, Value: fx.Globals, Size: 8}},
	})

	out, err := run(t, "heaps", "--core", core, "--exe", exe, "-o", "csv")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	_, err = run(t, "heaps", "--core", core, "--exe", exe, "--symbol", "missing")
	assert.Error(t, err)
}

func TestTargetFlagErrors(t *testing.T) {
	fx := fixture()
	core := fx.Target.WriteCore(t, "core")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no target", args: []string{"heaps"}, wantErr: "pid"},
		{name: "both targets", args: []string{"heaps", "--pid", "1", "--core", core}, wantErr: "pid"},
		{name: "core without exe", args: []string{"heaps", "--core", core}, wantErr: "--exe"},
		{name: "bad address", args: []string{"heaps", "--core", core, "--globals-addr", "zz"}, wantErr: "invalid address"},
		{name: "bad pointer size", args: []string{"heaps", "--core", core, "--globals-addr", "0x10", "--pointer-size", "3"}, wantErr: "pointer_size"},
		{name: "bad format", args: []string{"heaps", "--core", core, "-o", "xml"}, wantErr: "unsupported format"},
		{name: "missing core", args: []string{"heaps", "--core", filepath.Join(t.TempDir(), "nope"), "--globals-addr", "0x10"}, wantErr: "failed to open target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiagnosticsUnsupported(t *testing.T) {
	ft := testutil.NewFakeTarget()
	globals := ft.PublishUnset(8)
	core := ft.WriteCore(t, "core")

	t.Setenv("GCSCOPE_PUBLISH_RETRIES", "1")
	_, err := run(t, "heaps", "--core", core, "--globals-addr", target.Address(globals).String())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gcerrors.DiagnosticsUnsupported), "got %v", err)
}

func TestExportAndSessionsCmd(t *testing.T) {
	fx := fixture()
	db := filepath.Join(t.TempDir(), "snap.duckdb")

	out, err := run(t, append([]string{"export", "--db", db, "-o", "json"}, coreArgs(t, fx)...)...)
	require.NoError(t, err)
	var res struct {
		SessionID   string `json:"session_id"`
		Heaps       int    `json:"heaps"`
		Generations int    `json:"generations"`
		Segments    int    `json:"segments"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 2, res.Heaps)
	assert.Equal(t, 6, res.Generations)
	assert.Equal(t, 6, res.Segments)

	out, err = run(t, "sessions", "--db", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], res.SessionID)
	assert.Contains(t, lines[1], "core ")

	out, err = run(t, "sessions", "--db", db, "--id", res.SessionID, "-o", "csv")
	require.NoError(t, err)
	assert.Equal(t, "GEN,SEGMENTS,ALLOCATED,COMMITTED\n0,3,768,12288\n1,1,256,4096\n2,2,512,8192\n", out)

	_, err = run(t, "sessions", "--db", db, "--id", "unknown")
	assert.ErrorContains(t, err, "session unknown not found")

	_, err = run(t, "sessions", "--db", db, "--delete")
	assert.ErrorContains(t, err, "--delete requires --id")

	out, err = run(t, "sessions", "--db", db, "--id", res.SessionID, "--delete")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted session "+res.SessionID)

	out, err = run(t, "sessions", "--db", db, "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestConfigCmd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(constants.ConfigEnv, dir)

	out, err := run(t, "config", "path")
	require.NoError(t, err)
	path := filepath.Join(dir, constants.DefaultDir, constants.ConfigFile)
	assert.Equal(t, path+"\n", out)

	out, err = run(t, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "# layers: defaults, flags\n")
	assert.Contains(t, out, "globals_symbol: "+constants.DefaultGlobalsSymbol)

	out, err = run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid (defaults)")

	out, err = run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = run(t, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
	_, err = run(t, "config", "init", "--force")
	require.NoError(t, err)

	t.Setenv("GCSCOPE_CACHE_CAPACITY", "7")
	out, err = run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# layers: defaults, file, env, flags\n")
	assert.Contains(t, out, "# file: "+path)
	assert.Contains(t, out, "# env: GCSCOPE_CACHE_CAPACITY")
	assert.Contains(t, out, "capacity: 7")

	t.Setenv("GCSCOPE_POINTER_SIZE", "3")
	t.Setenv("GCSCOPE_MAX_HEAPS", "-1")
	_, err = run(t, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
}

func TestConfigCmd_ExplicitFileMustExist(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "view")
	assert.Error(t, err)
}

func TestPsCmd(t *testing.T) {
	withGlobals := testutil.WriteELF(t, "server", testutil.ELFSpec{
		Type:     elf.ET_EXEC,
		Segments: []testutil.ELFSegment{{Vaddr: 0x400000, Data: make([]byte, 16)}},
		Symbols:  []testutil.ELFSymbol{{Name: constants.DefaultGlobalsSymbol, Value: 0x401000, Size: 8}},
	})
	without := testutil.WriteELF(t, "shell", testutil.ELFSpec{
		Type:     elf.ET_EXEC,
		Segments: []testutil.ELFSegment{{Vaddr: 0x400000, Data: make([]byte, 16)}},
		Symbols:  []testutil.ELFSymbol{{Name: "main", Value: 0x400100}},
	})

	root := t.TempDir()
	addProc := func(pid int, exe string) {
		dir := filepath.Join(root, fmt.Sprint(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		if exe == "" {
			return
		}
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
		maps := fmt.Sprintf("00400000-00401000 r-xp 00000000 08:01 12 %s\n", exe)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o600))
	}
	addProc(42, withGlobals)
	addProc(43, without)
	addProc(44, "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	orig := proc.Root
	proc.Root = root
	t.Cleanup(func() { proc.Root = orig })

	out, err := run(t, "ps", "-o", "csv")
	require.NoError(t, err)
	assert.Equal(t, "PID,EXECUTABLE,GLOBALS\n42,"+withGlobals+",0x401000\n", out)

	out, err = run(t, "ps", "--symbol", "main", "-o", "json")
	require.NoError(t, err)
	var rows []struct {
		Pid     int    `json:"pid"`
		Globals string `json:"globals"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 43, rows[0].Pid)
	assert.Equal(t, "0x400100", rows[0].Globals)
}

func TestExportCmd_CanceledContext(t *testing.T) {
	fx := fixture()
	db := filepath.Join(t.TempDir(), "snap.duckdb")

	var tr *closeCounter
	a := &app{wrapTransport: func(inner target.Transport) target.Transport {
		tr = &closeCounter{Transport: inner}
		return tr
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runWith(t, ctx, a, append([]string{"export", "--db", db}, coreArgs(t, fx)...)...)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, tr)
	assert.Equal(t, int32(1), tr.closes.Load())

	out, err := run(t, "sessions", "--db", db, "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}
