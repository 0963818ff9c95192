package proc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d4c8a00000-55d4c8a21000 r--p 00000000 fd:01 1835012                    /usr/share/dotnet/dotnet
55d4c8a21000-55d4c8a40000 r-xp 00021000 fd:01 1835012                    /usr/share/dotnet/dotnet
55d4c8c40000-55d4c8c42000 rw-p 00040000 fd:01 1835012                    /usr/share/dotnet/dotnet
7f1c20000000-7f1c20021000 rw-p 00000000 00:00 0
7f1c24a00000-7f1c24c00000 r--p 00000000 fd:01 1835100                    /usr/share/dotnet/shared/libcoreclr.so
7ffd1b2f0000-7ffd1b311000 rw-p 00000000 00:00 0                          [stack]
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 6)

	assert.Equal(t, uint64(0x55d4c8a00000), maps[0].Start)
	assert.Equal(t, uint64(0x55d4c8a21000), maps[0].End)
	assert.Equal(t, "/usr/share/dotnet/dotnet", maps[0].Path)
	assert.Equal(t, uint64(0x21000), maps[1].Offset)
	assert.Equal(t, uint64(1835012), maps[1].Inode)
	assert.True(t, maps[1].Readable())
	assert.Empty(t, maps[3].Path)
	assert.Equal(t, "[stack]", maps[5].Path)
}

func TestParseMaps_Malformed(t *testing.T) {
	_, err := ParseMaps(strings.NewReader("zzzz-0000 r--p 00000000 fd:01 1 /bin/x\n"))
	assert.Error(t, err)

	_, err = ParseMaps(strings.NewReader("0000 r--p 00000000 fd:01 1 /bin/x\n"))
	assert.Error(t, err)
}

func TestImageBaseAndFindMapping(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	base, ok := ImageBase(maps, "/usr/share/dotnet/shared/libcoreclr.so")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x7f1c24a00000), base)

	_, ok = ImageBase(maps, "/nonexistent")
	assert.False(t, ok)

	m, ok := FindMapping(maps, 0x55d4c8a30000)
	assert.True(t, ok)
	assert.Equal(t, "r-xp", m.Perms)

	_, ok = FindMapping(maps, 0x1000)
	assert.False(t, ok)
}

func TestReadMapsAndListPids(t *testing.T) {
	root := t.TempDir()
	orig := Root
	Root = root
	t.Cleanup(func() { Root = orig })

	require.NoError(t, os.MkdirAll(filepath.Join(root, "4242"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "17"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "4242", "maps"), []byte(sampleMaps), 0o600))
	require.NoError(t, os.Symlink("/usr/share/dotnet/dotnet", filepath.Join(root, "4242", "exe")))

	pids, err := ListPids()
	require.NoError(t, err)
	assert.Equal(t, []int{17, 4242}, pids)

	maps, err := ReadMaps(4242)
	require.NoError(t, err)
	assert.Len(t, maps, 6)

	exe, err := GetBinaryPath(4242)
	require.NoError(t, err)
	assert.Equal(t, "/usr/share/dotnet/dotnet", exe)

	_, err = ReadMaps(17)
	assert.Error(t, err)
}
