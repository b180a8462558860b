package tmpfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateClose(t *testing.T) {
	Dir = t.TempDir()
	t.Cleanup(func() { Dir = "" })

	f, err := Create("boot")
	require.NoError(t, err)
	path := f.Name()
	assert.Contains(t, path, "flashall-boot-")

	_, err = f.WriteString("data")
	require.NoError(t, err)
	assert.Equal(t, 1, Pending())

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, Pending())
}

func TestCleanup(t *testing.T) {
	Dir = t.TempDir()
	t.Cleanup(func() { Dir = "" })

	a, err := Create("a")
	require.NoError(t, err)
	b, err := Create("b")
	require.NoError(t, err)

	Cleanup()
	for _, f := range []*File{a, b} {
		_, err := os.Stat(f.Name())
		assert.True(t, os.IsNotExist(err))
	}
	assert.Equal(t, 0, Pending())
	require.NoError(t, a.Close())
}

func TestCreateSized(t *testing.T) {
	Dir = t.TempDir()
	t.Cleanup(func() { Dir = "" })

	f, err := CreateSized("vbmeta", 8192)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("AVB0"), 0)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "AVB0", string(buf))
	assert.Equal(t, 1, Pending())
}
