package avb_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/avb"
)

func footer(vbmetaOffset uint64) []byte {
	b := make([]byte, avb.FooterSize)
	copy(b, avb.FooterMagic)
	binary.BigEndian.PutUint32(b[4:], 1)
	binary.BigEndian.PutUint64(b[12:], 4096)
	binary.BigEndian.PutUint64(b[20:], vbmetaOffset)
	binary.BigEndian.PutUint64(b[28:], 512)
	return b
}

func imageWithFooter(size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i)
	}
	copy(img[size-avb.FooterSize:], footer(0))
	return img
}

func TestParseFooter(t *testing.T) {
	f, err := avb.ParseFooter(footer(8192))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.VersionMajor)
	assert.Equal(t, uint64(4096), f.OriginalImageSize)
	assert.Equal(t, uint64(8192), f.VBMetaOffset)

	_, err = avb.ParseFooter(make([]byte, avb.FooterSize))
	assert.ErrorIs(t, err, avb.ErrNoFooter)
	_, err = avb.ParseFooter([]byte("AVBf"))
	assert.ErrorIs(t, err, avb.ErrNoFooter)
}

func TestRelocateFooter(t *testing.T) {
	img := imageWithFooter(4096)
	const partSize = 16384

	dst, err := os.Create(filepath.Join(t.TempDir(), "out.img"))
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, avb.RelocateFooter(bytes.NewReader(img), int64(len(img)), partSize, dst))

	got, err := os.ReadFile(dst.Name())
	require.NoError(t, err)
	require.Len(t, got, partSize)
	assert.Equal(t, img, got[:len(img)])
	assert.Equal(t, avb.FooterMagic, got[partSize-avb.FooterSize:partSize-avb.FooterSize+4])
	assert.Equal(t, img[len(img)-avb.FooterSize:], got[partSize-avb.FooterSize:])
}

func TestRelocateFooter_NoFooter(t *testing.T) {
	img := make([]byte, 4096)
	dst, err := os.Create(filepath.Join(t.TempDir(), "out.img"))
	require.NoError(t, err)
	defer dst.Close()

	err = avb.RelocateFooter(bytes.NewReader(img), int64(len(img)), 8192, dst)
	assert.ErrorIs(t, err, avb.ErrNoFooter)
	fi, err := dst.Stat()
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestRelocateFooter_PartitionTooSmall(t *testing.T) {
	img := imageWithFooter(4096)
	dst, err := os.Create(filepath.Join(t.TempDir(), "out.img"))
	require.NoError(t, err)
	defer dst.Close()

	assert.Error(t, avb.RelocateFooter(bytes.NewReader(img), int64(len(img)), 1024, dst))
}

func TestSetVBMetaFlags(t *testing.T) {
	t.Run("vbmeta image", func(t *testing.T) {
		data := make([]byte, 512)
		copy(data, avb.VBMetaMagic)
		off, err := avb.SetVBMetaFlags(data, false, avb.DisableVerity|avb.DisableVerification)
		require.NoError(t, err)
		assert.Zero(t, off)
		assert.Equal(t, byte(0x03), data[123])
	})

	t.Run("vbmeta inside boot", func(t *testing.T) {
		data := make([]byte, 8192)
		copy(data[4096:], avb.VBMetaMagic)
		copy(data[len(data)-avb.FooterSize:], footer(4096))
		off, err := avb.SetVBMetaFlags(data, true, avb.DisableVerification)
		require.NoError(t, err)
		assert.Equal(t, uint64(4096), off)
		assert.Equal(t, byte(0x02), data[4096+123])
	})

	t.Run("missing magic", func(t *testing.T) {
		_, err := avb.SetVBMetaFlags(make([]byte, 512), false, avb.DisableVerity)
		assert.ErrorIs(t, err, avb.ErrNoVBMeta)
	})

	t.Run("boot without footer", func(t *testing.T) {
		_, err := avb.SetVBMetaFlags(make([]byte, 512), true, avb.DisableVerity)
		assert.ErrorIs(t, err, avb.ErrNoFooter)
	})

	t.Run("footer offset out of range", func(t *testing.T) {
		for _, vbOff := range []uint64{^uint64(0) - 100, 8192 - 100, 1 << 40} {
			data := make([]byte, 8192)
			copy(data[len(data)-avb.FooterSize:], footer(vbOff))
			_, err := avb.SetVBMetaFlags(data, true, avb.DisableVerity)
			assert.ErrorIs(t, err, avb.ErrNoVBMeta, "offset %d", vbOff)
		}
	})

	t.Run("too small is ignored", func(t *testing.T) {
		data := make([]byte, 100)
		_, err := avb.SetVBMetaFlags(data, false, avb.DisableVerity)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 100), data)
	})
}
