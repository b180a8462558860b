package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/avb"
	"github.com/bamsammich/flashall/internal/device/sim"
	"github.com/bamsammich/flashall/internal/event"
	"github.com/bamsammich/flashall/internal/sparse"
)

// avbImage returns an image of n bytes ending in an AVB footer whose
// vbmeta struct starts at vbmetaOff.
func avbImage(n int, vbmetaOff uint64) []byte {
	img := bytes.Repeat([]byte{0x20}, n)
	ft := img[n-avb.FooterSize:]
	copy(ft, avb.FooterMagic)
	binary.BigEndian.PutUint32(ft[4:], 1)
	binary.BigEndian.PutUint64(ft[12:], uint64(n-avb.FooterSize))
	binary.BigEndian.PutUint64(ft[20:], vbmetaOff)
	binary.BigEndian.PutUint64(ft[28:], avb.VBMetaMinSize)
	return img
}

func vbmetaImage(n int) []byte {
	img := make([]byte, n)
	copy(img, avb.VBMetaMagic)
	return img
}

func TestFlashRelocatesAVBFooter(t *testing.T) {
	f := newFixture(t, testDevice())
	img := avbImage(8192, 0)
	f.write(t, "boot.img", img)

	require.NoError(t, f.plan.RunTask(context.Background(), &FlashTask{Partition: "boot", Image: "boot.img"}))

	got, _ := f.sim.Partition("boot_a")
	require.Len(t, got.Data, testPartSize)
	assert.Equal(t, img[:8192-avb.FooterSize], got.Data[:8192-avb.FooterSize])
	assert.Equal(t, img[8192-avb.FooterSize:], got.Data[testPartSize-avb.FooterSize:])
}

func TestFlashDisableVerity(t *testing.T) {
	f := newFixture(t, testDevice())
	f.plan.DisableVerity = true
	f.plan.DisableVerification = true
	f.write(t, "vbmeta.img", vbmetaImage(4096))

	task := &FlashTask{Partition: "vbmeta", Image: "vbmeta.img", ApplyVbmeta: true}
	require.NoError(t, f.plan.RunTask(context.Background(), task))

	got, _ := f.sim.Partition("vbmeta_a")
	require.Greater(t, len(got.Data), 123)
	assert.Equal(t, byte(avb.DisableVerity|avb.DisableVerification), got.Data[123])
}

// bootOnlyDevice has boot but no vbmeta partition, so the vbmeta struct
// lives in the boot image.
func bootOnlyDevice() *sim.Device {
	d := sim.New("sim", 2)
	d.AddPartition("boot", testPartSize, true, false)
	return d
}

func TestFlashDisableVerityInBoot(t *testing.T) {
	img := avbImage(8192, 4096)
	copy(img[4096:], avb.VBMetaMagic)

	t.Run("device with vbmeta partition", func(t *testing.T) {
		f := newFixture(t, testDevice())
		f.plan.DisableVerity = true
		f.write(t, "boot.img", img)
		require.NoError(t, f.plan.RunTask(context.Background(), &FlashTask{Partition: "boot", Image: "boot.img"}))
		got, _ := f.sim.Partition("boot_a")
		assert.Equal(t, byte(0x20), got.Data[4096+123])
	})

	t.Run("device without vbmeta partition", func(t *testing.T) {
		f := newFixture(t, bootOnlyDevice())
		f.plan.DisableVerity = true
		f.write(t, "boot.img", img)
		require.NoError(t, f.plan.RunTask(context.Background(), &FlashTask{Partition: "boot", Image: "boot.img"}))
		got, _ := f.sim.Partition("boot_a")
		assert.Equal(t, byte(0x20)|byte(avb.DisableVerity), got.Data[4096+123])
	})
}

func TestFlashSignature(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.write(t, "boot.sig", []byte("sig"))

	require.NoError(t, f.plan.RunTask(context.Background(), &FlashTask{Partition: "boot", Image: "boot.img"}))
	assert.Equal(t, []string{"download:signature", "signature", "flash:boot_a"}, f.sim.Log())
}

func TestFlashDynamicNeedsUserspace(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeSuperEmpty(t, abLayout())
	f.writeImage(t, "vendor.img", 4096, 0x7e)
	f.sim.Vars["has-slot:vendor"] = "yes"

	err := f.plan.RunTask(context.Background(), &FlashTask{Partition: "vendor", Slot: "a", Image: "vendor.img"})
	require.ErrorIs(t, err, ErrNeedsUserspace)
	assert.Contains(t, err.Error(), "flash(vendor)")
	assert.Empty(t, f.sim.Log())

	var failed bool
	for _, e := range f.drain() {
		if e.Type == event.TaskFailed {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestFlashSplitsAtMaxDownloadSize(t *testing.T) {
	d := testDevice()
	d.MaxDownload = 16 << 10
	f := newFixture(t, d)

	img := make([]byte, 40<<10)
	for i := range img {
		img[i] = byte(i * 7)
	}
	f.write(t, "system.img", img)

	require.NoError(t, f.plan.RunTask(context.Background(), &FlashTask{Partition: "system", Image: "system.img"}))
	log := f.sim.Log()
	require.Greater(t, len(log), 1)
	assert.Contains(t, log[0], "flash:system_a 1/")

	got, _ := f.sim.Partition("system_a")
	require.GreaterOrEqual(t, len(got.Data), len(img))
	assert.Equal(t, img, got.Data[:len(img)])
	assert.Equal(t, int64(16<<10), f.plan.targetSparseLimit)
}

func TestFlashSparseImage(t *testing.T) {
	f := newFixture(t, testDevice())
	raw := bytes.Repeat([]byte{0x42}, 32<<10)
	sf, err := sparse.FromRaw(bytes.NewReader(raw), int64(len(raw)), sparse.DefaultBlockSize)
	require.NoError(t, err)
	var enc bytes.Buffer
	_, err = sf.WriteTo(&enc)
	require.NoError(t, err)
	f.write(t, "system.img", enc.Bytes())

	require.NoError(t, f.plan.RunTask(context.Background(), &FlashTask{Partition: "system", Image: "system.img"}))
	got, _ := f.sim.Partition("system_a")
	assert.Equal(t, raw, got.Data)
}

func TestSparseLimit(t *testing.T) {
	d := testDevice()
	d.MaxDownload = 4 << 30
	f := newFixture(t, d)

	assert.Zero(t, f.plan.sparseLimit(1<<20))
	assert.Equal(t, ResparseLimit, f.plan.sparseLimit(5<<30))

	f.plan.SparseLimit = 1 << 20
	assert.Equal(t, int64(1<<20), f.plan.sparseLimit(2<<20))
	assert.Zero(t, f.plan.sparseLimit(1<<20))

	f.plan.SparseLimit = 0
	f.plan.resetTargetLimit()
	d.MaxDownload = 0
	assert.Zero(t, f.plan.sparseLimit(5<<30))
}

func TestSparseSplitIsDeterministic(t *testing.T) {
	d := testDevice()
	d.MaxDownload = 8 << 10
	f := newFixture(t, d)
	img := make([]byte, 30<<10)
	for i := range img {
		img[i] = byte(i)
	}
	f.write(t, "system.img", img)

	load := func() uint64 {
		file, err := f.plan.Source.OpenFile("system.img")
		require.NoError(t, err)
		defer file.Close()
		b, err := f.plan.LoadBuffer(file)
		require.NoError(t, err)
		defer b.Close()
		require.NotEmpty(t, b.Pieces)
		for _, p := range b.Pieces {
			assert.LessOrEqual(t, p.Len(true), int64(8<<10))
		}
		return sparse.Fingerprint(b.Pieces)
	}
	assert.Equal(t, load(), load())
}
