package sim

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/lp"
	"github.com/bamsammich/flashall/internal/sparse"
)

func encode(t *testing.T, f *sparse.File) []byte {
	t.Helper()
	var b bytes.Buffer
	_, err := f.WriteTo(&b)
	require.NoError(t, err)
	return b.Bytes()
}

func TestSparsePiecesAccumulate(t *testing.T) {
	d := New("sim", 2)
	d.AddPartition("boot", 64<<10, true, false)

	img := bytes.Repeat([]byte{0xab}, 40<<10)
	f, err := sparse.FromRaw(bytes.NewReader(img), int64(len(img)), 4096)
	require.NoError(t, err)
	// Fill chunks are tiny, so force raw data for a real split.
	raw := sparse.New(4096, int64(len(img)))
	require.NoError(t, raw.AddRawBytes(0, img))
	pieces, err := raw.Resparse(16 << 10)
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	for i, p := range pieces {
		data := encode(t, p)
		require.NoError(t, d.FlashPartition("boot_a", bytes.NewReader(data), int64(len(data)), i+1, len(pieces)))
	}
	got, ok := d.Partition("boot_a")
	require.True(t, ok)
	assert.Equal(t, img, got.Data)

	data := encode(t, f)
	require.NoError(t, d.FlashPartition("boot_b", bytes.NewReader(data), int64(len(data)), 0, 0))
	got, _ = d.Partition("boot_b")
	assert.Equal(t, img, got.Data)
}

func TestLogicalPartitionsNeedUserspace(t *testing.T) {
	d := New("sim", 2)
	d.AddPartition("system", 4096, true, true)

	err := d.FlashPartition("system_a", bytes.NewReader([]byte{1}), 1, 0, 0)
	require.Error(t, err)
	_, err = d.GetVar("is-logical:system_a")
	require.Error(t, err)

	require.NoError(t, d.Reboot("fastboot"))
	v, err := d.GetVar("is-logical:system_a")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
	require.NoError(t, d.ResizePartition("system_a", "8192"))
	require.NoError(t, d.FlashPartition("system_a", bytes.NewReader([]byte{1}), 1, 0, 0))
}

func superLayout() *lp.Metadata {
	return &lp.Metadata{
		Geometry: lp.Geometry{MetadataMaxSize: 65536, MetadataSlotCount: 3, LogicalBlockSize: 4096},
		Header:   lp.Header{MajorVersion: lp.MajorVersion},
		Partitions: []lp.Partition{
			{Name: "system_a", Group: 1, NumExtents: 1},
			{Name: "system_b", Group: 2},
		},
		Extents: []lp.Extent{{NumSectors: 16, TargetType: lp.TargetTypeLinear, TargetData: 2048}},
		Groups:  []lp.Group{{Name: "default"}, {Name: "main_a"}, {Name: "main_b"}},
		BlockDevices: []lp.BlockDevice{
			{FirstLogicalSector: 2048, Alignment: 1 << 20, Size: 4 << 20, PartitionName: "super"},
		},
	}
}

func TestUpdateSuper(t *testing.T) {
	d := New("sim", 2)
	d.AddPartition("super", 4<<20, false, false)
	d.Userspace = true

	blob, err := lp.EmptyImage(superLayout())
	require.NoError(t, err)
	require.NoError(t, d.Download("super", bytes.NewReader(blob), int64(len(blob))))
	_, err = d.RawCommand("update-super:super", "Updating super partition")
	require.NoError(t, err)

	p, ok := d.Partition("system_a")
	require.True(t, ok)
	assert.True(t, p.Logical)
	assert.Equal(t, uint64(8192), p.Size)

	has, err := d.GetVar("has-slot:system")
	require.NoError(t, err)
	assert.Equal(t, "yes", has)

	_, err = d.RawCommand("update-super:other", "")
	require.Error(t, err)
}

func TestFlashSuperImage(t *testing.T) {
	d := New("sim", 2)
	d.AddPartition("super", 4<<20, false, false)

	payload := bytes.Repeat([]byte{7}, 8192)
	f, err := lp.SuperImage(superLayout(), 0, []lp.ImageData{{Partition: "system_a", Data: bytes.NewReader(payload), Size: int64(len(payload))}})
	require.NoError(t, err)
	data := encode(t, f)
	require.NoError(t, d.FlashPartition("super", bytes.NewReader(data), int64(len(data)), 0, 0))

	d.Userspace = true
	p, ok := d.Partition("system_a")
	require.True(t, ok)
	assert.Equal(t, payload, p.Data)
}

func TestFetch(t *testing.T) {
	d := New("sim", 0)
	d.AddPartition("boot", 8192, false, false)
	require.NoError(t, d.FlashPartition("boot", bytes.NewReader([]byte("kernel")), 6, 0, 0))

	var out bytes.Buffer
	require.NoError(t, d.FetchToFd("boot", &out, 0, 4096))
	assert.Equal(t, 4096, out.Len())
	assert.Equal(t, "kernel", out.String()[:6])
	require.Error(t, d.FetchToFd("boot", &out, 4096, 8192))
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
product = "walleye"
slot_count = 2
current_slot = "b"
max_download_size = 1048576

[vars]
version-bootloader = "wall-1.0"

[[partition]]
name = "boot"
size = 65536
slotted = true

[[partition]]
name = "userdata"
size = 1048576
type = "f2fs"
`), 0o644))

	d, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", d.CurrentSlot)

	v, err := d.GetVar("version-bootloader")
	require.NoError(t, err)
	assert.Equal(t, "wall-1.0", v)
	v, err = d.GetVar("partition-type:userdata")
	require.NoError(t, err)
	assert.Equal(t, "f2fs", v)
	v, err = d.GetVar("max-download-size")
	require.NoError(t, err)
	assert.Equal(t, "0x100000", v)
	assert.Equal(t, []string{"boot_a", "boot_b", "userdata"}, d.Partitions())
}

func TestFailOn(t *testing.T) {
	d := New("sim", 0)
	d.AddPartition("cache", 4096, false, false)
	d.FailOn["erase"] = "locked"
	err := d.Erase("cache")
	require.EqualError(t, err, "erase: remote: 'locked'")
	assert.Equal(t, []string{"erase:cache"}, d.Log())
}
