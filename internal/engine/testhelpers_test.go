package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/device"
	"github.com/bamsammich/flashall/internal/device/sim"
	"github.com/bamsammich/flashall/internal/event"
	"github.com/bamsammich/flashall/internal/lp"
	"github.com/bamsammich/flashall/internal/source"
	"github.com/bamsammich/flashall/internal/tmpfile"
)

const (
	testPartSize  = 64 << 10
	testSuperSize = 16 << 20
)

// testDevice is an A/B phone with physical boot, vbmeta and system
// partitions plus userdata, metadata and a super partition.
func testDevice() *sim.Device {
	d := sim.New("sim", 2)
	d.AddPartition("boot", testPartSize, true, false)
	d.AddPartition("vbmeta", testPartSize, true, false)
	d.AddPartition("system", testPartSize, true, false)
	d.AddPartition("userdata", testPartSize, false, false)
	d.AddPartition("metadata", testPartSize, false, false)
	d.AddPartition("super", testSuperSize, false, false)
	return d
}

type fixture struct {
	sim    *sim.Device
	plan   *FlashingPlan
	dir    string
	events chan event.Event
}

// newFixture builds a plan over d reading images from a temp directory.
// android-info.txt requires the sim board.
func newFixture(t *testing.T, d *sim.Device) *fixture {
	t.Helper()
	tmpfile.Dir = t.TempDir()

	dev := device.New(d, d, "sim0")
	dev.PollInterval = time.Millisecond
	dev.Settle = 0

	dir := t.TempDir()
	f := &fixture{sim: d, dir: dir, events: make(chan event.Event, 256)}
	f.plan = NewPlan(dev, source.NewDirSource(dir))
	f.plan.Events = f.events
	f.write(t, requirementsFile, []byte("require board=sim\n"))
	return f
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), data, 0o644))
}

// writeImage stores an image of n bytes filled with fill.
func (f *fixture) writeImage(t *testing.T, name string, n int, fill byte) []byte {
	t.Helper()
	data := bytes.Repeat([]byte{fill}, n)
	f.write(t, name, data)
	return data
}

func (f *fixture) writeSuperEmpty(t *testing.T, m *lp.Metadata) {
	t.Helper()
	blob, err := lp.EmptyImage(m)
	require.NoError(t, err)
	f.write(t, superEmptyImage, blob)
}

// drain returns the events emitted so far.
func (f *fixture) drain() []event.Event {
	var out []event.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// abLayout is a 16 MiB super with system and vendor for both slots, all
// empty.
func abLayout() *lp.Metadata {
	return &lp.Metadata{
		Geometry: lp.Geometry{MetadataMaxSize: 65536, MetadataSlotCount: 3, LogicalBlockSize: 4096},
		Header:   lp.Header{MajorVersion: lp.MajorVersion},
		Partitions: []lp.Partition{
			{Name: "product_a", Attributes: lp.PartitionAttrReadonly, Group: 1},
			{Name: "vendor_a", Attributes: lp.PartitionAttrReadonly, Group: 1},
			{Name: "product_b", Attributes: lp.PartitionAttrReadonly, Group: 2},
			{Name: "vendor_b", Attributes: lp.PartitionAttrReadonly, Group: 2},
		},
		Groups: []lp.Group{
			{Name: "default"},
			{Name: "main_a", MaximumSize: 6 << 20},
			{Name: "main_b", MaximumSize: 6 << 20},
		},
		BlockDevices: []lp.BlockDevice{
			{FirstLogicalSector: 2048, Alignment: 1 << 20, Size: testSuperSize, PartitionName: "super"},
		},
	}
}
