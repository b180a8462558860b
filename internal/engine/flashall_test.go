package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/event"
)

func TestFlashAllWithoutScript(t *testing.T) {
	f := newFixture(t, testDevice())
	boot := f.writeImage(t, "boot.img", 4096, 0xb0)
	system := f.writeImage(t, "system.img", 8192, 0x55)

	require.NoError(t, f.plan.FlashAll(context.Background()))

	assert.Equal(t, []string{"set_active:a", "flash:boot_a", "flash:system_a"}, f.sim.Log())
	got, _ := f.sim.Partition("boot_a")
	assert.Equal(t, boot, got.Data)
	got, _ = f.sim.Partition("system_a")
	assert.Equal(t, system, got.Data)
	assert.Equal(t, "a", f.plan.CurrentSlot)
	assert.Equal(t, "b", f.plan.SecondarySlot)

	var states []string
	for _, e := range f.drain() {
		if e.Type == event.StateEntered {
			states = append(states, e.State)
		}
	}
	assert.Equal(t, []string{
		"CheckRequirements",
		"DetermineActiveSlot",
		"CancelPendingSnapshotMerge",
		"BuildTaskGraph",
		"ExecuteTasksInOrder",
	}, states)
}

func TestFlashAllDynamicPartitions(t *testing.T) {
	f := newFixture(t, testDevice())
	f.plan.OptimizeFlashSuper = false
	f.writeSuperEmpty(t, abLayout())
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)
	product := f.writeImage(t, "product.img", 8192, 0x70)
	f.writeImage(t, "vendor.img", 4096, 0x7e)

	tasks, err := f.plan.CollectTasks()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"flash(boot)",
		"update-super",
		"resize(product,0)",
		"resize(vendor,0)",
		"flash(product)",
		"flash(system)",
		"flash(vendor)",
	}, taskNames(tasks))

	require.NoError(t, f.plan.FlashAll(context.Background()))
	assert.Equal(t, []string{
		"set_active:a",
		"flash:boot_a",
		"reboot-fastboot",
		"download:super",
		"update-super:super",
		"resize-logical-partition:product_a:0",
		"resize-logical-partition:vendor_a:0",
		"resize-logical-partition:product_a:8192",
		"flash:product_a",
		"flash:system_a",
		"resize-logical-partition:vendor_a:4096",
		"flash:vendor_a",
	}, f.sim.Log())

	got, ok := f.sim.Partition("product_a")
	require.True(t, ok)
	assert.True(t, got.Logical)
	assert.Equal(t, product, got.Data)
}

func TestFlashAllOptimizedSuper(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeSuperEmpty(t, abLayout())
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)
	product := f.writeImage(t, "product.img", 8192, 0x70)
	vendor := f.writeImage(t, "vendor.img", 4096, 0x7e)

	tasks, err := f.plan.CollectTasks()
	require.NoError(t, err)
	assert.Equal(t, []string{"flash(boot)", "flash(system)", "flash-super(super)"}, taskNames(tasks))

	require.NoError(t, f.plan.FlashAll(context.Background()))
	assert.Equal(t, []string{
		"set_active:a",
		"flash:boot_a",
		"flash:system_a",
		"flash:super 1/1",
	}, f.sim.Log())

	got, ok := f.sim.Partition("product_a")
	require.True(t, ok)
	require.GreaterOrEqual(t, len(got.Data), len(product))
	assert.Equal(t, product, got.Data[:len(product)])
	got, _ = f.sim.Partition("vendor_a")
	require.GreaterOrEqual(t, len(got.Data), len(vendor))
	assert.Equal(t, vendor, got.Data[:len(vendor)])
}

func TestFlashAllSlotAllDisablesOptimization(t *testing.T) {
	f := newFixture(t, testDevice())
	f.plan.SlotOverride = "all"
	f.writeSuperEmpty(t, abLayout())
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)
	f.writeImage(t, "vendor.img", 4096, 0x7e)

	require.NoError(t, f.plan.determineActiveSlot())
	tasks, err := f.plan.CollectTasks()
	require.NoError(t, err)
	assert.NotContains(t, taskNames(tasks), "flash-super(super)")
	assert.Contains(t, taskNames(tasks), "update-super")
	assert.Contains(t, taskNames(tasks), "resize(vendor,0)", "logical partitions are found on every slot")
	assert.Equal(t, []string{"set_active:a"}, f.sim.Log())
}

func TestFlashAllMissingRequiredImage(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeImage(t, "boot.img", 4096, 0xb0)

	err := f.plan.FlashAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at state BuildTaskGraph")
	assert.Contains(t, err.Error(), "could not load 'system.img'")
	assert.Equal(t, []string{"set_active:a"}, f.sim.Log())
}

func TestFlashAllRequirementsNotMet(t *testing.T) {
	f := newFixture(t, testDevice())
	f.write(t, requirementsFile, []byte("require board=other\n"))
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)

	err := f.plan.FlashAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at state CheckRequirements")
	var re *RequirementError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "sim", re.Value)
	assert.Empty(t, f.sim.Log())
}

func TestFlashAllMissingAndroidInfo(t *testing.T) {
	f := newFixture(t, testDevice())
	require.NoError(t, os.Remove(filepath.Join(f.dir, requirementsFile)))

	err := f.plan.FlashAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read android-info.txt")
}

func TestFlashAllCancelsSnapshot(t *testing.T) {
	d := testDevice()
	d.SnapshotState = "snapshotted"
	f := newFixture(t, d)
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)

	require.NoError(t, f.plan.FlashAll(context.Background()))
	assert.Equal(t, "snapshot-update:cancel", f.sim.Log()[1])
}

func TestFlashAllSecondaryImages(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)
	other := f.writeImage(t, "system_other.img", 4096, 0x0e)

	require.NoError(t, f.plan.FlashAll(context.Background()))
	assert.Contains(t, f.sim.Log(), "flash:system_b")
	got, _ := f.sim.Partition("system_b")
	assert.Equal(t, other, got.Data)

	t.Run("skip secondary", func(t *testing.T) {
		f.sim.ResetLog()
		f.plan.SkipSecondary = true
		require.NoError(t, f.plan.FlashAll(context.Background()))
		assert.NotContains(t, f.sim.Log(), "flash:system_b")
	})
}

func TestFlashAllExcludeDynamicPartitions(t *testing.T) {
	f := newFixture(t, testDevice())
	f.plan.ExcludeDynamicPartitions = true
	f.writeSuperEmpty(t, abLayout())
	f.write(t, fastbootInfoFile, []byte("version 1\nflash boot\nreboot fastboot\nflash vendor\nflash system\n"))
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)
	f.writeImage(t, "vendor.img", 4096, 0x7e)

	tasks, err := f.plan.CollectTasks()
	require.NoError(t, err)
	assert.Equal(t, []string{"flash(boot)", "flash(system)"}, taskNames(tasks))

	t.Run("every slot", func(t *testing.T) {
		f.plan.SlotOverride = "all"
		tasks, err := f.plan.CollectTasks()
		require.NoError(t, err)
		assert.Equal(t, []string{"flash(boot)", "flash(system)"}, taskNames(tasks))
	})
}

func TestFinalize(t *testing.T) {
	f := newFixture(t, testDevice())
	base := []Task{&FlashTask{Partition: "boot", Image: "boot.img"}}

	tasks, err := f.plan.Finalize(base, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"flash(boot)"}, taskNames(tasks))

	f.plan.WantsWipe = true
	tasks, err = f.plan.Finalize(base, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"wipe(userdata)", "wipe(cache)", "wipe(metadata)", "flash(boot)"}, taskNames(tasks))
	assert.Empty(t, f.sim.Log())

	f.plan.WantsSetActive = true
	_, err = f.plan.Finalize(base, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"set_active:b"}, f.sim.Log())

	f.sim.ResetLog()
	_, err = f.plan.Finalize(base, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"set_active:b"}, f.sim.Log(), "falls back to the current slot")
}

func TestFinalizeWithoutSlots(t *testing.T) {
	d := testDevice()
	d.SlotCount = 0
	d.CurrentSlot = ""
	f := newFixture(t, d)
	f.plan.WantsSetActive = true

	_, err := f.plan.Finalize(nil, "")
	require.NoError(t, err)
	assert.False(t, f.plan.WantsSetActive)
	assert.Empty(t, f.sim.Log())
}

func TestRunWipeTasks(t *testing.T) {
	f := newFixture(t, testDevice())
	f.plan.WantsWipe = true
	tasks, err := f.plan.Finalize(nil, "")
	require.NoError(t, err)

	require.NoError(t, f.plan.RunTasks(context.Background(), tasks))
	// cache does not exist on this device and is skipped.
	assert.Equal(t, []string{"erase:userdata", "erase:metadata"}, f.sim.Log())
}

func TestDetermineSlotOverride(t *testing.T) {
	f := newFixture(t, testDevice())
	f.plan.SlotOverride = "b"
	f.plan.DetermineSlot()
	assert.Equal(t, "b", f.plan.CurrentSlot)
	assert.Equal(t, "a", f.plan.SecondarySlot)
	assert.False(t, f.plan.SkipSecondary)
}

func TestDetermineSlotWithoutSlots(t *testing.T) {
	d := testDevice()
	d.SlotCount = 0
	d.CurrentSlot = ""
	f := newFixture(t, d)
	f.plan.DetermineSlot()
	assert.Empty(t, f.plan.SecondarySlot)
	assert.True(t, f.plan.SkipSecondary)
}
