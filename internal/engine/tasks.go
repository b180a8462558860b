package engine

import (
	"fmt"

	"github.com/bamsammich/flashall/internal/lp"
)

// Task is one step of a flashing run. The set of variants is closed;
// RunTask dispatches on the concrete type.
type Task interface {
	fmt.Stringer
	isTask()
}

// FlashTask writes an image from the source to a partition. Slot is
// resolved when the task runs.
type FlashTask struct {
	Slot        string
	Partition   string
	Image       string
	ApplyVbmeta bool
}

// RebootTask reboots the device. An empty target is a normal reboot;
// "fastboot" only reboots when the device is not in userspace already.
type RebootTask struct {
	Target string
}

// WipeTask erases a partition and formats it when its filesystem type is
// known.
type WipeTask struct {
	Partition string
}

// ResizeTask resizes every resolved slot of a logical partition. Size is
// a decimal byte count as sent to the device.
type ResizeTask struct {
	Partition string
	Size      string
	Slot      string
}

// DeleteTask deletes a logical partition.
type DeleteTask struct {
	Partition string
}

// UpdateSuperTask sends super_empty.img and asks userspace fastboot to
// apply it to the super partition.
type UpdateSuperTask struct{}

// OptimizedFlashSuperTask flashes a complete super image, replacing the
// per-partition flash, resize and update-super steps.
type OptimizedFlashSuperTask struct {
	SuperName string
	SuperSize int64
	Metadata  *lp.Metadata
	Images    []SuperImage
}

// SuperImage is one image placed in an optimized super image. Partition
// is slot-qualified.
type SuperImage struct {
	Partition string
	Image     string
	Size      int64
}

func (*FlashTask) isTask()               {}
func (*RebootTask) isTask()              {}
func (*WipeTask) isTask()                {}
func (*ResizeTask) isTask()              {}
func (*DeleteTask) isTask()              {}
func (*UpdateSuperTask) isTask()         {}
func (*OptimizedFlashSuperTask) isTask() {}

func (t *FlashTask) String() string { return "flash(" + t.Partition + ")" }

func (t *RebootTask) String() string {
	if t.Target == "" {
		return "reboot"
	}
	return "reboot(" + t.Target + ")"
}

func (t *WipeTask) String() string   { return "wipe(" + t.Partition + ")" }
func (t *ResizeTask) String() string { return "resize(" + t.Partition + "," + t.Size + ")" }
func (t *DeleteTask) String() string { return "delete(" + t.Partition + ")" }

func (*UpdateSuperTask) String() string { return "update-super" }

func (t *OptimizedFlashSuperTask) String() string { return "flash-super(" + t.SuperName + ")" }

// PartitionAndSlot returns the partition name with the task's slot, or
// the current slot when none was given, appended. Partitions on devices
// without slots are returned unchanged.
func (t *FlashTask) PartitionAndSlot(p *FlashingPlan) string {
	s := t.Slot
	if s == "" {
		s = p.slots().Current()
	}
	if s == "" || s == "all" {
		return t.Partition
	}
	return t.Partition + "_" + s
}

func taskNames(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.String()
	}
	return out
}
