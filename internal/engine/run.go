package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/bamsammich/flashall/internal/event"
)

// ErrNeedsUserspace is returned when a dynamic partition is flashed from
// the bootloader without --force.
var ErrNeedsUserspace = errors.New("partition is dynamic and should be flashed via fastbootd")

// RunTasks runs tasks in order and stops at the first failure. Nothing
// is rolled back.
func (p *FlashingPlan) RunTasks(ctx context.Context, tasks []Task) error {
	if p.Stats != nil {
		p.Stats.SetTasksTotal(int64(len(tasks)))
	}
	p.emit(event.Event{Type: event.PlanReady, Total: len(tasks)})
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.RunTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// RunTask runs a single task, reporting progress and recording the
// outcome in the journal.
func (p *FlashingPlan) RunTask(ctx context.Context, t Task) error {
	name := t.String()
	p.emit(event.Event{Type: event.TaskStarted, Task: name})
	p.logger().Debug("running task", "task", name)
	start := time.Now()

	err := p.dispatch(ctx, t)
	elapsed := time.Since(start)

	if p.Journal != nil {
		if jerr := p.Journal.Record(p, t, elapsed, err); jerr != nil {
			p.logger().Warn("journal write failed", "task", name, "error", jerr)
		}
	}
	if err != nil {
		p.emit(event.Event{Type: event.TaskFailed, Task: name, Elapsed: elapsed, Error: err})
		if p.Stats != nil {
			p.Stats.AddTasksFailed(1)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	p.emit(event.Event{Type: event.TaskCompleted, Task: name, Elapsed: elapsed})
	if p.Stats != nil {
		p.Stats.AddTasksCompleted(1)
	}
	return nil
}

func (p *FlashingPlan) dispatch(ctx context.Context, t Task) error {
	switch t := t.(type) {
	case *FlashTask:
		return p.runFlash(ctx, t)
	case *RebootTask:
		return p.runReboot(ctx, t)
	case *WipeTask:
		return p.runWipe(ctx, t)
	case *ResizeTask:
		return p.runResize(t)
	case *DeleteTask:
		return p.Device.DeletePartition(t.Partition)
	case *UpdateSuperTask:
		return p.runUpdateSuper(ctx)
	case *OptimizedFlashSuperTask:
		return p.runOptimizedFlashSuper(ctx, t)
	}
	return fmt.Errorf("unknown task %T", t)
}

func (p *FlashingPlan) runFlash(ctx context.Context, t *FlashTask) error {
	return p.slots().ForPartitions(t.Partition, t.Slot, true, func(part string) error {
		if !p.ForceFlash && p.shouldFlashInUserspace(part) && !p.Device.IsUserspace() {
			return fmt.Errorf("%s: %w; run 'flashall reboot fastboot' first or use --force", part, ErrNeedsUserspace)
		}
		return p.doFlash(ctx, part, t.Image, t.ApplyVbmeta)
	})
}

func (p *FlashingPlan) runReboot(ctx context.Context, t *RebootTask) error {
	switch t.Target {
	case "fastboot", "userspace":
		if p.Device.IsUserspace() {
			return nil
		}
		return p.rebootToUserspace(ctx)
	case "bootloader":
		if err := p.Device.Reboot(t.Target); err != nil {
			return err
		}
		if err := p.Device.WaitForDisconnect(); err != nil {
			return err
		}
		if err := p.Device.Reconnect(ctx); err != nil {
			return err
		}
		p.resetTargetLimit()
		return nil
	case "", "recovery":
		if err := p.Device.Reboot(t.Target); err != nil {
			return err
		}
		return p.Device.WaitForDisconnect()
	}
	return fmt.Errorf("unknown reboot target %q", t.Target)
}

func (p *FlashingPlan) runWipe(ctx context.Context, t *WipeTask) error {
	typ, err := p.Device.GetVar("partition-type:" + t.Partition)
	if err != nil || typ == "" {
		p.logger().Debug("skipping wipe, partition type unknown", "partition", t.Partition)
		return nil
	}
	if err := p.Device.Erase(t.Partition); err != nil {
		return err
	}
	return p.Format(ctx, t.Partition, true, typ, "")
}

func (p *FlashingPlan) runResize(t *ResizeTask) error {
	return p.slots().ForPartitions(t.Partition, t.Slot, false, func(part string) error {
		if !p.Device.IsLogical(part) {
			return nil
		}
		return p.Device.ResizePartition(part, t.Size)
	})
}

// runUpdateSuper applies the package's empty super layout from userspace
// fastboot. Packages without super_empty.img have nothing to update.
func (p *FlashingPlan) runUpdateSuper(ctx context.Context) error {
	f, err := p.Source.OpenFile(superEmptyImage)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if !p.Device.IsUserspace() {
		if err := p.rebootToUserspace(ctx); err != nil {
			return err
		}
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	name := p.Device.SuperPartitionName()
	if err := p.Device.Download(ctx, name, f, info.Size()); err != nil {
		return err
	}
	cmd := "update-super:" + name
	if p.WantsWipe {
		cmd += ":wipe"
	}
	_, err = p.Device.RawCommand(cmd, "Updating super partition")
	return err
}
