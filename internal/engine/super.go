package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bamsammich/flashall/internal/lp"
	"github.com/bamsammich/flashall/internal/source"
	"github.com/bamsammich/flashall/internal/sparse"
	"github.com/bamsammich/flashall/internal/tmpfile"
)

var errNoLogicalPartitions = errors.New("no logical partitions found")

// withResizeTasks returns tasks with a resize-to-zero task for every
// dynamic partition about to be flashed, inserted before the first such
// flash.
func (p *FlashingPlan) withResizeTasks(tasks []Task) ([]Task, error) {
	m, err := p.superEmpty()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", superEmptyImage, err)
	}

	first := -1
	var resizes []Task
	for i, t := range tasks {
		ft, ok := t.(*FlashTask)
		if !ok || !p.isDynamic(m, ft) {
			continue
		}
		if first < 0 {
			first = i
		}
		resizes = append(resizes, &ResizeTask{Partition: ft.Partition, Size: "0", Slot: p.SlotOverride})
	}
	if len(resizes) == 0 {
		return nil, errNoLogicalPartitions
	}

	out := make([]Task, 0, len(tasks)+len(resizes))
	out = append(out, tasks[:first]...)
	out = append(out, resizes...)
	return append(out, tasks[first:]...), nil
}

// finishSuper appends the optimized super flash when the layout can be
// computed from the package alone, and resize-to-zero tasks otherwise.
func (p *FlashingPlan) finishSuper(tasks []Task) []Task {
	if optimized := p.optimizeSuper(tasks); optimized != nil {
		return optimized
	}
	out, err := p.withResizeTasks(tasks)
	if err != nil {
		p.warn("failed to add resize tasks", "error", err)
		return tasks
	}
	return out
}

// optimizeSuper returns tasks with every dynamic partition flash, the
// update-super step and reboots into fastbootd replaced by a single flash
// of a complete super image. It returns nil when that is not possible;
// the regular task list is always a valid fallback.
func (p *FlashingPlan) optimizeSuper(tasks []Task) []Task {
	log := p.logger()
	if !p.OptimizeFlashSuper {
		log.Debug("super optimization is disabled")
		return nil
	}
	if !p.slots().SupportsAB() {
		log.Debug("cannot optimize flashing super on non-AB device")
		return nil
	}
	if p.SlotOverride == "all" {
		log.Debug("cannot optimize flashing super for all slots")
		return nil
	}
	m, err := p.superEmpty()
	if err != nil {
		log.Debug("cannot optimize flashing super", "error", err)
		return nil
	}
	superName := p.Device.SuperPartitionName()
	superSize, err := p.partitionSize(superName)
	if err != nil || superSize <= 0 {
		log.Debug("cannot optimize flashing super: could not determine super partition size", "error", err)
		return nil
	}
	if bd := m.SuperDevice(); bd == nil || bd.Size > uint64(superSize) {
		log.Debug("cannot optimize flashing super: layout does not fit the device")
		return nil
	}
	b, err := lp.NewBuilder(m)
	if err != nil {
		log.Debug("cannot optimize flashing super", "error", err)
		return nil
	}

	placed := map[string]bool{}
	var images []SuperImage
	for _, t := range tasks {
		ft, ok := t.(*FlashTask)
		if !ok {
			continue
		}
		if !p.isDynamic(m, ft) {
			continue
		}
		part := ft.PartitionAndSlot(p)
		if placed[part] {
			log.Debug("cannot optimize flashing super: partition flashed twice", "partition", part)
			return nil
		}
		size, err := p.rawImageSize(ft.Image)
		if err != nil {
			log.Debug("cannot optimize flashing super", "partition", part, "error", err)
			return nil
		}
		if err := b.ResizePartition(part, uint64(size)); err != nil { //nolint:gosec // G115: sizes are non-negative
			log.Debug("cannot optimize flashing super", "partition", part, "error", err)
			return nil
		}
		placed[part] = true
		images = append(images, SuperImage{Partition: part, Image: ft.Image, Size: size})
	}
	if len(images) == 0 {
		return nil
	}

	out := make([]Task, 0, len(tasks)+1)
	for _, t := range tasks {
		switch t := t.(type) {
		case *FlashTask:
			if placed[t.PartitionAndSlot(p)] {
				continue
			}
		case *UpdateSuperTask:
			continue
		case *RebootTask:
			if t.Target == "fastboot" {
				continue
			}
		}
		out = append(out, t)
	}
	return append(out, &OptimizedFlashSuperTask{
		SuperName: superName,
		SuperSize: superSize,
		Metadata:  b.Export(),
		Images:    images,
	})
}

// rawImageSize returns the size of a non-sparse image in the source.
func (p *FlashingPlan) rawImageSize(image string) (int64, error) {
	f, err := p.Source.OpenFile(image)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if sparse.IsSparse(f) {
		return 0, fmt.Errorf("%s is a sparse image", image)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (p *FlashingPlan) runOptimizedFlashSuper(ctx context.Context, t *OptimizedFlashSuperTask) error {
	data := make([]lp.ImageData, 0, len(t.Images))
	for _, img := range t.Images {
		f, err := p.Source.OpenFile(img.Image)
		if err != nil {
			return fmt.Errorf("could not load '%s': %w", img.Image, err)
		}
		defer func(f source.File) { _ = f.Close() }(f)
		data = append(data, lp.ImageData{Partition: img.Partition, Data: f, Size: img.Size})
	}

	sf, err := lp.SuperImage(t.Metadata, 0, data)
	if err != nil {
		return fmt.Errorf("build super image: %w", err)
	}
	pieces := []*sparse.File{sf}
	if limit := p.sparseLimit(t.SuperSize); limit > 0 {
		if pieces, err = sf.Resparse(limit); err != nil {
			return fmt.Errorf("resparse super image: %w", err)
		}
	}
	return p.sendBuffer(ctx, t.SuperName, &Buffer{Pieces: pieces})
}

// WipeSuper flashes the layout in metadata, with every logical partition
// empty, to each block device it names. slot selects the slot of
// slot-suffixed block devices; empty means the current slot.
func (p *FlashingPlan) WipeSuper(ctx context.Context, metadata []byte, slot string) error {
	m, err := lp.ReadFromImageBlob(metadata)
	if err != nil {
		return fmt.Errorf("could not read partition metadata: %w", err)
	}
	if slot == "" {
		slot = p.slots().Current()
	}
	if bd := m.SuperDevice(); bd != nil && bd.PartitionName != "super" {
		if _, err := p.Device.RawCommand("oem allow-flash-super", ""); err != nil {
			return err
		}
	}

	images, err := lp.SplitImages(m)
	if err != nil {
		return fmt.Errorf("could not build super images: %w", err)
	}
	for i, bd := range m.BlockDevices {
		if err := p.flashSuperDevice(ctx, bd, len(m.BlockDevices) > 1, images[i], slot); err != nil {
			return err
		}
	}
	return nil
}

func (p *FlashingPlan) flashSuperDevice(ctx context.Context, bd lp.BlockDevice, split bool, img *sparse.File, slot string) error {
	prefix := bd.PartitionName
	if split {
		prefix = "super_" + prefix
	}
	f, err := tmpfile.Create(prefix)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := img.WriteTo(f); err != nil {
		return fmt.Errorf("write %s image: %w", prefix, err)
	}

	forceSlot := bd.Flags&lp.BlockDeviceSlotSuffixed != 0
	return p.slots().ForPartitions(bd.PartitionName, slot, forceSlot, func(part string) error {
		return p.flashFile(ctx, part, f, false)
	})
}
