package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/flashall/internal/avb"
	"github.com/bamsammich/flashall/internal/event"
	"github.com/bamsammich/flashall/internal/lp"
	"github.com/bamsammich/flashall/internal/slot"
	"github.com/bamsammich/flashall/internal/source"
	"github.com/bamsammich/flashall/internal/tmpfile"
)

const superEmptyImage = "super_empty.img"

// IsVbmetaPartition reports whether name is a vbmeta partition, with or
// without a slot suffix.
func IsVbmetaPartition(name string) bool {
	return strings.HasSuffix(name, "vbmeta") ||
		strings.HasSuffix(name, "vbmeta_a") ||
		strings.HasSuffix(name, "vbmeta_b")
}

func isBootPartition(name string) bool {
	return name == "boot" || name == "boot_a" || name == "boot_b"
}

// superEmpty reads the empty super layout from the source.
func (p *FlashingPlan) superEmpty() (*lp.Metadata, error) {
	if p.Source == nil {
		return nil, source.ErrNotFound
	}
	data, err := p.Source.ReadFile(superEmptyImage)
	if err != nil {
		return nil, err
	}
	return lp.ReadFromImageBlob(data)
}

// shouldFlashInUserspace reports whether partition is a dynamic partition
// of the package's super layout.
func (p *FlashingPlan) shouldFlashInUserspace(partition string) bool {
	m, err := p.superEmpty()
	if err != nil {
		return false
	}
	return lp.ShouldFlashInUserspace(m, partition)
}

// isDynamic reports whether ft writes a partition of the super layout m.
// A flash to every slot counts when any slot's copy is in super.
func (p *FlashingPlan) isDynamic(m *lp.Metadata, ft *FlashTask) bool {
	if ft.Slot == "all" {
		for i := range p.slots().Count() {
			if lp.ShouldFlashInUserspace(m, ft.Partition+"_"+slot.Letter(i)) {
				return true
			}
		}
	}
	return lp.ShouldFlashInUserspace(m, ft.PartitionAndSlot(p))
}

// partitionSize returns partition-size, or 0 when a physical partition
// does not report a usable one.
func (p *FlashingPlan) partitionSize(partition string) (int64, error) {
	n, err := p.Device.PartitionSize(partition)
	if err == nil && n <= uint64(1<<62) {
		return int64(n), nil //nolint:gosec // G115: bounded above
	}
	if !p.Device.IsLogical(partition) {
		return 0, nil
	}
	if err == nil {
		err = fmt.Errorf("size %d out of range", n)
	}
	return 0, fmt.Errorf("cannot get partition size for %s: %w", partition, err)
}

// doFlash flashes image from the source to partition, installing a
// detached signature first when the package carries one.
func (p *FlashingPlan) doFlash(ctx context.Context, partition, image string, applyVbmeta bool) error {
	f, err := p.Source.OpenFile(image)
	if err != nil {
		return fmt.Errorf("could not load '%s': %w", image, err)
	}
	defer f.Close()

	base, _, _ := strings.Cut(image, ".")
	if sig, err := p.Source.ReadFile(base + ".sig"); err == nil {
		if err := p.Device.Download(ctx, "signature", bytes.NewReader(sig), int64(len(sig))); err != nil {
			return err
		}
		if _, err := p.Device.RawCommand("signature", "installing signature"); err != nil {
			return err
		}
	}
	return p.flashFile(ctx, partition, f, applyVbmeta)
}

func (p *FlashingPlan) flashFile(ctx context.Context, partition string, f source.File, applyVbmeta bool) error {
	b, err := p.LoadBuffer(f)
	if err != nil {
		return fmt.Errorf("could not load '%s': %w", f.Name(), err)
	}
	defer b.Close()

	if p.Device.IsLogical(partition) {
		if err := p.Device.ResizePartition(partition, strconv.FormatInt(b.ImageSize, 10)); err != nil {
			return err
		}
	}
	if strings.Contains(partition, ":") {
		return fmt.Errorf("flashing %s: ramdisk fragments are not supported", partition)
	}
	return p.flashBuffer(ctx, partition, b, applyVbmeta)
}

// flashBuffer applies the AVB rewrites and sends b to partition.
func (p *FlashingPlan) flashBuffer(ctx context.Context, partition string, b *Buffer, applyVbmeta bool) error {
	if err := p.copyAVBFooter(partition, b); err != nil {
		return err
	}
	if p.DisableVerity || p.DisableVerification {
		if applyVbmeta {
			if err := p.rewriteVbmeta(b, false); err != nil {
				return err
			}
		} else if isBootPartition(partition) && !p.Device.HasVbmetaPartition() {
			if err := p.rewriteVbmeta(b, true); err != nil {
				return err
			}
		}
	}
	if b.Pieces == nil && b.scratch != nil {
		if err := p.split(b); err != nil {
			return err
		}
	}
	return p.sendBuffer(ctx, partition, b)
}

// copyAVBFooter moves the footer of a raw image to the end of a larger
// physical partition, where verified boot looks for it.
func (p *FlashingPlan) copyAVBFooter(partition string, b *Buffer) error {
	if b.Size < avb.FooterSize || p.Device.IsLogical(partition) || p.shouldFlashInUserspace(partition) {
		return nil
	}
	if b.Sparse {
		p.warn("skip copying avb footer due to sparse image", "partition", partition)
		return nil
	}

	psize, err := p.partitionSize(partition)
	if err != nil {
		return err
	}
	if psize == b.Size {
		return nil
	}
	if psize < b.Size {
		p.warn("skip copying avb footer", "partition", partition, "partition_size", psize, "image_size", b.Size)
		return nil
	}

	scratch, err := tmpfile.CreateSized("avb-footer", psize)
	if err != nil {
		return err
	}
	err = avb.RelocateFooter(b.File, b.Size, psize, scratch)
	if errors.Is(err, avb.ErrNoFooter) {
		return scratch.Close()
	}
	if err != nil {
		_ = scratch.Close()
		return fmt.Errorf("copy avb footer for %s: %w", partition, err)
	}
	p.logger().Debug("relocated avb footer", "partition", partition, "offset", psize-avb.FooterSize)
	b.replace(scratch, psize)
	return nil
}

// rewriteVbmeta sets the requested verity flags in a rewritten copy of
// the image. inBoot locates the vbmeta struct through a boot image footer.
func (p *FlashingPlan) rewriteVbmeta(b *Buffer, inBoot bool) error {
	if b.Size < avb.VBMetaMinSize {
		return nil
	}
	if b.Sparse {
		return fmt.Errorf("cannot rewrite vbmeta in sparse image %s", b.File.Name())
	}
	data, err := b.readAll()
	if err != nil {
		return err
	}

	var flags avb.Flags
	if p.DisableVerity {
		flags |= avb.DisableVerity
	}
	if p.DisableVerification {
		flags |= avb.DisableVerification
	}
	off, err := avb.SetVBMetaFlags(data, inBoot, flags)
	if err != nil {
		return err
	}
	p.logger().Info("rewriting vbmeta struct", "offset", off)

	scratch, err := tmpfile.CreateSized("vbmeta", int64(len(data)))
	if err != nil {
		return err
	}
	if _, err := scratch.WriteAt(data, 0); err != nil {
		_ = scratch.Close()
		return fmt.Errorf("write vbmeta copy: %w", err)
	}
	b.replace(scratch, int64(len(data)))
	return nil
}

// sendBuffer flashes b whole or piece by piece.
func (p *FlashingPlan) sendBuffer(ctx context.Context, partition string, b *Buffer) error {
	if b.Pieces == nil {
		return p.transfer(ctx, partition, io.NewSectionReader(b.File, 0, b.Size), b.Size, 0, 0)
	}
	for i, piece := range b.Pieces {
		pr, pw := io.Pipe()
		werr := make(chan error, 1)
		go func() {
			_, err := piece.WriteTo(pw)
			pw.CloseWithError(err)
			werr <- err
		}()
		err := p.transfer(ctx, partition, pr, piece.Len(true), i+1, len(b.Pieces))
		_ = pr.Close()
		if wErr := <-werr; err == nil && wErr != nil && !errors.Is(wErr, io.ErrClosedPipe) {
			err = fmt.Errorf("encode sparse piece %d: %w", i+1, wErr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *FlashingPlan) transfer(ctx context.Context, partition string, r io.Reader, size int64, cur, total int) error {
	p.emit(event.Event{Type: event.TransferStarted, Partition: partition, Size: size, Current: cur, Total: total})
	p.logger().Debug("sending", "partition", partition, "size", size, "piece", cur, "pieces", total)
	start := time.Now()
	if err := p.Device.FlashPartition(ctx, partition, r, size, cur, total); err != nil {
		return err
	}
	p.emit(event.Event{
		Type:      event.TransferCompleted,
		Partition: partition,
		Size:      size,
		Current:   cur,
		Total:     total,
		Elapsed:   time.Since(start),
	})
	if p.Stats != nil {
		p.Stats.AddTransfers(1)
	}
	return nil
}
