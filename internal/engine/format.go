package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/bamsammich/flashall/internal/device"
	"github.com/bamsammich/flashall/internal/tmpfile"
)

// FormatRequest describes the filesystem image to generate. Block sizes
// are 0 when the device does not report them.
type FormatRequest struct {
	Type             string
	Size             uint64
	EraseBlockSize   uint64
	LogicalBlockSize uint64
	Options          FsOptions
}

// Formatter generates filesystem images.
type Formatter interface {
	Supports(fsType string) bool
	Generate(ctx context.Context, req FormatRequest, dst *os.File) error
}

// Format writes a fresh filesystem to partition. typeOverride and
// sizeOverride replace the values the device reports. With skipUnsupported
// set, a partition that cannot be formatted is left erased and no error
// is returned.
func (p *FlashingPlan) Format(ctx context.Context, partition string, skipUnsupported bool, typeOverride, sizeOverride string) error {
	log := p.logger()
	notFormatting := func(err error) error {
		if skipUnsupported {
			log.Info("erase successful, but not automatically formatting", "partition", partition, "reason", err)
			return nil
		}
		return err
	}

	typ, err := p.Device.GetVar("partition-type:" + partition)
	if err != nil {
		return notFormatting(fmt.Errorf("can't determine partition type: %w", err))
	}
	if typeOverride != "" {
		if typ != typeOverride {
			log.Warn("overriding partition type", "partition", partition, "reported", typ, "type", typeOverride)
		}
		typ = typeOverride
	}

	sizeStr, err := p.Device.GetVar("partition-size:" + partition)
	if err != nil {
		return notFormatting(fmt.Errorf("unable to get partition size: %w", err))
	}
	if sizeOverride != "" {
		if sizeStr != sizeOverride {
			log.Warn("overriding partition size", "partition", partition, "reported", sizeStr, "size", sizeOverride)
		}
		sizeStr = sizeOverride
	}
	size, err := strconv.ParseUint(device.FixNumeric(sizeStr), 0, 64)
	if err != nil {
		return notFormatting(fmt.Errorf("invalid partition size %q", sizeStr))
	}

	if p.Formatter == nil || !p.Formatter.Supports(typ) {
		if skipUnsupported {
			log.Info("erase successful, but not automatically formatting: file system type not supported",
				"partition", partition, "type", typ)
			return nil
		}
		return fmt.Errorf("formatting is not supported for file system with type '%s'", typ)
	}

	req := FormatRequest{
		Type:             typ,
		Size:             size,
		EraseBlockSize:   p.blockSizeVar("erase-block-size"),
		LogicalBlockSize: p.blockSizeVar("logical-block-size"),
		Options:          p.FsOptions,
	}
	scratch, err := tmpfile.Create("format")
	if err != nil {
		return err
	}
	defer scratch.Close()
	if err := p.Formatter.Generate(ctx, req, scratch.File); err != nil {
		return notFormatting(fmt.Errorf("cannot generate image: %w", err))
	}

	b, err := p.LoadBuffer(scratch)
	if err != nil {
		return fmt.Errorf("cannot read generated image: %w", err)
	}
	defer b.Close()
	return p.flashBuffer(ctx, partition, b, IsVbmetaPartition(partition))
}

// blockSizeVar reads a power-of-two size variable, or 0.
func (p *FlashingPlan) blockSizeVar(name string) uint64 {
	v, err := p.Device.GetVar(name)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(device.FixNumeric(v), 0, 64)
	if err != nil || n == 0 || n&(n-1) != 0 {
		p.logger().Warn("ignoring invalid block size", "var", name, "value", v)
		return 0
	}
	return n
}
