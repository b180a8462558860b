package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
)

// ForPartitions calls fn for every partition name part resolves to under
// the plan's slot override.
func (p *FlashingPlan) ForPartitions(part string, forceSlot bool, fn func(string) error) error {
	return p.slots().ForPartitions(part, p.SlotOverride, forceSlot, fn)
}

// Erase erases part in every resolved slot.
func (p *FlashingPlan) Erase(part string) error {
	return p.ForPartitions(part, true, func(name string) error {
		if typ, err := p.Device.GetVar("partition-type:" + name); err == nil &&
			p.Formatter != nil && p.Formatter.Supports(typ) {
			p.logger().Warn("did you mean to format this partition?", "partition", name, "type", typ)
		}
		return p.Device.Erase(name)
	})
}

// Fetch reads part from the device into w, one max-fetch-size chunk at a
// time.
func (p *FlashingPlan) Fetch(ctx context.Context, part string, w io.Writer) error {
	return p.slots().ForPartitions(part, p.SlotOverride, false, func(name string) error {
		return p.fetchPartition(ctx, name, w)
	})
}

func (p *FlashingPlan) fetchPartition(ctx context.Context, name string, w io.Writer) error {
	chunk, err := p.Device.UintVar("max-fetch-size")
	if err != nil || chunk == 0 || chunk > math.MaxInt64 {
		return errors.New("unable to get max-fetch-size; device does not support fetch command")
	}
	size, err := p.partitionSize(name)
	if err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("invalid partition size for partition %s: %d", name, size)
	}

	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(int64(chunk), size-off)
		if err := p.Device.FetchToFd(name, w, off, n); err != nil {
			return fmt.Errorf("unable to fetch %s at offset %#x: %w", name, off, err)
		}
		off += n
	}
	return nil
}
