package lp

import (
	"fmt"
	"io"

	"github.com/bamsammich/flashall/internal/sparse"
)

// ImageData is the contents of one logical partition.
type ImageData struct {
	Partition string
	Data      io.ReaderAt
	Size      int64
}

// SuperImage builds a flashable sparse image of block device idx. Device 0
// receives the geometry and every metadata slot; all devices receive the
// contents of images at their partitions' extents. Blocks not covered are
// don't-care.
func SuperImage(m *Metadata, idx int, images []ImageData) (*sparse.File, error) {
	if idx < 0 || idx >= len(m.BlockDevices) {
		return nil, fmt.Errorf("block device %d out of range", idx)
	}
	bd := m.BlockDevices[idx]
	bs := int64(m.Geometry.LogicalBlockSize)
	f := sparse.New(m.Geometry.LogicalBlockSize, int64(bd.Size)) //nolint:gosec // G115: device sizes fit int64

	if idx == 0 {
		blob, err := metadataRegion(m)
		if err != nil {
			return nil, err
		}
		if uint64(len(blob)) > bd.FirstLogicalSector*SectorSize {
			return nil, fmt.Errorf("metadata region of %d bytes overlaps first logical sector %d", len(blob), bd.FirstLogicalSector)
		}
		if err := f.AddRawBytes(0, blob); err != nil {
			return nil, err
		}
	}

	for _, img := range images {
		p, ok := m.FindPartition(img.Partition)
		if !ok {
			return nil, fmt.Errorf("partition %q not in metadata", img.Partition)
		}
		if size := m.PartitionSize(p); uint64(img.Size) > size { //nolint:gosec // G115: image sizes are non-negative
			return nil, fmt.Errorf("image for %q is %d bytes, partition has %d", img.Partition, img.Size, size)
		}
		pos := int64(0)
		for _, e := range m.PartitionExtents(p) {
			length := int64(e.NumSectors) * SectorSize //nolint:gosec // G115: extent sizes fit int64
			if e.TargetType == TargetTypeLinear && int(e.TargetSource) == idx && pos < img.Size {
				off := int64(e.TargetData) * SectorSize //nolint:gosec // G115: sector offsets fit int64
				if off%bs != 0 {
					return nil, fmt.Errorf("extent of %q at sector %d is not block aligned", img.Partition, e.TargetData)
				}
				n := min(length, img.Size-pos)
				if err := f.AddRaw(uint32(off/bs), img.Data, pos, n); err != nil { //nolint:gosec // G115: block index fits uint32
					return nil, fmt.Errorf("place %q: %w", img.Partition, err)
				}
			}
			pos += length
		}
	}
	return f, nil
}

// SplitImages builds one image per block device with no partition
// contents, which resets every logical partition to zero extents as seen
// by the device.
func SplitImages(m *Metadata) ([]*sparse.File, error) {
	out := make([]*sparse.File, 0, len(m.BlockDevices))
	for i := range m.BlockDevices {
		f, err := SuperImage(m, i, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// metadataRegion lays out the reserved area, both geometry copies and the
// primary and backup copies of every metadata slot.
func metadataRegion(m *Metadata) ([]byte, error) {
	meta, err := SerializeMetadata(m)
	if err != nil {
		return nil, err
	}
	g := m.Geometry
	end := backupMetadataOffset(g, g.MetadataSlotCount)
	blob := make([]byte, end)
	geo := SerializeGeometry(g)
	copy(blob[PartitionReservedBytes:], geo)
	copy(blob[PartitionReservedBytes+GeometrySize:], geo)
	for slot := range g.MetadataSlotCount {
		copy(blob[primaryMetadataOffset(g, slot):], meta)
		copy(blob[backupMetadataOffset(g, slot):], meta)
	}
	return blob, nil
}
