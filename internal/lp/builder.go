package lp

import (
	"fmt"
	"slices"
	"sort"
)

// Builder re-allocates logical partitions on a single-device layout. Each
// resized partition receives one linear extent, placed first-fit.
type Builder struct {
	base    *Metadata
	extents [][]Extent // per partition index
}

// NewBuilder starts from a copy of m.
func NewBuilder(m *Metadata) (*Builder, error) {
	if len(m.BlockDevices) != 1 {
		return nil, fmt.Errorf("layouts with %d block devices are not supported", len(m.BlockDevices))
	}
	if m.HasSlotSuffixedPartitions() {
		return nil, fmt.Errorf("layouts with slot-suffixed partitions are not supported")
	}
	b := &Builder{
		base:    cloneMetadata(m),
		extents: make([][]Extent, len(m.Partitions)),
	}
	for i, p := range m.Partitions {
		b.extents[i] = slices.Clone(m.PartitionExtents(p))
	}
	return b, nil
}

func cloneMetadata(m *Metadata) *Metadata {
	c := *m
	c.Partitions = slices.Clone(m.Partitions)
	c.Extents = slices.Clone(m.Extents)
	c.Groups = slices.Clone(m.Groups)
	c.BlockDevices = slices.Clone(m.BlockDevices)
	return &c
}

// HasPartition reports whether name exists in the layout.
func (b *Builder) HasPartition(name string) bool {
	return b.index(name) >= 0
}

func (b *Builder) index(name string) int {
	for i, p := range b.base.Partitions {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// ResizePartition gives the named partition a single extent of at least
// size bytes, rounded up to the logical block size. Size 0 frees it.
func (b *Builder) ResizePartition(name string, size uint64) error {
	i := b.index(name)
	if i < 0 {
		return fmt.Errorf("partition %q not found", name)
	}
	bs := uint64(b.base.Geometry.LogicalBlockSize)
	size = (size + bs - 1) / bs * bs

	b.extents[i] = nil
	if size == 0 {
		return nil
	}

	group := b.base.Partitions[i].Group
	if max := b.base.Groups[group].MaximumSize; max > 0 {
		used := size
		for j, p := range b.base.Partitions {
			if j != i && p.Group == group {
				used += b.partitionBytes(j)
			}
		}
		if used > max {
			return fmt.Errorf("group %q would need %d bytes, maximum is %d", b.base.Groups[group].Name, used, max)
		}
	}

	start, err := b.allocate(size / SectorSize)
	if err != nil {
		return fmt.Errorf("resize %q: %w", name, err)
	}
	b.extents[i] = []Extent{{NumSectors: size / SectorSize, TargetType: TargetTypeLinear, TargetData: start}}
	return nil
}

func (b *Builder) partitionBytes(i int) uint64 {
	var sectors uint64
	for _, e := range b.extents[i] {
		sectors += e.NumSectors
	}
	return sectors * SectorSize
}

type span struct{ start, end uint64 }

// allocate finds the first aligned free region of sectors sectors.
func (b *Builder) allocate(sectors uint64) (uint64, error) {
	bd := b.base.BlockDevices[0]
	var used []span
	for _, exts := range b.extents {
		for _, e := range exts {
			if e.TargetType == TargetTypeLinear {
				used = append(used, span{e.TargetData, e.TargetData + e.NumSectors})
			}
		}
	}
	sort.Slice(used, func(i, j int) bool { return used[i].start < used[j].start })

	align := uint64(b.base.Geometry.LogicalBlockSize) / SectorSize
	if a := uint64(bd.Alignment) / SectorSize; a > align {
		align = a
	}
	alignUp := func(s uint64) uint64 { return (s + align - 1) / align * align }

	last := bd.Size / SectorSize
	cursor := alignUp(bd.FirstLogicalSector)
	for _, u := range used {
		if cursor+sectors <= u.start {
			return cursor, nil
		}
		if u.end > cursor {
			cursor = alignUp(u.end)
		}
	}
	if cursor+sectors <= last {
		return cursor, nil
	}
	return 0, fmt.Errorf("not enough space on %q for %d sectors", bd.PartitionName, sectors)
}

// Export returns the resulting metadata with extents renumbered in
// partition order.
func (b *Builder) Export() *Metadata {
	m := cloneMetadata(b.base)
	m.Extents = nil
	for i := range m.Partitions {
		m.Partitions[i].FirstExtent = uint32(len(m.Extents)) //nolint:gosec // G115: extent counts are small
		m.Partitions[i].NumExtents = uint32(len(b.extents[i])) //nolint:gosec // G115: extent counts are small
		m.Extents = append(m.Extents, b.extents[i]...)
	}
	return m
}
