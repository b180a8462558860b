package lp

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// SerializeGeometry encodes g into a GeometrySize block.
func SerializeGeometry(g Geometry) []byte {
	b := make([]byte, GeometrySize)
	binary.LittleEndian.PutUint32(b[0:], GeometryMagic)
	binary.LittleEndian.PutUint32(b[4:], geometryStruct)
	binary.LittleEndian.PutUint32(b[40:], g.MetadataMaxSize)
	binary.LittleEndian.PutUint32(b[44:], g.MetadataSlotCount)
	binary.LittleEndian.PutUint32(b[48:], g.LogicalBlockSize)
	sum := sha256.Sum256(b[:geometryStruct])
	copy(b[8:40], sum[:])
	return b
}

func putName(dst []byte, name string) error {
	if len(name) >= nameLen {
		return fmt.Errorf("name %q exceeds %d bytes", name, nameLen-1)
	}
	copy(dst[:nameLen], name)
	return nil
}

// SerializeMetadata encodes the header and tables of m. The result must
// fit in the geometry's metadata max size.
func SerializeMetadata(m *Metadata) ([]byte, error) {
	var tables []byte
	appendTable := func(n int, size int, fill func(e []byte, i int) error) (tableDesc, error) {
		d := tableDesc{offset: uint32(len(tables)), num: uint32(n), entrySize: uint32(size)} //nolint:gosec // G115: tables are bounded by metadata max size
		for i := range n {
			e := make([]byte, size)
			if err := fill(e, i); err != nil {
				return d, err
			}
			tables = append(tables, e...)
		}
		return d, nil
	}

	parts, err := appendTable(len(m.Partitions), partitionEntrySize, func(e []byte, i int) error {
		p := m.Partitions[i]
		binary.LittleEndian.PutUint32(e[36:], p.Attributes)
		binary.LittleEndian.PutUint32(e[40:], p.FirstExtent)
		binary.LittleEndian.PutUint32(e[44:], p.NumExtents)
		binary.LittleEndian.PutUint32(e[48:], p.Group)
		return putName(e, p.Name)
	})
	if err != nil {
		return nil, err
	}
	exts, _ := appendTable(len(m.Extents), extentEntrySize, func(e []byte, i int) error {
		x := m.Extents[i]
		binary.LittleEndian.PutUint64(e[0:], x.NumSectors)
		binary.LittleEndian.PutUint32(e[8:], x.TargetType)
		binary.LittleEndian.PutUint64(e[12:], x.TargetData)
		binary.LittleEndian.PutUint32(e[20:], x.TargetSource)
		return nil
	})
	groups, err := appendTable(len(m.Groups), groupEntrySize, func(e []byte, i int) error {
		g := m.Groups[i]
		binary.LittleEndian.PutUint32(e[36:], g.Flags)
		binary.LittleEndian.PutUint64(e[40:], g.MaximumSize)
		return putName(e, g.Name)
	})
	if err != nil {
		return nil, err
	}
	devs, err := appendTable(len(m.BlockDevices), blockDeviceEntrySize, func(e []byte, i int) error {
		d := m.BlockDevices[i]
		binary.LittleEndian.PutUint64(e[0:], d.FirstLogicalSector)
		binary.LittleEndian.PutUint32(e[8:], d.Alignment)
		binary.LittleEndian.PutUint32(e[12:], d.AlignmentOffset)
		binary.LittleEndian.PutUint64(e[16:], d.Size)
		binary.LittleEndian.PutUint32(e[60:], d.Flags)
		return putName(e[24:], d.PartitionName)
	})
	if err != nil {
		return nil, err
	}

	headerSize := headerV1_0Size
	if m.Header.MinorVersion >= 2 {
		headerSize = headerV1_2Size
	}
	if m.Geometry.MetadataMaxSize > 0 && headerSize+len(tables) > int(m.Geometry.MetadataMaxSize) {
		return nil, fmt.Errorf("metadata of %d bytes exceeds max size %d", headerSize+len(tables), m.Geometry.MetadataMaxSize)
	}

	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(h[0:], HeaderMagic)
	binary.LittleEndian.PutUint16(h[4:], MajorVersion)
	binary.LittleEndian.PutUint16(h[6:], m.Header.MinorVersion)
	binary.LittleEndian.PutUint32(h[8:], uint32(headerSize)) //nolint:gosec // G115: constant header size
	binary.LittleEndian.PutUint32(h[44:], uint32(len(tables))) //nolint:gosec // G115: bounded above
	tsum := sha256.Sum256(tables)
	copy(h[48:80], tsum[:])
	for i, d := range []tableDesc{parts, exts, groups, devs} {
		o := 80 + 12*i
		binary.LittleEndian.PutUint32(h[o:], d.offset)
		binary.LittleEndian.PutUint32(h[o+4:], d.num)
		binary.LittleEndian.PutUint32(h[o+8:], d.entrySize)
	}
	if m.Header.MinorVersion >= 2 {
		binary.LittleEndian.PutUint32(h[128:], m.Header.Flags)
	}
	hsum := sha256.Sum256(h)
	copy(h[12:44], hsum[:])

	return append(h, tables...), nil
}

// EmptyImage encodes m in the super_empty.img layout.
func EmptyImage(m *Metadata) ([]byte, error) {
	meta, err := SerializeMetadata(m)
	if err != nil {
		return nil, err
	}
	return append(SerializeGeometry(m.Geometry), meta...), nil
}
