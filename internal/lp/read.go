package lp

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFromImageBlob parses super_empty.img: a geometry block followed by
// a single metadata copy.
func ReadFromImageBlob(b []byte) (*Metadata, error) {
	if len(b) < GeometrySize {
		return nil, fmt.Errorf("%w: image of %d bytes is smaller than the geometry", ErrCorrupt, len(b))
	}
	g, err := ParseGeometry(b[:GeometrySize])
	if err != nil {
		return nil, err
	}
	return ParseMetadata(g, b[GeometrySize:])
}

// ReadFromSuperImage reads the primary metadata of the given slot from a
// full super partition image.
func ReadFromSuperImage(r io.ReaderAt, slot uint32) (*Metadata, error) {
	gbuf := make([]byte, GeometrySize)
	if _, err := r.ReadAt(gbuf, PartitionReservedBytes); err != nil {
		return nil, fmt.Errorf("read geometry: %w", err)
	}
	g, err := ParseGeometry(gbuf)
	if err != nil {
		// Fall back to the backup copy.
		if _, rerr := r.ReadAt(gbuf, PartitionReservedBytes+GeometrySize); rerr != nil {
			return nil, err
		}
		if g, err = ParseGeometry(gbuf); err != nil {
			return nil, err
		}
	}
	if slot >= g.MetadataSlotCount {
		return nil, fmt.Errorf("metadata slot %d out of range (%d slots)", slot, g.MetadataSlotCount)
	}
	mbuf := make([]byte, g.MetadataMaxSize)
	if _, err := r.ReadAt(mbuf, primaryMetadataOffset(g, slot)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read metadata slot %d: %w", slot, err)
	}
	return ParseMetadata(g, mbuf)
}

// ParseGeometry decodes and verifies a geometry block.
func ParseGeometry(b []byte) (Geometry, error) {
	if len(b) < geometryStruct {
		return Geometry{}, fmt.Errorf("%w: short geometry", ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != GeometryMagic {
		return Geometry{}, fmt.Errorf("%w: bad geometry magic %#x", ErrCorrupt, magic)
	}
	if size := binary.LittleEndian.Uint32(b[4:]); size != geometryStruct {
		return Geometry{}, fmt.Errorf("%w: geometry struct size %d", ErrCorrupt, size)
	}
	raw := bytes.Clone(b[:geometryStruct])
	clear(raw[8:40])
	if sum := sha256.Sum256(raw); !bytes.Equal(sum[:], b[8:40]) {
		return Geometry{}, fmt.Errorf("%w: geometry checksum mismatch", ErrCorrupt)
	}
	g := Geometry{
		MetadataMaxSize:   binary.LittleEndian.Uint32(b[40:]),
		MetadataSlotCount: binary.LittleEndian.Uint32(b[44:]),
		LogicalBlockSize:  binary.LittleEndian.Uint32(b[48:]),
	}
	if g.MetadataMaxSize == 0 || g.MetadataMaxSize%SectorSize != 0 {
		return Geometry{}, fmt.Errorf("%w: metadata max size %d is not sector aligned", ErrCorrupt, g.MetadataMaxSize)
	}
	if g.LogicalBlockSize == 0 || g.LogicalBlockSize%SectorSize != 0 {
		return Geometry{}, fmt.Errorf("%w: logical block size %d", ErrCorrupt, g.LogicalBlockSize)
	}
	if g.MetadataSlotCount == 0 {
		return Geometry{}, fmt.Errorf("%w: no metadata slots", ErrCorrupt)
	}
	return g, nil
}

type tableDesc struct {
	offset, num, entrySize uint32
}

func readTableDesc(b []byte) tableDesc {
	return tableDesc{
		offset:    binary.LittleEndian.Uint32(b[0:]),
		num:       binary.LittleEndian.Uint32(b[4:]),
		entrySize: binary.LittleEndian.Uint32(b[8:]),
	}
}

// ParseMetadata decodes a metadata header and its tables.
//
//nolint:gocyclo // one validation per header field
func ParseMetadata(g Geometry, b []byte) (*Metadata, error) {
	if len(b) < headerV1_0Size {
		return nil, fmt.Errorf("%w: short metadata header", ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != HeaderMagic {
		return nil, fmt.Errorf("%w: bad header magic %#x", ErrCorrupt, magic)
	}
	h := Header{
		MajorVersion: binary.LittleEndian.Uint16(b[4:]),
		MinorVersion: binary.LittleEndian.Uint16(b[6:]),
	}
	if h.MajorVersion != MajorVersion || h.MinorVersion > MinorVersionMax {
		return nil, fmt.Errorf("%w: unsupported metadata version %d.%d", ErrCorrupt, h.MajorVersion, h.MinorVersion)
	}
	headerSize := binary.LittleEndian.Uint32(b[8:])
	want := uint32(headerV1_0Size)
	if h.MinorVersion >= 2 {
		want = headerV1_2Size
	}
	if headerSize != want || int(headerSize) > len(b) {
		return nil, fmt.Errorf("%w: header size %d, want %d", ErrCorrupt, headerSize, want)
	}
	hdr := bytes.Clone(b[:headerSize])
	clear(hdr[12:44])
	if sum := sha256.Sum256(hdr); !bytes.Equal(sum[:], b[12:44]) {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}
	if h.MinorVersion >= 2 {
		h.Flags = binary.LittleEndian.Uint32(b[128:])
	}

	tablesSize := binary.LittleEndian.Uint32(b[44:])
	if uint64(headerSize)+uint64(tablesSize) > uint64(g.MetadataMaxSize) ||
		int(headerSize)+int(tablesSize) > len(b) {
		return nil, fmt.Errorf("%w: tables size %d exceeds metadata", ErrCorrupt, tablesSize)
	}
	tables := b[headerSize : headerSize+tablesSize]
	if sum := sha256.Sum256(tables); !bytes.Equal(sum[:], b[48:80]) {
		return nil, fmt.Errorf("%w: tables checksum mismatch", ErrCorrupt)
	}

	descs := []struct {
		name string
		desc tableDesc
		size uint32
	}{
		{"partitions", readTableDesc(b[80:]), partitionEntrySize},
		{"extents", readTableDesc(b[92:]), extentEntrySize},
		{"groups", readTableDesc(b[104:]), groupEntrySize},
		{"block devices", readTableDesc(b[116:]), blockDeviceEntrySize},
	}
	for _, d := range descs {
		if d.desc.entrySize != d.size {
			return nil, fmt.Errorf("%w: %s entry size %d, want %d", ErrCorrupt, d.name, d.desc.entrySize, d.size)
		}
		if uint64(d.desc.offset)+uint64(d.desc.num)*uint64(d.size) > uint64(tablesSize) {
			return nil, fmt.Errorf("%w: %s table out of bounds", ErrCorrupt, d.name)
		}
	}

	m := &Metadata{Geometry: g, Header: h}
	entries := func(d tableDesc) [][]byte {
		out := make([][]byte, d.num)
		for i := range out {
			off := d.offset + uint32(i)*d.entrySize //nolint:gosec // G115: bounded by table check above
			out[i] = tables[off : off+d.entrySize]
		}
		return out
	}
	for _, e := range entries(descs[0].desc) {
		m.Partitions = append(m.Partitions, Partition{
			Name:        cstring(e[0:nameLen]),
			Attributes:  binary.LittleEndian.Uint32(e[36:]),
			FirstExtent: binary.LittleEndian.Uint32(e[40:]),
			NumExtents:  binary.LittleEndian.Uint32(e[44:]),
			Group:       binary.LittleEndian.Uint32(e[48:]),
		})
	}
	for _, e := range entries(descs[1].desc) {
		m.Extents = append(m.Extents, Extent{
			NumSectors:   binary.LittleEndian.Uint64(e[0:]),
			TargetType:   binary.LittleEndian.Uint32(e[8:]),
			TargetData:   binary.LittleEndian.Uint64(e[12:]),
			TargetSource: binary.LittleEndian.Uint32(e[20:]),
		})
	}
	for _, e := range entries(descs[2].desc) {
		m.Groups = append(m.Groups, Group{
			Name:        cstring(e[0:nameLen]),
			Flags:       binary.LittleEndian.Uint32(e[36:]),
			MaximumSize: binary.LittleEndian.Uint64(e[40:]),
		})
	}
	for _, e := range entries(descs[3].desc) {
		m.BlockDevices = append(m.BlockDevices, BlockDevice{
			FirstLogicalSector: binary.LittleEndian.Uint64(e[0:]),
			Alignment:          binary.LittleEndian.Uint32(e[8:]),
			AlignmentOffset:    binary.LittleEndian.Uint32(e[12:]),
			Size:               binary.LittleEndian.Uint64(e[16:]),
			PartitionName:      cstring(e[24 : 24+nameLen]),
			Flags:              binary.LittleEndian.Uint32(e[60:]),
		})
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metadata) validate() error {
	if len(m.BlockDevices) == 0 {
		return fmt.Errorf("%w: no block devices", ErrCorrupt)
	}
	for _, p := range m.Partitions {
		if uint64(p.FirstExtent)+uint64(p.NumExtents) > uint64(len(m.Extents)) {
			return fmt.Errorf("%w: partition %q extents out of range", ErrCorrupt, p.Name)
		}
		if int(p.Group) >= len(m.Groups) {
			return fmt.Errorf("%w: partition %q has invalid group %d", ErrCorrupt, p.Name, p.Group)
		}
	}
	for i, e := range m.Extents {
		if e.TargetType != TargetTypeLinear {
			continue
		}
		if int(e.TargetSource) >= len(m.BlockDevices) {
			return fmt.Errorf("%w: extent %d targets unknown block device %d", ErrCorrupt, i, e.TargetSource)
		}
		bd := m.BlockDevices[e.TargetSource]
		if (e.TargetData+e.NumSectors)*SectorSize > bd.Size {
			return fmt.Errorf("%w: extent %d exceeds block device %q", ErrCorrupt, i, bd.PartitionName)
		}
	}
	return nil
}

// primaryMetadataOffset is the byte offset of a primary metadata slot on
// the super device.
func primaryMetadataOffset(g Geometry, slot uint32) int64 {
	return PartitionReservedBytes + 2*GeometrySize + int64(slot)*int64(g.MetadataMaxSize)
}

// backupMetadataOffset is the byte offset of a backup metadata slot.
func backupMetadataOffset(g Geometry, slot uint32) int64 {
	return primaryMetadataOffset(g, g.MetadataSlotCount) + int64(slot)*int64(g.MetadataMaxSize)
}
