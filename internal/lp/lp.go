// Package lp models the logical partition metadata stored at the start of
// a super partition and in super_empty.img.
package lp

import (
	"errors"
	"strings"
)

const (
	SectorSize             = 512
	PartitionReservedBytes = 4096
	GeometrySize           = 4096

	GeometryMagic uint32 = 0x616c4467
	HeaderMagic   uint32 = 0x414c5030

	MajorVersion    uint16 = 10
	MinorVersionMax uint16 = 2

	headerV1_0Size = 128
	headerV1_2Size = 256
	geometryStruct = 52

	partitionEntrySize   = 52
	extentEntrySize      = 24
	groupEntrySize       = 48
	blockDeviceEntrySize = 64

	nameLen = 36
)

// Partition attribute bits.
const (
	PartitionAttrReadonly     uint32 = 1 << 0
	PartitionAttrSlotSuffixed uint32 = 1 << 1
	PartitionAttrUpdated      uint32 = 1 << 2
	PartitionAttrDisabled     uint32 = 1 << 3
)

// BlockDeviceSlotSuffixed marks a block device whose partition name takes
// the slot suffix (retrofit devices).
const BlockDeviceSlotSuffixed uint32 = 1 << 0

// Extent target types.
const (
	TargetTypeLinear uint32 = 0
	TargetTypeZero   uint32 = 1
)

// ErrCorrupt wraps every metadata validation failure.
var ErrCorrupt = errors.New("corrupt partition metadata")

// Geometry is the fixed description of metadata storage.
type Geometry struct {
	MetadataMaxSize   uint32
	MetadataSlotCount uint32
	LogicalBlockSize  uint32
}

// Header carries the metadata version and flags.
type Header struct {
	MajorVersion uint16
	MinorVersion uint16
	Flags        uint32
}

// Partition is a logical partition; its extents are
// Extents[FirstExtent : FirstExtent+NumExtents].
type Partition struct {
	Name        string
	Attributes  uint32
	FirstExtent uint32
	NumExtents  uint32
	Group       uint32
}

// Extent maps NumSectors of a partition onto a block device.
type Extent struct {
	NumSectors   uint64
	TargetType   uint32
	TargetData   uint64 // first physical sector for linear extents
	TargetSource uint32 // block device index
}

// Group bounds the total size of its partitions. MaximumSize 0 is unlimited.
type Group struct {
	Name        string
	Flags       uint32
	MaximumSize uint64
}

// BlockDevice is a physical partition that backs logical partitions.
type BlockDevice struct {
	FirstLogicalSector uint64
	Alignment          uint32
	AlignmentOffset    uint32
	Size               uint64
	PartitionName      string
	Flags              uint32
}

// Metadata is one decoded metadata slot together with its geometry.
type Metadata struct {
	Geometry     Geometry
	Header       Header
	Partitions   []Partition
	Extents      []Extent
	Groups       []Group
	BlockDevices []BlockDevice
}

// SuperDevice returns the block device holding the metadata.
func (m *Metadata) SuperDevice() *BlockDevice {
	if len(m.BlockDevices) == 0 {
		return nil
	}
	return &m.BlockDevices[0]
}

// PartitionExtents returns the extents of p.
func (m *Metadata) PartitionExtents(p Partition) []Extent {
	end := p.FirstExtent + p.NumExtents
	if int(end) > len(m.Extents) {
		return nil
	}
	return m.Extents[p.FirstExtent:end]
}

// PartitionSize is the byte size of p's extents.
func (m *Metadata) PartitionSize(p Partition) uint64 {
	var sectors uint64
	for _, e := range m.PartitionExtents(p) {
		sectors += e.NumSectors
	}
	return sectors * SectorSize
}

// FindPartition returns the partition with the exact name.
func (m *Metadata) FindPartition(name string) (Partition, bool) {
	for _, p := range m.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

// ShouldFlashInUserspace reports whether name is a logical partition in m,
// so that it can only be flashed from userspace fastboot. Partitions
// carrying the slot-suffixed attribute match their _a and _b names.
func ShouldFlashInUserspace(m *Metadata, name string) bool {
	for _, p := range m.Partitions {
		if p.Attributes&PartitionAttrSlotSuffixed != 0 {
			if name == p.Name+"_a" || name == p.Name+"_b" {
				return true
			}
		} else if name == p.Name {
			return true
		}
	}
	return false
}

// HasSlotSuffixedPartitions reports whether any partition relies on
// automatic slot suffixing (retrofit layouts).
func (m *Metadata) HasSlotSuffixedPartitions() bool {
	for _, p := range m.Partitions {
		if p.Attributes&PartitionAttrSlotSuffixed != 0 {
			return true
		}
	}
	return false
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
