// Package avb handles the Android Verified Boot structures the flasher has
// to touch: the image footer and the vbmeta flags word.
package avb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FooterSize is the size of the footer stored at the end of a partition.
	FooterSize = 64
	// VBMetaMinSize is the smallest buffer that can hold a vbmeta header.
	VBMetaMinSize = 256

	flagsOffset = 123 // low byte of the big-endian flags word at 120
)

var (
	FooterMagic = []byte("AVBf")
	VBMetaMagic = []byte("AVB0")
)

// Flags are the vbmeta header bits the flasher can set.
type Flags uint8

const (
	DisableVerity       Flags = 1 << 0
	DisableVerification Flags = 1 << 1
)

var (
	ErrNoFooter = errors.New("no AVB footer")
	ErrNoVBMeta = errors.New("no vbmeta header")
)

// Footer is the decoded AVB footer.
type Footer struct {
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VBMetaOffset      uint64
	VBMetaSize        uint64
}

// ParseFooter decodes a FooterSize-byte footer.
func ParseFooter(b []byte) (*Footer, error) {
	if len(b) < FooterSize || !bytes.Equal(b[:4], FooterMagic) {
		return nil, ErrNoFooter
	}
	return &Footer{
		VersionMajor:      binary.BigEndian.Uint32(b[4:]),
		VersionMinor:      binary.BigEndian.Uint32(b[8:]),
		OriginalImageSize: binary.BigEndian.Uint64(b[12:]),
		VBMetaOffset:      binary.BigEndian.Uint64(b[20:]),
		VBMetaSize:        binary.BigEndian.Uint64(b[28:]),
	}, nil
}

// ReadFooter reads and decodes the footer at the end of an image of size bytes.
func ReadFooter(r io.ReaderAt, size int64) (*Footer, []byte, error) {
	if size < FooterSize {
		return nil, nil, ErrNoFooter
	}
	raw := make([]byte, FooterSize)
	if _, err := r.ReadAt(raw, size-FooterSize); err != nil {
		return nil, nil, fmt.Errorf("read footer: %w", err)
	}
	f, err := ParseFooter(raw)
	if err != nil {
		return nil, nil, err
	}
	return f, raw, nil
}

// RelocateFooter copies an image of size bytes into dst, grows dst to
// partitionSize and moves the footer to its last FooterSize bytes.
// It returns ErrNoFooter, leaving dst untouched, when the image carries
// no footer.
func RelocateFooter(src io.ReaderAt, size int64, partitionSize int64, dst WriterTruncater) error {
	if partitionSize < size {
		return fmt.Errorf("partition size %d is smaller than image size %d", partitionSize, size)
	}
	_, raw, err := ReadFooter(src, size)
	if err != nil {
		return err
	}

	if _, err := io.Copy(io.NewOffsetWriter(dst, 0), io.NewSectionReader(src, 0, size)); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}
	if err := dst.Truncate(partitionSize); err != nil {
		return fmt.Errorf("grow image: %w", err)
	}
	if _, err := dst.WriteAt(raw, partitionSize-FooterSize); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

// WriterTruncater is satisfied by *os.File.
type WriterTruncater interface {
	io.WriterAt
	Truncate(size int64) error
}

// SetVBMetaFlags sets flags in the vbmeta header inside data. When inBoot
// is set, the header is located through the footer of a boot image;
// otherwise it starts at offset 0. Buffers smaller than VBMetaMinSize are
// left alone. It returns the vbmeta offset that was patched.
func SetVBMetaFlags(data []byte, inBoot bool, flags Flags) (uint64, error) {
	if len(data) < VBMetaMinSize {
		return 0, nil
	}

	var off uint64
	if inBoot {
		footerOff := len(data) - FooterSize
		f, err := ParseFooter(data[footerOff:])
		if err != nil {
			return 0, fmt.Errorf("no AVB footer at offset %d, is BOARD_AVB_ENABLE true? %w", footerOff, err)
		}
		off = f.VBMetaOffset
	}
	if off >= uint64(len(data)) || uint64(len(data))-off <= flagsOffset ||
		!bytes.Equal(data[off:off+4], VBMetaMagic) {
		return 0, fmt.Errorf("%w at offset %d", ErrNoVBMeta, off)
	}
	data[off+flagsOffset] |= byte(flags)
	return off, nil
}
