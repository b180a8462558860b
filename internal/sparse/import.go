package sparse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// IsSparse reports whether r starts with a sparse image header.
func IsSparse(r io.ReaderAt) bool {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(magic[:]) == Magic
}

// Import parses a sparse image. Raw payloads stay in r and are read when
// the file is written or expanded, so r must outlive the returned File.
// CRC32 chunks are validated for size only and dropped.
func Import(r io.ReaderAt) (*File, error) {
	hdr := make([]byte, FileHeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNotSparse
		}
		return nil, fmt.Errorf("read sparse header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
		return nil, ErrNotSparse
	}
	if major := binary.LittleEndian.Uint16(hdr[4:]); major != MajorVersion {
		return nil, fmt.Errorf("%w: unsupported major version %d", ErrCorrupt, major)
	}
	fileHdrSize := int64(binary.LittleEndian.Uint16(hdr[8:]))
	chunkHdrSize := int64(binary.LittleEndian.Uint16(hdr[10:]))
	if fileHdrSize < FileHeaderSize || chunkHdrSize < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: header sizes %d/%d too small", ErrCorrupt, fileHdrSize, chunkHdrSize)
	}
	blockSize := binary.LittleEndian.Uint32(hdr[12:])
	if blockSize == 0 || blockSize%4 != 0 {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrCorrupt, blockSize)
	}
	totalBlocks := binary.LittleEndian.Uint32(hdr[16:])
	totalChunks := binary.LittleEndian.Uint32(hdr[20:])

	f := &File{
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		length:      int64(totalBlocks) * int64(blockSize),
	}

	off := fileHdrSize
	block := uint32(0)
	ch := make([]byte, ChunkHeaderSize)
	for i := range totalChunks {
		if _, err := r.ReadAt(ch, off); err != nil {
			return nil, fmt.Errorf("%w: chunk %d header: %v", ErrCorrupt, i, err)
		}
		typ := ChunkType(binary.LittleEndian.Uint16(ch[0:]))
		blocks := binary.LittleEndian.Uint32(ch[4:])
		total := int64(binary.LittleEndian.Uint32(ch[8:]))
		payload := off + chunkHdrSize

		switch typ {
		case ChunkRaw:
			want := int64(blocks) * int64(blockSize)
			if total != chunkHdrSize+want {
				return nil, fmt.Errorf("%w: raw chunk %d size %d, want %d", ErrCorrupt, i, total, chunkHdrSize+want)
			}
			if err := f.add(Chunk{Type: ChunkRaw, Block: block, Blocks: blocks, src: r, off: payload, avail: want}); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		case ChunkFill:
			if total != chunkHdrSize+4 {
				return nil, fmt.Errorf("%w: fill chunk %d size %d", ErrCorrupt, i, total)
			}
			var v [4]byte
			if _, err := r.ReadAt(v[:], payload); err != nil {
				return nil, fmt.Errorf("%w: fill chunk %d: %v", ErrCorrupt, i, err)
			}
			if err := f.AddFill(block, blocks, binary.LittleEndian.Uint32(v[:])); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		case ChunkDontCare:
			if total != chunkHdrSize {
				return nil, fmt.Errorf("%w: don't-care chunk %d size %d", ErrCorrupt, i, total)
			}
		case ChunkCRC32:
			if total != chunkHdrSize+4 {
				return nil, fmt.Errorf("%w: crc chunk %d size %d", ErrCorrupt, i, total)
			}
		default:
			return nil, fmt.Errorf("%w: unknown chunk type %#x", ErrCorrupt, uint16(typ))
		}

		block += blocks
		off += total
	}
	if block != totalBlocks {
		return nil, fmt.Errorf("%w: chunks cover %d of %d blocks", ErrCorrupt, block, totalBlocks)
	}
	return f, nil
}
