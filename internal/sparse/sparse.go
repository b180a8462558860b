// Package sparse reads, builds and writes Android sparse images and splits
// them into independently flashable pieces.
package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// On-disk constants of the Android sparse format (version 1.0).
const (
	Magic            uint32 = 0xed26ff3a
	MajorVersion     uint16 = 1
	MinorVersion     uint16 = 0
	FileHeaderSize          = 28
	ChunkHeaderSize         = 12
	DefaultBlockSize uint32 = 4096
)

// ChunkType identifies the payload encoding of a chunk.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "raw"
	case ChunkFill:
		return "fill"
	case ChunkDontCare:
		return "dont-care"
	case ChunkCRC32:
		return "crc32"
	default:
		return fmt.Sprintf("chunk(%#x)", uint16(t))
	}
}

var (
	// ErrNotSparse is returned by Import when the input has no sparse header.
	ErrNotSparse = errors.New("not a sparse image")
	// ErrCorrupt is returned when a sparse header or chunk is inconsistent.
	ErrCorrupt = errors.New("corrupt sparse image")
)

// Chunk is a run of output blocks backed by raw data or a fill pattern.
// Gaps between chunks are don't-care regions.
type Chunk struct {
	Type   ChunkType
	Block  uint32
	Blocks uint32
	Fill   uint32

	src   io.ReaderAt
	off   int64
	avail int64 // bytes readable at off; the rest of the chunk is zero
}

func (c Chunk) end() uint32 { return c.Block + c.Blocks }

// payloadLen is the encoded payload size, excluding the chunk header.
func (c Chunk) payloadLen(blockSize uint32) int64 {
	switch c.Type {
	case ChunkRaw:
		return int64(c.Blocks) * int64(blockSize)
	case ChunkFill:
		return 4
	default:
		return 0
	}
}

func (c Chunk) encodedLen(blockSize uint32) int64 {
	return ChunkHeaderSize + c.payloadLen(blockSize)
}

// reader returns the expanded contents of a raw chunk.
func (c Chunk) reader(blockSize uint32) io.Reader {
	total := int64(c.Blocks) * int64(blockSize)
	avail := min(c.avail, total)
	return io.MultiReader(
		io.NewSectionReader(c.src, c.off, avail),
		io.LimitReader(zeroReader{}, total-avail),
	)
}

// split cuts a raw chunk after n blocks.
func (c Chunk) split(n uint32, blockSize uint32) (Chunk, Chunk) {
	head, tail := c, c
	head.Blocks = n
	tail.Block = c.Block + n
	tail.Blocks = c.Blocks - n
	cut := int64(n) * int64(blockSize)
	head.avail = min(c.avail, cut)
	tail.off = c.off + cut
	tail.avail = max(0, c.avail-cut)
	return head, tail
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// File is an in-memory description of a sparse image. Raw chunk payloads
// are read lazily from their backing io.ReaderAt.
type File struct {
	BlockSize   uint32
	TotalBlocks uint32

	length int64
	chunks []Chunk
}

// New returns an empty sparse file covering length bytes.
func New(blockSize uint32, length int64) *File {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	blocks := (length + int64(blockSize) - 1) / int64(blockSize)
	return &File{
		BlockSize:   blockSize,
		TotalBlocks: uint32(blocks), //nolint:gosec // G115: bounded by sparse format
		length:      length,
	}
}

// Len returns the expanded image length, or the encoded length of the
// sparse stream when sparse is true.
func (f *File) Len(sparse bool) int64 {
	if !sparse {
		return f.length
	}
	n := int64(FileHeaderSize)
	next := uint32(0)
	for _, c := range f.chunks {
		if c.Block > next {
			n += ChunkHeaderSize
		}
		n += c.encodedLen(f.BlockSize)
		next = c.end()
	}
	if next < f.TotalBlocks {
		n += ChunkHeaderSize
	}
	return n
}

// Chunks returns a copy of the populated chunks in block order.
func (f *File) Chunks() []Chunk {
	return append([]Chunk(nil), f.chunks...)
}

// AddRaw maps length bytes of src at off onto the image starting at block.
// A trailing partial block is zero padded.
func (f *File) AddRaw(block uint32, src io.ReaderAt, off, length int64) error {
	if length <= 0 {
		return nil
	}
	blocks := (length + int64(f.BlockSize) - 1) / int64(f.BlockSize)
	return f.add(Chunk{
		Type:   ChunkRaw,
		Block:  block,
		Blocks: uint32(blocks), //nolint:gosec // G115: bounded by TotalBlocks check in add
		src:    src,
		off:    off,
		avail:  length,
	})
}

// AddRawBytes is AddRaw over an in-memory buffer.
func (f *File) AddRawBytes(block uint32, data []byte) error {
	return f.AddRaw(block, bytes.NewReader(data), 0, int64(len(data)))
}

// AddFill repeats the 32-bit value over blocks blocks starting at block.
func (f *File) AddFill(block, blocks uint32, value uint32) error {
	if blocks == 0 {
		return nil
	}
	return f.add(Chunk{Type: ChunkFill, Block: block, Blocks: blocks, Fill: value})
}

func (f *File) add(c Chunk) error {
	if uint64(c.Block)+uint64(c.Blocks) > uint64(f.TotalBlocks) {
		return fmt.Errorf("chunk at block %d (+%d) exceeds %d blocks", c.Block, c.Blocks, f.TotalBlocks)
	}
	i := sort.Search(len(f.chunks), func(i int) bool { return f.chunks[i].Block >= c.Block })
	if i > 0 && f.chunks[i-1].end() > c.Block {
		return fmt.Errorf("chunk at block %d overlaps block %d", c.Block, f.chunks[i-1].Block)
	}
	if i < len(f.chunks) && c.end() > f.chunks[i].Block {
		return fmt.Errorf("chunk at block %d overlaps block %d", c.Block, f.chunks[i].Block)
	}

	if i > 0 {
		prev := &f.chunks[i-1]
		if prev.end() == c.Block && prev.Type == ChunkFill && c.Type == ChunkFill && prev.Fill == c.Fill {
			prev.Blocks += c.Blocks
			return nil
		}
	}

	f.chunks = append(f.chunks, Chunk{})
	copy(f.chunks[i+1:], f.chunks[i:])
	f.chunks[i] = c
	return nil
}

// WriteTo encodes the file as a sparse stream. Gaps are emitted as
// don't-care chunks.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	var count uint32
	next := uint32(0)
	for _, c := range f.chunks {
		if c.Block > next {
			count++
		}
		count++
		next = c.end()
	}
	if next < f.TotalBlocks {
		count++
	}

	hdr := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint16(hdr[4:], MajorVersion)
	binary.LittleEndian.PutUint16(hdr[6:], MinorVersion)
	binary.LittleEndian.PutUint16(hdr[8:], FileHeaderSize)
	binary.LittleEndian.PutUint16(hdr[10:], ChunkHeaderSize)
	binary.LittleEndian.PutUint32(hdr[12:], f.BlockSize)
	binary.LittleEndian.PutUint32(hdr[16:], f.TotalBlocks)
	binary.LittleEndian.PutUint32(hdr[20:], count)
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}

	next = 0
	for _, c := range f.chunks {
		if c.Block > next {
			if err := f.writeChunkHeader(cw, Chunk{Type: ChunkDontCare, Blocks: c.Block - next}); err != nil {
				return cw.n, err
			}
		}
		if err := f.writeChunkHeader(cw, c); err != nil {
			return cw.n, err
		}
		switch c.Type {
		case ChunkRaw:
			if _, err := io.Copy(cw, c.reader(f.BlockSize)); err != nil {
				return cw.n, fmt.Errorf("write raw chunk at block %d: %w", c.Block, err)
			}
		case ChunkFill:
			var v [4]byte
			binary.LittleEndian.PutUint32(v[:], c.Fill)
			if _, err := cw.Write(v[:]); err != nil {
				return cw.n, err
			}
		}
		next = c.end()
	}
	if next < f.TotalBlocks {
		if err := f.writeChunkHeader(cw, Chunk{Type: ChunkDontCare, Blocks: f.TotalBlocks - next}); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

func (f *File) writeChunkHeader(w io.Writer, c Chunk) error {
	var hdr [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(c.Type))
	binary.LittleEndian.PutUint32(hdr[4:], c.Blocks)
	total := c.encodedLen(f.BlockSize)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(total)) //nolint:gosec // G115: chunk sizes fit the format
	_, err := w.Write(hdr[:])
	return err
}

// WriteExpanded writes the image contents at their block offsets.
// Don't-care regions are left untouched in w.
func (f *File) WriteExpanded(w io.WriterAt) error {
	bs := int64(f.BlockSize)
	for _, c := range f.chunks {
		dst := io.NewOffsetWriter(w, int64(c.Block)*bs)
		switch c.Type {
		case ChunkRaw:
			if _, err := io.Copy(dst, c.reader(f.BlockSize)); err != nil {
				return fmt.Errorf("expand raw chunk at block %d: %w", c.Block, err)
			}
		case ChunkFill:
			block := make([]byte, bs)
			for i := int64(0); i < bs; i += 4 {
				binary.LittleEndian.PutUint32(block[i:], c.Fill)
			}
			for range c.Blocks {
				if _, err := dst.Write(block); err != nil {
					return fmt.Errorf("expand fill chunk at block %d: %w", c.Block, err)
				}
			}
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
