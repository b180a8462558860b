package sparse

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Extent is a populated block range of a sparse file.
type Extent struct {
	Block  uint32
	Blocks uint32
	Type   ChunkType
}

// Resparse splits f into pieces whose encoded length is at most maxLen.
// Every piece spans the full image; blocks owned by other pieces are
// don't-care, so the pieces can be flashed one after another. The split
// depends only on the chunk layout and maxLen.
func (f *File) Resparse(maxLen int64) ([]*File, error) {
	overhead := int64(FileHeaderSize + 2*ChunkHeaderSize)
	if maxLen <= overhead {
		return nil, fmt.Errorf("resparse limit %d is smaller than the sparse overhead", maxLen)
	}
	budget := maxLen - overhead
	bs := f.BlockSize

	var out []*File
	cur := f.emptyCopy()
	used := int64(0)
	next := uint32(0)

	emit := func() {
		if len(cur.chunks) > 0 {
			out = append(out, cur)
		}
		cur = f.emptyCopy()
		used = 0
		next = 0
	}

	queue := f.Chunks()
	for len(queue) > 0 {
		c := queue[0]
		gap := int64(0)
		if len(cur.chunks) > 0 && c.Block > next {
			gap = ChunkHeaderSize
		}

		if used+gap+c.encodedLen(bs) <= budget {
			cur.chunks = append(cur.chunks, c)
			used += gap + c.encodedLen(bs)
			next = c.end()
			queue = queue[1:]
			continue
		}

		if c.Type == ChunkRaw {
			room := budget - used - gap - ChunkHeaderSize
			if n := room / int64(bs); n > 0 {
				head, tail := c.split(uint32(n), bs) //nolint:gosec // G115: n < c.Blocks here
				cur.chunks = append(cur.chunks, head)
				queue[0] = tail
				emit()
				continue
			}
		}
		if len(cur.chunks) == 0 {
			return nil, fmt.Errorf("resparse limit %d cannot hold a single %d-byte block", maxLen, bs)
		}
		emit()
	}
	emit()

	if len(out) == 0 {
		// An image with no populated blocks is still flashed once.
		out = append(out, f.emptyCopy())
	}
	return out, nil
}

func (f *File) emptyCopy() *File {
	return &File{BlockSize: f.BlockSize, TotalBlocks: f.TotalBlocks, length: f.length}
}

// Extents lists the populated ranges of f in block order.
func (f *File) Extents() []Extent {
	out := make([]Extent, 0, len(f.chunks))
	for _, c := range f.chunks {
		out = append(out, Extent{Block: c.Block, Blocks: c.Blocks, Type: c.Type})
	}
	return out
}

// Fingerprint hashes the chunk layout of a set of pieces. Equal
// fingerprints mean equal split boundaries.
func Fingerprint(files []*File) uint64 {
	h := xxhash.New()
	var buf [24]byte
	for i, f := range files {
		binary.LittleEndian.PutUint32(buf[0:], uint32(i)) //nolint:gosec // G115: piece counts are small
		binary.LittleEndian.PutUint32(buf[4:], f.BlockSize)
		binary.LittleEndian.PutUint32(buf[8:], f.TotalBlocks)
		_, _ = h.Write(buf[:12])
		for _, c := range f.chunks {
			clear(buf[:])
			binary.LittleEndian.PutUint16(buf[0:], uint16(c.Type))
			binary.LittleEndian.PutUint32(buf[4:], c.Block)
			binary.LittleEndian.PutUint32(buf[8:], c.Blocks)
			binary.LittleEndian.PutUint32(buf[12:], c.Fill)
			binary.LittleEndian.PutUint64(buf[16:], uint64(c.off)) //nolint:gosec // G115: offsets are non-negative
			_, _ = h.Write(buf[:])
		}
	}
	return h.Sum64()
}
