package sparse

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// scanBlocks is how many blocks FromRaw reads per ReadAt call.
const scanBlocks = 256

type fder interface {
	Fd() uintptr
}

// FromRaw describes a raw image of size bytes as a sparse file. Blocks
// made of a single repeated 32-bit word become fill chunks, everything
// else is referenced as raw data in r. When r is an *os.File on a
// filesystem that reports holes, holes become zero fills without being
// read.
func FromRaw(r io.ReaderAt, size int64, blockSize uint32) (*File, error) {
	f := New(blockSize, size)
	bs := int64(f.BlockSize)

	segs := wholeFile(size)
	if fd, ok := r.(fder); ok {
		detected, err := detectSegments(int(fd.Fd()), size) //nolint:gosec // G115: fd conversion is safe for file descriptors
		if err != nil {
			slog.Debug("hole detection failed, scanning whole image", "error", err)
		} else {
			segs = alignSegments(detected, bs, size)
		}
	}

	sc := &rawScanner{f: f, src: r, size: size}
	for _, seg := range segs {
		if !seg.data {
			if err := sc.flush(); err != nil {
				return nil, err
			}
			if err := f.AddFill(uint32(seg.offset/bs), uint32(seg.length/bs), 0); err != nil { //nolint:gosec // G115: block indices fit uint32
				return nil, err
			}
			continue
		}
		if err := sc.scan(seg.offset, seg.offset+seg.length); err != nil {
			return nil, err
		}
	}
	if err := sc.flush(); err != nil {
		return nil, err
	}
	return f, nil
}

// alignSegments shrinks holes to whole blocks; partial blocks at hole
// edges are scanned as data.
func alignSegments(segs []segment, bs, size int64) []segment {
	var out []segment
	pushData := func(from, to int64) {
		if to <= from {
			return
		}
		if n := len(out); n > 0 && out[n-1].data && out[n-1].offset+out[n-1].length == from {
			out[n-1].length += to - from
			return
		}
		out = append(out, segment{offset: from, length: to - from, data: true})
	}
	for _, s := range segs {
		end := s.offset + s.length
		if s.data {
			pushData(s.offset, end)
			continue
		}
		start := (s.offset + bs - 1) / bs * bs
		stop := end / bs * bs
		if end == size {
			// The image tail is padded to a whole block anyway.
			stop = (end + bs - 1) / bs * bs
		}
		if stop <= start {
			pushData(s.offset, end)
			continue
		}
		pushData(s.offset, start)
		out = append(out, segment{offset: start, length: stop - start})
		pushData(stop, end)
	}
	return out
}

type rawScanner struct {
	f    *File
	src  io.ReaderAt
	size int64

	runStart int64 // byte offset of the pending raw run, -1 if none
	runLen   int64
}

func (sc *rawScanner) scan(from, to int64) error {
	bs := int64(sc.f.BlockSize)
	buf := make([]byte, bs*scanBlocks)
	if sc.runLen == 0 {
		sc.runStart = -1
	}
	for off := from; off < to; {
		n := min(int64(len(buf)), to-off)
		chunk := buf[:n]
		if _, err := sc.src.ReadAt(chunk, off); err != nil && !(err == io.EOF && off+n >= sc.size) {
			return fmt.Errorf("read image at %d: %w", off, err)
		}
		for b := int64(0); b < n; b += bs {
			blk := chunk[b:min(b+bs, n)]
			pos := off + b
			if value, ok := fillValue(blk, bs); ok {
				if err := sc.flush(); err != nil {
					return err
				}
				if err := sc.f.AddFill(uint32(pos/bs), 1, value); err != nil { //nolint:gosec // G115: block indices fit uint32
					return err
				}
				continue
			}
			if sc.runStart < 0 {
				sc.runStart = pos
			}
			sc.runLen = pos + int64(len(blk)) - sc.runStart
		}
		off += n
	}
	return nil
}

func (sc *rawScanner) flush() error {
	if sc.runStart < 0 || sc.runLen == 0 {
		sc.runStart, sc.runLen = -1, 0
		return nil
	}
	bs := int64(sc.f.BlockSize)
	err := sc.f.AddRaw(uint32(sc.runStart/bs), sc.src, sc.runStart, sc.runLen) //nolint:gosec // G115: block indices fit uint32
	sc.runStart, sc.runLen = -1, 0
	return err
}

// fillValue reports whether blk is one 32-bit word repeated. A short
// final block only qualifies as a zero fill, since its padding is zero.
func fillValue(blk []byte, bs int64) (uint32, bool) {
	if len(blk) < 4 {
		for _, b := range blk {
			if b != 0 {
				return 0, false
			}
		}
		return 0, true
	}
	v := binary.LittleEndian.Uint32(blk)
	if int64(len(blk)) < bs && v != 0 {
		return 0, false
	}
	i := 4
	for ; i+4 <= len(blk); i += 4 {
		if binary.LittleEndian.Uint32(blk[i:]) != v {
			return 0, false
		}
	}
	for ; i < len(blk); i++ {
		if blk[i] != 0 {
			return 0, false
		}
	}
	return v, true
}
