package engine

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/bamsammich/flashall/internal/source"
	"github.com/bamsammich/flashall/internal/sparse"
	"github.com/bamsammich/flashall/internal/tmpfile"
)

// Buffer is an image prepared for transfer. When Pieces is nil the file
// is sent in one transfer of Size bytes; otherwise each piece is sent in
// order.
type Buffer struct {
	File source.File
	// Sparse is set when File is in sparse format.
	Sparse bool
	// ImageSize is the size of the image once written to the partition.
	ImageSize int64
	// Size is the size of File.
	Size   int64
	Pieces []*sparse.File

	scratch []*tmpfile.File
}

// Close removes scratch copies made while preparing the buffer. The
// original file is owned by the caller.
func (b *Buffer) Close() error {
	var errs []error
	for _, f := range b.scratch {
		errs = append(errs, f.Close())
	}
	b.scratch = nil
	return errors.Join(errs...)
}

// replace swaps in a rewritten copy of the image. Pieces must be
// recomputed afterwards.
func (b *Buffer) replace(f *tmpfile.File, size int64) {
	b.scratch = append(b.scratch, f)
	b.File = f
	b.Size = size
	b.ImageSize = size
	b.Pieces = nil
}

// sparseLimit returns the largest transfer to use for an image of size
// bytes, or 0 when it can be sent whole. The user's limit wins; otherwise
// the device's max-download-size is used, capped at ResparseLimit.
func (p *FlashingPlan) sparseLimit(size int64) int64 {
	limit := p.SparseLimit
	if limit == 0 {
		if !p.targetLimitKnown {
			p.targetSparseLimit = p.maxDownloadSize()
			p.targetLimitKnown = true
			if p.targetSparseLimit > 0 {
				p.logger().Debug("target reported max download size", "size", p.targetSparseLimit)
			}
		}
		limit = p.targetSparseLimit
	}
	if limit <= 0 {
		return 0
	}
	if size > limit {
		return min(limit, ResparseLimit)
	}
	return 0
}

func (p *FlashingPlan) maxDownloadSize() int64 {
	n, err := p.Device.UintVar("max-download-size")
	if err != nil || n > math.MaxInt64 {
		return 0
	}
	return int64(n)
}

// LoadBuffer inspects an open image and splits it when it exceeds the
// transfer limit.
func (p *FlashingPlan) LoadBuffer(f source.File) (*Buffer, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	b := &Buffer{File: f, Size: info.Size(), ImageSize: info.Size()}
	if sparse.IsSparse(f) {
		sf, err := sparse.Import(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		b.Sparse = true
		b.ImageSize = sf.Len(false)
	}
	if err := p.split(b); err != nil {
		return nil, err
	}
	return b, nil
}

// split computes b.Pieces for the current file.
func (p *FlashingPlan) split(b *Buffer) error {
	b.Pieces = nil
	limit := p.sparseLimit(b.Size)
	if limit == 0 {
		return nil
	}

	var sf *sparse.File
	var err error
	if b.Sparse {
		sf, err = sparse.Import(b.File)
	} else {
		sf, err = sparse.FromRaw(b.File, b.Size, sparse.DefaultBlockSize)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", b.File.Name(), err)
	}
	pieces, err := sf.Resparse(limit)
	if err != nil {
		return fmt.Errorf("resparse %s: %w", b.File.Name(), err)
	}
	p.logger().Debug("resparsed image",
		"image", b.File.Name(),
		"limit", limit,
		"pieces", len(pieces),
		"layout", fmt.Sprintf("%016x", sparse.Fingerprint(pieces)),
	)
	b.Pieces = pieces
	return nil
}

// readAll reads the whole buffer into memory.
func (b *Buffer) readAll() ([]byte, error) {
	data := make([]byte, b.Size)
	if _, err := io.ReadFull(io.NewSectionReader(b.File, 0, b.Size), data); err != nil {
		return nil, fmt.Errorf("read %s: %w", b.File.Name(), err)
	}
	return data, nil
}
