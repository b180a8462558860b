package source

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ZipSource reads images from an update.zip. Entries are extracted to
// scratch files when opened so they can be read at random offsets.
type ZipSource struct {
	r *zip.ReadCloser
}

func OpenZip(path string) (*ZipSource, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return &ZipSource{r: r}, nil
}

func (z *ZipSource) lookup(name string) (*zip.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	for _, f := range z.r.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (z *ZipSource) ReadFile(name string) ([]byte, error) {
	f, err := z.lookup(name)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return b, nil
}

func (z *ZipSource) OpenFile(name string) (File, error) {
	f, err := z.lookup(name)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	return extract(name, rc)
}

func (z *ZipSource) Close() error {
	return z.r.Close()
}
