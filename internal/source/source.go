// Package source supplies image files by name from an update archive or a
// build output directory.
package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/flashall/internal/tmpfile"
)

// ErrNotFound is returned when the source has no file of the requested
// name. It matches fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("image not found: %w", fs.ErrNotExist)

// File is an open image. *os.File satisfies it.
type File interface {
	io.ReadSeekCloser
	io.ReaderAt
	Stat() (fs.FileInfo, error)
	Name() string
}

// ImageSource reads named files from an update package.
type ImageSource interface {
	ReadFile(name string) ([]byte, error)
	OpenFile(name string) (File, error)
}

// Open returns a ZipSource for regular files and a DirSource for
// directories.
func Open(path string) (ImageSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return NewDirSource(path), nil
	}
	return OpenZip(path)
}

func checkName(name string) error {
	if name == "" || !filepath.IsLocal(name) {
		return fmt.Errorf("invalid image name %q", name)
	}
	return nil
}

// DirSource reads images from a directory such as ANDROID_PRODUCT_OUT.
// A missing name.img is also looked up as name.img.zst.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (d *DirSource) ReadFile(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(d.root, name))
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return b, err
	}
	zf, zerr := os.Open(filepath.Join(d.root, name+".zst"))
	if zerr != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	defer zf.Close()
	dec, err := zstd.NewReader(zf)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	b, err = io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress %s.zst: %w", name, err)
	}
	return b, nil
}

func (d *DirSource) OpenFile(name string) (File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.root, name))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	zf, zerr := os.Open(filepath.Join(d.root, name+".zst"))
	if zerr != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	defer zf.Close()
	dec, err := zstd.NewReader(zf)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	return extract(name, dec)
}

// extract copies r into a scratch file positioned at offset 0.
func extract(name string, r io.Reader) (File, error) {
	tf, err := tmpfile.Create(filepath.Base(name))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(tf, r); err != nil {
		_ = tf.Close()
		return nil, fmt.Errorf("extract %s: %w", name, err)
	}
	if _, err := tf.Seek(0, io.SeekStart); err != nil {
		_ = tf.Close()
		return nil, err
	}
	return tf, nil
}
