package sparse

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// segment is a contiguous data or hole region of a file.
type segment struct {
	offset int64
	length int64
	data   bool
}

// detectSegments walks SEEK_DATA/SEEK_HOLE over fd. Filesystems without
// hole support report the whole file as data.
//
//nolint:revive // cognitive-complexity: SEEK_DATA/SEEK_HOLE state machine with error recovery
func detectSegments(fd int, size int64) ([]segment, error) {
	if size == 0 {
		return nil, nil
	}

	var segs []segment
	off := int64(0)
	for off < size {
		dataStart, err := unix.Seek(fd, off, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, syscall.ENXIO) {
				segs = append(segs, segment{offset: off, length: size - off})
				break
			}
			if errors.Is(err, syscall.EINVAL) {
				return wholeFile(size), nil
			}
			return nil, err
		}
		if dataStart > off {
			segs = append(segs, segment{offset: off, length: dataStart - off})
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			switch {
			case errors.Is(err, syscall.ENXIO):
				holeStart = size
			case errors.Is(err, syscall.EINVAL):
				return wholeFile(size), nil
			default:
				return nil, err
			}
		}
		holeStart = min(holeStart, size)

		segs = append(segs, segment{offset: dataStart, length: holeStart - dataStart, data: true})
		off = holeStart
	}

	if len(segs) == 0 {
		return wholeFile(size), nil
	}
	return segs, nil
}

func wholeFile(size int64) []segment {
	return []segment{{offset: 0, length: size, data: true}}
}
