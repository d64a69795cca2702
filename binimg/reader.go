package binimg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// recorder is an io.ReaderAt over a fixed byte slice that remembers
// the furthest offset any reader asked for. This lets us turn the
// standard library's generic I/O errors into a TruncatedHeaderError
// that reports how many bytes would have been enough.
type recorder struct {
	b    []byte
	need uint64
}

func (o *recorder) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative read offset")
	}

	end := uint64(off) + uint64(len(p))
	if end > uint64(len(o.b)) {
		o.note(end)
		if uint64(off) >= uint64(len(o.b)) {
			return 0, io.EOF
		}
		n := copy(p, o.b[off:])
		return n, io.ErrUnexpectedEOF
	}

	return copy(p, o.b[off:end]), nil
}

func (o *recorder) note(end uint64) {
	if end > o.need {
		o.need = end
	}
}

// slice returns a view of n bytes at off without copying.
func (o *recorder) slice(off uint64, n uint64) ([]byte, error) {
	end := off + n
	if end < off {
		return nil, fmt.Errorf("read of %d bytes at 0x%x overflows - %w", n, off, ErrMalformed)
	}

	if end > uint64(len(o.b)) {
		o.note(end)
		return nil, o.truncated()
	}

	return o.b[off:end], nil
}

// cstring returns the NUL-terminated string at off.
func (o *recorder) cstring(off uint64, max uint64) (string, error) {
	if off >= uint64(len(o.b)) {
		o.note(off + 1)
		return "", o.truncated()
	}

	rest := o.b[off:]
	if uint64(len(rest)) > max {
		rest = rest[:max]
	}

	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		if uint64(len(rest)) == max {
			return "", fmt.Errorf("string at 0x%x is longer than %d bytes - %w",
				off, max, ErrMalformed)
		}
		o.note(uint64(len(o.b)) + 1)
		return "", o.truncated()
	}

	return string(rest[:i]), nil
}

func (o *recorder) truncated() error {
	return &TruncatedHeaderError{
		Need: o.need,
		Have: uint64(len(o.b)),
	}
}

// check converts err into a TruncatedHeaderError if any read went
// past the end of the data. This takes priority over whatever the
// underlying decoder reported, since its complaint was most likely
// caused by the missing bytes.
func (o *recorder) check(err error) error {
	if o.need > uint64(len(o.b)) {
		return o.truncated()
	}
	return err
}
