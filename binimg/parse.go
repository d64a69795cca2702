package binimg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	peSignatureOffsetField = 0x3c
)

var (
	elfMagic    = []byte{0x7f, 'E', 'L', 'F'}
	dosMagic    = []byte{'M', 'Z'}
	peSignature = []byte{'P', 'E', 0, 0}
)

// ParseOrExit calls Parse, invoking DefaultExitFn if an error occurs.
func ParseOrExit(raw []byte) Image {
	img, err := Parse(raw)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse binary image - %w", err))
	}
	return img
}

// Parse structures the raw bytes of an executable image. The bytes
// must be laid out the way they are on disk, starting at offset zero.
//
// Parse is a pure function of raw. It returns ErrUnsupportedFormat
// when the magic is not recognized and a *TruncatedHeaderError when
// the image's tables extend past the end of raw.
func Parse(raw []byte) (Image, error) {
	switch {
	case bytes.HasPrefix(raw, elfMagic):
		img, err := parseELF(raw)
		if err != nil {
			return nil, err
		}
		return img, nil
	case bytes.HasPrefix(raw, dosMagic):
		rec := &recorder{b: raw}

		field, err := rec.slice(peSignatureOffsetField, 4)
		if err != nil {
			return nil, err
		}

		sigOffset := uint64(binary.LittleEndian.Uint32(field))
		sig, err := rec.slice(sigOffset, uint64(len(peSignature)))
		if err != nil {
			return nil, err
		}

		if !bytes.Equal(sig, peSignature) {
			return nil, fmt.Errorf("dos image without pe signature - %w", ErrUnsupportedFormat)
		}

		img, err := parsePE(raw)
		if err != nil {
			return nil, err
		}
		return img, nil
	case len(raw) < len(elfMagic) &&
		(bytes.HasPrefix(elfMagic, raw) || bytes.HasPrefix(dosMagic, raw)):
		return nil, &TruncatedHeaderError{
			Need: uint64(len(elfMagic)),
			Have: uint64(len(raw)),
		}
	default:
		return nil, ErrUnsupportedFormat
	}
}
