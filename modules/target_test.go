package modules_test

import (
	"bytes"
	"fmt"

	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
)

const (
	basicBase = memory.Address(0x555500000000)
	libBase   = memory.Address(0x7f0000000000)
)

type fakeFile struct {
	*bytes.Reader
}

func (o fakeFile) Close() error {
	return nil
}

// fakeTarget serves images from memory and records every header
// read it is asked for.
type fakeTarget struct {
	images   []modules.ImageInfo
	files    map[string][]byte
	loadable map[string]modules.ImageInfo

	enumerateErr error
	enumerations int
	headerReads  []int
	opens        int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		files:    make(map[string][]byte),
		loadable: make(map[string]modules.ImageInfo),
	}
}

func (o *fakeTarget) add(name string, base memory.Address, size uint64, raw []byte) modules.ImageInfo {
	info := modules.ImageInfo{
		Name: name,
		Path: "/lib/" + name,
		Base: base,
		Size: size,
	}

	o.images = append(o.images, info)
	o.files[info.Path] = raw

	return info
}

func (o *fakeTarget) EnumerateImages() ([]modules.ImageInfo, error) {
	o.enumerations++

	if o.enumerateErr != nil {
		return nil, o.enumerateErr
	}

	out := make([]modules.ImageInfo, len(o.images))
	copy(out, o.images)

	return out, nil
}

func (o *fakeTarget) ReadImageHeader(img modules.ImageInfo, maxLen int) ([]byte, error) {
	o.headerReads = append(o.headerReads, maxLen)

	raw, ok := o.files[img.Path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", img.Path)
	}

	if maxLen < len(raw) {
		raw = raw[:maxLen]
	}

	return append([]byte(nil), raw...), nil
}

func (o *fakeTarget) LoadImage(path string) error {
	info, ok := o.loadable[path]
	if !ok {
		return fmt.Errorf("cannot load %s", path)
	}

	o.images = append(o.images, info)

	return nil
}

func (o *fakeTarget) OpenImage(img modules.ImageInfo) (modules.ImageFile, error) {
	raw, ok := o.files[img.Path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", img.Path)
	}

	o.opens++

	return fakeFile{Reader: bytes.NewReader(raw)}, nil
}
