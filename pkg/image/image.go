// Package image holds the fully linked executable form: placed sections
// with final addresses, an entry point, and a flat container format for
// moving images between the compiler and the runner.
package image

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

type SectionKind int

const (
	Text SectionKind = iota
	Data
)

func (k SectionKind) String() string {
	if k == Text {
		return ".text"
	}
	return ".data"
}

// Section is a placed, fully patched byte range.
type Section struct {
	Kind  SectionKind
	Addr  uint64
	Bytes []byte
}

func (s Section) End() uint64 { return s.Addr + uint64(len(s.Bytes)) }

// Image is a linked executable.
type Image struct {
	Sections []Section
	Entry    uint64
}

// Checksum digests the entire placed image. Two builds of the same input
// must produce the same checksum.
func (im *Image) Checksum() uint64 {
	h := xxhash.New()
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], im.Entry)
	h.Write(word[:])
	for _, s := range im.Sections {
		binary.LittleEndian.PutUint64(word[:], uint64(s.Kind))
		h.Write(word[:])
		binary.LittleEndian.PutUint64(word[:], s.Addr)
		h.Write(word[:])
		h.Write(s.Bytes)
	}
	return h.Sum64()
}

// Container format: "FIMG", version, entry, section count, then each
// section as kind, addr, length, bytes. All integers little endian.

var magic = [4]byte{'F', 'I', 'M', 'G'}

const formatVersion = 1

type header struct {
	Magic    [4]byte
	Version  uint32
	Entry    uint64
	Sections uint32
}

type sectionHeader struct {
	Kind uint32
	Addr uint64
	Size uint64
}

func (im *Image) Encode(w io.Writer) error {
	hdr := header{Magic: magic, Version: formatVersion, Entry: im.Entry, Sections: uint32(len(im.Sections))}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write image header: %w", err)
	}
	for _, s := range im.Sections {
		sh := sectionHeader{Kind: uint32(s.Kind), Addr: s.Addr, Size: uint64(len(s.Bytes))}
		if err := binary.Write(w, binary.LittleEndian, &sh); err != nil {
			return fmt.Errorf("write section header: %w", err)
		}
		if _, err := w.Write(s.Bytes); err != nil {
			return fmt.Errorf("write section %s: %w", s.Kind, err)
		}
	}
	return nil
}

func Decode(r io.Reader) (*Image, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if hdr.Magic != magic {
		return nil, fmt.Errorf("not an image file: bad magic %q", hdr.Magic[:])
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("unsupported image version %d", hdr.Version)
	}
	im := &Image{Entry: hdr.Entry}
	for i := uint32(0); i < hdr.Sections; i++ {
		var sh sectionHeader
		if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
			return nil, fmt.Errorf("read section header: %w", err)
		}
		if sh.Size > 1<<30 {
			return nil, fmt.Errorf("section %d is implausibly large (%d bytes)", i, sh.Size)
		}
		bytes := make([]byte, sh.Size)
		if _, err := io.ReadFull(r, bytes); err != nil {
			return nil, fmt.Errorf("read section %d: %w", i, err)
		}
		im.Sections = append(im.Sections, Section{Kind: SectionKind(sh.Kind), Addr: sh.Addr, Bytes: bytes})
	}
	return im, nil
}
