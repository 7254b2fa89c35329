package image

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sample() *Image {
	return &Image{
		Entry: 0x401000,
		Sections: []Section{
			{Kind: Text, Addr: 0x401000, Bytes: []byte{0x48, 0xB8, 7, 0, 0, 0, 0, 0, 0, 0, 0xC3}},
			{Kind: Data, Addr: 0x402000, Bytes: []byte("hi\x00")},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	im := sample()
	var buf bytes.Buffer
	if err := im.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(im, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := sample().Encode(&buf); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	b[0] = 'E'
	_, err := Decode(bytes.NewReader(b))
	if err == nil || !strings.Contains(err.Error(), "bad magic") {
		t.Errorf("err = %v, want bad magic", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := sample().Encode(&buf); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	b[4] = 99
	_, err := Decode(bytes.NewReader(b))
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("err = %v, want version error", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := sample().Encode(&buf); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if _, err := Decode(bytes.NewReader(b[:len(b)-2])); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestChecksum(t *testing.T) {
	a, b := sample(), sample()
	if a.Checksum() != b.Checksum() {
		t.Error("identical images must checksum identically")
	}
	b.Sections[0].Bytes[2] = 8
	if a.Checksum() == b.Checksum() {
		t.Error("content change must change the checksum")
	}
	c := sample()
	c.Entry += 8
	if a.Checksum() == c.Checksum() {
		t.Error("entry change must change the checksum")
	}
}

func TestSectionEnd(t *testing.T) {
	s := Section{Addr: 0x401000, Bytes: make([]byte, 16)}
	if s.End() != 0x401010 {
		t.Errorf("End() = %#x, want 0x401010", s.End())
	}
}
