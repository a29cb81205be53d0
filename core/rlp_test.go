package core

import (
	"bytes"
	"testing"
)

func TestRLPByteStringRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x7f},
		{0x80},
		[]byte("dog"),
		bytes.Repeat([]byte{0x11}, 55),
		bytes.Repeat([]byte{0x22}, 56),
		bytes.Repeat([]byte{0x33}, 1024),
	}
	for _, b := range cases {
		enc, err := EncodeRLP(append([]byte(nil), b...))
		if err != nil {
			t.Fatalf("encode %d bytes: %v", len(b), err)
		}
		item, rest, err := DecodeRLP(enc)
		if err != nil {
			t.Fatalf("decode %d bytes: %v", len(b), err)
		}
		if len(rest) != 0 {
			t.Fatalf("expected no remainder, got %d bytes", len(rest))
		}
		got, ok := item.([]byte)
		if !ok {
			t.Fatalf("expected []byte item, got %T", item)
		}
		if !bytes.Equal(got, b) && !(len(got) == 0 && len(b) == 0) {
			t.Fatalf("round trip mismatch: want %x got %x", b, got)
		}
	}
}

func TestRLPListRoundTrip(t *testing.T) {
	list := []Item{
		[]byte("cat"),
		[]byte("dog"),
		[]Item{[]byte("a"), []byte("b")},
	}
	enc, err := EncodeRLP(list)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	item, rest, err := DecodeRLP(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no remainder, got %d bytes", len(rest))
	}
	got, ok := item.([]Item)
	if !ok || len(got) != 3 {
		t.Fatalf("expected 3-element list, got %#v", item)
	}
}

func TestRLPTruncatedInputErrors(t *testing.T) {
	if _, _, err := DecodeRLP([]byte{0xb8, 0x05, 0x01}); err == nil {
		t.Fatalf("expected truncation error")
	}
	if _, _, err := DecodeRLP(nil); err == nil {
		t.Fatalf("expected error decoding empty input")
	}
}

func TestMinimalBigEndianRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 1 << 32, ^uint64(0)} {
		b := minimalBigEndian(v)
		got, err := asUint64(append([]byte(nil), b...))
		if err != nil {
			t.Fatalf("asUint64(%x): %v", b, err)
		}
		if got != v {
			t.Fatalf("want %d got %d", v, got)
		}
	}
}
