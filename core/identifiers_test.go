package core

import (
	"bytes"
	"testing"
)

func TestIdentifierRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 32)
	for _, prefix := range []string{PrefixKeyBlock, PrefixMicroBlock, PrefixAccount, PrefixTxHash} {
		enc := EncodeIdentifier(prefix, payload)
		if enc[:3] != prefix {
			t.Fatalf("expected prefix %q in %q", prefix, enc)
		}
		got, err := DecodeIdentifier(prefix, enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: want %x got %x", payload, got)
		}
	}
}

func TestIdentifierRejectsWrongPrefix(t *testing.T) {
	enc := EncodeIdentifier(PrefixKeyBlock, []byte("hello"))
	if _, err := DecodeIdentifier(PrefixAccount, enc); err == nil {
		t.Fatalf("expected error decoding with mismatched prefix")
	}
}

func TestIdentifierRejectsCorruptedChecksum(t *testing.T) {
	enc := EncodeIdentifier(PrefixKeyBlock, []byte("hello"))
	corrupted := enc[:len(enc)-1] + "z"
	if _, err := DecodeIdentifier(PrefixKeyBlock, corrupted); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestHeaderHashIsDeterministic(t *testing.T) {
	a := HeaderHash([]byte("header bytes"))
	b := HeaderHash([]byte("header bytes"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	c := HeaderHash([]byte("different bytes"))
	if a == c {
		t.Fatalf("expected different hashes for different inputs")
	}
}
