package core

import (
	"fmt"
)

// Item is an RLP value: either a byte string ([]byte) or an ordered list of
// items ([]Item). Nested lists of arbitrary depth are supported, matching
// the recursive length-prefix scheme this codebase's peer protocol uses for
// ping payloads, peer lists, and the outer envelopes of key/micro blocks.
type Item interface{}

// EncodeRLP serializes item using recursive length-prefix rules: strings are
// length-prefixed (or self-encoding for single bytes below 0x80), lists are
// the concatenation of their encoded items under a list-length header.
func EncodeRLP(item Item) ([]byte, error) {
	switch v := item.(type) {
	case []byte:
		return encodeRLPString(v), nil
	case []Item:
		var payload []byte
		for _, e := range v {
			enc, err := EncodeRLP(e)
			if err != nil {
				return nil, fmt.Errorf("rlp: encode list element: %w", err)
			}
			payload = append(payload, enc...)
		}
		return append(encodeRLPHeader(0xc0, len(payload)), payload...), nil
	default:
		return nil, fmt.Errorf("rlp: unsupported item type %T", item)
	}
}

func encodeRLPString(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return []byte{b[0]}
	}
	return append(encodeRLPHeader(0x80, len(b)), b...)
}

// encodeRLPHeader builds the length header for a string (base 0x80) or list
// (base 0xc0). Lengths up to 55 are encoded inline; longer lengths use a
// length-of-length prefix starting at base+55.
func encodeRLPHeader(base byte, n int) []byte {
	if n <= 55 {
		return []byte{base + byte(n)}
	}
	lenBytes := minimalBigEndian(uint64(n))
	header := make([]byte, 0, 1+len(lenBytes))
	header = append(header, base+55+byte(len(lenBytes)))
	return append(header, lenBytes...)
}

// DecodeRLP parses a single item (string or list) from the front of data and
// returns it along with the unconsumed remainder.
func DecodeRLP(data []byte) (Item, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("rlp: empty input")
	}
	first := data[0]
	switch {
	case first < 0x80:
		return []byte{first}, data[1:], nil

	case first <= 0xb7:
		n := int(first - 0x80)
		if len(data) < 1+n {
			return nil, nil, fmt.Errorf("rlp: truncated short string")
		}
		return append([]byte(nil), data[1:1+n]...), data[1+n:], nil

	case first <= 0xbf:
		lenOfLen := int(first - 0xb7)
		n, rest, err := decodeRLPLength(data[1:], lenOfLen)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < n {
			return nil, nil, fmt.Errorf("rlp: truncated long string")
		}
		return append([]byte(nil), rest[:n]...), rest[n:], nil

	case first <= 0xf7:
		n := int(first - 0xc0)
		if len(data) < 1+n {
			return nil, nil, fmt.Errorf("rlp: truncated short list")
		}
		return decodeRLPList(data[1 : 1+n], data[1+n:])

	default:
		lenOfLen := int(first - 0xf7)
		n, rest, err := decodeRLPLength(data[1:], lenOfLen)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < n {
			return nil, nil, fmt.Errorf("rlp: truncated long list")
		}
		return decodeRLPList(rest[:n], rest[n:])
	}
}

func decodeRLPLength(data []byte, lenOfLen int) (int, []byte, error) {
	if len(data) < lenOfLen {
		return 0, nil, fmt.Errorf("rlp: truncated length header")
	}
	var n uint64
	for _, b := range data[:lenOfLen] {
		n = n<<8 | uint64(b)
	}
	return int(n), data[lenOfLen:], nil
}

func decodeRLPList(payload, remainder []byte) (Item, []byte, error) {
	items := make([]Item, 0, 4)
	for len(payload) > 0 {
		var (
			item Item
			err  error
		)
		item, payload, err = DecodeRLP(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("rlp: decode list element: %w", err)
		}
		items = append(items, item)
	}
	return items, remainder, nil
}

// minimalBigEndian returns the big-endian representation of v with no
// leading zero bytes; zero itself encodes as an empty slice, matching RLP's
// canonical unsigned-integer convention.
func minimalBigEndian(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	i := 0
	for i < 8 && tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}

// asUint64 decodes the canonical big-endian integer encoding RLP uses for
// byte strings carrying unsigned integers.
func asUint64(item Item) (uint64, error) {
	b, ok := item.([]byte)
	if !ok {
		return 0, fmt.Errorf("rlp: expected byte string for integer, got %T", item)
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("rlp: integer too wide (%d bytes)", len(b))
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

func asBytes(item Item) ([]byte, error) {
	b, ok := item.([]byte)
	if !ok {
		return nil, fmt.Errorf("rlp: expected byte string, got %T", item)
	}
	return b, nil
}

func asList(item Item) ([]Item, error) {
	l, ok := item.([]Item)
	if !ok {
		return nil, fmt.Errorf("rlp: expected list, got %T", item)
	}
	return l, nil
}

func fixed32(item Item) ([32]byte, error) {
	var out [32]byte
	b, err := asBytes(item)
	if err != nil {
		return out, err
	}
	if len(b) > 32 {
		return out, fmt.Errorf("rlp: value longer than 32 bytes (%d)", len(b))
	}
	copy(out[32-len(b):], b)
	return out, nil
}
