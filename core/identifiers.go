package core

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Identifier prefixes, per the API encoding external collaborators use to
// surface binary hashes and keys to consumers.
const (
	PrefixKeyBlock      = "kh_"
	PrefixMicroBlock    = "mh_"
	PrefixBlockStateRoot = "bs_"
	PrefixBlockTxRoot   = "bx_"
	PrefixAccount       = "ak_"
	PrefixTxHash        = "th_"
	PrefixContractBytes = "cb_"
)

const identifierChecksumLen = 4

// identifierChecksum is a double Blake2b-256 digest truncated to four
// bytes, the same double-hash-then-truncate shape this codebase's other
// base58check encoders use, adapted to the hash primitive this protocol
// already relies on for header hashing.
func identifierChecksum(payload []byte) []byte {
	h1 := blake2b.Sum256(payload)
	h2 := blake2b.Sum256(h1[:])
	return h2[:identifierChecksumLen]
}

// EncodeIdentifier renders payload as a prefixed base58check string.
func EncodeIdentifier(prefix string, payload []byte) string {
	buf := make([]byte, 0, len(payload)+identifierChecksumLen)
	buf = append(buf, payload...)
	buf = append(buf, identifierChecksum(payload)...)
	return prefix + base58.Encode(buf)
}

// DecodeIdentifier parses a prefixed base58check string back into its raw
// payload, verifying the trailing checksum.
func DecodeIdentifier(prefix, s string) ([]byte, error) {
	rest := strings.TrimPrefix(s, prefix)
	if rest == s {
		return nil, fmt.Errorf("identifier: %q missing prefix %q", s, prefix)
	}
	raw, err := base58.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("identifier: base58 decode: %w", err)
	}
	if len(raw) < identifierChecksumLen {
		return nil, fmt.Errorf("identifier: payload too short (%d bytes)", len(raw))
	}
	split := len(raw) - identifierChecksumLen
	payload, checksum := raw[:split], raw[split:]
	if !bytes.Equal(checksum, identifierChecksum(payload)) {
		return nil, fmt.Errorf("identifier: checksum mismatch for %q", s)
	}
	return payload, nil
}

// HeaderHash computes the Blake2b-256 digest used for key/micro block header
// hashes, over the raw encoded header bytes.
func HeaderHash(headerBytes []byte) [32]byte {
	return blake2b.Sum256(headerBytes)
}

// prevHashPrefix picks kh_ when prevHash equals prevKeyHash (the previous
// block in the chain was itself a key block) and mh_ otherwise.
func prevHashPrefix(prevHash, prevKeyHash [32]byte) string {
	if prevHash == prevKeyHash {
		return PrefixKeyBlock
	}
	return PrefixMicroBlock
}
