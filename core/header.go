package core

import (
	"encoding/binary"
	"fmt"
)

// Bit layout shared by both header kinds: a leading 64-bit word packs the
// 32-bit version, a header-type discriminator bit, a second flag bit
// (info-flag for key blocks, pof_tag for micro blocks), and 30 reserved
// bits that must round-trip as zero. Everything after that word is
// byte-aligned, so it is read with encoding/binary rather than further bit
// manipulation.
const (
	keyBlockHeaderTypeBit   = 1
	microBlockHeaderTypeBit = 0
	powEvidenceWords        = 42
)

func packLeadWord(version uint32, headerType, flag bool) uint64 {
	word := uint64(version) << 32
	if headerType {
		word |= 1 << 31
	}
	if flag {
		word |= 1 << 30
	}
	return word
}

func unpackLeadWord(word uint64) (version uint32, headerType, flag bool) {
	version = uint32(word >> 32)
	headerType = (word>>31)&1 == 1
	flag = (word>>30)&1 == 1
	return
}

// KeyBlockHeader is the bit-exact layout a key-block announcement carries,
// decoded from the raw header bytes nested inside a key_block message.
type KeyBlockHeader struct {
	Version     uint32
	InfoFlag    bool
	Height      uint64
	PrevHash    [32]byte
	PrevKeyHash [32]byte
	RootHash    [32]byte
	Miner       [32]byte
	Beneficiary [32]byte
	Target      uint32
	PowEvidence [powEvidenceWords]uint32
	Nonce       uint64
	Time        uint64
	Info        []byte
}

const keyBlockFixedLen = 8 + 8 + 32*5 + 4 + powEvidenceWords*4 + 8 + 8

// DecodeKeyBlockHeader parses the bit-packed key block header. Any trailing
// bytes beyond the fixed fields become Info.
func DecodeKeyBlockHeader(b []byte) (*KeyBlockHeader, error) {
	if len(b) < keyBlockFixedLen {
		return nil, fmt.Errorf("key block header: need %d bytes, got %d", keyBlockFixedLen, len(b))
	}
	version, headerType, infoFlag := unpackLeadWord(binary.BigEndian.Uint64(b[0:8]))
	if headerType != (keyBlockHeaderTypeBit == 1) {
		return nil, fmt.Errorf("key block header: header-type bit set for a micro block")
	}

	h := &KeyBlockHeader{Version: version, InfoFlag: infoFlag}
	off := 8
	h.Height = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(h.PrevHash[:], b[off:off+32])
	off += 32
	copy(h.PrevKeyHash[:], b[off:off+32])
	off += 32
	copy(h.RootHash[:], b[off:off+32])
	off += 32
	copy(h.Miner[:], b[off:off+32])
	off += 32
	copy(h.Beneficiary[:], b[off:off+32])
	off += 32
	h.Target = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	for i := range h.PowEvidence {
		h.PowEvidence[i] = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	h.Nonce = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.Time = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.Info = append([]byte(nil), b[off:]...)
	return h, nil
}

// EncodeKeyBlockHeader is the inverse of DecodeKeyBlockHeader.
func EncodeKeyBlockHeader(h *KeyBlockHeader) []byte {
	buf := make([]byte, keyBlockFixedLen+len(h.Info))
	binary.BigEndian.PutUint64(buf[0:8], packLeadWord(h.Version, true, h.InfoFlag))
	off := 8
	binary.BigEndian.PutUint64(buf[off:off+8], h.Height)
	off += 8
	copy(buf[off:off+32], h.PrevHash[:])
	off += 32
	copy(buf[off:off+32], h.PrevKeyHash[:])
	off += 32
	copy(buf[off:off+32], h.RootHash[:])
	off += 32
	copy(buf[off:off+32], h.Miner[:])
	off += 32
	copy(buf[off:off+32], h.Beneficiary[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:off+4], h.Target)
	off += 4
	for _, w := range h.PowEvidence {
		binary.BigEndian.PutUint32(buf[off:off+4], w)
		off += 4
	}
	binary.BigEndian.PutUint64(buf[off:off+8], h.Nonce)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], h.Time)
	off += 8
	copy(buf[off:], h.Info)
	return buf
}

// IdentifiedKeyBlockHeader mirrors KeyBlockHeader with its hash and key
// fields rendered as prefixed identifiers, the form handed to consumer
// hooks.
type IdentifiedKeyBlockHeader struct {
	Version     uint32
	Height      uint64
	PrevHash    string
	PrevKeyHash string
	RootHash    string
	Miner       string
	Beneficiary string
	Target      uint32
	PowEvidence [powEvidenceWords]uint32
	Nonce       uint64
	Time        uint64
	Info        string
}

// Identify renders h using the prefix rules from the message codec: the
// prev_hash prefix depends on whether the previous block was itself a key
// block.
func (h *KeyBlockHeader) Identify() *IdentifiedKeyBlockHeader {
	return &IdentifiedKeyBlockHeader{
		Version:     h.Version,
		Height:      h.Height,
		PrevHash:    EncodeIdentifier(prevHashPrefix(h.PrevHash, h.PrevKeyHash), h.PrevHash[:]),
		PrevKeyHash: EncodeIdentifier(PrefixKeyBlock, h.PrevKeyHash[:]),
		RootHash:    EncodeIdentifier(PrefixBlockStateRoot, h.RootHash[:]),
		Miner:       EncodeIdentifier(PrefixAccount, h.Miner[:]),
		Beneficiary: EncodeIdentifier(PrefixAccount, h.Beneficiary[:]),
		Target:      h.Target,
		PowEvidence: h.PowEvidence,
		Nonce:       h.Nonce,
		Time:        h.Time,
		Info:        EncodeIdentifier(PrefixContractBytes, h.Info),
	}
}

// MicroBlockHeader is the bit-exact layout a micro-block announcement
// carries. PofTag marks the presence of proof-of-fraud evidence elsewhere
// in the decoded message.
type MicroBlockHeader struct {
	Version     uint32
	PofTag      bool
	Height      uint64
	PrevHash    [32]byte
	PrevKeyHash [32]byte
	RootHash    [32]byte
	TxsHash     [32]byte
	Time        uint64
	Info        []byte
}

const microBlockFixedLen = 8 + 8 + 32*4 + 8

// DecodeMicroBlockHeader parses the bit-packed micro block header.
func DecodeMicroBlockHeader(b []byte) (*MicroBlockHeader, error) {
	if len(b) < microBlockFixedLen {
		return nil, fmt.Errorf("micro block header: need %d bytes, got %d", microBlockFixedLen, len(b))
	}
	version, headerType, pofTag := unpackLeadWord(binary.BigEndian.Uint64(b[0:8]))
	if headerType != (microBlockHeaderTypeBit == 1) {
		return nil, fmt.Errorf("micro block header: header-type bit set for a key block")
	}

	h := &MicroBlockHeader{Version: version, PofTag: pofTag}
	off := 8
	h.Height = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(h.PrevHash[:], b[off:off+32])
	off += 32
	copy(h.PrevKeyHash[:], b[off:off+32])
	off += 32
	copy(h.RootHash[:], b[off:off+32])
	off += 32
	copy(h.TxsHash[:], b[off:off+32])
	off += 32
	h.Time = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.Info = append([]byte(nil), b[off:]...)
	return h, nil
}

// EncodeMicroBlockHeader is the inverse of DecodeMicroBlockHeader.
func EncodeMicroBlockHeader(h *MicroBlockHeader) []byte {
	buf := make([]byte, microBlockFixedLen+len(h.Info))
	binary.BigEndian.PutUint64(buf[0:8], packLeadWord(h.Version, false, h.PofTag))
	off := 8
	binary.BigEndian.PutUint64(buf[off:off+8], h.Height)
	off += 8
	copy(buf[off:off+32], h.PrevHash[:])
	off += 32
	copy(buf[off:off+32], h.PrevKeyHash[:])
	off += 32
	copy(buf[off:off+32], h.RootHash[:])
	off += 32
	copy(buf[off:off+32], h.TxsHash[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:off+8], h.Time)
	off += 8
	copy(buf[off:], h.Info)
	return buf
}
