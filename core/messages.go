package core

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the wire discriminator carried by every message envelope.
type MsgType uint16

const (
	MsgFragment    MsgType = 0
	MsgPing        MsgType = 1
	MsgGetBlockTxs MsgType = 7
	msgReserved9   MsgType = 9
	MsgKeyBlock    MsgType = 10
	MsgMicroBlock  MsgType = 11
	MsgBlockTxs    MsgType = 13
	MsgP2PResponse MsgType = 100
)

func (t MsgType) String() string {
	switch t {
	case MsgFragment:
		return "fragment"
	case MsgPing:
		return "ping"
	case MsgGetBlockTxs:
		return "get_block_txs"
	case msgReserved9:
		return "reserved"
	case MsgKeyBlock:
		return "key_block"
	case MsgMicroBlock:
		return "micro_block"
	case MsgBlockTxs:
		return "block_txs"
	case MsgP2PResponse:
		return "p2p_response"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// EncodeEnvelope wraps payload with its 2-byte big-endian msg_type.
func EncodeEnvelope(t MsgType, payload []byte) []byte {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(t))
	copy(buf[2:], payload)
	return buf
}

// DecodeEnvelope splits a wire message into its msg_type and payload.
func DecodeEnvelope(b []byte) (MsgType, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("envelope: need at least 2 bytes, got %d", len(b))
	}
	return MsgType(binary.BigEndian.Uint16(b[0:2])), b[2:], nil
}

// PingShareCount is the advisory cap on peers a ping offers to share.
const PingShareCount = 32

// ProtocolVersion is the fixed protocol version this core speaks.
const ProtocolVersion uint64 = 1

// Ping is the handshake/keepalive payload exchanged as msg_type=1 and
// embedded as the object of a ping-flavored p2p_response.
type Ping struct {
	Version     uint64
	Port        uint64
	Share       uint64
	GenesisHash [32]byte
	Difficulty  uint64
	BestHash    [32]byte
	SyncAllowed byte
	Peers       []PeerAddr
}

// EncodePing is the RLP encoder for the ping payload: a list of eight
// items in the order version, port, share, genesis_hash, difficulty,
// best_hash, sync_allowed, peers.
func EncodePing(p *Ping) ([]byte, error) {
	items := []Item{
		minimalBigEndian(p.Version),
		minimalBigEndian(p.Port),
		minimalBigEndian(p.Share),
		append([]byte(nil), p.GenesisHash[:]...),
		minimalBigEndian(p.Difficulty),
		append([]byte(nil), p.BestHash[:]...),
		[]byte{p.SyncAllowed},
		EncodePeerList(p.Peers),
	}
	enc, err := EncodeRLP(items)
	if err != nil {
		return nil, fmt.Errorf("ping: encode: %w", err)
	}
	return enc, nil
}

// NewOutboundPing builds the ping this observer sends to a remote peer,
// including the permanently hard-coded sync_allowed=0x00 ("do not start
// sync") byte.
func NewOutboundPing(listenPort uint64, network Network, peers []PeerAddr) (*Ping, error) {
	hash, err := GenesisHash(network)
	if err != nil {
		return nil, err
	}
	return &Ping{
		Version:     ProtocolVersion,
		Port:        listenPort,
		Share:       PingShareCount,
		GenesisHash: hash,
		Difficulty:  0,
		BestHash:    hash,
		SyncAllowed: 0x00,
		Peers:       peers,
	}, nil
}

// DecodePing is the inverse of EncodePing.
func DecodePing(b []byte) (*Ping, error) {
	item, rest, err := DecodeRLP(b)
	if err != nil {
		return nil, fmt.Errorf("ping: decode: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("ping: %d trailing bytes after decode", len(rest))
	}
	fields, err := asList(item)
	if err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if len(fields) != 8 {
		return nil, fmt.Errorf("ping: expected 8 fields, got %d", len(fields))
	}

	p := &Ping{}
	if p.Version, err = asUint64(fields[0]); err != nil {
		return nil, fmt.Errorf("ping: version: %w", err)
	}
	if p.Port, err = asUint64(fields[1]); err != nil {
		return nil, fmt.Errorf("ping: port: %w", err)
	}
	if p.Share, err = asUint64(fields[2]); err != nil {
		return nil, fmt.Errorf("ping: share: %w", err)
	}
	if p.GenesisHash, err = fixed32(fields[3]); err != nil {
		return nil, fmt.Errorf("ping: genesis_hash: %w", err)
	}
	if p.Difficulty, err = asUint64(fields[4]); err != nil {
		return nil, fmt.Errorf("ping: difficulty: %w", err)
	}
	if p.BestHash, err = fixed32(fields[5]); err != nil {
		return nil, fmt.Errorf("ping: best_hash: %w", err)
	}
	syncAllowed, err := asBytes(fields[6])
	if err != nil {
		return nil, fmt.Errorf("ping: sync_allowed: %w", err)
	}
	if len(syncAllowed) > 1 {
		return nil, fmt.Errorf("ping: sync_allowed must be at most one byte")
	}
	if len(syncAllowed) == 1 {
		p.SyncAllowed = syncAllowed[0]
	}
	if p.Peers, err = DecodePeerList(fields[7]); err != nil {
		return nil, fmt.Errorf("ping: peers: %w", err)
	}
	return p, nil
}

// KeyBlockMessage is the decoded body of a key_block announcement: the
// RLP outer [version_tag, header_bytes] with the header parsed per §3.
type KeyBlockMessage struct {
	VersionTag uint64
	Header     *KeyBlockHeader
}

// DecodeKeyBlockMessage parses a key_block payload.
func DecodeKeyBlockMessage(b []byte) (*KeyBlockMessage, error) {
	item, _, err := DecodeRLP(b)
	if err != nil {
		return nil, fmt.Errorf("key_block: decode: %w", err)
	}
	fields, err := asList(item)
	if err != nil {
		return nil, fmt.Errorf("key_block: %w", err)
	}
	if len(fields) != 2 {
		return nil, fmt.Errorf("key_block: expected 2 fields, got %d", len(fields))
	}
	vsn, err := asUint64(fields[0])
	if err != nil {
		return nil, fmt.Errorf("key_block: version_tag: %w", err)
	}
	headerBytes, err := asBytes(fields[1])
	if err != nil {
		return nil, fmt.Errorf("key_block: header_bytes: %w", err)
	}
	header, err := DecodeKeyBlockHeader(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("key_block: header: %w", err)
	}
	return &KeyBlockMessage{VersionTag: vsn, Header: header}, nil
}

// MicroBlockMessage is the decoded body of a micro_block announcement.
type MicroBlockMessage struct {
	VersionTag uint64
	Header     *MicroBlockHeader
	IsLight    bool
	HeaderHash [32]byte
	TxHashes   [][32]byte
	Pof        [][]byte
}

// DecodeMicroBlockMessage parses a micro_block payload: RLP outer
// [version_tag, header_bytes, is_light_flag]. When is_light_flag is set,
// header_bytes itself holds the nested RLP-encoded light-micro template
// [header, tx_hashes, pof], giving enough to immediately issue a
// get_block_txs round trip. Otherwise header_bytes is the raw header only;
// TxHashes is left empty and no round trip is triggered.
func DecodeMicroBlockMessage(b []byte) (*MicroBlockMessage, error) {
	item, _, err := DecodeRLP(b)
	if err != nil {
		return nil, fmt.Errorf("micro_block: decode: %w", err)
	}
	fields, err := asList(item)
	if err != nil {
		return nil, fmt.Errorf("micro_block: %w", err)
	}
	if len(fields) != 3 {
		return nil, fmt.Errorf("micro_block: expected 3 fields, got %d", len(fields))
	}
	vsn, err := asUint64(fields[0])
	if err != nil {
		return nil, fmt.Errorf("micro_block: version_tag: %w", err)
	}
	isLightBytes, err := asBytes(fields[2])
	if err != nil {
		return nil, fmt.Errorf("micro_block: is_light_flag: %w", err)
	}
	isLight := len(isLightBytes) == 1 && isLightBytes[0] != 0

	msg := &MicroBlockMessage{VersionTag: vsn, IsLight: isLight}

	if !isLight {
		headerBytes, err := asBytes(fields[1])
		if err != nil {
			return nil, fmt.Errorf("micro_block: header_bytes: %w", err)
		}
		msg.Header, err = DecodeMicroBlockHeader(headerBytes)
		if err != nil {
			return nil, fmt.Errorf("micro_block: header: %w", err)
		}
		msg.HeaderHash = HeaderHash(headerBytes)
		return msg, nil
	}

	templateBytes, err := asBytes(fields[1])
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template: %w", err)
	}
	templateItem, _, err := DecodeRLP(templateBytes)
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template: %w", err)
	}
	template, err := asList(templateItem)
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template: %w", err)
	}
	if len(template) != 3 {
		return nil, fmt.Errorf("micro_block: light template: expected 3 fields, got %d", len(template))
	}
	headerBytes, err := asBytes(template[0])
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template header: %w", err)
	}
	msg.Header, err = DecodeMicroBlockHeader(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template header: %w", err)
	}
	msg.HeaderHash = HeaderHash(headerBytes)

	txHashItems, err := asList(template[1])
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template tx_hashes: %w", err)
	}
	msg.TxHashes = make([][32]byte, 0, len(txHashItems))
	for i, it := range txHashItems {
		h, err := fixed32(it)
		if err != nil {
			return nil, fmt.Errorf("micro_block: tx_hash %d: %w", i, err)
		}
		msg.TxHashes = append(msg.TxHashes, h)
	}

	pofItems, err := asList(template[2])
	if err != nil {
		return nil, fmt.Errorf("micro_block: light template pof: %w", err)
	}
	msg.Pof = make([][]byte, 0, len(pofItems))
	for i, it := range pofItems {
		b, err := asBytes(it)
		if err != nil {
			return nil, fmt.Errorf("micro_block: pof %d: %w", i, err)
		}
		msg.Pof = append(msg.Pof, b)
	}

	return msg, nil
}

// P2PResponse is the decoded body of a p2p_response message: [vsn, result,
// inner_type, reason, object].
type P2PResponse struct {
	VersionTag uint64
	Result     bool
	InnerType  MsgType
	Reason     string
	Object     []byte // raw RLP-encoded body of InnerType, or nil when absent
}

// EncodeP2PResponse builds the response envelope this core sends back; the
// ping handler is the only place this core originates one.
func EncodeP2PResponse(r *P2PResponse) ([]byte, error) {
	resultByte := []byte{0x00}
	if r.Result {
		resultByte = []byte{0x01}
	}
	reason := []byte(r.Reason)
	object := r.Object
	if object == nil {
		object = []byte{}
	}
	items := []Item{
		minimalBigEndian(r.VersionTag),
		resultByte,
		minimalBigEndian(uint64(r.InnerType)),
		reason,
		object,
	}
	enc, err := EncodeRLP(items)
	if err != nil {
		return nil, fmt.Errorf("p2p_response: encode: %w", err)
	}
	return enc, nil
}

// DecodeP2PResponse is the inverse of EncodeP2PResponse.
func DecodeP2PResponse(b []byte) (*P2PResponse, error) {
	item, _, err := DecodeRLP(b)
	if err != nil {
		return nil, fmt.Errorf("p2p_response: decode: %w", err)
	}
	fields, err := asList(item)
	if err != nil {
		return nil, fmt.Errorf("p2p_response: %w", err)
	}
	if len(fields) != 5 {
		return nil, fmt.Errorf("p2p_response: expected 5 fields, got %d", len(fields))
	}
	r := &P2PResponse{}
	if r.VersionTag, err = asUint64(fields[0]); err != nil {
		return nil, fmt.Errorf("p2p_response: vsn: %w", err)
	}
	resultBytes, err := asBytes(fields[1])
	if err != nil {
		return nil, fmt.Errorf("p2p_response: result: %w", err)
	}
	if len(resultBytes) > 1 {
		return nil, fmt.Errorf("p2p_response: result must be at most one byte")
	}
	r.Result = len(resultBytes) == 1 && resultBytes[0] != 0
	innerType, err := asUint64(fields[2])
	if err != nil {
		return nil, fmt.Errorf("p2p_response: inner_type: %w", err)
	}
	r.InnerType = MsgType(innerType)
	reasonBytes, err := asBytes(fields[3])
	if err != nil {
		return nil, fmt.Errorf("p2p_response: reason: %w", err)
	}
	r.Reason = string(reasonBytes)
	object, err := asBytes(fields[4])
	if err != nil {
		return nil, fmt.Errorf("p2p_response: object: %w", err)
	}
	if len(object) > 0 {
		r.Object = object
	}
	return r, nil
}

// GetBlockTxs is the request this core sends after receiving a micro block:
// [u8(1), header_hash, tx_hashes].
type GetBlockTxs struct {
	HeaderHash [32]byte
	TxHashes   [][32]byte
}

// EncodeGetBlockTxs encodes a get_block_txs request.
func EncodeGetBlockTxs(r *GetBlockTxs) ([]byte, error) {
	hashItems := make([]Item, 0, len(r.TxHashes))
	for _, h := range r.TxHashes {
		hashItems = append(hashItems, append([]byte(nil), h[:]...))
	}
	items := []Item{
		[]byte{0x01},
		append([]byte(nil), r.HeaderHash[:]...),
		hashItems,
	}
	enc, err := EncodeRLP(items)
	if err != nil {
		return nil, fmt.Errorf("get_block_txs: encode: %w", err)
	}
	return enc, nil
}

// BlockTxs is the decoded body of a block_txs response: [vsn, block_hash,
// txs], where each tx is a signed-transaction envelope this core treats as
// opaque beyond its outer {tx_body, tx_type_tag} framing.
type BlockTxs struct {
	VersionTag uint64
	BlockHash  [32]byte
	Txs        []SignedTxEnvelope
}

// SignedTxEnvelope is as far as this core looks into a transaction: the
// raw RLP-encoded body plus a type/version tag. Interpreting tx_body
// further is the transaction-builder helpers' job.
type SignedTxEnvelope struct {
	TxBody    []byte
	TxTypeTag uint16
}

// DecodeBlockTxs is the inverse counterpart to the block_txs response this
// core expects after a get_block_txs request.
func DecodeBlockTxs(b []byte) (*BlockTxs, error) {
	item, _, err := DecodeRLP(b)
	if err != nil {
		return nil, fmt.Errorf("block_txs: decode: %w", err)
	}
	fields, err := asList(item)
	if err != nil {
		return nil, fmt.Errorf("block_txs: %w", err)
	}
	if len(fields) != 3 {
		return nil, fmt.Errorf("block_txs: expected 3 fields, got %d", len(fields))
	}
	bt := &BlockTxs{}
	if bt.VersionTag, err = asUint64(fields[0]); err != nil {
		return nil, fmt.Errorf("block_txs: vsn: %w", err)
	}
	if bt.BlockHash, err = fixed32(fields[1]); err != nil {
		return nil, fmt.Errorf("block_txs: block_hash: %w", err)
	}
	txItems, err := asList(fields[2])
	if err != nil {
		return nil, fmt.Errorf("block_txs: txs: %w", err)
	}
	bt.Txs = make([]SignedTxEnvelope, 0, len(txItems))
	for i, ti := range txItems {
		txFields, err := asList(ti)
		if err != nil {
			return nil, fmt.Errorf("block_txs: tx %d: %w", i, err)
		}
		if len(txFields) != 2 {
			return nil, fmt.Errorf("block_txs: tx %d: expected 2 fields, got %d", i, len(txFields))
		}
		body, err := asBytes(txFields[0])
		if err != nil {
			return nil, fmt.Errorf("block_txs: tx %d body: %w", i, err)
		}
		tag, err := asUint64(txFields[1])
		if err != nil {
			return nil, fmt.Errorf("block_txs: tx %d type_tag: %w", i, err)
		}
		bt.Txs = append(bt.Txs, SignedTxEnvelope{TxBody: body, TxTypeTag: uint16(tag)})
	}
	return bt, nil
}
