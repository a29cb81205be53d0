package core

import "fmt"

// Network selects which chain genesis a connection is bound to. It is mixed
// into the Noise handshake prologue and used to reject cross-network ping
// traffic.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// GenesisHashMainnet and GenesisHashTestnet are the 32-byte network
// identifiers exchanged in every ping and mixed into the Noise prologue.
var (
	GenesisHashMainnet = [32]byte{
		0x6C, 0x15, 0xDA, 0x6E, 0xBF, 0xAF, 0x02, 0x78,
		0xFE, 0xAF, 0x4D, 0xF1, 0xB0, 0xF1, 0xA9, 0x82,
		0x55, 0x07, 0xAE, 0x7B, 0x9A, 0x49, 0x4B, 0xC3,
		0x4C, 0x91, 0x71, 0x3F, 0x38, 0xDD, 0x57, 0x83,
	}

	GenesisHashTestnet = [32]byte{
		0xAE, 0x24, 0x94, 0xDB, 0xE0, 0xAD, 0xCC, 0x8A,
		0x62, 0xB1, 0xDE, 0x13, 0x51, 0x14, 0xF8, 0x79,
		0x22, 0xFB, 0x96, 0x61, 0x0B, 0x0C, 0x82, 0x00,
		0x06, 0xBA, 0x8A, 0xEF, 0x45, 0x55, 0x52, 0xCE,
	}
)

// GenesisHash returns the 32-byte genesis constant for n.
func GenesisHash(n Network) ([32]byte, error) {
	switch n {
	case NetworkMainnet:
		return GenesisHashMainnet, nil
	case NetworkTestnet:
		return GenesisHashTestnet, nil
	default:
		return [32]byte{}, fmt.Errorf("genesis: %w: %q", ErrUnknownNetwork, n)
	}
}
