package crypto

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of an encoded address.
type AddressPrefix string

// EscrowPrefix is used for every identity and instance address.
const EscrowPrefix AddressPrefix = "esc"

// Address represents a 20-byte identity with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address must decode to 20 bytes, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// FormatAddress renders a raw address with the escrow prefix. The zero
// address renders as an empty string.
func FormatAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return NewAddress(EscrowPrefix, append([]byte(nil), addr[:]...)).String()
}

// ParseAddress accepts a bech32 address with the escrow prefix or a 0x hex
// address and returns the raw bytes.
func ParseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	if common.IsHexAddress(trimmed) {
		return common.HexToAddress(trimmed), nil
	}
	addr, err := DecodeAddress(strings.ToLower(trimmed))
	if err != nil {
		return out, err
	}
	if addr.Prefix() != EscrowPrefix {
		return out, fmt.Errorf("unexpected address prefix %q", addr.Prefix())
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

// ContractAddress derives the address of the n-th object created by creator,
// following the CREATE address scheme.
func ContractAddress(creator [20]byte, nonce uint64) [20]byte {
	return crypto.CreateAddress(common.Address(creator), nonce)
}
