package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"taskescrow/crypto"
)

// GenesisSpec describes the initial ledger of a node: tokens, their starting
// allocations and the factories available to customers.
type GenesisSpec struct {
	GenesisTime string                       `json:"genesisTime"`
	Tokens      []TokenSpec                  `json:"tokens"`
	Alloc       map[string]map[string]string `json:"alloc"` // addr -> token symbol -> amount
	Factories   []FactorySpec                `json:"factories"`

	genesisTimestamp time.Time
	raw              []byte
}

type TokenSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Address  string `json:"address,omitempty"`
}

type FactorySpec struct {
	Owner   string `json:"owner"`
	Arbiter string `json:"arbiter"`
	// RevertWindowSecs seeds the factory's first template. Zero selects
	// the 24h default.
	RevertWindowSecs uint64 `json:"revertWindowSecs,omitempty"`
}

// LoadGenesisSpec reads and validates the JSON spec at path.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a JSON spec. Unknown fields are
// rejected.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	spec.raw = append([]byte(nil), raw...)
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Hash identifies the applied spec. A node refuses to start on a database
// initialised from a different genesis.
func (s *GenesisSpec) Hash() []byte {
	if len(s.raw) == 0 {
		encoded, _ := json.Marshal(s)
		return ethcrypto.Keccak256(encoded)
	}
	return ethcrypto.Keccak256(s.raw)
}

// TokenAddress returns the ledger address of the token with symbol.
func (s *GenesisSpec) TokenAddress(symbol string) ([20]byte, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	for i := range s.Tokens {
		if strings.ToUpper(strings.TrimSpace(s.Tokens[i].Symbol)) == key {
			addr, err := s.Tokens[i].address()
			return addr, err == nil
		}
	}
	return [20]byte{}, false
}

// DeriveTokenAddress maps a symbol onto a stable ledger address for tokens
// declared without one.
func DeriveTokenAddress(symbol string) [20]byte {
	var out [20]byte
	digest := ethcrypto.Keccak256([]byte("token:" + strings.ToUpper(strings.TrimSpace(symbol))))
	copy(out[:], digest[12:])
	return out
}

func (t *TokenSpec) address() ([20]byte, error) {
	if strings.TrimSpace(t.Address) == "" {
		return DeriveTokenAddress(t.Symbol), nil
	}
	return crypto.ParseAddress(t.Address)
}

func (s *GenesisSpec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	tokenSymbols := make(map[string]struct{}, len(s.Tokens))
	tokenAddresses := make(map[[20]byte]struct{}, len(s.Tokens))
	for i := range s.Tokens {
		if err := s.Tokens[i].validate(); err != nil {
			return fmt.Errorf("token[%d]: %w", i, err)
		}
		key := strings.ToUpper(strings.TrimSpace(s.Tokens[i].Symbol))
		if _, exists := tokenSymbols[key]; exists {
			return fmt.Errorf("token[%d]: duplicate symbol %q", i, s.Tokens[i].Symbol)
		}
		tokenSymbols[key] = struct{}{}
		addr, _ := s.Tokens[i].address()
		if _, exists := tokenAddresses[addr]; exists {
			return fmt.Errorf("token[%d]: duplicate address", i)
		}
		tokenAddresses[addr] = struct{}{}
	}

	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		if _, err := crypto.ParseAddress(account); err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		seen := make(map[string]struct{})
		for symbol, amount := range s.Alloc[account] {
			if _, err := parseAmountString(amount); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", account, symbol, err)
			}
			symKey := strings.ToUpper(strings.TrimSpace(symbol))
			if _, exists := tokenSymbols[symKey]; !exists {
				return fmt.Errorf("alloc[%q][%q]: undefined token", account, symbol)
			}
			if _, dup := seen[symKey]; dup {
				return fmt.Errorf("alloc[%q]: duplicate token %q", account, symbol)
			}
			seen[symKey] = struct{}{}
		}
	}

	owners := make(map[[20]byte]struct{}, len(s.Factories))
	for i := range s.Factories {
		f := &s.Factories[i]
		owner, err := crypto.ParseAddress(f.Owner)
		if err != nil {
			return fmt.Errorf("factory[%d].owner: %w", i, err)
		}
		arbiter, err := crypto.ParseAddress(f.Arbiter)
		if err != nil {
			return fmt.Errorf("factory[%d].arbiter: %w", i, err)
		}
		if owner == ([20]byte{}) || arbiter == ([20]byte{}) {
			return fmt.Errorf("factory[%d]: owner and arbiter must be provided", i)
		}
		if owner == arbiter {
			return fmt.Errorf("factory[%d]: owner cannot arbitrate", i)
		}
		// Factory addresses derive from the owner alone.
		if _, exists := owners[owner]; exists {
			return fmt.Errorf("factory[%d]: owner already deploys a factory", i)
		}
		owners[owner] = struct{}{}
	}
	return nil
}

func (t *TokenSpec) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol must be provided")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name must be provided")
	}
	if t.Decimals > 36 {
		return fmt.Errorf("decimals must be 36 or fewer")
	}
	addr, err := t.address()
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if addr == ([20]byte{}) {
		return fmt.Errorf("address must not be zero")
	}
	return nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
