package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	nativecommon "taskescrow/native/common"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
	"taskescrow/storage"
)

// Manager reads and writes typed records over a key/value database. Keys are
// keccak256 hashes of a namespaced identifier and values are RLP encoded.
type Manager struct {
	db      storage.Database
	overlay *storage.Overlay
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin returns a manager whose writes are staged on top of m until Commit.
// Reads through the staged manager observe its own pending writes.
func (m *Manager) Begin() *Manager {
	overlay := storage.NewOverlay(m.db)
	return &Manager{db: overlay, overlay: overlay}
}

// Commit atomically applies the staged writes to the parent database.
func (m *Manager) Commit() error {
	if m.overlay == nil {
		return nil
	}
	return m.overlay.Commit()
}

// Discard drops every staged write.
func (m *Manager) Discard() {
	if m.overlay != nil {
		m.overlay.Discard()
	}
}

// Database exposes the backing database so co-located records, such as the
// event journal, can be staged in the same write set.
func (m *Manager) Database() storage.Database { return m.db }

func keccak(b []byte) []byte { return ethcrypto.Keccak256(b) }

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) loadBigInt(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := m.get(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (m *Manager) writeBigInt(key []byte, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("state: negative amount not allowed")
	}
	if value.Sign() == 0 {
		return m.db.Delete(key)
	}
	return m.put(key, value)
}

type storedProposal struct {
	Address          [20]byte
	Factory          [20]byte
	State            uint8
	Customer         [20]byte
	Contractor       [20]byte
	Arbiter          [20]byte
	Token            [20]byte
	ContractorReward *big.Int
	ArbiterReward    *big.Int
	ContestedReward  *big.Int
	TaskDeadline     *big.Int
	RevertDeadline   *big.Int
	RevertWindow     *big.Int
	TaskRef          []byte
	SolutionRef      []byte
	EvidenceRef      []byte
	TemplateVersion  uint64
	CreatedAt        *big.Int
}

func newStoredProposal(p *proposal.Proposal) *storedProposal {
	return &storedProposal{
		Address:          p.Address,
		Factory:          p.Factory,
		State:            uint8(p.State),
		Customer:         p.Customer,
		Contractor:       p.Contractor,
		Arbiter:          p.Arbiter,
		Token:            p.Token,
		ContractorReward: nonNil(p.ContractorReward),
		ArbiterReward:    nonNil(p.ArbiterReward),
		ContestedReward:  nonNil(p.ContestedReward),
		TaskDeadline:     big.NewInt(p.TaskDeadline),
		RevertDeadline:   big.NewInt(p.RevertDeadline),
		RevertWindow:     big.NewInt(p.RevertWindow),
		TaskRef:          p.TaskRef,
		SolutionRef:      p.SolutionRef,
		EvidenceRef:      p.EvidenceRef,
		TemplateVersion:  p.TemplateVersion,
		CreatedAt:        big.NewInt(p.CreatedAt),
	}
}

func (s *storedProposal) toProposal() (*proposal.Proposal, error) {
	state := proposal.State(s.State)
	if !state.Valid() {
		return nil, fmt.Errorf("state: invalid proposal state %d", s.State)
	}
	out := &proposal.Proposal{
		Address:          s.Address,
		Factory:          s.Factory,
		State:            state,
		Customer:         s.Customer,
		Contractor:       s.Contractor,
		Arbiter:          s.Arbiter,
		Token:            s.Token,
		ContractorReward: nonNil(s.ContractorReward),
		ArbiterReward:    nonNil(s.ArbiterReward),
		ContestedReward:  nonNil(s.ContestedReward),
		TaskDeadline:     int64Of(s.TaskDeadline),
		RevertDeadline:   int64Of(s.RevertDeadline),
		RevertWindow:     int64Of(s.RevertWindow),
		TaskRef:          emptyAsNil(s.TaskRef),
		SolutionRef:      emptyAsNil(s.SolutionRef),
		EvidenceRef:      emptyAsNil(s.EvidenceRef),
		TemplateVersion:  s.TemplateVersion,
		CreatedAt:        int64Of(s.CreatedAt),
	}
	return out, nil
}

// ProposalGet loads the instance stored at addr.
func (m *Manager) ProposalGet(addr [20]byte) (*proposal.Proposal, bool, error) {
	var stored storedProposal
	ok, err := m.get(proposalKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := stored.toProposal()
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// ProposalPut persists the instance record.
func (m *Manager) ProposalPut(p *proposal.Proposal) error {
	if p == nil {
		return fmt.Errorf("state: nil proposal")
	}
	return m.put(proposalKey(p.Address), newStoredProposal(p))
}

type storedFactory struct {
	Address         [20]byte
	Owner           [20]byte
	Arbiter         [20]byte
	Template        []byte
	TemplateVersion uint64
	Nonce           uint64
}

// FactoryGet loads the factory stored at addr.
func (m *Manager) FactoryGet(addr [20]byte) (*proposal.Factory, bool, error) {
	var stored storedFactory
	ok, err := m.get(factoryKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &proposal.Factory{
		Address:         stored.Address,
		Owner:           stored.Owner,
		Arbiter:         stored.Arbiter,
		Template:        emptyAsNil(stored.Template),
		TemplateVersion: stored.TemplateVersion,
		Nonce:           stored.Nonce,
	}, true, nil
}

// FactoryPut persists the factory record and indexes new factories.
func (m *Manager) FactoryPut(f *proposal.Factory) error {
	if f == nil {
		return fmt.Errorf("state: nil factory")
	}
	if err := m.appendRegistry("factories", f.Address); err != nil {
		return err
	}
	return m.put(factoryKey(f.Address), &storedFactory{
		Address:         f.Address,
		Owner:           f.Owner,
		Arbiter:         f.Arbiter,
		Template:        f.Template,
		TemplateVersion: f.TemplateVersion,
		Nonce:           f.Nonce,
	})
}

// FactoryList returns every deployed factory address in deployment order.
func (m *Manager) FactoryList() ([][20]byte, error) {
	return m.loadRegistry("factories")
}

type storedToken struct {
	Address     [20]byte
	Symbol      string
	Name        string
	Decimals    uint8
	TotalSupply *big.Int
}

// TokenMetadata loads the metadata of a registered token.
func (m *Manager) TokenMetadata(addr [20]byte) (*token.Metadata, bool, error) {
	var stored storedToken
	ok, err := m.get(tokenMetadataKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &token.Metadata{
		Address:     stored.Address,
		Symbol:      stored.Symbol,
		Name:        stored.Name,
		Decimals:    stored.Decimals,
		TotalSupply: nonNil(stored.TotalSupply),
	}, true, nil
}

// PutTokenMetadata persists token metadata and indexes new tokens.
func (m *Manager) PutTokenMetadata(meta *token.Metadata) error {
	if meta == nil {
		return fmt.Errorf("state: nil token metadata")
	}
	if err := m.appendRegistry("tokens", meta.Address); err != nil {
		return err
	}
	return m.put(tokenMetadataKey(meta.Address), &storedToken{
		Address:     meta.Address,
		Symbol:      meta.Symbol,
		Name:        meta.Name,
		Decimals:    meta.Decimals,
		TotalSupply: nonNil(meta.TotalSupply),
	})
}

// TokenList returns every registered token address in registration order.
func (m *Manager) TokenList() ([][20]byte, error) {
	return m.loadRegistry("tokens")
}

// TokenBalance returns the balance of owner; absent balances are zero.
func (m *Manager) TokenBalance(tok, owner [20]byte) (*big.Int, error) {
	return m.loadBigInt(balanceKey(tok, owner))
}

// SetTokenBalance stores a balance. Zero balances are deleted.
func (m *Manager) SetTokenBalance(tok, owner [20]byte, amount *big.Int) error {
	return m.writeBigInt(balanceKey(tok, owner), amount)
}

// TokenAllowance returns what spender may pull from owner.
func (m *Manager) TokenAllowance(tok, owner, spender [20]byte) (*big.Int, error) {
	return m.loadBigInt(allowanceKey(tok, owner, spender))
}

// SetTokenAllowance stores an allowance. Zero allowances are deleted.
func (m *Manager) SetTokenAllowance(tok, owner, spender [20]byte, amount *big.Int) error {
	return m.writeBigInt(allowanceKey(tok, owner, spender), amount)
}

type storedQuota struct {
	Calls   uint32
	Creates uint32
	EpochID uint64
}

// QuotaGet returns the quota counters of caller for module.
func (m *Manager) QuotaGet(module string, caller [20]byte) (nativecommon.QuotaNow, error) {
	var stored storedQuota
	if _, err := m.get(quotaKey(module, caller), &stored); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	return nativecommon.QuotaNow{Calls: stored.Calls, Creates: stored.Creates, EpochID: stored.EpochID}, nil
}

// QuotaPut stores the quota counters of caller for module.
func (m *Manager) QuotaPut(module string, caller [20]byte, now nativecommon.QuotaNow) error {
	return m.put(quotaKey(module, caller), &storedQuota{Calls: now.Calls, Creates: now.Creates, EpochID: now.EpochID})
}

// MetaGet returns a raw node metadata value such as the applied genesis hash.
func (m *Manager) MetaGet(name string) ([]byte, bool, error) {
	var value []byte
	ok, err := m.get(metaKey(name), &value)
	if err != nil || !ok {
		return nil, false, err
	}
	return value, true, nil
}

// MetaPut stores a raw node metadata value.
func (m *Manager) MetaPut(name string, value []byte) error {
	return m.put(metaKey(name), value)
}

func (m *Manager) loadRegistry(kind string) ([][20]byte, error) {
	var list [][20]byte
	if _, err := m.get(registryKey(kind), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) appendRegistry(kind string, addr [20]byte) error {
	list, err := m.loadRegistry(kind)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == addr {
			return nil
		}
	}
	return m.put(registryKey(kind), append(list, addr))
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func int64Of(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	return v.Int64()
}

func emptyAsNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
