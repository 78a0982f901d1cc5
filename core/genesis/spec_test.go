package genesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"taskescrow/core"
	"taskescrow/crypto"
	"taskescrow/native/proposal"
	"taskescrow/storage"
)

func testSpec() GenesisSpec {
	customer := crypto.FormatAddress([20]byte{0x01})
	owner := crypto.FormatAddress([20]byte{0x0f})
	arbiter := crypto.FormatAddress([20]byte{0x0a})
	return GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Tokens: []TokenSpec{
			{Symbol: "TT", Name: "TaskToken", Decimals: 2},
			{Symbol: "USDX", Name: "Dollar", Decimals: 6},
		},
		Alloc: map[string]map[string]string{
			customer: {"TT": "100000", "USDX": "5"},
		},
		Factories: []FactorySpec{{Owner: owner, Arbiter: arbiter}},
	}
}

func writeSpec(t *testing.T, spec GenesisSpec) string {
	t.Helper()
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestLoadGenesisSpecAndApply(t *testing.T) {
	loaded, err := LoadGenesisSpec(writeSpec(t, testSpec()))
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	if loaded.GenesisTimestamp().Unix() != 1704067200 {
		t.Fatalf("unexpected genesis time %v", loaded.GenesisTimestamp())
	}

	rt, err := core.NewRuntime(storage.NewMemDB(), core.Options{Now: func() int64 { return 1_700_000_000 }})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	result, err := Apply(context.Background(), rt, loaded)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Applied || len(result.Factories) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	tt := result.Tokens["TT"]
	if tt != DeriveTokenAddress("tt") {
		t.Fatalf("token address not derived from symbol")
	}
	if addr, ok := loaded.TokenAddress(" usdx"); !ok || addr != result.Tokens["USDX"] {
		t.Fatalf("symbol lookup mismatch: %x %v", addr, ok)
	}
	if _, ok := loaded.TokenAddress("NOPE"); ok {
		t.Fatalf("unknown symbol resolved")
	}
	bal, err := rt.Balance(tt, [20]byte{0x01})
	if err != nil || bal.Int64() != 100000 {
		t.Fatalf("unexpected allocation %v, %v", bal, err)
	}
	meta, err := rt.Token(tt)
	if err != nil || meta.Decimals != 2 || meta.TotalSupply.Int64() != 100000 {
		t.Fatalf("unexpected token %+v, %v", meta, err)
	}

	factory := result.Factories[0]
	if factory.Owner != ([20]byte{0x0f}) || factory.Arbiter != ([20]byte{0x0a}) || factory.TemplateVersion != 1 {
		t.Fatalf("unexpected factory %+v", factory)
	}
	tpl, err := proposal.DecodeTemplate(factory.Template)
	if err != nil || tpl.RevertWindowSecs != proposal.DefaultRevertWindow {
		t.Fatalf("unexpected template %+v, %v", tpl, err)
	}

	again, err := Apply(context.Background(), rt, loaded)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if again.Applied || len(again.Factories) != 1 || again.Factories[0].Address != factory.Address {
		t.Fatalf("reapply should be a no-op, got %+v", again)
	}
	if bal, _ := rt.Balance(tt, [20]byte{0x01}); bal.Int64() != 100000 {
		t.Fatalf("reapply minted again: %s", bal)
	}
}

func TestApplyRejectsDifferentSpec(t *testing.T) {
	rt, err := core.NewRuntime(storage.NewMemDB(), core.Options{})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	first := testSpec()
	if _, err := Apply(context.Background(), rt, &first); err != nil {
		t.Fatalf("apply: %v", err)
	}
	second := testSpec()
	second.Tokens[0].Decimals = 4
	if _, err := Apply(context.Background(), rt, &second); !errors.Is(err, ErrGenesisMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestGenesisSpecValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*GenesisSpec)
	}{
		{"missing time", func(s *GenesisSpec) { s.GenesisTime = "" }},
		{"duplicate symbol", func(s *GenesisSpec) { s.Tokens = append(s.Tokens, TokenSpec{Symbol: "tt", Name: "Again"}) }},
		{"undefined token", func(s *GenesisSpec) {
			s.Alloc[crypto.FormatAddress([20]byte{0x02})] = map[string]string{"NOPE": "1"}
		}},
		{"negative amount", func(s *GenesisSpec) {
			s.Alloc[crypto.FormatAddress([20]byte{0x02})] = map[string]string{"TT": "-1"}
		}},
		{"owner arbitrates", func(s *GenesisSpec) { s.Factories[0].Arbiter = s.Factories[0].Owner }},
		{"duplicate owner", func(s *GenesisSpec) { s.Factories = append(s.Factories, s.Factories[0]) }},
		{"bad address", func(s *GenesisSpec) { s.Factories[0].Owner = "not-an-address" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := testSpec()
			tc.mutate(&spec)
			data, err := json.Marshal(spec)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := ParseGenesisSpec(data); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseGenesisSpecRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"genesisTime":"2024-01-01T00:00:00Z","validators":[]}`)
	if _, err := ParseGenesisSpec(raw); err == nil || !bytes.Contains([]byte(err.Error()), []byte("unknown field")) {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}
