package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ggonzalez94/lpmint/internal/solana"
	"github.com/ggonzalez94/lpmint/internal/solana/solanatest"
	"github.com/mr-tron/base58"
)

func keypairJSON(t *testing.T, pk ed25519.PrivateKey) string {
	t.Helper()
	ints := make([]int, len(pk))
	for i, b := range pk {
		ints[i] = int(b)
	}
	buf, err := json.Marshal(ints)
	if err != nil {
		t.Fatalf("marshal keypair: %v", err)
	}
	return string(buf)
}

func TestNewLocalSignerFromEnvBase58(t *testing.T) {
	key := solanatest.Key("wallet")
	t.Setenv(EnvPrivateKey, base58.Encode(key))
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := NewLocalSignerFromEnv(KeySourceEnv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if s.PublicKey() != base58.Encode(key.Public().(ed25519.PublicKey)) {
		t.Fatalf("unexpected public key %s", s.PublicKey())
	}
}

func TestNewLocalSignerFromKeypairFile(t *testing.T) {
	key := solanatest.Key("file-wallet")
	path := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(path, []byte(keypairJSON(t, key)), 0o600); err != nil {
		t.Fatalf("write keypair: %v", err)
	}
	t.Setenv(EnvPrivateKey, "should-be-ignored")
	t.Setenv(EnvPrivateKeyFile, path)

	s, err := NewLocalSignerFromEnv(KeySourceFile)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if s.PublicKey() != base58.Encode(key.Public().(ed25519.PublicKey)) {
		t.Fatalf("unexpected public key %s", s.PublicKey())
	}
}

func TestDefaultKeypairDiscovery(t *testing.T) {
	cfgHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	if _, err := NewLocalSignerFromEnv(KeySourceAuto); err == nil {
		t.Fatal("expected missing key error")
	}

	key := solanatest.Key("default")
	dir := filepath.Join(cfgHome, "solana")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "id.json"), []byte(keypairJSON(t, key)), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := NewLocalSignerFromEnv(KeySourceAuto)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if s.PublicKey() != base58.Encode(key.Public().(ed25519.PublicKey)) {
		t.Fatal("expected default keypair to be used")
	}
}

func TestUnsupportedKeySource(t *testing.T) {
	if _, err := NewLocalSignerFromEnv("keystore"); err == nil {
		t.Fatal("expected unsupported key source error")
	}
}

func TestParseSecretRejectsMismatchedKeypair(t *testing.T) {
	a := solanatest.Key("a")
	b := solanatest.Key("b")
	mixed := append(append([]byte(nil), a[:32]...), b[32:]...)
	if _, err := parseSecret(base58.Encode(mixed)); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestSignTransactionFillsWalletSlotOnly(t *testing.T) {
	wallet := solanatest.Key("wallet")
	position := solanatest.Key("position")
	raw := solanatest.Transaction(solanatest.Blockhash("x"), position.Public().(ed25519.PublicKey), wallet.Public().(ed25519.PublicKey))
	raw = solanatest.Cosign(raw, 0, position)

	s, err := NewLocalSigner(LocalSignerConfig{Secret: base58.Encode(wallet)})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signed, err := s.SignTransaction(context.Background(), "mint", raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx, err := solana.ParseTransaction(signed)
	if err != nil {
		t.Fatalf("parse signed: %v", err)
	}
	if !tx.IsSigned(0) || !tx.IsSigned(1) {
		t.Fatal("expected both slots signed")
	}
	if !ed25519.Verify(wallet.Public().(ed25519.PublicKey), tx.Message, tx.Signatures[1][:]) {
		t.Fatal("wallet signature does not verify")
	}
	if !ed25519.Verify(position.Public().(ed25519.PublicKey), tx.Message, tx.Signatures[0][:]) {
		t.Fatal("co-signature was altered")
	}
}

func TestSignTransactionRejectsForeignTransaction(t *testing.T) {
	other := solanatest.Key("other")
	raw := solanatest.Transaction(solanatest.Blockhash("x"), other.Public().(ed25519.PublicKey))
	s, err := NewLocalSigner(LocalSignerConfig{Secret: base58.Encode(solanatest.Key("wallet"))})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SignTransaction(context.Background(), "swap", raw); err == nil {
		t.Fatal("expected error for transaction without wallet slot")
	}
}
