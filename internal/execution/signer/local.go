package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ggonzalez94/lpmint/internal/solana"
	"github.com/mr-tron/base58"
)

const (
	EnvPrivateKey     = "LPMINT_PRIVATE_KEY"
	EnvPrivateKeyFile = "LPMINT_PRIVATE_KEY_FILE"

	KeySourceAuto = "auto"
	KeySourceEnv  = "env"
	KeySourceFile = "file"

	defaultKeypairRelativePath = "solana/id.json"
)

type LocalSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  string
}

func (s *LocalSigner) PublicKey() string {
	return s.publicKey
}

// SignTransaction fills the wallet's signature slot and leaves every other
// slot untouched.
func (s *LocalSigner) SignTransaction(_ context.Context, _ string, raw []byte) ([]byte, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	tx, err := solana.ParseTransaction(raw)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	slot := tx.SignerIndex(s.publicKey)
	if slot < 0 {
		return nil, fmt.Errorf("wallet %s is not a required signer of this transaction", s.publicKey)
	}
	if err := tx.SetSignature(slot, ed25519.Sign(s.privateKey, tx.Message)); err != nil {
		return nil, err
	}
	return tx.Serialize(), nil
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	return NewLocalSignerFromInputs(source, "")
}

func NewLocalSignerFromInputs(source, privateKeyOverride string) (*LocalSigner, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = KeySourceAuto
	}
	secret := strings.TrimSpace(os.Getenv(EnvPrivateKey))
	keyFile := strings.TrimSpace(os.Getenv(EnvPrivateKeyFile))
	if keyFile == "" {
		keyFile = discoverDefaultKeypairFile()
	}

	switch source {
	case KeySourceAuto:
	case KeySourceEnv:
		keyFile = ""
	case KeySourceFile:
		secret = ""
	default:
		return nil, fmt.Errorf("unsupported key source %q (expected %s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile)
	}
	if strings.TrimSpace(privateKeyOverride) != "" {
		secret = strings.TrimSpace(privateKeyOverride)
		keyFile = ""
	}
	return NewLocalSigner(LocalSignerConfig{Secret: secret, KeypairFile: keyFile})
}

type LocalSignerConfig struct {
	// Secret is a base58 secret key or a JSON byte array.
	Secret      string
	KeypairFile string
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	pub := pk.Public().(ed25519.PublicKey)
	return &LocalSigner{privateKey: pk, publicKey: base58.Encode(pub)}, nil
}

func loadPrivateKey(cfg LocalSignerConfig) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(cfg.Secret) != "" {
		return parseSecret(cfg.Secret)
	}
	if strings.TrimSpace(cfg.KeypairFile) != "" {
		buf, err := os.ReadFile(cfg.KeypairFile)
		if err != nil {
			return nil, fmt.Errorf("read keypair file: %w", err)
		}
		return parseSecret(string(buf))
	}
	return nil, fmt.Errorf("missing signing key: set %s or %s", EnvPrivateKey, EnvPrivateKeyFile)
}

func parseSecret(raw string) (ed25519.PrivateKey, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	var buf []byte
	if strings.HasPrefix(clean, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(clean), &ints); err != nil {
			return nil, fmt.Errorf("parse keypair json: %w", err)
		}
		buf = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair byte %d out of range", i)
			}
			buf[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(clean)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		buf = decoded
	}
	switch len(buf) {
	case ed25519.PrivateKeySize:
		pk := ed25519.PrivateKey(buf)
		derived := ed25519.NewKeyFromSeed(buf[:ed25519.SeedSize])
		if !derived.Equal(pk) {
			return nil, fmt.Errorf("keypair public half does not match secret")
		}
		return pk, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(buf), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(buf))
	}
}

func discoverDefaultKeypairFile() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeypairRelativePath)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
