// Package solanatest builds minimal wire transactions for tests.
package solanatest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
)

// Key derives a deterministic key pair from name.
func Key(name string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(name))
	return ed25519.NewKeyFromSeed(seed[:])
}

// Blockhash derives a deterministic 32-byte hash from name.
func Blockhash(name string) [32]byte {
	return sha256.Sum256([]byte("blockhash:" + name))
}

// Transaction returns an unsigned v0 transaction whose required signers are
// signers, in order, plus one read-only program account.
func Transaction(blockhash [32]byte, signers ...ed25519.PublicKey) []byte {
	program := sha256.Sum256([]byte("program"))
	msg := []byte{0x80, byte(len(signers)), 0, 1, byte(len(signers) + 1)}
	for _, pk := range signers {
		msg = append(msg, pk...)
	}
	msg = append(msg, program[:]...)
	msg = append(msg, blockhash[:]...)
	// one instruction calling the program with no accounts and one data byte
	msg = append(msg, 1, byte(len(signers)), 0, 1, 7)
	// no address table lookups
	msg = append(msg, 0)

	out := []byte{byte(len(signers))}
	out = append(out, make([]byte, 64*len(signers))...)
	return append(out, msg...)
}

// Cosign fills the slot belonging to key with its signature over the message.
func Cosign(raw []byte, slot int, key ed25519.PrivateKey) []byte {
	count := int(raw[0])
	msg := raw[1+64*count:]
	sig := ed25519.Sign(key, msg)
	out := append([]byte(nil), raw...)
	copy(out[1+64*slot:], sig)
	return out
}

func Base64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
