package signer

import "context"

// Signer produces wallet signatures over serialized transactions. label is a
// short human-readable description of what is being signed.
type Signer interface {
	PublicKey() string
	SignTransaction(ctx context.Context, label string, tx []byte) ([]byte, error)
}
