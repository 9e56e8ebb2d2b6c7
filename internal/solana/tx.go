package solana

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	SignatureLength = 64
	PublicKeyLength = 32
	HashLength      = 32

	versionPrefixMask = 0x80
)

var errShortBuffer = errors.New("unexpected end of transaction bytes")

// MessageHeader is the three-byte header at the start of every message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// Transaction is a decoded wire transaction. Only the parts needed to sign,
// identify and refresh the transaction are interpreted; instructions and
// address table lookups stay opaque inside Message.
type Transaction struct {
	Signatures [][SignatureLength]byte
	Message    []byte

	Header      MessageHeader
	Versioned   bool
	AccountKeys [][PublicKeyLength]byte

	blockhashOffset int
}

func DecodeBase64(payload string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	return ParseTransaction(raw)
}

func ParseTransaction(raw []byte) (*Transaction, error) {
	count, n, err := decodeShortVec(raw)
	if err != nil {
		return nil, fmt.Errorf("signature count: %w", err)
	}
	offset := n
	if len(raw) < offset+count*SignatureLength {
		return nil, fmt.Errorf("signatures: %w", errShortBuffer)
	}
	tx := &Transaction{Signatures: make([][SignatureLength]byte, count)}
	for i := 0; i < count; i++ {
		copy(tx.Signatures[i][:], raw[offset:offset+SignatureLength])
		offset += SignatureLength
	}
	tx.Message = append([]byte(nil), raw[offset:]...)
	if err := tx.parseMessage(); err != nil {
		return nil, err
	}
	if int(tx.Header.NumRequiredSignatures) != count {
		return nil, fmt.Errorf("message requires %d signatures but transaction carries %d", tx.Header.NumRequiredSignatures, count)
	}
	return tx, nil
}

func (t *Transaction) parseMessage() error {
	msg := t.Message
	if len(msg) == 0 {
		return fmt.Errorf("message: %w", errShortBuffer)
	}
	offset := 0
	if msg[0]&versionPrefixMask != 0 {
		version := msg[0] &^ versionPrefixMask
		if version != 0 {
			return fmt.Errorf("unsupported message version %d", version)
		}
		t.Versioned = true
		offset = 1
	}
	if len(msg) < offset+3 {
		return fmt.Errorf("message header: %w", errShortBuffer)
	}
	t.Header = MessageHeader{
		NumRequiredSignatures:       msg[offset],
		NumReadonlySignedAccounts:   msg[offset+1],
		NumReadonlyUnsignedAccounts: msg[offset+2],
	}
	offset += 3

	keyCount, n, err := decodeShortVec(msg[offset:])
	if err != nil {
		return fmt.Errorf("account key count: %w", err)
	}
	offset += n
	if len(msg) < offset+keyCount*PublicKeyLength {
		return fmt.Errorf("account keys: %w", errShortBuffer)
	}
	if keyCount < int(t.Header.NumRequiredSignatures) {
		return fmt.Errorf("message lists %d accounts but requires %d signers", keyCount, t.Header.NumRequiredSignatures)
	}
	t.AccountKeys = make([][PublicKeyLength]byte, keyCount)
	for i := 0; i < keyCount; i++ {
		copy(t.AccountKeys[i][:], msg[offset:offset+PublicKeyLength])
		offset += PublicKeyLength
	}
	if len(msg) < offset+HashLength {
		return fmt.Errorf("recent blockhash: %w", errShortBuffer)
	}
	t.blockhashOffset = offset
	return nil
}

// Serialize re-encodes the transaction in wire format.
func (t *Transaction) Serialize() []byte {
	out := encodeShortVec(len(t.Signatures))
	for _, sig := range t.Signatures {
		out = append(out, sig[:]...)
	}
	return append(out, t.Message...)
}

func (t *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Serialize())
}

// ID is the base58 form of the fee payer signature, or "" while unsigned.
func (t *Transaction) ID() string {
	if len(t.Signatures) == 0 || !t.IsSigned(0) {
		return ""
	}
	return base58.Encode(t.Signatures[0][:])
}

// Signers returns the base58 public keys that must sign, in slot order.
func (t *Transaction) Signers() []string {
	out := make([]string, 0, t.Header.NumRequiredSignatures)
	for i := 0; i < int(t.Header.NumRequiredSignatures); i++ {
		out = append(out, base58.Encode(t.AccountKeys[i][:]))
	}
	return out
}

// SignerIndex returns the signature slot for pubkey, or -1.
func (t *Transaction) SignerIndex(pubkey string) int {
	for i, signer := range t.Signers() {
		if signer == pubkey {
			return i
		}
	}
	return -1
}

func (t *Transaction) IsSigned(i int) bool {
	if i < 0 || i >= len(t.Signatures) {
		return false
	}
	for _, b := range t.Signatures[i] {
		if b != 0 {
			return true
		}
	}
	return false
}

// ForeignSignatures lists signers other than wallet whose slot already holds
// a signature.
func (t *Transaction) ForeignSignatures(wallet string) []string {
	var out []string
	for i, signer := range t.Signers() {
		if signer == wallet {
			continue
		}
		if t.IsSigned(i) {
			out = append(out, signer)
		}
	}
	return out
}

func (t *Transaction) SetSignature(i int, sig []byte) error {
	if i < 0 || i >= len(t.Signatures) {
		return fmt.Errorf("signature slot %d out of range", i)
	}
	if len(sig) != SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	copy(t.Signatures[i][:], sig)
	return nil
}

func (t *Transaction) RecentBlockhash() string {
	return base58.Encode(t.Message[t.blockhashOffset : t.blockhashOffset+HashLength])
}

// WithRecentBlockhash returns a copy bound to hash. Every signature slot of
// the copy is cleared since the signed message changes.
func (t *Transaction) WithRecentBlockhash(hash string) (*Transaction, error) {
	decoded, err := base58.Decode(hash)
	if err != nil {
		return nil, fmt.Errorf("decode blockhash: %w", err)
	}
	if len(decoded) != HashLength {
		return nil, fmt.Errorf("blockhash must be %d bytes, got %d", HashLength, len(decoded))
	}
	out := &Transaction{
		Signatures:      make([][SignatureLength]byte, len(t.Signatures)),
		Message:         append([]byte(nil), t.Message...),
		Header:          t.Header,
		Versioned:       t.Versioned,
		AccountKeys:     append([][PublicKeyLength]byte(nil), t.AccountKeys...),
		blockhashOffset: t.blockhashOffset,
	}
	copy(out.Message[out.blockhashOffset:], decoded)
	return out, nil
}

func decodeShortVec(buf []byte) (value int, size int, err error) {
	for size < 3 {
		if size >= len(buf) {
			return 0, 0, errShortBuffer
		}
		b := buf[size]
		value |= int(b&0x7f) << (7 * size)
		size++
		if b&0x80 == 0 {
			return value, size, nil
		}
	}
	return 0, 0, errors.New("compact length exceeds three bytes")
}

func encodeShortVec(v int) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
