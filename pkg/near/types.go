// Package near models the NEAR Protocol primitives the relayer handles:
// delegate actions, transactions, keys and signatures, together with their
// borsh wire encoding.
package near

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyType identifies the curve of a public key or signature.
type KeyType uint8

const (
	KeyTypeED25519   KeyType = 0
	KeyTypeSECP256K1 KeyType = 1
)

const (
	ED25519PublicKeySize   = 32
	SECP256K1PublicKeySize = 64
	ED25519SignatureSize   = 64
	SECP256K1SignatureSize = 65
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeED25519:
		return "ed25519"
	case KeyTypeSECP256K1:
		return "secp256k1"
	default:
		return fmt.Sprintf("keytype(%d)", uint8(k))
	}
}

func (k KeyType) publicKeySize() (int, error) {
	switch k {
	case KeyTypeED25519:
		return ED25519PublicKeySize, nil
	case KeyTypeSECP256K1:
		return SECP256K1PublicKeySize, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKeyType, uint8(k))
	}
}

func (k KeyType) signatureSize() (int, error) {
	switch k {
	case KeyTypeED25519:
		return ED25519SignatureSize, nil
	case KeyTypeSECP256K1:
		return SECP256K1SignatureSize, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKeyType, uint8(k))
	}
}

func parseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(s) {
	case "ed25519":
		return KeyTypeED25519, nil
	case "secp256k1":
		return KeyTypeSECP256K1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKeyType, s)
	}
}

// PublicKey is a typed public key. Data length is fixed by Type.
type PublicKey struct {
	Type KeyType
	Data []byte
}

// String renders the key as "<curve>:<base58>".
func (p PublicKey) String() string {
	return p.Type.String() + ":" + base58.Encode(p.Data)
}

// Validate checks that the key data length matches its curve.
func (p PublicKey) Validate() error {
	size, err := p.Type.publicKeySize()
	if err != nil {
		return err
	}
	if len(p.Data) != size {
		return fmt.Errorf("%s public key must be %d bytes, got %d", p.Type, size, len(p.Data))
	}
	return nil
}

// ParsePublicKey parses "ed25519:<base58>". A bare base58 string is taken as ed25519.
func ParsePublicKey(s string) (PublicKey, error) {
	kt, data, err := splitTyped(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key: %w", err)
	}
	pk := PublicKey{Type: kt, Data: data}
	if err := pk.Validate(); err != nil {
		return PublicKey{}, fmt.Errorf("parse public key: %w", err)
	}
	return pk, nil
}

// Signature is a typed signature. Data length is fixed by Type.
type Signature struct {
	Type KeyType
	Data []byte
}

func (s Signature) String() string {
	return s.Type.String() + ":" + base58.Encode(s.Data)
}

// Validate checks that the signature length matches its curve.
func (s Signature) Validate() error {
	size, err := s.Type.signatureSize()
	if err != nil {
		return err
	}
	if len(s.Data) != size {
		return fmt.Errorf("%s signature must be %d bytes, got %d", s.Type, size, len(s.Data))
	}
	return nil
}

func splitTyped(s string) (KeyType, []byte, error) {
	kt := KeyTypeED25519
	body := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		t, err := parseKeyType(prefix)
		if err != nil {
			return 0, nil, err
		}
		kt, body = t, rest
	}
	data, err := base58.Decode(body)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid base58: %w", err)
	}
	return kt, data, nil
}

// CryptoHash is a SHA-256 digest, rendered in base58 by NEAR.
type CryptoHash [32]byte

func (h CryptoHash) String() string {
	return base58.Encode(h[:])
}

// IsZero reports whether the hash is all zero bytes.
func (h CryptoHash) IsZero() bool {
	return h == CryptoHash{}
}

// ParseCryptoHash decodes a base58 block or transaction hash.
func ParseCryptoHash(s string) (CryptoHash, error) {
	var h CryptoHash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(data) != len(h) {
		return h, fmt.Errorf("parse hash %q: want %d bytes, got %d", s, len(h), len(data))
	}
	copy(h[:], data)
	return h, nil
}

// Balance is an unsigned 128-bit amount of yoctoNEAR.
type Balance struct {
	Hi uint64
	Lo uint64
}

// YoctoPerNEAR is 10^24.
var YoctoPerNEAR = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)

// NewBalance returns a balance holding v yoctoNEAR.
func NewBalance(v uint64) Balance {
	return Balance{Lo: v}
}

// ParseBalance parses a base-10 yoctoNEAR amount.
func ParseBalance(s string) (Balance, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return Balance{}, fmt.Errorf("invalid u128 balance %q", s)
	}
	return BalanceFromBig(n), nil
}

// BalanceFromBig truncates n to 128 bits.
func BalanceFromBig(n *big.Int) Balance {
	lo := new(big.Int).And(n, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(n, 64)
	return Balance{Hi: hi.Uint64(), Lo: lo.Uint64()}
}

// BigInt returns the balance as a big integer.
func (b Balance) BigInt() *big.Int {
	n := new(big.Int).SetUint64(b.Hi)
	n.Lsh(n, 64)
	return n.Or(n, new(big.Int).SetUint64(b.Lo))
}

func (b Balance) String() string {
	return b.BigInt().String()
}

// NEAR returns the balance in whole NEAR as a float, for display and policy checks.
func (b Balance) NEAR() float64 {
	f, _ := new(big.Rat).SetFrac(b.BigInt(), YoctoPerNEAR).Float64()
	return f
}

// DelegateAction is a user-authorized batch of actions that the user does not pay for.
type DelegateAction struct {
	SenderID       AccountID
	ReceiverID     AccountID
	Actions        []NonDelegateAction
	Nonce          uint64
	MaxBlockHeight uint64
	PublicKey      PublicKey
}

// SignedDelegateAction is a DelegateAction plus the user's signature over it.
type SignedDelegateAction struct {
	DelegateAction DelegateAction
	Signature      Signature
}

// Transaction is the relayer-authored carrier transaction.
type Transaction struct {
	SignerID   AccountID
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID AccountID
	BlockHash  CryptoHash
	Actions    []Action
}

// Hash returns SHA-256 over the borsh encoding of the transaction.
func (tx *Transaction) Hash() (CryptoHash, error) {
	raw, err := MarshalTransaction(tx)
	if err != nil {
		return CryptoHash{}, err
	}
	return sha256.Sum256(raw), nil
}

// SignedTransaction is a Transaction plus the relayer's signature.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}
