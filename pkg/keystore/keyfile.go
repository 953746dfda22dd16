// Package keystore loads the relayer's signing key from a near-cli
// credentials file and signs carrier transactions with it.
package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/PlayibleClub/playible-near-relayer/pkg/kms"
	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

const maxKeyFileSize = 64 << 10

var (
	ErrAccountMismatch = errors.New("keystore: key file account does not match relayer account")
	ErrKeyMismatch     = errors.New("keystore: private key does not match public key")
	ErrSealedNoKMS     = errors.New("keystore: private key is sealed but no kms is configured")
)

// KeyFile is the near-cli credentials format.
type KeyFile struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
	// SecretKey is the field name used by some older tools.
	SecretKey string `json:"secret_key,omitempty"`
}

func (k KeyFile) privateKey() string {
	if k.PrivateKey != "" {
		return k.PrivateKey
	}
	return k.SecretKey
}

// LoadOptions configures Load.
type LoadOptions struct {
	// Location is a path, file://, s3:// or gs:// URL.
	Location string
	// AccountID, when set, must equal the key file's account_id.
	AccountID near.AccountID
	// KMS opens sealed private keys. Nil rejects sealed keys.
	KMS     kms.Manager
	Sources SourceOptions
}

// Load fetches, opens and validates the relayer key.
func Load(ctx context.Context, opts LoadOptions) (*Ed25519Signer, error) {
	src, err := OpenSource(ctx, opts.Location, opts.Sources)
	if err != nil {
		return nil, err
	}
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s, err := ParseKeyFile(data, opts.KMS)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	if opts.AccountID != "" && s.AccountID() != opts.AccountID {
		return nil, fmt.Errorf("%w: key file has %q, configured %q", ErrAccountMismatch, s.AccountID(), opts.AccountID)
	}
	return s, nil
}

// ParseKeyFile decodes near-cli credentials into a signer.
func ParseKeyFile(data []byte, m kms.Manager) (*Ed25519Signer, error) {
	if len(data) > maxKeyFileSize {
		return nil, fmt.Errorf("keystore: key file exceeds %d bytes", maxKeyFileSize)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("keystore: parse key file: %w", err)
	}

	account := near.AccountID(kf.AccountID)
	if err := account.Validate(); err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	secret := kf.privateKey()
	if secret == "" {
		return nil, errors.New("keystore: key file has no private_key")
	}
	if kms.IsSealed(secret) {
		if m == nil {
			return nil, ErrSealedNoKMS
		}
		opened, err := kms.Open(m, secret)
		if err != nil {
			return nil, fmt.Errorf("keystore: open sealed private key: %w", err)
		}
		secret = string(opened)
	}

	priv, err := parsePrivateKey(secret)
	if err != nil {
		return nil, err
	}
	signer := NewEd25519Signer(account, priv)

	if kf.PublicKey != "" {
		declared, err := near.ParsePublicKey(kf.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("keystore: %w", err)
		}
		if declared.String() != signer.PublicKey().String() {
			return nil, fmt.Errorf("%w: file declares %s, private key gives %s", ErrKeyMismatch, declared, signer.PublicKey())
		}
	}
	return signer, nil
}

// parsePrivateKey accepts "ed25519:<base58>" holding either the 64-byte
// expanded key or the 32-byte seed.
func parsePrivateKey(s string) (ed25519.PrivateKey, error) {
	body := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		if !strings.EqualFold(prefix, "ed25519") {
			return nil, fmt.Errorf("keystore: unsupported private key type %q", prefix)
		}
		body = rest
	}
	raw, err := base58.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("keystore: private key is not base58: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(raw)
		// the trailing half must be the public key of the seed
		if !ed25519.NewKeyFromSeed(priv.Seed()).Equal(priv) {
			return nil, ErrKeyMismatch
		}
		return priv, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("keystore: private key has %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// EncodeKeyFile renders credentials for priv, sealing the private key when m is set.
func EncodeKeyFile(account near.AccountID, priv ed25519.PrivateKey, m kms.Manager) ([]byte, error) {
	signer := NewEd25519Signer(account, priv)
	secret := "ed25519:" + base58.Encode(priv)
	if m != nil {
		sealed, err := kms.Seal(m, []byte(secret))
		if err != nil {
			return nil, err
		}
		secret = sealed
	}
	return json.MarshalIndent(KeyFile{
		AccountID:  string(account),
		PublicKey:  signer.PublicKey().String(),
		PrivateKey: secret,
	}, "", "  ")
}

// SealKeyFile rewrites credentials with the private key sealed under target.
// from opens keys that are already sealed, which re-seals them under
// target's active version.
func SealKeyFile(data []byte, from, target kms.Manager) ([]byte, error) {
	if target == nil {
		return nil, errors.New("keystore: sealing requires a kms")
	}
	s, err := ParseKeyFile(data, from)
	if err != nil {
		return nil, err
	}
	return EncodeKeyFile(s.account, s.privKey, target)
}
