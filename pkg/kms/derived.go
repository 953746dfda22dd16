package kms

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// DerivedKMS derives one data key per version from a shared secret with
// HKDF-SHA256, so any process holding the secret can open sealed values
// without sharing a key file.
type DerivedKMS struct {
	active int
	keys   map[int][]byte
}

// NewDerivedKMS derives keys for versions 1..activeVersion from secret.
func NewDerivedKMS(secret []byte, activeVersion int) (*DerivedKMS, error) {
	if len(secret) < 16 {
		return nil, errors.New("kms: derivation secret must be at least 16 bytes")
	}
	if activeVersion < 1 {
		activeVersion = 1
	}
	d := &DerivedKMS{active: activeVersion, keys: make(map[int][]byte, activeVersion)}
	for v := 1; v <= activeVersion; v++ {
		key := make([]byte, keySize)
		r := hkdf.New(sha256.New, secret, []byte("near-relayer-kms"), []byte("v"+strconv.Itoa(v)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("kms: derive key v%d: %w", v, err)
		}
		d.keys[v] = key
	}
	return d, nil
}

func (d *DerivedKMS) Encrypt(plaintext []byte) (string, error) {
	return encryptVersioned(d.keys[d.active], d.active, plaintext)
}

func (d *DerivedKMS) Decrypt(ciphertext string) ([]byte, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return nil, err
	}
	key, ok := d.keys[version]
	if !ok {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}
	return decryptPayload(key, payload)
}

func (d *DerivedKMS) ActiveVersion() int { return d.active }
