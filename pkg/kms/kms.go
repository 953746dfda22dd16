// Package kms seals relayer secrets at rest with AES-256-GCM.
//
// Sealed values look like "sealed:v<N>:<base64(nonce+ciphertext)>". The
// version selects the data key, so keys can be rotated while values sealed
// under older versions stay readable.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const sealedPrefix = "sealed:"

const keySize = 32

// ErrNotSealed is returned by Open for values without the sealed prefix.
var ErrNotSealed = errors.New("kms: value is not sealed")

// Manager seals and opens secrets.
type Manager interface {
	// Encrypt returns versioned ciphertext ("v<N>:<base64>").
	Encrypt(plaintext []byte) (string, error)

	// Decrypt opens ciphertext produced by Encrypt under any known version.
	Decrypt(ciphertext string) ([]byte, error)

	// ActiveVersion is the version new values are sealed under.
	ActiveVersion() int
}

// IsSealed reports whether s carries the sealed prefix.
func IsSealed(s string) bool { return strings.HasPrefix(s, sealedPrefix) }

// Seal encrypts plaintext and adds the sealed prefix.
func Seal(m Manager, plaintext []byte) (string, error) {
	ct, err := m.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return sealedPrefix + ct, nil
}

// Open decrypts a value produced by Seal.
func Open(m Manager, sealed string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	return m.Decrypt(strings.TrimPrefix(sealed, sealedPrefix))
}

// keyFile is the on-disk JSON format of a LocalKMS.
type keyFile struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 32-byte key
}

// LocalKMS is a file-backed Manager with versioned keys.
type LocalKMS struct {
	mu     sync.RWMutex
	file   keyFile
	path   string
	keys   map[int][]byte
	create bool
}

// NewLocalKMS loads the key file at path, creating it with a fresh version 1
// key when it does not exist.
func NewLocalKMS(path string) (*LocalKMS, error) {
	k := &LocalKMS{path: path, keys: make(map[int][]byte)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		k.file = keyFile{ActiveVersion: 1, Keys: map[string]string{"1": base64.StdEncoding.EncodeToString(key)}}
		k.keys[1] = key
		k.create = true
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read key file: %w", err)
	}

	if err := json.Unmarshal(data, &k.file); err != nil {
		return nil, fmt.Errorf("kms: parse key file: %w", err)
	}
	for vStr, encoded := range k.file.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("kms: key v%d has %d bytes, need %d", v, len(key), keySize)
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[k.file.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in key file", k.file.ActiveVersion)
	}
	return k, nil
}

// Created reports whether NewLocalKMS generated a new key file.
func (k *LocalKMS) Created() bool { return k.create }

func (k *LocalKMS) Encrypt(plaintext []byte) (string, error) {
	k.mu.RLock()
	version := k.file.ActiveVersion
	key := k.keys[version]
	k.mu.RUnlock()
	return encryptVersioned(key, version, plaintext)
}

func (k *LocalKMS) Decrypt(ciphertext string) ([]byte, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return nil, err
	}
	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}
	return decryptPayload(key, payload)
}

// Rotate generates a new active key. Older versions remain for Decrypt.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := randomKey()
	if err != nil {
		return 0, err
	}
	next := k.file.ActiveVersion + 1
	k.file.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(key)
	k.file.ActiveVersion = next
	k.keys[next] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.file.ActiveVersion
}

// persist writes the key file readable by the owner only.
func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.file, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal key file: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write key file: %w", err)
	}
	return nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}

func encryptVersioned(key []byte, version int, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("kms: nonce: %w", err)
	}
	ct := gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

func decryptPayload(key []byte, payload string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ct) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, body := ct[:gcm.NonceSize()], ct[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("kms: open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}

// parseVersioned splits "v<N>:<payload>".
func parseVersioned(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, "", fmt.Errorf("kms: missing version prefix")
	}
	vStr, payload, ok := strings.Cut(rest, ":")
	if !ok || vStr == "" {
		return 0, "", fmt.Errorf("kms: malformed versioned value")
	}
	v, err := strconv.Atoi(vStr)
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, payload, nil
}
