// Package cryptobox implements the per-column crypto envelope:
// XChaCha20-Poly1305 AEAD over a canonical-JSON-wrapped plaintext, with
// associated data binding the ciphertext to its table and column so a
// ciphertext from one column cannot be replayed into another.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the vault key length in bytes (256 bits).
const KeySize = chacha20poly1305.KeySize // 32

// associatedDataSeparator is the 0x1F (unit separator) byte used to join
// tableName and columnName into the AEAD associated data.
const associatedDataSeparator = 0x1F

// ErrDecryptFailed is returned when AEAD verification fails — wrong key,
// corrupted ciphertext, or mismatched associated data. Callers must never
// treat this as "value is null"; it must abort the enclosing apply
// transaction.
var ErrDecryptFailed = errors.New("cryptobox: decryption failed")

// VaultKey is the 256-bit symmetric key held in memory after unlock. The
// engine never persists it and callers are expected to zero it on lock
// (see VaultKey.Zero).
type VaultKey [KeySize]byte

// Zero overwrites the key material in place. Call this when the vault is
// locked so the key does not linger in memory longer than necessary.
func (k *VaultKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// plaintextEnvelope is the canonical JSON wrapper every sealed value uses:
// `{ "value": <raw> }`.
type plaintextEnvelope struct {
	Value any `json:"value"`
}

// Seal encrypts a single column value. A nil value is the caller's
// responsibility to detect and skip: null writes are emitted without
// EncryptedValue/Nonce at all, never as a sealed "null".
func Seal(key VaultKey, tableName, columnName string, value any) (ciphertextB64, nonceB64 string, err error) {
	plaintext, err := json.Marshal(plaintextEnvelope{Value: value})
	if err != nil {
		return "", "", fmt.Errorf("cryptobox: marshal plaintext envelope: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", "", fmt.Errorf("cryptobox: init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("cryptobox: generate nonce: %w", err)
	}

	ad := associatedData(tableName, columnName)
	ciphertext := aead.Seal(nil, nonce, plaintext, ad)

	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce), nil
}

// Open decrypts a single column value. Any failure — bad base64, wrong
// key, tampered ciphertext, or associated-data mismatch — is reported as
// ErrDecryptFailed so callers apply the same "abort, never silently null
// out" rule uniformly regardless of failure mode.
func Open(key VaultKey, tableName, columnName, ciphertextB64, nonceB64 string) (any, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding: %v", ErrDecryptFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nonce encoding: %v", ErrDecryptFailed, err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: init aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrong nonce length", ErrDecryptFailed)
	}

	ad := associatedData(tableName, columnName)
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	var envelope plaintextEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext envelope: %v", ErrDecryptFailed, err)
	}
	return envelope.Value, nil
}

func associatedData(tableName, columnName string) []byte {
	ad := make([]byte, 0, len(tableName)+1+len(columnName))
	ad = append(ad, tableName...)
	ad = append(ad, associatedDataSeparator)
	ad = append(ad, columnName...)
	return ad
}
