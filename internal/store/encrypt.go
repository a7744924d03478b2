package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the package-level AES-256 key used by the encrypted field
// types. It is initialized by Open from the keyfile before any database
// operation involving encrypted columns.
var encryptionKey []byte

// initEncryption sets the AES-256 key used to encrypt and decrypt sensitive
// columns at rest. key must be exactly 32 bytes.
func initEncryption(key []byte) error {
	if len(key) != keyBytes {
		return fmt.Errorf("store: encryption key must be exactly %d bytes, got %d", keyBytes, len(key))
	}
	encryptionKey = make([]byte, keyBytes)
	copy(encryptionKey, key)
	return nil
}

// EncryptedString is a string column transparently encrypted with AES-256-GCM
// before being written and decrypted after being read. Used for PII fields
// (recovery email/phone, inbox reply addresses).
//
// The stored value is base64(nonce + ciphertext). An empty EncryptedString is
// stored as an empty string without encryption so that NULL/"" semantics and
// recovery_enabled derivation stay simple.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	return sealString(string(e))
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("store: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	plain, err := openString(str)
	if err != nil {
		return err
	}
	*e = EncryptedString(plain)
	return nil
}

// EncryptedBytes is the binary counterpart of EncryptedString, used for the
// raw TOTP shared secret. Empty slices are stored as empty strings.
type EncryptedBytes []byte

// Value implements driver.Valuer.
func (e EncryptedBytes) Value() (driver.Value, error) {
	if len(e) == 0 {
		return "", nil
	}
	sealed, err := seal([]byte(e))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedBytes) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("store: EncryptedBytes.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = nil
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("store: failed to decode base64: %w", err)
	}
	plain, err := open(data)
	if err != nil {
		return err
	}
	*e = plain
	return nil
}

func sealString(plain string) (string, error) {
	sealed, err := seal([]byte(plain))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openString(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("store: failed to decode base64: %w", err)
	}
	plain, err := open(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func seal(plain []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	// A unique nonce per encryption is critical for GCM: never reuse a
	// nonce with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("store: failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func open(data []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("store: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decrypt value: %w", err)
	}
	return plain, nil
}

func newGCM() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errors.New("store: encryption key not initialized")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create GCM: %w", err)
	}
	return gcm, nil
}
