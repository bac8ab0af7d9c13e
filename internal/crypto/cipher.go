package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when ciphertext cannot be authenticated and
// decrypted with the current key.
var ErrDecrypt = errors.New("decryption failed")

// Cipher encrypts and decrypts record content for one tier.
// The AEAD key is derived from the master key and the tier label, so a
// record copied between tier files can never decrypt by accident.
// Safe for concurrent use: the key material is read-only after construction.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher derives the tier subkey from masterKey via HKDF-SHA256 and
// builds an AES-256-GCM AEAD around it. masterKey must be 32 bytes.
func NewCipher(masterKey []byte, tierLabel string) (*Cipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (got %d)", len(masterKey))
	}

	subKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("echo-memory:"+tierLabel))
	if _, err := io.ReadFull(kdf, subKey); err != nil {
		return nil, fmt.Errorf("deriving %s tier key: %w", tierLabel, err)
	}

	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns the base64 ciphertext and nonce,
// ready for TEXT column storage.
func (c *Cipher) Seal(plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := c.gcm.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(nonce), nil
}

// Open decrypts base64 ciphertext produced by Seal. Any tampering or key
// mismatch yields ErrDecrypt; the raw ciphertext is never returned.
func (c *Cipher) Open(ciphertextB64, nonceB64 string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", ErrDecrypt)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", ErrDecrypt)
	}
	if len(nonce) != c.gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce size %d: %w", len(nonce), ErrDecrypt)
	}
	plaintext, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", ErrDecrypt)
	}
	return plaintext, nil
}
