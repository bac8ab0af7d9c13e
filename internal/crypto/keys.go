// Package crypto manages the memory store's encryption key and the
// AES-256-GCM cipher used to protect sensitive record content at rest.
//
// One key file lives alongside the tier databases. The master key is
// generated once with crypto/rand and reused bit-identically across
// restarts; each tier derives its own AEAD subkey via HKDF so tier
// files never share cipher material.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/cryptoutil"
)

// KeyFileName is the name of the key file under the memory base directory.
const KeyFileName = "memory.key"

// ErrCorruptKeyFile is returned when an existing key file cannot be read or
// does not contain a valid key. This is fatal at construction: silently
// regenerating a key would orphan every previously encrypted record.
var ErrCorruptKeyFile = errors.New("corrupt memory key file")

// LoadOrCreateKey returns the 32-byte master key stored under baseDir,
// generating and persisting a fresh one if no key file exists yet.
//
// The key is stored hex-encoded with 0600 permissions. An existing but
// unreadable or malformed file yields ErrCorruptKeyFile — never a new key.
func LoadOrCreateKey(baseDir string) ([]byte, error) {
	path := filepath.Join(baseDir, KeyFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseKeyFile(path, data)
	case os.IsNotExist(err):
		return generateKey(baseDir, path)
	default:
		return nil, fmt.Errorf("reading key file %s: %w: %v", path, ErrCorruptKeyFile, err)
	}
}

func parseKeyFile(path string, data []byte) ([]byte, error) {
	encoded := strings.TrimSpace(string(data))
	if len(encoded) != 64 || !cryptoutil.IsHexString(encoded) {
		return nil, fmt.Errorf("key file %s is not a 64-character hex key: %w", path, ErrCorruptKeyFile)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("decoding key file %s: %w", path, ErrCorruptKeyFile)
	}
	return key, nil
}

func generateKey(baseDir, path string) ([]byte, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating memory directory %s: %w", baseDir, err)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating memory key: %w", err)
	}

	encoded := hex.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persisting memory key %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("memory_key_generated")
	return key, nil
}
