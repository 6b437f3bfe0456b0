// Package cryptutil encrypts tokens at rest in the gateway config. The
// key is derived from stable machine identity, so a config file copied
// to another machine or user account does not decrypt.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/user"

	"golang.org/x/crypto/pbkdf2"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32

	pbkdf2Iterations = 600_000
)

// keySalt is fixed: the machine identity string is the secret input,
// the KDF exists to slow brute force over it.
var keySalt = []byte("agentim-gateway-token-v2")

// ErrDecrypt is returned for any undecryptable input: wrong machine,
// corrupted file, or truncated data.
var ErrDecrypt = errors.New("cannot decrypt value")

// machineIdentity builds the key input from hostname, username, and
// home directory.
func machineIdentity() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return hostname + ":" + u.Username + ":" + home, nil
}

func deriveKey() ([]byte, error) {
	identity, err := machineIdentity()
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(identity), keySalt, pbkdf2Iterations, keySize, sha256.New), nil
}

// legacyKey is the v1 key derivation (plain SHA-256 of the identity).
// Decrypt falls back to it so configs written by old gateways survive
// the upgrade; Encrypt always uses the PBKDF2 key.
func legacyKey() ([]byte, error) {
	identity, err := machineIdentity()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(identity))
	return sum[:], nil
}

// Encrypt seals plaintext with AES-256-GCM under the machine key. The
// output is base64(iv || tag || ciphertext).
func Encrypt(plaintext string) (string, error) {
	key, err := deriveKey()
	if err != nil {
		return "", err
	}
	return encryptWithKey([]byte(plaintext), key)
}

func encryptWithKey(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}

	// Seal appends ciphertext||tag; the stored layout is iv||tag||ct.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Values sealed with the v1
// key are accepted too. Any failure returns ErrDecrypt.
func Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < ivSize+tagSize {
		return "", ErrDecrypt
	}

	key, err := deriveKey()
	if err != nil {
		return "", err
	}
	if plaintext, err := decryptWithKey(raw, key); err == nil {
		return plaintext, nil
	}

	old, err := legacyKey()
	if err != nil {
		return "", err
	}
	if plaintext, err := decryptWithKey(raw, old); err == nil {
		return plaintext, nil
	}
	return "", ErrDecrypt
}

func decryptWithKey(raw, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecrypt
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	// Reassemble the ciphertext||tag layout Open expects.
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
