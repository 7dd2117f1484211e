// Package security protects the media server access token at rest and keeps
// cache paths inside the document directory.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32 // AES-256
	saltSize   = 32
	pbkdf2Iter = 100000

	// EncryptedPrefix marks a token value that was written by EncryptToken.
	EncryptedPrefix = "enc:"
)

// TokenEncryptor encrypts the server access token with a machine-bound key
// whose salt lives next to the settings file.
type TokenEncryptor struct {
	keyPath string
}

// NewTokenEncryptor creates a token encryptor keyed from dir/.key.
func NewTokenEncryptor(dir string) *TokenEncryptor {
	return &TokenEncryptor{
		keyPath: filepath.Join(dir, ".key"),
	}
}

// IsEncrypted reports whether value carries the encrypted token prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// EncryptToken encrypts token and returns it prefixed with EncryptedPrefix.
func (te *TokenEncryptor) EncryptToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}

	key, err := te.getOrCreateKey()
	if err != nil {
		return "", fmt.Errorf("failed to get encryption key: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(token), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptToken reverses EncryptToken. Values without the prefix are returned
// unchanged so hand-edited settings keep working.
func (te *TokenEncryptor) DecryptToken(value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("encrypted token cannot be empty")
	}
	if !IsEncrypted(value) {
		return value, nil
	}

	key, err := te.loadKey()
	if err != nil {
		return "", fmt.Errorf("failed to load encryption key: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// DeleteKey removes the key file. Tokens encrypted with it become unreadable.
func (te *TokenEncryptor) DeleteKey() error {
	if err := os.Remove(te.keyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (te *TokenEncryptor) getOrCreateKey() ([]byte, error) {
	key, err := te.loadKey()
	if err == nil {
		return key, nil
	}
	return te.generateAndSaveKey()
}

func (te *TokenEncryptor) loadKey() ([]byte, error) {
	data, err := os.ReadFile(te.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("invalid key file format")
	}

	return deriveKey(salt[:saltSize]), nil
}

func (te *TokenEncryptor) generateAndSaveKey() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(te.keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(te.keyPath, []byte(base64.StdEncoding.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	return deriveKey(salt), nil
}

func deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(machineID()), salt, pbkdf2Iter, keySize, sha256.New)
}

// machineID combines host and user name.
func machineID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "default-machine"
	}

	username := os.Getenv("USERNAME")
	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		username = "default-user"
	}

	return hostname + ":" + username
}
