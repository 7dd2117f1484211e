package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTokenEncryption(t *testing.T) {
	tempDir := t.TempDir()
	encryptor := NewTokenEncryptor(tempDir)

	testToken := "0123456789abcdef0123456789abcdef"

	encrypted, err := encryptor.EncryptToken(testToken)
	if err != nil {
		t.Fatalf("Failed to encrypt token: %v", err)
	}
	if !IsEncrypted(encrypted) {
		t.Fatalf("Encrypted token %q is missing the %q prefix", encrypted, EncryptedPrefix)
	}
	if strings.Contains(encrypted, testToken) {
		t.Fatal("Encrypted token contains the plaintext")
	}

	decrypted, err := encryptor.DecryptToken(encrypted)
	if err != nil {
		t.Fatalf("Failed to decrypt token: %v", err)
	}
	if decrypted != testToken {
		t.Fatalf("Decrypted token doesn't match original. Got: %s, Want: %s", decrypted, testToken)
	}
}

func TestTokenEncryptionEmptyToken(t *testing.T) {
	encryptor := NewTokenEncryptor(t.TempDir())

	if _, err := encryptor.EncryptToken(""); err == nil {
		t.Fatal("Expected error for empty token, got nil")
	}
	if _, err := encryptor.DecryptToken(""); err == nil {
		t.Fatal("Expected error for empty encrypted token, got nil")
	}
}

func TestDecryptPlainTokenPassesThrough(t *testing.T) {
	encryptor := NewTokenEncryptor(t.TempDir())

	got, err := encryptor.DecryptToken("plain-token")
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if got != "plain-token" {
		t.Errorf("DecryptToken() = %q, want plain-token", got)
	}
}

func TestKeyPersistence(t *testing.T) {
	tempDir := t.TempDir()

	encrypted, err := NewTokenEncryptor(tempDir).EncryptToken("persisted")
	if err != nil {
		t.Fatalf("Failed to encrypt token: %v", err)
	}

	info, err := os.Stat(filepath.Join(tempDir, ".key"))
	if err != nil {
		t.Fatalf("Key file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("Key file is empty")
	}

	decrypted, err := NewTokenEncryptor(tempDir).DecryptToken(encrypted)
	if err != nil {
		t.Fatalf("Second encryptor failed to decrypt: %v", err)
	}
	if decrypted != "persisted" {
		t.Errorf("Got %q, want persisted", decrypted)
	}
}

func TestDeleteKey(t *testing.T) {
	tempDir := t.TempDir()
	encryptor := NewTokenEncryptor(tempDir)

	encrypted, err := encryptor.EncryptToken("short-lived")
	if err != nil {
		t.Fatalf("Failed to encrypt token: %v", err)
	}
	if err := encryptor.DeleteKey(); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}
	if err := encryptor.DeleteKey(); err != nil {
		t.Fatalf("DeleteKey() on missing key error = %v", err)
	}
	if _, err := encryptor.DecryptToken(encrypted); err == nil {
		t.Fatal("Expected decrypt to fail without key")
	}
}

func TestDecryptTamperedToken(t *testing.T) {
	encryptor := NewTokenEncryptor(t.TempDir())

	encrypted, err := encryptor.EncryptToken("secret")
	if err != nil {
		t.Fatalf("Failed to encrypt token: %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"not base64", EncryptedPrefix + "!!!"},
		{"too short", EncryptedPrefix + "AAAA"},
		{"truncated", encrypted[:len(encrypted)-4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := encryptor.DecryptToken(tt.value); err == nil {
				t.Errorf("DecryptToken(%q) expected error", tt.value)
			}
		})
	}
}
