package security

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestSecretBox_SealOpenRoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}

	plaintext := []byte("refresh-token-abc123")
	blob, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Error("sealed blob should not contain the plaintext")
	}

	got, err := box.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got)
	}
}

func TestSecretBox_SealStringOpenStringRoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}

	blob, err := box.SealString("hello world")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	got, err := box.OpenString(blob)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestSecretBox_OpenRejectsTruncatedCiphertext(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}

	if _, err := box.Open([]byte("short")); err == nil {
		t.Fatal("expected an error opening a blob shorter than a nonce")
	}
}

func TestSecretBox_OpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewSecretBox(testKey(t))
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}

	blob, err := box.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := box.Open(blob); err == nil {
		t.Fatal("expected GCM authentication to reject a tampered blob")
	}
}

func TestNewSecretBox_RejectsWrongKeyLength(t *testing.T) {
	if _, err := NewSecretBox([]byte("too-short")); err == nil {
		t.Fatal("expected an error for a non-32-byte key")
	}
}
