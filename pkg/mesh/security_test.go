package mesh

import (
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestSecurityManagerEncryptDecryptRoundTrip(t *testing.T) {
	sm, err := NewSecurityManager(AuthMethod{Scheme: AuthNone}, true, time.Hour)
	if err != nil {
		t.Fatalf("NewSecurityManager: %v", err)
	}
	defer sm.Close()

	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[:], "unique-nonce")

	ct, err := sm.Encrypt([]byte("hello mesh"), nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := sm.Decrypt(ct, nonce)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello mesh" {
		t.Fatalf("Decrypt() = %q, want %q", pt, "hello mesh")
	}
}

func TestSecurityManagerDisabledPassesThrough(t *testing.T) {
	sm, err := NewSecurityManager(AuthMethod{}, false, time.Hour)
	if err != nil {
		t.Fatalf("NewSecurityManager: %v", err)
	}
	defer sm.Close()

	var nonce [chacha20poly1305.NonceSize]byte
	ct, _ := sm.Encrypt([]byte("plain"), nonce)
	if string(ct) != "plain" {
		t.Fatalf("Encrypt() with encryption disabled = %q, want unchanged", ct)
	}
}

// TestSecurityManagerKeyRotationWindow exercises the 100ms-rotation
// scenario: a message encrypted under the original key stays decryptable
// 150ms later via the retained previous key, but fails once a second
// rotation has evicted it (250ms later, two rotations on).
func TestSecurityManagerKeyRotationWindow(t *testing.T) {
	sm, err := NewSecurityManager(AuthMethod{}, true, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSecurityManager: %v", err)
	}
	defer sm.Close()

	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[:], "rotation-test")
	ct, err := sm.Encrypt([]byte("secret"), nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := sm.Decrypt(ct, nonce); err != nil {
		t.Fatalf("Decrypt after one rotation (150ms) = %v, want success via previous key", err)
	}

	time.Sleep(100 * time.Millisecond) // total 250ms: past the two-rotation tail
	if _, err := sm.Decrypt(ct, nonce); err == nil {
		t.Fatal("Decrypt after two rotations should fail: key evicted")
	}
}

func TestSecurityManagerAuthenticateToken(t *testing.T) {
	sm, err := NewSecurityManager(AuthMethod{Scheme: AuthToken, Bytes: []byte("s3cr3t")}, false, time.Hour)
	if err != nil {
		t.Fatalf("NewSecurityManager: %v", err)
	}
	defer sm.Close()

	if err := sm.Authenticate(AuthMethod{Scheme: AuthToken, Bytes: []byte("s3cr3t")}, nil); err != nil {
		t.Fatalf("Authenticate with correct token: %v", err)
	}
	if err := sm.Authenticate(AuthMethod{Scheme: AuthToken, Bytes: []byte("wrong")}, nil); err == nil {
		t.Fatal("Authenticate with wrong token should fail")
	}
}

func TestSecurityManagerAuthenticateCustom(t *testing.T) {
	sm, err := NewSecurityManager(AuthMethod{Scheme: AuthCustom}, false, time.Hour)
	if err != nil {
		t.Fatalf("NewSecurityManager: %v", err)
	}
	defer sm.Close()

	called := false
	verify := func(AuthMethod) error {
		called = true
		return nil
	}
	if err := sm.Authenticate(AuthMethod{Scheme: AuthCustom, Name: "whatever"}, verify); err != nil {
		t.Fatalf("Authenticate custom: %v", err)
	}
	if !called {
		t.Fatal("custom verifier was not invoked")
	}
}
