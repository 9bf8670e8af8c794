package identity

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

// RSA-4096 generation is expensive; every test shares one pair of identities.
var (
	keysOnce             sync.Once
	keysErr              error
	serverKey, clientKey *Key
)

func testKeys(t *testing.T) (*Key, *Key) {
	t.Helper()
	keysOnce.Do(func() {
		serverKey, keysErr = Generate()
		if keysErr != nil {
			return
		}
		clientKey, keysErr = Generate()
	})
	if keysErr != nil {
		t.Fatalf("Generate() failed: %v", keysErr)
	}
	return serverKey, clientKey
}

func TestParsePeerKeyRoundTrip(t *testing.T) {
	srv, _ := testKeys(t)
	pub, err := ParsePeerKey(srv.PublicKeyBase64())
	if err != nil {
		t.Fatalf("ParsePeerKey() failed: %v", err)
	}
	if pub.N.Cmp(srv.Public().N) != 0 || pub.E != srv.Public().E {
		t.Fatal("parsed key does not match the original")
	}
}

func TestParsePeerKeyRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not base64!!!", "aGVsbG8="} {
		if _, err := ParsePeerKey(in); !errors.Is(err, ErrBadKey) {
			t.Fatalf("ParsePeerKey(%q) = %v, want ErrBadKey", in, err)
		}
	}
}

func TestSessionKeyWrapUnwrap(t *testing.T) {
	_, cli := testKeys(t)
	sk, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey() failed: %v", err)
	}
	if len(sk) != SessionKeyBytes {
		t.Fatalf("session key length = %d, want %d", len(sk), SessionKeyBytes)
	}
	wrapped, err := WrapSessionKey(sk, cli.Public())
	if err != nil {
		t.Fatalf("WrapSessionKey() failed: %v", err)
	}
	got, err := cli.UnwrapSessionKey(wrapped)
	if err != nil {
		t.Fatalf("UnwrapSessionKey() failed: %v", err)
	}
	if !bytes.Equal(got, sk) {
		t.Fatal("unwrapped key differs from the original")
	}
}

func TestUnwrapSessionKeyRejectsWrongRecipient(t *testing.T) {
	srv, cli := testKeys(t)
	sk, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey() failed: %v", err)
	}
	wrapped, err := WrapSessionKey(sk, cli.Public())
	if err != nil {
		t.Fatalf("WrapSessionKey() failed: %v", err)
	}
	if _, err := srv.UnwrapSessionKey(wrapped); err == nil {
		t.Fatal("expected unwrap under the wrong key to fail")
	}
}

func TestWrapSessionKeyRejectsBadLength(t *testing.T) {
	_, cli := testKeys(t)
	if _, err := WrapSessionKey(make([]byte, 16), cli.Public()); !errors.Is(err, ErrBadSessionKey) {
		t.Fatalf("expected ErrBadSessionKey, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sk, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey() failed: %v", err)
	}
	plaintext := []byte("hello, mesh")
	ciphertext, iv, err := Encrypt(plaintext, sk)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	if len(iv) != IVBytes {
		t.Fatalf("iv length = %d, want %d", len(iv), IVBytes)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains the plaintext")
	}
	got, err := Decrypt(ciphertext, iv, sk)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted plaintext differs")
	}
}

func TestEncryptUsesFreshIVs(t *testing.T) {
	sk, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey() failed: %v", err)
	}
	_, iv1, err := Encrypt([]byte("x"), sk)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	_, iv2, err := Encrypt([]byte("x"), sk)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	if bytes.Equal(iv1, iv2) {
		t.Fatal("two encryptions reused the IV")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	sk, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey() failed: %v", err)
	}
	ciphertext, iv, err := Encrypt([]byte("payload"), sk)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	ciphertext[0] ^= 0x01
	if _, err := Decrypt(ciphertext, iv, sk); !errors.Is(err, ErrBadTag) {
		t.Fatalf("expected ErrBadTag, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	srv, cli := testKeys(t)
	msg := []byte("signed payload")
	sig, err := cli.Sign(msg)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}
	if !Verify(msg, sig, cli.Public()) {
		t.Fatal("signature did not verify under the signing key")
	}
	if Verify(msg, sig, srv.Public()) {
		t.Fatal("signature verified under the wrong key")
	}
	if Verify([]byte("other payload"), sig, cli.Public()) {
		t.Fatal("signature verified for different plaintext")
	}
}

func TestLoadOrGeneratePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "server.pem")
	k1, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() failed: %v", err)
	}
	k2, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() reload failed: %v", err)
	}
	if k1.PublicKeyBase64() != k2.PublicKeyBase64() {
		t.Fatal("reload produced a different key")
	}
}
