// Package identity holds the cryptographic primitives of the mesh wire
// protocol: the RSA-4096 server identity, per-connection AES-256-GCM session
// keys, RSA-OAEP key wrap, and SHA256-RSA signatures.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"

	"github.com/networkmesh/meshchat/internal/securefile"
)

var (
	// ErrBadKey signals an unparseable or non-RSA public key.
	ErrBadKey = errors.New("bad public key")
	// ErrBadTag indicates AEAD authentication failed during decryption.
	ErrBadTag = errors.New("bad auth tag")
	// ErrBadSignature indicates a signature did not verify.
	ErrBadSignature = errors.New("bad signature")
	// ErrBadSessionKey indicates a session key of the wrong length.
	ErrBadSessionKey = errors.New("bad session key length")
)

const (
	// KeyBits is the RSA modulus size for server and client identities.
	KeyBits = 4096
	// SessionKeyBytes is the AES-256 session key length.
	SessionKeyBytes = 32
	// IVBytes is the GCM nonce length on the wire.
	IVBytes = 12
)

// Key is a long-lived RSA identity, held by the server and by each client.
type Key struct {
	priv *rsa.PrivateKey
	spki string // cached base64 SubjectPublicKeyInfo
}

// Generate creates a fresh RSA-4096 server identity.
func Generate() (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}
	return newKey(priv)
}

// LoadOrGenerate loads a PEM-encoded PKCS#8 private key from path, generating
// and persisting one (owner-only permissions) when the file does not exist.
func LoadOrGenerate(path string) (*Key, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parsePEM(b)
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	k, err := Generate()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := securefile.WriteFileAtomic(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return k, nil
}

func parsePEM(b []byte) (*Key, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	any, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := any.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key file does not contain an RSA key")
	}
	return newKey(priv)
}

func newKey(priv *rsa.PrivateKey) (*Key, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{
		priv: priv,
		spki: base64.StdEncoding.EncodeToString(der),
	}, nil
}

// PublicKeyBase64 returns the base64 SubjectPublicKeyInfo published in
// handshake responses.
func (k *Key) PublicKeyBase64() string { return k.spki }

// Public returns the server's RSA public key.
func (k *Key) Public() *rsa.PublicKey { return &k.priv.PublicKey }

// Sign produces a SHA256-RSA (PKCS#1 v1.5) signature over plaintext.
func (k *Key) Sign(plaintext []byte) ([]byte, error) {
	sum := sha256.Sum256(plaintext)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, sum[:])
}

// UnwrapSessionKey decrypts an RSA-OAEP-SHA256 wrapped session key. Only used
// by clients and tests; servers wrap, peers unwrap.
func (k *Key) UnwrapSessionKey(wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, wrapped, nil)
	if err != nil {
		return nil, err
	}
	if len(key) != SessionKeyBytes {
		return nil, ErrBadSessionKey
	}
	return key, nil
}

// ParsePeerKey parses a base64 X.509 SubjectPublicKeyInfo into an RSA key.
func ParsePeerKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrBadKey
	}
	any, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrBadKey
	}
	pub, ok := any.(*rsa.PublicKey)
	if !ok {
		return nil, ErrBadKey
	}
	return pub, nil
}

// NewSessionKey draws a fresh 256-bit AES key from the system RNG.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapSessionKey RSA-OAEP-SHA256 encrypts a session key under a peer key.
func WrapSessionKey(sessionKey []byte, peer *rsa.PublicKey) ([]byte, error) {
	if len(sessionKey) != SessionKeyBytes {
		return nil, ErrBadSessionKey
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, peer, sessionKey, nil)
}

// Verify checks a SHA256-RSA signature over plaintext against a peer key.
func Verify(plaintext []byte, sig []byte, peer *rsa.PublicKey) bool {
	sum := sha256.Sum256(plaintext)
	return rsa.VerifyPKCS1v15(peer, crypto.SHA256, sum[:], sig) == nil
}
