package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// NewAESGCM builds the AEAD used for message content.
func NewAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeyBytes {
		return nil, ErrBadSessionKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under an AES-256-GCM session key with a fresh
// random 96-bit IV. The IV is never reused across calls with the same key.
func Encrypt(plaintext []byte, sessionKey []byte) (ciphertext []byte, iv []byte, err error) {
	aead, err := NewAESGCM(sessionKey)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, IVBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt opens an AES-256-GCM sealed message. Authentication failure yields
// ErrBadTag.
func Decrypt(ciphertext []byte, iv []byte, sessionKey []byte) ([]byte, error) {
	aead, err := NewAESGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVBytes {
		return nil, ErrBadTag
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrBadTag
	}
	return plain, nil
}
