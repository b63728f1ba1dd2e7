// Package crypto implements the session's key agreement and AEAD envelope:
// X25519 ECDH + HKDF-SHA256 to derive an AES-256-GCM key, matching the
// construction in the teacher's internal/auth/crypto.go. This is the
// AEAD-equivalent-strength primitive the spec calls for — untyped as
// "authenticated DH on a Curve25519-equivalent curve" plus "XSalsa20-
// Poly1305-equivalent secretbox" (spec §4.3).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds the derived key to this protocol so the same ECDH output
// can't be replayed against an unrelated use of the same keypair.
const hkdfInfo = "termshare-pty-v1"

// KeyPair is a long-term (producer) or ephemeral (viewer) X25519 identity.
type KeyPair struct {
	Private *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{Private: priv}, nil
}

// PublicKeyBase64 returns the standard-base64-encoded public key for the wire.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Private.PublicKey().Bytes())
}

// SharedSecret is a derived AEAD ready to encrypt/decrypt for one peer.
// Lifetime matches the producer×viewer pairing — see spec §3.
type SharedSecret struct {
	aead cipher.AEAD
}

// Derive performs X25519 ECDH against a base64-encoded peer public key, then
// HKDF-SHA256 (32-byte zero salt, protocol-bound info string) to produce a
// 32-byte AES-256-GCM key.
func Derive(priv *KeyPair, peerPublicKeyB64 string) (*SharedSecret, error) {
	peerPubBytes, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode peer public key: %w", err)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	shared, err := priv.Private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SharedSecret{aead: aead}, nil
}

// Envelope is the nonce+ciphertext pair carried on the wire, base64-encoded.
type Envelope struct {
	Nonce      string
	Ciphertext string
}

// Seal encrypts plaintext under a fresh random nonce. Nonces are never reused
// under a shared key (spec §4.3).
func (s *SharedSecret) Seal(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)
	return Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts an envelope. A decrypt failure (bad key, tampered
// ciphertext, truncated nonce) returns an error — per spec §4.3/§7 the
// caller MUST drop the message and never reflect the failure to the
// counterparty.
func (s *SharedSecret) Open(env Envelope) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce size: %d", len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
