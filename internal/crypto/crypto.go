// Package crypto contains the primitives behind session security: X25519 agreement, HKDF, AEAD and HMAC.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sizes
const (
	KeyLen   = 32
	NonceLen = 16 // handshake nonce
	MACLen   = sha256.Size
)

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := Rand(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// SharedSecret computes the X25519 secret with the peer's public key.
func (k *KeyPair) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, errors.New("peer public key has wrong length")
	}
	return curve25519.X25519(k.Private, peer)
}

// Wipe zeroes the private key.
func (k *KeyPair) Wipe() { Zero(k.Private) }

// SessionKeys are the directional keys derived for one session.
type SessionKeys struct {
	InitiatorEnc []byte // initiator -> responder
	InitiatorMAC []byte
	ResponderEnc []byte // responder -> initiator
	ResponderMAC []byte
	Confirm      []byte // key confirmation during the handshake
}

// Wipe zeroes all key material.
func (s *SessionKeys) Wipe() {
	Zero(s.InitiatorEnc)
	Zero(s.InitiatorMAC)
	Zero(s.ResponderEnc)
	Zero(s.ResponderMAC)
	Zero(s.Confirm)
}

// DeriveSessionKeys expands the shared secret with HKDF-SHA256.
// Salt is clientNonce||serverNonce and info is bound to the session id.
func DeriveSessionKeys(shared, clientNonce, serverNonce []byte, sessionID string) (*SessionKeys, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)
	r := hkdf.New(sha256.New, shared, salt, []byte("airchainpay/session/"+sessionID))

	keys := make([][]byte, 5)
	for i := range keys {
		keys[i] = make([]byte, KeyLen)
		if _, err := io.ReadFull(r, keys[i]); err != nil {
			return nil, err
		}
	}
	return &SessionKeys{
		InitiatorEnc: keys[0],
		InitiatorMAC: keys[1],
		ResponderEnc: keys[2],
		ResponderMAC: keys[3],
		Confirm:      keys[4],
	}, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and a random nonce. Output is nonce||ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same AAD.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// MAC returns HMAC-SHA256 over the length-prefixed parts.
func MAC(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	var l [4]byte
	for _, p := range parts {
		n := len(p)
		l[0], l[1], l[2], l[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		m.Write(l[:])
		m.Write(p)
	}
	return m.Sum(nil)
}

// VerifyMAC compares mac against MAC(key, parts...) in constant time.
func VerifyMAC(key, mac []byte, parts ...[]byte) bool {
	return hmac.Equal(mac, MAC(key, parts...))
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
