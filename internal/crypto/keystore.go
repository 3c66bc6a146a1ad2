package crypto

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for passphrase-wrapped signer keys.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1

	saltLen = 16
)

// deriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func deriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// WrapKey encrypts a signer key under a passphrase. Output is hex(salt||nonce||ciphertext).
func WrapKey(passphrase, key []byte) (string, error) {
	salt, err := Rand(saltLen)
	if err != nil {
		return "", err
	}
	kek := deriveKEK(passphrase, salt)
	defer Zero(kek)

	blob, err := Seal(kek, key, salt)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(append(salt, blob...)), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(passphrase []byte, wrapped string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(wrapped))
	if err != nil {
		return nil, err
	}
	if len(raw) <= saltLen {
		return nil, errors.New("wrapped key too short")
	}
	salt := raw[:saltLen]
	kek := deriveKEK(passphrase, salt)
	defer Zero(kek)
	return Open(kek, raw[saltLen:], salt)
}
