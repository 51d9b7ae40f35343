package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

const sealedPrefix = "aes-gcm:"

// ErrDecrypt means a sealed value could not be opened with the given key.
var ErrDecrypt = errors.New("decrypt failed: invalid key or corrupted data")

// box seals values with AES-256-GCM. Sealed values are
// "aes-gcm:" + base64(nonce + ciphertext + tag).
type box struct {
	aead cipher.AEAD
}

func newBox(key string) (*box, error) {
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &box{aead: aead}, nil
}

func (b *box) seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func (b *box) open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrDecrypt
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", ErrDecrypt
	}
	n := b.aead.NonceSize()
	if len(data) < n {
		return "", ErrDecrypt
	}
	plain, err := b.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// deriveKey accepts a hex (64 chars), base64 (44 chars) or raw 32-byte key;
// anything else is treated as a passphrase and hashed to 32 bytes.
func deriveKey(input string) []byte {
	if len(input) == 64 {
		if b, err := hex.DecodeString(input); err == nil {
			return b
		}
	}
	if len(input) == 44 && strings.HasSuffix(input, "=") {
		if b, err := base64.StdEncoding.DecodeString(input); err == nil && len(b) == 32 {
			return b
		}
	}
	if len(input) == 32 {
		return []byte(input)
	}
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}
