package memory

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

const saltSize = 32

// cipher wraps an XChaCha20-Poly1305 AEAD keyed from a passphrase via HKDF
// over the persisted per-file salt. Message content is sealed before it
// hits sqlite; everything else (ids, timestamps, roles, task rows and
// their results) stays in the clear.
type cipher struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// openEncryption loads or creates the salt file next to dbPath and derives
// the AEAD key from passphrase. Absence of a passphrase leaves the store
// unencrypted, unless a salt file from a previously-encrypted run of this
// same dbPath already exists — mixing modes on one file is rejected
// outright as BadKey rather than silently handing back ciphertext as
// plaintext. A passphrase supplied against a salt file that doesn't match
// what previously encrypted the data will simply fail to decrypt
// (surfaced as BadKey by callers that attempt a read).
func openEncryption(dbPath, passphrase string) (*cipher, error) {
	saltPath := dbPath + ".salt"

	if passphrase == "" {
		if _, err := os.Stat(saltPath); err == nil {
			return nil, errs.New(errs.BadKey, component, "open_encryption", fmt.Errorf("%s was encrypted; passphrase required to reopen it", dbPath))
		} else if !os.IsNotExist(err) {
			return nil, errs.New(errs.Backend, component, "open_encryption", err)
		}
		return nil, nil
	}

	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, errs.New(errs.Backend, component, "open_encryption", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, errs.New(errs.Backend, component, "open_encryption", err)
		}
	} else if err != nil {
		return nil, errs.New(errs.Backend, component, "open_encryption", err)
	}
	if len(salt) != saltSize {
		return nil, errs.New(errs.BadKey, component, "open_encryption", fmt.Errorf("salt file %s has unexpected size %d", saltPath, len(salt)))
	}

	kdf := hkdf.New(sha256.New, []byte(passphrase), salt, []byte("jarvis-memory-store"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errs.New(errs.Backend, component, "open_encryption", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.New(errs.Backend, component, "open_encryption", err)
	}
	return &cipher{aead: aead}, nil
}

func (c *cipher) seal(plaintext string) ([]byte, error) {
	if c == nil {
		return []byte(plaintext), nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (c *cipher) open(sealed []byte) (string, error) {
	if c == nil {
		return string(sealed), nil
	}
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return "", errs.New(errs.BadKey, component, "decrypt", fmt.Errorf("ciphertext too short"))
	}
	nonce, ct := sealed[:n], sealed[n:]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errs.New(errs.BadKey, component, "decrypt", err)
	}
	return string(plain), nil
}
