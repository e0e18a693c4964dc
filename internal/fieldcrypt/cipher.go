// Package fieldcrypt encrypts individual sensitive text fields at rest using
// envelope encryption with key rotation. Stored values are tagged with the id
// of the master key that encrypted them, so the active key can rotate while
// old values remain readable.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// prefixV2 is the only format written by current code.
	prefixV2 = "encv2:"
	// prefixV1 and prefixV0 are legacy read-only formats kept for values
	// written before the keyring existed.
	prefixV1 = "encv1:"
	prefixV0 = "enc:"

	nonceSize = 12
)

var (
	// ErrUnreadable means a tagged value failed to decrypt under every known key.
	ErrUnreadable = errors.New("fieldcrypt: value unreadable")
	// ErrNotConfigured is returned by operations that require an active key.
	ErrNotConfigured = errors.New("fieldcrypt: no encryption key configured")
)

// Cipher performs field encryption under a keyring of master keys, one of
// which is active for new writes.
type Cipher struct {
	keyring  map[string][]byte
	activeID string
	log      *zap.Logger

	warnPlaintext sync.Once
}

// New builds a Cipher. An empty keyring is valid: Store degrades to a
// pass-through and Read still handles previously encrypted history.
func New(keyring map[string][]byte, activeID string, log *zap.Logger) (*Cipher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for id, key := range keyring {
		if len(key) != 32 {
			return nil, fmt.Errorf("fieldcrypt: key %q must be 32 bytes", id)
		}
	}
	if activeID != "" {
		if _, ok := keyring[activeID]; !ok {
			return nil, fmt.Errorf("fieldcrypt: active key %q missing from keyring", activeID)
		}
	}
	return &Cipher{keyring: keyring, activeID: activeID, log: log}, nil
}

// Configured reports whether Store will actually encrypt.
func (c *Cipher) Configured() bool {
	return c.activeID != "" && len(c.keyring) > 0
}

// Store encrypts plaintext under the active key, binding it to the given
// field context. When no key is configured the value is stored in clear and
// a warning is logged once per process.
func (c *Cipher) Store(plaintext, context string) (string, error) {
	if !c.Configured() {
		c.warnPlaintext.Do(func() {
			c.log.Warn("field encryption not configured; sensitive values stored in clear")
		})
		return plaintext, nil
	}
	key := c.keyring[c.activeID]
	subkey := deriveSubkey(key, context)
	aead, err := newGCM(subkey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), aadV2(c.activeID))
	payload := append(nonce, sealed...)
	return prefixV2 + c.activeID + ":" + base64.StdEncoding.EncodeToString(payload), nil
}

// Read decrypts a stored value. The embedded key id selects the master key;
// legacy untagged formats fall back through every configured key. Values with
// no recognizable prefix are returned verbatim: plaintext history from before
// encryption was enabled must stay readable.
func (c *Cipher) Read(stored, context string) (string, error) {
	switch {
	case strings.HasPrefix(stored, prefixV2):
		rest := strings.TrimPrefix(stored, prefixV2)
		keyID, encoded, ok := strings.Cut(rest, ":")
		if !ok {
			return "", ErrUnreadable
		}
		key, ok := c.keyring[keyID]
		if !ok {
			return "", fmt.Errorf("%w: unknown key id %q", ErrUnreadable, keyID)
		}
		return c.open(key, context, encoded, aadV2(keyID))
	case strings.HasPrefix(stored, prefixV1):
		return c.openAnyKey(context, strings.TrimPrefix(stored, prefixV1), []byte(prefixV1))
	case strings.HasPrefix(stored, prefixV0):
		return c.openAnyKey(context, strings.TrimPrefix(stored, prefixV0), nil)
	default:
		return stored, nil
	}
}

func (c *Cipher) open(key []byte, context, encoded string, aad []byte) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(payload) < nonceSize {
		return "", ErrUnreadable
	}
	aead, err := newGCM(deriveSubkey(key, context))
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, payload[:nonceSize], payload[nonceSize:], aad)
	if err != nil {
		return "", ErrUnreadable
	}
	return string(plain), nil
}

// openAnyKey handles pre-keyring formats that carry no key id.
func (c *Cipher) openAnyKey(context, encoded string, aad []byte) (string, error) {
	for _, key := range c.keyring {
		plain, err := c.open(key, context, encoded, aad)
		if err == nil {
			return plain, nil
		}
	}
	return "", ErrUnreadable
}

// deriveSubkey derives a per-context key so that ciphertext from one field
// context can never decrypt in another, even under the same master key.
func deriveSubkey(master []byte, context string) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(strings.ToLower(context)))
	return mac.Sum(nil)
}

func aadV2(keyID string) []byte {
	return []byte(prefixV2 + keyID)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
