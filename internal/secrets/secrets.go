// Package secrets encrypts saved connection secrets at rest with a fernet
// key that lives in the history store's settings table.
package secrets

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

// KeyStore persists the fernet key. Implemented by the history store's
// settings table.
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const settingKey = "fernet_key"

// Codec encrypts and decrypts secret strings. The key is generated on first
// use and cached for the process lifetime.
type Codec struct {
	store KeyStore

	mu  sync.Mutex
	key *fernet.Key
}

// NewCodec creates a codec over the given key store.
func NewCodec(store KeyStore) *Codec {
	return &Codec{store: store}
}

func (c *Codec) getKey() (*fernet.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}

	keyStr, err := c.store.GetSetting(settingKey)
	if err != nil || keyStr == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := c.store.SetSetting(settingKey, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		c.key = &k
		return c.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	c.key = key
	return c.key, nil
}

// Encrypt returns the fernet token for plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := c.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt returns the plaintext for a fernet token. Tokens never expire;
// secrets stay valid until the user deletes the entry.
func (c *Codec) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	key, err := c.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Mask renders a secret for display, keeping only the last characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
