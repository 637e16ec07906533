// Package vault implements the Credential Vault: OS-keyring-preferred
// secret storage with an Argon2id+AES-256-GCM encrypted-file fallback.
//
// Wire format of the fallback file: MAGIC(6) || salt(16) || nonce(12) ||
// AES-256-GCM(ciphertext || tag), where MAGIC is the literal bytes
// "CATSK1" and the key is Argon2id(master, salt, 32 bytes). Plaintext
// is a UTF-8 JSON object {id: secret}.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/Ducheved/catsolle/internal/apperr"
)

var magic = [6]byte{'C', 'A', 'T', 'S', 'K', '1'}

const (
	saltLen = 16
	nonceLen = 12
)

var log = logrus.WithField("component", "vault")

// Vault stores and retrieves named secrets.
type Vault struct {
	service        string
	fallbackFile   string
	fallbackEnable bool
	keyring        keyring.Keyring

	mu sync.Mutex // serializes fallback-file read-modify-write
}

// New opens a Vault that prefers the OS keyring under service, falling
// back to an encrypted file at fallbackFile when fallbackEnabled and
// the keyring is unavailable or the operation otherwise fails.
func New(service, fallbackFile string, fallbackEnabled bool) *Vault {
	kr, err := keyring.Open(keyring.Config{ServiceName: service})
	if err != nil {
		log.WithError(err).Warn("OS keyring unavailable, falling back to encrypted file only")
	}
	return &Vault{
		service:        service,
		fallbackFile:   fallbackFile,
		fallbackEnable: fallbackEnabled,
		keyring:        kr,
	}
}

// Store writes id→secret. master is required only when the keyring
// write fails and the file fallback must be exercised.
func (v *Vault) Store(id, secret string, master string) error {
	if v.keyring != nil {
		err := v.keyring.Set(keyring.Item{Key: id, Data: []byte(secret)})
		if err == nil {
			return nil
		}
		log.WithError(err).Debug("keyring store failed, trying file fallback")
	}
	if !v.fallbackEnable {
		return fmt.Errorf("vault: keyring store failed and file fallback disabled: %w", apperr.ErrCrypto)
	}
	if master == "" {
		return apperr.ErrMasterRequired
	}
	return v.storeToFile(id, secret, master)
}

// Get resolves id's secret. master is consulted only if the keyring
// has no entry and file fallback is enabled.
func (v *Vault) Get(id string, master string) (string, bool, error) {
	if v.keyring != nil {
		item, err := v.keyring.Get(id)
		if err == nil {
			return string(item.Data), true, nil
		}
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			log.WithError(err).Debug("keyring get failed, trying file fallback")
		}
	}
	if !v.fallbackEnable {
		return "", false, nil
	}
	if master == "" {
		return "", false, apperr.ErrMasterRequired
	}
	return v.getFromFile(id, master)
}

// Delete best-effort removes id from both the keyring and the file.
func (v *Vault) Delete(id string, master string) error {
	if v.keyring != nil {
		_ = v.keyring.Remove(id)
	}
	if !v.fallbackEnable {
		return nil
	}
	if master == "" {
		return nil
	}
	return v.deleteFromFile(id, master)
}

func (v *Vault) storeToFile(id, secret, master string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.loadMap(master)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if m == nil {
		m = map[string]string{}
	}
	m[id] = secret
	return v.saveMap(m, master)
}

func (v *Vault) getFromFile(id, master string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.loadMap(master)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	secret, ok := m[id]
	return secret, ok, nil
}

func (v *Vault) deleteFromFile(id, master string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.loadMap(master)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	delete(m, id)
	return v.saveMap(m, master)
}

func (v *Vault) loadMap(master string) (map[string]string, error) {
	raw, err := os.ReadFile(v.fallbackFile)
	if err != nil {
		return nil, err
	}
	plaintext, err := decrypt(raw, master)
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("vault: corrupt store contents: %w", apperr.ErrCrypto)
	}
	return m, nil
}

func (v *Vault) saveMap(m map[string]string, master string) error {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return err
	}
	sealed, err := encrypt(plaintext, master)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.fallbackFile), 0o700); err != nil {
		return err
	}
	tmp := v.fallbackFile + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.fallbackFile)
}

func deriveKey(master string, salt []byte) []byte {
	return argon2.IDKey([]byte(master), salt, 1, 64*1024, 4, 32)
}

func encrypt(plaintext []byte, master string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: %w: %w", apperr.ErrCrypto, err)
	}
	key := deriveKey(master, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w: %w", apperr.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w: %w", apperr.ErrCrypto, err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: %w: %w", apperr.ErrCrypto, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(magic)+saltLen+nonceLen+len(ciphertext))
	out = append(out, magic[:]...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func decrypt(data []byte, master string) ([]byte, error) {
	if len(data) < len(magic)+saltLen+nonceLen {
		return nil, fmt.Errorf("vault: %w: store too short", apperr.ErrCrypto)
	}
	if [6]byte(data[:6]) != magic {
		return nil, fmt.Errorf("vault: %w: bad magic header", apperr.ErrCrypto)
	}
	salt := data[6 : 6+saltLen]
	nonce := data[6+saltLen : 6+saltLen+nonceLen]
	ciphertext := data[6+saltLen+nonceLen:]

	key := deriveKey(master, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w: %w", apperr.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w: %w", apperr.ErrCrypto, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: %w: authentication failed", apperr.ErrCrypto)
	}
	return plaintext, nil
}
