// Package vault implements the encrypted local secrets store.
// Entries are sealed with AES-256-GCM under a master key derived from the
// user's passphrase via Argon2id; the entry key is bound as associated data.
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

	"golang.org/x/crypto/argon2"
)

const (
	VaultFileName = "kbchat.vault"

	// Argon2id: m=64MB, t=3, p=4
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	saltLen  = 32
	nonceLen = 12
)

// ErrNotFound is returned when a key has no entry.
var ErrNotFound = errors.New("vault key not found")

// ErrBadPassphrase is returned by Open when the passphrase cannot decrypt
// existing entries.
var ErrBadPassphrase = errors.New("incorrect passphrase or corrupted vault")

// Entry is a single sealed secret.
type Entry struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type vaultFile struct {
	Salt    []byte            `json:"salt"`
	Entries map[string]*Entry `json:"entries"`
}

// Vault manages encrypted secret storage. A Vault with an empty path never
// touches disk.
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte
	salt      []byte
	entries   map[string]*Entry
	path      string
	dirty     bool
}

// DeriveKey derives a 256-bit master key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Create initializes a new vault with a fresh salt.
func Create(path string, passphrase string) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	v := &Vault{
		masterKey: DeriveKey(passphrase, salt),
		salt:      salt,
		entries:   make(map[string]*Entry),
		path:      path,
		dirty:     true,
	}
	if err := v.flush(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open loads an existing vault file and unlocks it with the given passphrase.
func Open(path string, passphrase string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	if vf.Entries == nil {
		vf.Entries = make(map[string]*Entry)
	}

	v := &Vault{
		masterKey: DeriveKey(passphrase, vf.Salt),
		salt:      vf.Salt,
		entries:   vf.Entries,
		path:      path,
	}

	// Any entry proves the key.
	for key := range vf.Entries {
		if _, err := v.Get(key); err != nil {
			v.zero()
			return nil, ErrBadPassphrase
		}
		break
	}
	return v, nil
}

// OpenOrCreate opens the vault at path, creating it when absent.
func OpenOrCreate(path string, passphrase string) (*Vault, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, passphrase)
	}
	return Open(path, passphrase)
}

// CreateMemoryOnly creates an in-memory vault that never writes to disk.
func CreateMemoryOnly(passphrase string) (*Vault, error) {
	return Create("", passphrase)
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Put encrypts and stores a secret under the given key.
func (v *Vault) Put(key string, plaintext []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	gcm, err := v.aead()
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	v.entries[key] = &Entry{
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte(key)),
	}
	v.dirty = true
	return nil
}

// Get decrypts and returns the secret stored under the given key.
func (v *Vault) Get(key string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, entry.Nonce, entry.Ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting vault entry: %w", err)
	}
	return plaintext, nil
}

// PutJSON marshals value and stores it under key.
func (v *Vault) PutJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return v.Put(key, data)
}

// GetJSON decrypts key and unmarshals it into out.
func (v *Vault) GetJSON(key string, out any) error {
	data, err := v.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", key, err)
	}
	return nil
}

// Delete removes a secret from the vault.
func (v *Vault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(v.entries, key)
	v.dirty = true
	return nil
}

// Has checks if a key exists in the vault.
func (v *Vault) Has(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[key]
	return ok
}

// Save persists the vault to disk. No-op for memory-only vaults.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flush()
}

// flush writes through a temp file so a crash never leaves a torn vault.
func (v *Vault) flush() error {
	if v.path == "" || !v.dirty {
		return nil
	}

	data, err := json.Marshal(vaultFile{Salt: v.salt, Entries: v.entries})
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("creating temp vault file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("securing vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing vault file: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return fmt.Errorf("replacing vault file: %w", err)
	}

	v.dirty = false
	return nil
}

func (v *Vault) zero() {
	for i := range v.masterKey {
		v.masterKey[i] = 0
	}
}

// Close flushes pending writes and zeroes the master key.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.flush()
	v.zero()
	return err
}
