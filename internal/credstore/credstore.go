// Package credstore persists the signed-in credential bundle.
package credstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/vault"
)

// VaultKey is the vault entry holding the bundle.
const VaultKey = "aws-credentials"

// Store loads, saves and deletes the single persisted bundle.
type Store interface {
	// Load returns nil, nil when nothing is stored.
	Load() (*core.CredentialBundle, error)
	Save(b *core.CredentialBundle) error
	Delete() error
}

// VaultStore keeps the bundle in the encrypted vault and writes the vault
// file on every mutation.
type VaultStore struct {
	v *vault.Vault
}

func NewVaultStore(v *vault.Vault) *VaultStore {
	return &VaultStore{v: v}
}

func (s *VaultStore) Load() (*core.CredentialBundle, error) {
	if !s.v.Has(VaultKey) {
		return nil, nil
	}
	var b core.CredentialBundle
	if err := s.v.GetJSON(VaultKey, &b); err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return &b, nil
}

func (s *VaultStore) Save(b *core.CredentialBundle) error {
	if b == nil {
		return errors.New("saving credentials: nil bundle")
	}
	if err := s.v.PutJSON(VaultKey, b); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return s.v.Save()
}

func (s *VaultStore) Delete() error {
	if err := s.v.Delete(VaultKey); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return s.v.Save()
}

// MemoryStore keeps the bundle for the life of the process only.
type MemoryStore struct {
	mu sync.Mutex
	b  *core.CredentialBundle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*core.CredentialBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		return nil, nil
	}
	cp := *s.b
	return &cp, nil
}

func (s *MemoryStore) Save(b *core.CredentialBundle) error {
	if b == nil {
		return errors.New("saving credentials: nil bundle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.b = &cp
	return nil
}

func (s *MemoryStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b = nil
	return nil
}

// For picks the store matching the engine's secret mode.
func For(e *core.Engine) Store {
	if e.Vault == nil {
		return NewMemoryStore()
	}
	return NewVaultStore(e.Vault)
}
