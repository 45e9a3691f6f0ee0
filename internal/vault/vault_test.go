package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestVaultCreateAndRetrieve(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)

	v, err := Create(path, "testpassphrase123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	secret := []byte("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	if err := v.Put("aws-credentials", secret); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v2, err := Open(path, "testpassphrase123")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()

	got, err := v2.Get("aws-credentials")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != string(secret) {
		t.Fatalf("After reopen: got %q, want %q", got, secret)
	}
}

func TestVaultWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)

	v, err := Create(path, "correctpassphrase")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v.Put("test-key", []byte("secret-data"))
	v.Close()

	_, err = Open(path, "wrongpassphrase")
	if !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestVaultOpenOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)

	v, err := OpenOrCreate(path, "passphrase")
	if err != nil {
		t.Fatalf("OpenOrCreate (create): %v", err)
	}
	v.Put("k", []byte("v"))
	v.Close()

	v2, err := OpenOrCreate(path, "passphrase")
	if err != nil {
		t.Fatalf("OpenOrCreate (open): %v", err)
	}
	defer v2.Close()
	if !v2.Has("k") {
		t.Fatal("expected existing entry after reopen")
	}
}

func TestVaultMemoryOnly(t *testing.T) {
	v, err := CreateMemoryOnly("testpass")
	if err != nil {
		t.Fatalf("CreateMemoryOnly: %v", err)
	}
	defer v.Close()

	if err := v.Put("key1", []byte("value1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.Save(); err != nil {
		t.Fatalf("Save on memory vault: %v", err)
	}
	if v.path != "" {
		t.Fatal("Memory-only vault should have empty path")
	}
}

func TestVaultJSON(t *testing.T) {
	v, _ := CreateMemoryOnly("testpass")
	defer v.Close()

	type bundle struct {
		AccessKeyID string `json:"accessKeyId"`
		Region      string `json:"region"`
	}
	in := bundle{AccessKeyID: "AKIAEXAMPLE", Region: "eu-west-1"}
	if err := v.PutJSON("aws-credentials", in); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	var out bundle
	if err := v.GetJSON("aws-credentials", &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out != in {
		t.Fatalf("GetJSON = %+v, want %+v", out, in)
	}
}

func TestVaultDeleteAndNotFound(t *testing.T) {
	v, _ := CreateMemoryOnly("testpass")
	defer v.Close()

	v.Put("key1", []byte("value1"))
	if err := v.Delete("key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v.Has("key1") {
		t.Fatal("key1 should be deleted")
	}
	if _, err := v.Get("key1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted key: expected ErrNotFound, got %v", err)
	}
	if err := v.Delete("key1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing key: expected ErrNotFound, got %v", err)
	}
}

func TestVaultFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)

	v, err := Create(path, "testpassphrase123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v.Put("key", []byte("val"))
	v.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("Expected permissions 0600, got %o", perm)
	}
}
