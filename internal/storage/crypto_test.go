package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/kryptograf"
)

func TestNewCryptoRequiresMaterial(t *testing.T) {
	root := kryptograf.MustGenerateRootKey()
	mat, err := kryptograf.New(root).MintDEK([]byte("records"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	desc := mat.Descriptor
	mat.Zero()

	if _, err := NewCrypto(CryptoConfig{Enabled: true, Descriptor: desc, Context: []byte("records")}); err == nil {
		t.Fatal("expected error without root key")
	}
	if _, err := NewCrypto(CryptoConfig{Enabled: true, RootKey: root, Context: []byte("records")}); err == nil {
		t.Fatal("expected error without descriptor")
	}
	if _, err := NewCrypto(CryptoConfig{Enabled: true, RootKey: root, Descriptor: desc}); err == nil {
		t.Fatal("expected error without context")
	}
	c, err := NewCrypto(CryptoConfig{})
	if err != nil || c != nil {
		t.Fatalf("disabled crypto: c=%v err=%v", c, err)
	}
	if c.ContentType() != ContentTypeJSON {
		t.Fatalf("unexpected content type %q", c.ContentType())
	}
	plain, _ := c.Seal([]byte("x"))
	if string(plain) != "x" {
		t.Fatalf("disabled crypto altered payload")
	}
}

func TestKeyBundleSealOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "stride.pem")
	ctx := []byte("stride/custodian")
	first, err := EnsureKeyBundle(path, ctx)
	if err != nil {
		t.Fatalf("EnsureKeyBundle: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("bundle not written: %v", err)
	}
	second, err := EnsureKeyBundle(path, ctx)
	if err != nil {
		t.Fatalf("EnsureKeyBundle reload: %v", err)
	}
	if first.Root != second.Root || first.Descriptor != second.Descriptor {
		t.Fatal("reloaded bundle differs")
	}
	c, err := NewCrypto(CryptoConfig{Enabled: true, RootKey: second.Root, Descriptor: second.Descriptor, Context: ctx})
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	plaintext := []byte(`{"secret":"00ff"}`)
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("got %q", opened)
	}
	if c.ContentType() != ContentTypeJSONEncrypted {
		t.Fatalf("unexpected content type %q", c.ContentType())
	}
}
