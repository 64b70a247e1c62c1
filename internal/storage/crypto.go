package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// RecordDescriptorName names the descriptor stride keeps in its key bundle.
const RecordDescriptorName = "stride/records"

// CryptoConfig configures envelope encryption of stored objects.
type CryptoConfig struct {
	Enabled    bool
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
	Snappy     bool
}

// Crypto seals and opens object payloads with one data key derived from the
// root key and descriptor. A nil *Crypto passes data through.
type Crypto struct {
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

// NewCrypto returns nil when cfg.Enabled is false.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch {
	case len(cfg.Context) == 0:
		return nil, fmt.Errorf("storage crypto: context required when encryption enabled")
	case cfg.Descriptor == (keymgmt.Descriptor{}):
		return nil, fmt.Errorf("storage crypto: descriptor required when encryption enabled")
	case cfg.RootKey == (keymgmt.RootKey{}):
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(8 * 1024)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	mat, err := kg.ReconstructDEK(cfg.Context, cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct DEK: %w", err)
	}
	return &Crypto{kg: kg, material: mat}, nil
}

// Enabled reports whether payloads are encrypted.
func (c *Crypto) Enabled() bool { return c != nil }

// ContentType returns the content type objects should be written with.
func (c *Crypto) ContentType() string {
	if c.Enabled() {
		return ContentTypeJSONEncrypted
	}
	return ContentTypeJSON
}

// Seal encrypts plaintext.
func (c *Crypto) Seal(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, fmt.Errorf("storage crypto: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func (c *Crypto) Open(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	r, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt read: %w", err)
	}
	return out, nil
}

// KeyMaterial is the root key and record descriptor read from a key bundle.
type KeyMaterial struct {
	Root       keymgmt.RootKey
	Descriptor keymgmt.Descriptor
}

// EnsureKeyBundle loads the PEM key bundle at path, minting a root key and
// the record descriptor when missing, and writes the bundle back.
func EnsureKeyBundle(path string, context []byte) (KeyMaterial, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return KeyMaterial{}, fmt.Errorf("read key bundle: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(RecordDescriptorName, root, context)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("ensure descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return KeyMaterial{}, fmt.Errorf("commit key bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return KeyMaterial{}, fmt.Errorf("serialize key bundle: %w", err)
		}
	}
	if !bytes.Equal(out, existing) {
		if err := writeFileAtomic(path, out, 0o600); err != nil {
			return KeyMaterial{}, err
		}
	}
	return KeyMaterial{Root: root, Descriptor: mat.Descriptor}, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key bundle dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return fmt.Errorf("create key bundle temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write key bundle: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key bundle: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
