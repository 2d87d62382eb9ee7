package certs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hipaadirect/direct-go/internal/address"
)

// ErrNotStored is returned by Store.Load for an unknown address.
var ErrNotStored = errors.New("no certificate stored for address")

// Store persists certificate and key material at rest.
type Store interface {
	// Save stores the PEM certificate and, when non-nil, the PEM private key.
	Save(ctx context.Context, a address.Address, certPEM, keyPEM []byte) error
	// Load returns the stored PEM blocks. keyPEM is nil when no key is stored.
	Load(ctx context.Context, a address.Address) (certPEM, keyPEM []byte, err error)
	// Delete removes everything stored for a.
	Delete(ctx context.Context, a address.Address) error
}

// FileStore keeps certificates in dir and keys in dir/private.
// Certificates are world-readable; keys are readable by the owner only.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory layout if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "private"), 0o700); err != nil {
		return nil, fmt.Errorf("create certificate store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) certPath(a address.Address) string {
	return filepath.Join(s.dir, a.FileSafe()+".crt")
}

func (s *FileStore) keyPath(a address.Address) string {
	return filepath.Join(s.dir, "private", a.FileSafe()+".key")
}

// Save writes both files atomically.
func (s *FileStore) Save(_ context.Context, a address.Address, certPEM, keyPEM []byte) error {
	if keyPEM != nil {
		if err := writeAtomic(s.keyPath(a), keyPEM, 0o600); err != nil {
			return fmt.Errorf("save key: %w", err)
		}
	}
	if err := writeAtomic(s.certPath(a), certPEM, 0o644); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	return nil
}

// Load reads the stored files.
func (s *FileStore) Load(_ context.Context, a address.Address) ([]byte, []byte, error) {
	certPEM, err := os.ReadFile(s.certPath(a))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotStored, a)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(s.keyPath(a))
	if errors.Is(err, os.ErrNotExist) {
		return certPEM, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read key: %w", err)
	}
	return certPEM, keyPEM, nil
}

// Delete removes both files.
func (s *FileStore) Delete(_ context.Context, a address.Address) error {
	var errs []error
	for _, p := range []string{s.certPath(a), s.keyPath(a)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// MemoryStore keeps material in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string][]byte
	keys  map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: map[string][]byte{}, keys: map[string][]byte{}}
}

// Save stores copies of the PEM blocks.
func (s *MemoryStore) Save(_ context.Context, a address.Address, certPEM, keyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := a.FileSafe()
	s.certs[k] = append([]byte(nil), certPEM...)
	if keyPEM != nil {
		s.keys[k] = append([]byte(nil), keyPEM...)
	}
	return nil
}

// Load returns the stored PEM blocks.
func (s *MemoryStore) Load(_ context.Context, a address.Address) ([]byte, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := a.FileSafe()
	c, ok := s.certs[k]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotStored, a)
	}
	return c, s.keys[k], nil
}

// Delete removes a.
func (s *MemoryStore) Delete(_ context.Context, a address.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.certs, a.FileSafe())
	delete(s.keys, a.FileSafe())
	return nil
}
