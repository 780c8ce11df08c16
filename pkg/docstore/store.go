// Package docstore implements content-addressed, immutable storage for
// source documents. Writing bytes is idempotent by content hash; there is
// no mutation path. Visibility is enforced one layer up via company
// document links — the blob layer itself may dedup across tenants.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/regtrace/regtrace/pkg/errkind"
)

// Store is the contract for content-addressed document storage.
type Store interface {
	// Put persists data and returns its content hash (SHA-256 hex).
	// Putting identical bytes returns the existing hash without a rewrite.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the original bytes by content hash. The returned bytes
	// are re-hashed before return; a mismatch is an integrity failure.
	Get(ctx context.Context, docHash string) ([]byte, error)
	// Exists checks presence by content hash.
	Exists(ctx context.Context, docHash string) (bool, error)
}

// HashBytes returns the doc_hash for raw document bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func validateHash(docHash string) error {
	if len(docHash) != 64 {
		return errkind.E(errkind.Validation, "invalid doc_hash length: %d", len(docHash))
	}
	if _, err := hex.DecodeString(docHash); err != nil {
		return errkind.Wrap(errkind.Validation, err, "invalid doc_hash hex")
	}
	return nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a document store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "ensure document dir")
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(docHash string) string {
	return filepath.Join(s.baseDir, docHash+".blob")
}

// Put writes bytes atomically: temp file then rename. Concurrent writers of
// identical bytes are idempotent by doc_hash.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docHash := HashBytes(data)
	path := s.blobPath(docHash)

	if _, err := os.Stat(path); err == nil {
		return docHash, nil // already stored, never rewritten
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", errkind.Wrap(errkind.Dependency, err, "write blob")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", errkind.Wrap(errkind.Dependency, err, "commit blob")
	}
	return docHash, nil
}

func (s *FileStore) Get(ctx context.Context, docHash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := validateHash(docHash); err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(docHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.E(errkind.NotFound, "document not found: %s", docHash)
		}
		return nil, errkind.Wrap(errkind.Dependency, err, "open blob")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "read blob")
	}
	if got := HashBytes(data); got != docHash {
		return nil, errkind.E(errkind.Integrity,
			"stored bytes do not match doc_hash %s (got %s)", docHash, got)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, docHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := validateHash(docHash); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.blobPath(docHash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errkind.Wrap(errkind.Dependency, err, "stat blob")
	}
	return true, nil
}

var _ Store = (*FileStore)(nil)

// Describe is a debugging helper used by the doctor CLI path.
func (s *FileStore) Describe() string {
	return fmt.Sprintf("file store at %s", s.baseDir)
}
