// Package storage persists scan artifacts as date-partitioned JSON blobs so
// an execute cycle can pick up what the most recent scan found. Keys follow
// opportunities/{YYYY-MM-DD}/{HH-MM}.json on the artifact's UTC scan time.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tstrasser/wheelhouse/internal/models"
)

const (
	dayFormat  = "2006-01-02"
	slotFormat = "15-04"
)

// FileStore is a filesystem-backed Interface implementation. Writes are
// staged to a temp file and renamed into place so readers never observe a
// partially written artifact.
type FileStore struct {
	mu   sync.RWMutex
	root string
}

// NewFileStore creates the store root if needed and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// BlobKey returns the store key for a scan time.
func BlobKey(scanTime time.Time) string {
	st := scanTime.UTC()
	return fmt.Sprintf("opportunities/%s/%s.json", st.Format(dayFormat), st.Format(slotFormat))
}

// Persist writes the artifact under its scan-time key. Every opportunity is
// validated first so nothing missing a sizing field ever reaches execution.
func (s *FileStore) Persist(artifact *models.ScanArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("%w: nil artifact", ErrInvalidArtifact)
	}
	if artifact.ScanTime.IsZero() {
		return "", fmt.Errorf("%w: zero scan time", ErrInvalidArtifact)
	}
	for i := range artifact.Opportunities {
		if err := artifact.Opportunities[i].Validate(0); err != nil {
			return "", fmt.Errorf("%w: opportunity %d: %v", ErrInvalidArtifact, i, err)
		}
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding artifact: %v", ErrWrite, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := BlobKey(artifact.ScanTime)
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("%w: creating partition: %v", ErrWrite, err)
	}
	if err := writeAtomic(full, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return key, nil
}

// RetrieveLatestValid walks the current date's partition newest-first and
// returns the first pending artifact still inside the age window. Unreadable
// blobs are skipped; they cannot be executed either way.
func (s *FileStore) RetrieveLatestValid(now time.Time, maxAge time.Duration) (*models.ScanArtifact, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := now.UTC().Format(dayFormat)
	dir := filepath.Join(s.root, "opportunities", day)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNoValidArtifact
		}
		return nil, "", fmt.Errorf("listing partition %s: %w", day, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// HH-MM names sort lexically in time order; walk newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 -- paths are store-generated
		if err != nil {
			continue
		}
		var artifact models.ScanArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			continue
		}
		if artifact.Status != models.ArtifactPending {
			continue
		}
		if !artifact.Fresh(now, maxAge) {
			continue
		}
		return &artifact, fmt.Sprintf("opportunities/%s/%s", day, name), nil
	}
	return nil, "", ErrNoValidArtifact
}

// MarkExecuted rewrites the artifact at blobPath with status EXECUTED. The
// rewrite is atomic and idempotent.
func (s *FileStore) MarkExecuted(blobPath string) error {
	clean := filepath.Clean(filepath.FromSlash(blobPath))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("%w: %q outside store root", ErrArtifactNotFound, blobPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	full := filepath.Join(s.root, clean)
	data, err := os.ReadFile(full) // #nosec G304 -- path is confined to the store root above
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, blobPath)
		}
		return fmt.Errorf("reading artifact %s: %w", blobPath, err)
	}

	var artifact models.ScanArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return fmt.Errorf("decoding artifact %s: %w", blobPath, err)
	}
	if artifact.Status == models.ArtifactExecuted {
		return nil
	}

	artifact.Status = models.ArtifactExecuted
	out, err := json.MarshalIndent(&artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding artifact: %v", ErrWrite, err)
	}
	if err := writeAtomic(full, out); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// writeAtomic stages data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("promoting %s: %w (cleanup failed: %v)", filepath.Base(path), err, rmErr)
		}
		return fmt.Errorf("promoting %s: %w", filepath.Base(path), err)
	}
	return nil
}
