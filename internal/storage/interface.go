package storage

import (
	"time"

	"github.com/tstrasser/wheelhouse/internal/models"
)

// Interface defines the contract for scan artifact persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call them from multiple
// goroutines.
//
// The provided FileStore implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent
// readers and writers. Artifact races across processes are out of scope:
// one service instance owns a store root.
type Interface interface {
	// Persist validates and writes the artifact under its scan-time key,
	// returning the blob path relative to the store root.
	Persist(artifact *models.ScanArtifact) (string, error)

	// RetrieveLatestValid returns the newest pending artifact for the
	// current date whose age at now is within maxAge, along with its blob
	// path. The age check is boundary-inclusive: an artifact exactly maxAge
	// old is still valid. Returns ErrNoValidArtifact when nothing qualifies.
	RetrieveLatestValid(now time.Time, maxAge time.Duration) (*models.ScanArtifact, string, error)

	// MarkExecuted atomically rewrites the artifact's status to EXECUTED.
	// Marking an already-executed artifact is a no-op.
	MarkExecuted(blobPath string) error
}

// NewStorage creates a new storage implementation (currently file-based).
// In the future, this can be extended to support different storage backends.
func NewStorage(root string) (Interface, error) {
	return NewFileStore(root)
}

// Ensure FileStore implements Interface
var _ Interface = (*FileStore)(nil)
