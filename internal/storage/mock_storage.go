package storage

import (
	"time"

	"github.com/tstrasser/wheelhouse/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	artifact *models.ScanArtifact
	blobPath string

	persistErr  error
	retrieveErr error
	markErr     error

	persistCalls  int
	retrieveCalls int
	markCalls     int

	executedPaths []string
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// SetArtifact seeds the artifact RetrieveLatestValid will consider.
func (m *MockStorage) SetArtifact(artifact *models.ScanArtifact) {
	m.artifact = artifact
	if artifact != nil {
		m.blobPath = BlobKey(artifact.ScanTime)
	}
}

// FailPersist makes Persist return err.
func (m *MockStorage) FailPersist(err error) { m.persistErr = err }

// FailRetrieve makes RetrieveLatestValid return err.
func (m *MockStorage) FailRetrieve(err error) { m.retrieveErr = err }

// FailMarkExecuted makes MarkExecuted return err.
func (m *MockStorage) FailMarkExecuted(err error) { m.markErr = err }

// PersistCalls reports how many times Persist ran.
func (m *MockStorage) PersistCalls() int { return m.persistCalls }

// RetrieveCalls reports how many times RetrieveLatestValid ran.
func (m *MockStorage) RetrieveCalls() int { return m.retrieveCalls }

// MarkExecutedCalls reports how many times MarkExecuted ran.
func (m *MockStorage) MarkExecutedCalls() int { return m.markCalls }

// ExecutedPaths returns every blob path passed to MarkExecuted.
func (m *MockStorage) ExecutedPaths() []string { return m.executedPaths }

// Persist stores the artifact in memory under its scan-time key.
func (m *MockStorage) Persist(artifact *models.ScanArtifact) (string, error) {
	m.persistCalls++
	if m.persistErr != nil {
		return "", m.persistErr
	}
	for i := range artifact.Opportunities {
		if err := artifact.Opportunities[i].Validate(0); err != nil {
			return "", err
		}
	}
	m.artifact = artifact
	m.blobPath = BlobKey(artifact.ScanTime)
	return m.blobPath, nil
}

// RetrieveLatestValid returns the seeded artifact when it is pending and
// inside the age window.
func (m *MockStorage) RetrieveLatestValid(now time.Time, maxAge time.Duration) (*models.ScanArtifact, string, error) {
	m.retrieveCalls++
	if m.retrieveErr != nil {
		return nil, "", m.retrieveErr
	}
	if m.artifact == nil || m.artifact.Status != models.ArtifactPending || !m.artifact.Fresh(now, maxAge) {
		return nil, "", ErrNoValidArtifact
	}
	return m.artifact, m.blobPath, nil
}

// MarkExecuted flips the seeded artifact to EXECUTED when the path matches.
func (m *MockStorage) MarkExecuted(blobPath string) error {
	m.markCalls++
	if m.markErr != nil {
		return m.markErr
	}
	if m.artifact == nil || blobPath != m.blobPath {
		return ErrArtifactNotFound
	}
	m.artifact.Status = models.ArtifactExecuted
	m.executedPaths = append(m.executedPaths, blobPath)
	return nil
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
