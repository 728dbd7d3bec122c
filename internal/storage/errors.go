package storage

import "errors"

var (
	// ErrNoValidArtifact is returned when no pending artifact within the age
	// window exists for the current date. Callers treat this as an empty
	// cycle, not a failure.
	ErrNoValidArtifact = errors.New("no valid pending artifact")

	// ErrInvalidArtifact is returned when an artifact fails validation
	// before persisting, so malformed opportunities never reach execution.
	ErrInvalidArtifact = errors.New("artifact failed validation")

	// ErrArtifactNotFound is returned when a blob path resolves to nothing.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrWrite wraps any filesystem failure while writing an artifact.
	ErrWrite = errors.New("artifact write failed")
)
