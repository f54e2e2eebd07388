package knowledge

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline. Handlers translate these into HTTP codes;
// everything else is treated as an internal failure.
var (
	ErrNotFound        = errors.New("knowledge: not found")
	ErrInvalidArgument = errors.New("knowledge: invalid argument")
	ErrConflict        = errors.New("knowledge: ingestion already in progress")
	ErrForbidden       = errors.New("knowledge: forbidden")
)

// ProviderError reports a failure of the embedding provider: a non-2xx response
// or a malformed payload. Ingestion aborts on it without writing any chunks.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("knowledge: embedding provider status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("knowledge: embedding provider: %s", e.Message)
}

// StorageError reports an object-store failure during ingestion.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("knowledge: storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
