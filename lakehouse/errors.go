package lakehouse

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the engine wraps exactly one of these.
var (
	ErrValidation      = errors.New("validation error")
	ErrAuthentication  = errors.New("authentication error")
	ErrStorageAccess   = errors.New("storage access error")
	ErrObjectNotFound  = errors.New("object not found")
	ErrTableNotFound   = errors.New("table not found")
	ErrAmbiguousFormat = errors.New("ambiguous table format")
	ErrCorruptMetadata = errors.New("corrupt metadata")
	ErrMissingDataFile = errors.New("missing data file")
)

// ValidationError reports input rejected before any I/O.
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StorageError wraps a failure reported by a storage gateway.
type StorageError struct {
	Op        string
	Key       string
	Kind      error
	Retryable bool
	Err       error
}

// NewStorageError classifies err under kind. Only ErrStorageAccess is retryable.
func NewStorageError(op, key string, kind, err error) *StorageError {
	return &StorageError{
		Op:        op,
		Key:       key,
		Kind:      kind,
		Retryable: errors.Is(kind, ErrStorageAccess),
		Err:       err,
	}
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: storage %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: storage %s %q: %v", e.Kind, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// TableError reports a table that cannot be located or classified.
type TableError struct {
	Location string
	Kind     error
	Reason   string
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Reason)
}

func (e *TableError) Unwrap() error {
	return e.Kind
}

// NewTableNotFound returns a TableError of kind ErrTableNotFound.
func NewTableNotFound(location, reason string) error {
	return &TableError{Location: location, Kind: ErrTableNotFound, Reason: reason}
}

// CorruptMetadataError identifies the log or manifest artifact that could not be trusted.
type CorruptMetadataError struct {
	Artifact string
	Reason   string
	Err      error
}

// NewCorruptMetadata returns a CorruptMetadataError for artifact.
func NewCorruptMetadata(artifact, reason string, err error) error {
	return &CorruptMetadataError{Artifact: artifact, Reason: reason, Err: err}
}

func (e *CorruptMetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt metadata in %s: %s: %v", e.Artifact, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt metadata in %s: %s", e.Artifact, e.Reason)
}

func (e *CorruptMetadataError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptMetadata}
	}
	return []error{ErrCorruptMetadata, e.Err}
}

// MissingDataFileError lists active files that have no physical object.
// It is never returned from an analysis; it feeds a critical recommendation.
type MissingDataFileError struct {
	Paths []string
}

func (e *MissingDataFileError) Error() string {
	const shown = 5
	paths := e.Paths
	suffix := ""
	if len(paths) > shown {
		suffix = fmt.Sprintf(" and %d more", len(paths)-shown)
		paths = paths[:shown]
	}
	return fmt.Sprintf("%d active data files missing from storage: %s%s", len(e.Paths), strings.Join(paths, ", "), suffix)
}

func (e *MissingDataFileError) Unwrap() error {
	return ErrMissingDataFile
}

// IsRetryable reports whether err may succeed when the same call is repeated.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
