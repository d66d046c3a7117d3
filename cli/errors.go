package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/TFMV/drainage/config"
	"github.com/TFMV/drainage/lakehouse"
)

// ErrUnhealthy is returned by analyze when a score falls below --fail-below.
var ErrUnhealthy = errors.New("table health below threshold")

// describeError maps error kinds to a message with a hint for the user.
func describeError(err error) string {
	var (
		verr *lakehouse.ValidationError
		terr *lakehouse.TableError
		cerr *lakehouse.CorruptMetadataError
		serr *lakehouse.StorageError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return "Analysis canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Analysis timed out: %v\n💡 Raise analysis.request_timeout or --timeout", err)
	case errors.As(err, &verr):
		return fmt.Sprintf("Invalid input: %v", err)
	case errors.Is(err, lakehouse.ErrAmbiguousFormat) && errors.As(err, &terr):
		return fmt.Sprintf("Could not tell the table format at %s: %s\n💡 Pass --type delta or --type iceberg", terr.Location, terr.Reason)
	case errors.Is(err, lakehouse.ErrTableNotFound) && errors.As(err, &terr):
		return fmt.Sprintf("No table found at %s: %s\n💡 Check the path points at the table root", terr.Location, terr.Reason)
	case errors.As(err, &cerr):
		return fmt.Sprintf("Table metadata is corrupt: %v", err)
	case errors.Is(err, lakehouse.ErrAuthentication):
		return fmt.Sprintf("Access denied: %v\n💡 Check credentials with --access-key/--secret-key or the storage section of %s", err, config.FileName)
	case errors.As(err, &serr):
		return fmt.Sprintf("Storage request failed: %v", err)
	}
	return err.Error()
}

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUnhealthy):
		return 2
	case errors.Is(err, lakehouse.ErrValidation):
		return 64
	}
	return 1
}
