package chunked

import "github.com/pkg/errors"

// Failure classes for chunked element operations. Callers match them
// with errors.Is; the wrapped message carries the operation detail.
var (
	ErrArgument  = errors.New("chunked: invalid argument")
	ErrStorageIO = errors.New("chunked: storage I/O failed")
	ErrDirectory = errors.New("chunked: chunk directory inconsistent")
	ErrCodec     = errors.New("chunked: codec failure")
	ErrNotFound  = errors.New("chunked: element not found")
	ErrExhausted = errors.New("chunked: resource exhausted")
)
