package engine

import (
	"fmt"

	"github.com/KevoDB/regiondb/pkg/common/status"
)

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = fmt.Errorf("%w: engine is closed", status.ErrClosed)
	// ErrKeyNotFound is returned when a key is not found
	ErrKeyNotFound = fmt.Errorf("%w: key not found", status.ErrNotFound)
	// ErrInvalidKey is returned for an empty user key or a raw key that is not 32 bytes
	ErrInvalidKey = fmt.Errorf("%w: invalid key", status.ErrInvalidArgument)
	// ErrHandleReleased is returned by every method of a released handle
	ErrHandleReleased = fmt.Errorf("%w: value handle was released", status.ErrReleased)
	// ErrBatchClosed is returned when a committed or discarded batch is reused
	ErrBatchClosed = fmt.Errorf("%w: batch already committed or discarded", status.ErrInvalidArgument)
	// ErrEngineFailed wraps the error that stopped the engine from accepting writes
	ErrEngineFailed = fmt.Errorf("%w: engine failed", status.ErrIOFailure)
)
