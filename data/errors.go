package data

import (
	"errors"
	"sync"
)

// Standard chunkfs errors that backend implementations should use.
var (
	// Lookup errors
	ErrNotExist = errors.New("chunkfs: does not exist")
	ErrExist    = errors.New("chunkfs: already exists")

	// Data integrity errors
	ErrCorrupted     = errors.New("chunkfs: corrupted data")
	ErrSerialization = errors.New("chunkfs: serialization failed")

	// Backend errors
	ErrStorage            = errors.New("chunkfs: storage operation failed")
	ErrBackendUnavailable = errors.New("chunkfs: backend unavailable")

	// Usage errors
	ErrInvalid    = errors.New("chunkfs: invalid argument")
	ErrPermission = errors.New("chunkfs: permission denied")
	ErrInternal   = errors.New("chunkfs: internal error")

	// Lifecycle errors
	ErrClosed = errors.New("chunkfs: already closed")
)

type Errors struct {
	mu     sync.RWMutex
	errors []error
}

func (e *Errors) Add(err error) {
	if err == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.errors = append(e.errors, err)
}

func (e *Errors) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errors = nil
}

func (e *Errors) Errors() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.errors) == 0 {
		return nil
	}

	return errors.Join(e.errors...)
}
