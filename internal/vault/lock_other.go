//go:build !unix

package vault

import (
	"errors"
	"time"
)

// ErrLockTimeout is returned when another process holds the vault lock
// past the configured wait.
var ErrLockTimeout = errors.New("vault: lock held by another process")

// fileLock is a no-op on platforms without flock. The in-process mutex
// still serializes access within one process.
type fileLock struct{}

func acquireLock(_ string, _ time.Duration) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() {}
