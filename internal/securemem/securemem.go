// Package securemem provides handling for sensitive byte buffers.
//
// This package implements:
//   - Secure wiping (prevents key recovery from memory)
//   - Memory locking (prevents swapping of sensitive data, where supported)
//   - Constant-time comparisons (prevents timing attacks)
//
// Every factor value, derived seed, and intermediate digest in chaoskey
// passes through this package on its way out of scope.
package securemem

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// Buffer is a byte slice that gets zeroed when destroyed.
// Use this for tag-scan buffers, seeds, and derived key material.
type Buffer struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewBuffer creates a Buffer with the given size. The memory is locked
// against swapping when the platform and privileges allow; failure to
// lock is not an error.
func NewBuffer(size int) *Buffer {
	b := &Buffer{data: make([]byte, size)}

	if err := b.lock(); err == nil {
		b.locked = true
	}

	runtime.SetFinalizer(b, func(b *Buffer) {
		b.Destroy()
	})

	return b
}

// FromBytes creates a Buffer from existing data. The original slice is
// wiped after copying so only one live copy remains.
func FromBytes(data []byte) *Buffer {
	b := NewBuffer(len(data))
	copy(b.data, data)
	Wipe(data)
	return b
}

// Bytes returns the underlying slice. The returned slice must not be
// stored; use it immediately.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Destroy wipes and releases the buffer. Safe to call more than once.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return
	}

	wipeBytes(b.data)
	if b.locked {
		b.unlock()
	}
	b.data = nil
}

// Wipe overwrites a byte slice with zeros. The explicit loop plus
// runtime.KeepAlive keeps the compiler from eliding the writes.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Guarded executes fn with key and wipes key afterwards, on every path.
func Guarded(key []byte, fn func([]byte) error) error {
	defer Wipe(key)
	return fn(key)
}
