//go:build unix

package securemem

import "golang.org/x/sys/unix"

// lock attempts to pin the buffer memory so it cannot be swapped out.
func (b *Buffer) lock() error {
	if len(b.data) == 0 {
		return nil
	}
	return unix.Mlock(b.data)
}

// unlock releases the memory pin.
func (b *Buffer) unlock() {
	if len(b.data) == 0 {
		return
	}
	unix.Munlock(b.data)
	b.locked = false
}
