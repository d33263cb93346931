//go:build !unix

package securemem

import "errors"

var errNotSupported = errors.New("securemem: memory locking not supported")

func (b *Buffer) lock() error { return errNotSupported }

func (b *Buffer) unlock() {}
