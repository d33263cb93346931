// Package scan reads NFC tag data presented through a keyboard-wedge
// reader and converts it to a digest without ever retaining or showing
// the raw tag bytes.
//
// Zero-knowledge handling:
//   - Terminal echo is disabled for the whole read, so tag data never
//     appears on screen
//   - The raw bytes are hashed with SHA-256 the moment the read
//     completes and wiped immediately after
//   - Only the digest leaves this package, and its String method
//     redacts it
package scan

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"chaoskey/internal/config"
	"chaoskey/internal/securemem"
)

// Scan errors
var (
	ErrTimeout    = errors.New("scan: no tag presented before timeout")
	ErrCancelled  = errors.New("scan: cancelled")
	ErrNoInput    = errors.New("scan: empty tag read")
	ErrTagTooLong = errors.New("scan: tag data exceeds maximum length")
)

// DigestSize is the size of a tag digest in bytes.
const DigestSize = sha256.Size

// TagDigest is the SHA-256 of a scanned tag. The raw tag bytes never
// leave the scanner.
type TagDigest [DigestSize]byte

// String redacts the digest. Even the hash stays out of logs since it
// is a stable identifier for the physical tag.
func (d TagDigest) String() string { return "tag-digest[redacted]" }

// Wipe zeroes the digest in place.
func (d *TagDigest) Wipe() {
	for i := range d {
		d[i] = 0
	}
}

// IsZero reports whether the digest is all zeroes.
func (d TagDigest) IsZero() bool {
	return d == TagDigest{}
}

// Scanner reads tag presentations from a terminal or any line-oriented
// reader.
type Scanner struct {
	r        *bufio.Reader
	fd       int
	timeout  time.Duration
	maxBytes int
	logger   *slog.Logger
}

// NewScanner creates a scanner over standard input, using terminal
// echo suppression when stdin is a terminal.
func NewScanner(cfg config.ScanConfig, logger *slog.Logger) *Scanner {
	s := newScanner(cfg, logger)
	s.r = bufio.NewReader(os.Stdin)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		s.fd = int(os.Stdin.Fd())
	}
	return s
}

// NewScannerFromReader creates a scanner over an arbitrary reader.
// Echo suppression does not apply.
func NewScannerFromReader(r io.Reader, cfg config.ScanConfig, logger *slog.Logger) *Scanner {
	s := newScanner(cfg, logger)
	s.r = bufio.NewReader(r)
	return s
}

func newScanner(cfg config.ScanConfig, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		fd:       -1,
		timeout:  time.Duration(cfg.TimeoutSec) * time.Second,
		maxBytes: cfg.MaxTagBytes,
		logger:   logger.With("component", "scan"),
	}
}

type scanResult struct {
	digest TagDigest
	size   int
	err    error
}

// Scan blocks until a tag is presented, the context is cancelled, or
// the configured timeout expires. The purpose labels the prompt in logs
// without touching tag data. Only the digest is returned; the raw read
// is wiped before Scan returns.
func (s *Scanner) Scan(ctx context.Context, purpose string) (TagDigest, error) {
	var zero TagDigest

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// Snapshot the terminal state so an abandoned ReadPassword cannot
	// leave echo disabled after a timeout or cancel.
	var saved *term.State
	if s.fd >= 0 {
		if st, err := term.GetState(s.fd); err == nil {
			saved = st
		}
	}

	resultCh := make(chan scanResult, 1)
	go func() {
		resultCh <- s.readOnce()
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return zero, res.err
		}
		s.logger.Info("tag scanned", "purpose", purpose, "bytes_read", res.size)
		return res.digest, nil
	case <-ctx.Done():
		if saved != nil {
			if err := term.Restore(s.fd, saved); err != nil {
				s.logger.Warn("failed to restore terminal state", "error", err)
			}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// readOnce performs one blocking read, hashes it, and wipes the raw
// bytes on every path.
func (s *Scanner) readOnce() scanResult {
	var raw []byte
	var err error

	if s.fd >= 0 {
		raw, err = term.ReadPassword(s.fd)
	} else {
		raw, err = readLine(s.r)
	}
	defer securemem.Wipe(raw)

	if err != nil {
		return scanResult{err: fmt.Errorf("scan: read: %w", err)}
	}

	raw = bytes.TrimRight(raw, "\r\n")
	if len(raw) == 0 {
		return scanResult{err: ErrNoInput}
	}
	if s.maxBytes > 0 && len(raw) > s.maxBytes {
		return scanResult{err: ErrTagTooLong}
	}

	return scanResult{
		digest: TagDigest(sha256.Sum256(raw)),
		size:   len(raw),
	}
}

// readLine reads up to and including a newline. The scanner keeps one
// buffered reader so two sequential scans see separate lines.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoInput
		}
		return nil, err
	}
	return line, nil
}
