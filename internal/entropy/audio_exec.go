package entropy

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ExecAudioCapture records ambient audio by shelling out to a system
// recorder. arecord is tried first, then ffmpeg. The raw PCM stream is
// returned to the audio source, which discards everything but the low
// bits.
type ExecAudioCapture struct {
	sampleRate int
}

// NewExecAudioCapture creates a recorder-backed capture at the given
// sample rate.
func NewExecAudioCapture(sampleRate int) *ExecAudioCapture {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &ExecAudioCapture{sampleRate: sampleRate}
}

// Available reports whether a usable recorder binary is on PATH.
func (e *ExecAudioCapture) Available() bool {
	for _, bin := range []string{"arecord", "ffmpeg"} {
		if _, err := exec.LookPath(bin); err == nil {
			return true
		}
	}
	return false
}

func (e *ExecAudioCapture) Capture(ctx context.Context, d time.Duration) ([]byte, error) {
	secs := d.Seconds()
	if secs < 0.1 {
		secs = 0.1
	}
	rate := strconv.Itoa(e.sampleRate)

	if _, err := exec.LookPath("arecord"); err == nil {
		cmd := exec.CommandContext(ctx, "arecord",
			"-q",
			"-t", "raw",
			"-f", "S16_LE",
			"-r", rate,
			"-d", strconv.Itoa(int(secs+0.999)),
		)
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("entropy: arecord: %w", err)
		}
		return out, nil
	}

	if _, err := exec.LookPath("ffmpeg"); err == nil {
		cmd := exec.CommandContext(ctx, "ffmpeg",
			"-hide_banner", "-loglevel", "error",
			"-f", "alsa", "-i", "default",
			"-t", fmt.Sprintf("%.1f", secs),
			"-f", "s16le", "-ar", rate, "-ac", "1",
			"pipe:1",
		)
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("entropy: ffmpeg: %w", err)
		}
		return out, nil
	}

	return nil, ErrSourceNotAvail
}
