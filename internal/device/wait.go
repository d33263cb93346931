package device

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForDevice blocks until a device becomes identifiable or the
// timeout expires. Directories in watchDirs (device symlink trees such
// as /dev/disk/by-id) are watched for hotplug events; each event
// triggers a re-enumeration. An immediate check covers devices that
// were already plugged in.
func (id *Identifier) WaitForDevice(ctx context.Context, watchDirs []string, timeout time.Duration) (Fingerprint, Confidence, error) {
	if fp, conf, err := id.Identify(ctx); err == nil {
		return fp, conf, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Fingerprint{}, ConfidenceLow, err
	}
	defer watcher.Close()

	watching := 0
	for _, dir := range watchDirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			id.logger.Debug("watch failed", "dir", dir, "error", err)
			continue
		}
		watching++
	}

	// Poll as a backstop when nothing is watchable, and to catch
	// devices whose symlinks appear outside the watched trees.
	poll := time.NewTicker(pollInterval(watching))
	defer poll.Stop()

	id.logger.Info("waiting for device", "watched_dirs", watching)
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Fingerprint{}, ConfidenceLow, ErrWaitTimeout
			}
			return Fingerprint{}, ConfidenceLow, ctx.Err()

		case event := <-watcher.Events:
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Give the kernel a moment to finish device setup.
			time.Sleep(200 * time.Millisecond)
			if fp, conf, err := id.Identify(ctx); err == nil {
				return fp, conf, nil
			}

		case err := <-watcher.Errors:
			id.logger.Debug("watcher error", "error", err)

		case <-poll.C:
			if fp, conf, err := id.Identify(ctx); err == nil {
				return fp, conf, nil
			}
		}
	}
}

func pollInterval(watching int) time.Duration {
	if watching == 0 {
		return 500 * time.Millisecond
	}
	return 3 * time.Second
}
