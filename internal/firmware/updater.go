package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"carshare-box/internal/logger"
)

var (
	// ErrIncomplete means the image ended before its announced size.
	ErrIncomplete = errors.New("incomplete image")
	// ErrChecksum means the image does not match X-Checksum-Sha256.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrStalled means the server sent nothing for StallTimeout.
	ErrStalled = errors.New("download stalled")
)

const checksumHeader = "X-Checksum-Sha256"

// Restarter boots into the freshly written image.
type Restarter interface {
	Restart() error
}

// SystemdRestarter reboots the box through systemd.
type SystemdRestarter struct{}

func (SystemdRestarter) Restart() error {
	return exec.Command("systemctl", "reboot").Run()
}

type Config struct {
	ImagePath  string
	MaxResumes int
	// Timeout bounds the whole download, resumes included. Zero means
	// no bound.
	Timeout time.Duration
	// StallTimeout aborts a request that receives no data for this long.
	// The stall then counts as a short read and is resumed.
	StallTimeout time.Duration
}

// Updater downloads an image, verifies it and commits it in place of the
// current one. Nothing at ImagePath changes unless the whole image
// verified.
type Updater struct {
	http      *http.Client
	headers   func(http.Header)
	cfg       Config
	restarter Restarter
	logger    *logger.Logger
}

func NewUpdater(client *http.Client, headers func(http.Header), cfg Config, restarter Restarter, l *logger.Logger) *Updater {
	if cfg.MaxResumes < 0 {
		cfg.MaxResumes = 0
	}
	return &Updater{
		http:      client,
		headers:   headers,
		cfg:       cfg,
		restarter: restarter,
		logger:    l,
	}
}

// Apply downloads url, commits it and restarts. It returns only on
// failure or after the restart request.
func (u *Updater) Apply(ctx context.Context, url string) error {
	if err := u.Download(ctx, url); err != nil {
		return err
	}
	u.logger.Infof("Image committed to %s, restarting", u.cfg.ImagePath)
	if err := u.restarter.Restart(); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}
	return nil
}

type download struct {
	written  int64
	total    int64 // -1 if the server did not say
	checksum string
	sum      hash.Hash
}

// Download streams url into a temp file beside ImagePath, resuming with
// HTTP Range after short reads, and renames it into place once verified.
func (u *Updater) Download(ctx context.Context, url string) error {
	if u.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.Timeout)
		defer cancel()
	}

	dir := filepath.Dir(u.cfg.ImagePath)
	tmp, err := os.CreateTemp(dir, ".image-*")
	if err != nil {
		return fmt.Errorf("failed to create temp image: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	d := &download{total: -1, sum: sha256.New()}
	w := io.MultiWriter(tmp, d.sum)

	for attempt := 0; ; attempt++ {
		done, err := u.fetch(ctx, url, d, w)
		if err == nil && done {
			break
		}
		if err != nil && (errors.Is(err, ErrChecksum) || ctx.Err() != nil) {
			return err
		}
		if attempt >= u.cfg.MaxResumes {
			if err == nil {
				err = fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, d.written, d.total)
			}
			return err
		}
		u.logger.Warnf("Download interrupted at %d bytes (%v), resuming", d.written, err)
	}

	if d.total >= 0 && d.written != d.total {
		return fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, d.written, d.total)
	}
	if d.checksum != "" {
		if got := hex.EncodeToString(d.sum.Sum(nil)); !strings.EqualFold(got, d.checksum) {
			return fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, d.checksum)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), u.cfg.ImagePath); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return fmt.Errorf("failed to commit image: %w", err)
	}
	committed = true
	u.logger.Infof("Downloaded %d bytes", d.written)
	return nil
}

// fetch issues one GET from d.written onwards and copies the body. It
// reports done once the announced size (or EOF, if none) is reached.
func (u *Updater) fetch(ctx context.Context, url string, d *download, w io.Writer) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	var watchdog *time.Timer
	if u.cfg.StallTimeout > 0 {
		watchdog = time.AfterFunc(u.cfg.StallTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}
	stallErr := func(err error) error {
		if stalled.Load() {
			return fmt.Errorf("%w after %s", ErrStalled, u.cfg.StallTimeout)
		}
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if u.headers != nil {
		u.headers(req.Header)
	}
	if d.written > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", d.written))
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return false, stallErr(err)
	}
	defer resp.Body.Close()

	switch {
	case d.written == 0 && resp.StatusCode == http.StatusOK:
		d.total = resp.ContentLength
		d.checksum = resp.Header.Get(checksumHeader)
		u.logger.Infof("Downloading firmware image (%d bytes)", d.total)
	case d.written > 0 && resp.StatusCode == http.StatusPartialContent:
		if sum := resp.Header.Get(checksumHeader); sum != "" && d.checksum != "" && !strings.EqualFold(sum, d.checksum) {
			return false, fmt.Errorf("%w: image changed while resuming", ErrChecksum)
		}
		if d.total < 0 {
			d.total = parseTotal(resp.Header.Get("Content-Range"))
		}
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if watchdog != nil {
		body = &watchedReader{r: resp.Body, watchdog: watchdog, idle: u.cfg.StallTimeout}
	}
	n, err := io.Copy(w, body)
	d.written += n
	if err != nil {
		return false, stallErr(err)
	}
	if d.total < 0 {
		return true, nil
	}
	return d.written >= d.total, nil
}

// watchedReader pushes the stall watchdog back on every chunk received.
type watchedReader struct {
	r        io.Reader
	watchdog *time.Timer
	idle     time.Duration
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.watchdog.Reset(w.idle)
	}
	return n, err
}

// parseTotal reads the full size from a Content-Range header.
func parseTotal(contentRange string) int64 {
	i := strings.LastIndexByte(contentRange, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(contentRange[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
