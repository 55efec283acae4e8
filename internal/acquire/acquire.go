// Package acquire downloads a firmware image over HTTP/HTTPS into the
// inactive slot. Gateway only. Transient failures are retried on the
// shared retry policy; client errors, malformed images and downgrades are
// terminal.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"meshota/internal/retry"
	"meshota/internal/slot"
	"meshota/internal/version"
)

// ChunkSize is the streaming read/write granularity. It matches the mesh
// block size so one chunk later maps onto one distribution block.
const ChunkSize = 1024

var (
	// ErrBusy is returned when a download is already in progress.
	ErrBusy = errors.New("download already in progress")
	// ErrBadURL is returned for URLs that are not http or https.
	ErrBadURL = errors.New("invalid firmware URL")
	// ErrCancelled is returned when the cooperative cancel flag fires.
	ErrCancelled = errors.New("download cancelled")
	// ErrDowngradeRejected is the post-download downgrade veto.
	ErrDowngradeRejected = errors.New("downgrade rejected")
)

// Downloader streams firmware into the inactive slot.
type Downloader struct {
	slots  *slot.Manager
	client *http.Client
	policy retry.Policy

	// Uplink, when set, must confirm internet reachability before the
	// first attempt. The gateway wires the STUN probe here.
	Uplink func(ctx context.Context) error

	mu         sync.Mutex
	inProgress bool
	cancelled  atomic.Bool
	progress   atomic.Uint64 // progress * 1e6
}

// NewDownloader builds a Downloader with the default device retry policy.
func NewDownloader(slots *slot.Manager) *Downloader {
	return &Downloader{
		slots:  slots,
		client: &http.Client{Timeout: 5 * time.Minute},
		policy: retry.Default,
	}
}

// SetPolicy overrides the retry policy (tests).
func (d *Downloader) SetPolicy(p retry.Policy) { d.policy = p }

// InProgress reports whether a download is running.
func (d *Downloader) InProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inProgress
}

// Progress returns 0.0-1.0. When the server sends no content length a
// heuristic 0.5 is reported while streaming.
func (d *Downloader) Progress() float64 {
	if !d.InProgress() {
		return 0
	}
	return float64(d.progress.Load()) / 1e6
}

// Cancel requests a cooperative abort. Idempotent; safe to call when no
// download is running.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inProgress {
		d.cancelled.Store(true)
	}
}

// Download fetches rawURL into the inactive slot, validates the image and
// applies the downgrade veto. It blocks until done; run it
// on a background task and poll Progress.
func (d *Downloader) Download(ctx context.Context, rawURL string) error {
	if err := checkURL(rawURL); err != nil {
		return err
	}

	d.mu.Lock()
	if d.inProgress {
		d.mu.Unlock()
		return ErrBusy
	}
	d.inProgress = true
	d.cancelled.Store(false)
	d.progress.Store(0)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inProgress = false
		d.mu.Unlock()
		d.progress.Store(0)
	}()

	if d.Uplink != nil {
		if err := d.Uplink(ctx); err != nil {
			return fmt.Errorf("uplink check failed: %w", err)
		}
	}

	log.WithField("url", rawURL).Info("starting firmware download")

	err := d.policy.Do(ctx, func() error {
		d.progress.Store(0)
		return d.attempt(ctx, rawURL)
	})
	if err != nil {
		log.WithError(err).Error("firmware download failed")
		return err
	}

	hdr, err := d.finalize()
	if err != nil {
		return err
	}
	d.progress.Store(1e6)
	log.WithFields(log.Fields{"version": hdr.Version, "size": hdr.TotalSize()}).
		Info("firmware download complete")
	return nil
}

// attempt performs one full fetch into the inactive slot.
func (d *Downloader) attempt(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Permanent(err)
	}

	res, err := d.client.Do(req)
	if err != nil {
		return err // network failure, retryable
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("server rejected download: %s", res.Status))
	default:
		return fmt.Errorf("server error: %s", res.Status)
	}

	w, err := d.slots.OpenInactive()
	if err != nil {
		return retry.Permanent(err)
	}

	written, err := d.stream(res.Body, w, res.ContentLength)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			log.WithError(abortErr).Warn("failed to discard partial image")
		}
		return err
	}

	if res.ContentLength > 0 && written != res.ContentLength {
		if abortErr := w.Abort(); abortErr != nil {
			log.WithError(abortErr).Warn("failed to discard partial image")
		}
		return retry.Permanent(fmt.Errorf("size mismatch: read %d bytes, expected %d", written, res.ContentLength))
	}

	return w.Close()
}

func (d *Downloader) stream(body io.Reader, w io.Writer, contentLength int64) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		// Cancellation is cooperative: the flag is only observed here, at
		// the chunk boundary.
		if d.cancelled.Load() {
			return written, retry.Permanent(ErrCancelled)
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, retry.Permanent(werr)
			}
			written += int64(n)
			d.updateProgress(written, contentLength)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err // stream broke mid-body, retryable
		}
	}
}

func (d *Downloader) updateProgress(written, contentLength int64) {
	if contentLength <= 0 {
		// Unknown size; report a mid-way placeholder while streaming.
		d.progress.Store(5e5)
		return
	}
	p := float64(written) / float64(contentLength)
	if p > 1 {
		p = 1
	}
	d.progress.Store(uint64(p * 1e6))
}

// finalize validates the written image and applies the downgrade veto: a
// downgrade (or anything unparseable) invalidates the slot.
func (d *Downloader) finalize() (slot.Header, error) {
	hdr, err := d.slots.ValidateInactive()
	if err != nil {
		if invErr := d.slots.Invalidate(); invErr != nil {
			log.WithError(invErr).Warn("failed to invalidate slot")
		}
		return slot.Header{}, fmt.Errorf("image validation failed: %w", err)
	}

	current, err := d.slots.ActiveVersion()
	if err != nil {
		// Can't prove the candidate isn't a downgrade, so refuse it.
		if invErr := d.slots.Invalidate(); invErr != nil {
			log.WithError(invErr).Warn("failed to invalidate slot")
		}
		return slot.Header{}, fmt.Errorf("%w: active version unreadable: %v", ErrDowngradeRejected, err)
	}

	if version.IsDowngrade(hdr.Version, current) {
		if invErr := d.slots.Invalidate(); invErr != nil {
			log.WithError(invErr).Warn("failed to invalidate slot")
		}
		return slot.Header{}, fmt.Errorf("%w: candidate %s, current %s", ErrDowngradeRejected, hdr.Version, current)
	}

	return hdr, nil
}

func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrBadURL)
	}
	return nil
}
