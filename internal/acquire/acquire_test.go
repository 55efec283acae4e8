package acquire

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshota/internal/retry"
	"meshota/internal/slot"
)

func newDownloader(t *testing.T, activeVersion string) (*Downloader, *slot.Manager) {
	t.Helper()
	slots, err := slot.Open(t.TempDir())
	require.NoError(t, err)

	img, err := slot.BuildImage(activeVersion, bytes.Repeat([]byte{0x11}, 256))
	require.NoError(t, err)
	require.NoError(t, slots.InstallActive(img))

	d := NewDownloader(slots)
	d.SetPolicy(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond})
	return d, slots
}

func serveImage(t *testing.T, img []byte) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(img)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestDownload_Success(t *testing.T) {
	t.Parallel()

	d, slots := newDownloader(t, "1.0.0")
	img, err := slot.BuildImage("1.1.0", bytes.Repeat([]byte{0x22}, 3000))
	require.NoError(t, err)
	s := serveImage(t, img)

	require.NoError(t, d.Download(context.Background(), s.URL))
	require.False(t, d.InProgress())

	hdr, err := slots.ValidateInactive()
	require.NoError(t, err)
	require.Equal(t, "1.1.0", hdr.Version)
}

func TestDownload_SameVersionReflash(t *testing.T) {
	t.Parallel()

	d, _ := newDownloader(t, "1.0.0")
	img, err := slot.BuildImage("1.0.0", bytes.Repeat([]byte{0x33}, 500))
	require.NoError(t, err)
	s := serveImage(t, img)

	// Equal versions are a legal re-flash, not a downgrade.
	require.NoError(t, d.Download(context.Background(), s.URL))
}

func TestDownload_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	d, _ := newDownloader(t, "1.0.0")
	var hits atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(s.Close)

	require.Error(t, d.Download(context.Background(), s.URL))
	require.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
}

func TestDownload_ServerErrorIsRetried(t *testing.T) {
	t.Parallel()

	d, slots := newDownloader(t, "1.0.0")
	img, err := slot.BuildImage("1.1.0", bytes.Repeat([]byte{0x44}, 500))
	require.NoError(t, err)

	var hits atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(img)
	}))
	t.Cleanup(s.Close)

	require.NoError(t, d.Download(context.Background(), s.URL))
	require.Equal(t, int32(3), hits.Load())

	hdr, err := slots.ValidateInactive()
	require.NoError(t, err)
	require.Equal(t, "1.1.0", hdr.Version)
}

func TestDownload_DowngradeInvalidatesSlot(t *testing.T) {
	t.Parallel()

	d, slots := newDownloader(t, "1.2.0")
	img, err := slot.BuildImage("1.1.9", bytes.Repeat([]byte{0x55}, 500))
	require.NoError(t, err)
	s := serveImage(t, img)

	err = d.Download(context.Background(), s.URL)
	require.ErrorIs(t, err, ErrDowngradeRejected)

	// The rejected image must not survive in the inactive slot.
	_, err = slots.ReadInactive()
	require.ErrorIs(t, err, slot.ErrNoImage)
}

func TestDownload_MalformedImageRejected(t *testing.T) {
	t.Parallel()

	d, slots := newDownloader(t, "1.0.0")
	s := serveImage(t, []byte("this is not a firmware image"))

	require.Error(t, d.Download(context.Background(), s.URL))
	_, err := slots.ReadInactive()
	require.ErrorIs(t, err, slot.ErrNoImage)
}

func TestDownload_BadURL(t *testing.T) {
	t.Parallel()

	d, _ := newDownloader(t, "1.0.0")
	require.ErrorIs(t, d.Download(context.Background(), "ftp://host/fw.img"), ErrBadURL)
	require.ErrorIs(t, d.Download(context.Background(), "http://"), ErrBadURL)
}

func TestDownload_Busy(t *testing.T) {
	t.Parallel()

	d, _ := newDownloader(t, "1.0.0")
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		chunk := make([]byte, ChunkSize)
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			f.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(s.Close)

	done := make(chan error, 1)
	go func() { done <- d.Download(context.Background(), s.URL) }()

	require.Eventually(t, d.InProgress, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, d.Download(context.Background(), s.URL), ErrBusy)

	d.Cancel()
	require.ErrorIs(t, <-done, ErrCancelled)
}

func TestDownload_CancelMidStream(t *testing.T) {
	t.Parallel()

	d, slots := newDownloader(t, "1.0.0")
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		chunk := make([]byte, ChunkSize)
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			f.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(s.Close)

	done := make(chan error, 1)
	go func() { done <- d.Download(context.Background(), s.URL) }()

	require.Eventually(t, d.InProgress, time.Second, 5*time.Millisecond)
	d.Cancel()

	require.ErrorIs(t, <-done, ErrCancelled)
	require.False(t, d.InProgress())

	// The partial image must be discarded.
	_, err := slots.ReadInactive()
	require.ErrorIs(t, err, slot.ErrNoImage)
}

func TestProgress_UnknownLengthHeuristic(t *testing.T) {
	t.Parallel()

	d, _ := newDownloader(t, "1.0.0")
	d.progress.Store(0)
	d.updateProgress(512, -1)
	require.InDelta(t, 0.5, float64(d.progress.Load())/1e6, 0.001)

	d.updateProgress(512, 1024)
	require.InDelta(t, 0.5, float64(d.progress.Load())/1e6, 0.001)
	d.updateProgress(2048, 1024)
	require.InDelta(t, 1.0, float64(d.progress.Load())/1e6, 0.001)
}
