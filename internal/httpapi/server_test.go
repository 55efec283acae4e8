package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshota/internal/acquire"
	"meshota/internal/api"
	"meshota/internal/distribute"
	"meshota/internal/guardian"
	"meshota/internal/mesh"
	"meshota/internal/slot"
	"meshota/internal/store"
)

type harness struct {
	server     *httptest.Server
	downloader *acquire.Downloader
	slots      *slot.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	slots, err := slot.Open(t.TempDir())
	require.NoError(t, err)
	img, err := slot.BuildImage("1.0.0", bytes.Repeat([]byte{0x01}, 128))
	require.NoError(t, err)
	require.NoError(t, slots.InstallActive(img))

	st, err := store.Open(filepath.Join(t.TempDir(), "state.yaml"))
	require.NoError(t, err)

	net := mesh.NewMemNetwork()
	gw := net.Join("gateway")

	downloader := acquire.NewDownloader(slots)
	coord := distribute.NewCoordinator(slots, gw)
	guard := guardian.New(st, slots)
	guard.SetTransport(gw)
	guard.Restart = func(time.Duration) {}

	s := NewServer(":0", downloader, coord, guard, slots)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &harness{server: ts, downloader: downloader, slots: slots}
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	res, err := http.Post(h.server.URL+path, "application/json", reader)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestStatus_Idle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	client := api.NewClient(h.server.URL)
	st, err := client.Status(context.Background())
	require.NoError(t, err)
	require.False(t, st.Downloading)
	require.Zero(t, st.Progress)
}

func TestVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := http.Get(h.server.URL + "/version")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var v api.VersionResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	require.Equal(t, "1.0.0", v.Active)
	require.Empty(t, v.Inactive)
}

func TestDownload_RequiresURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.post(t, "/download", `{}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = h.post(t, "/download", `not json`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDownload_ConflictWhileBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	// A slow upstream keeps the downloader busy while the API is probed.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		chunk := make([]byte, 1024)
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
	t.Cleanup(upstream.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.downloader.Download(context.Background(), upstream.URL)
	}()
	require.Eventually(t, h.downloader.InProgress, time.Second, 5*time.Millisecond)

	// Every mutating update operation must refuse while one runs.
	res := h.post(t, "/download", `{"url":"http://example.com/fw.img"}`)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res = h.post(t, "/distribute", "")
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res = h.post(t, "/reboot", `{"timeout":5}`)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	h.downloader.Cancel()
	<-done
}

func TestCancel_NoDownloadIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.post(t, "/cancel", "")
	require.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestDistribute_NoTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.post(t, "/distribute", "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.NotEmpty(t, body["error"])
}

func TestDistributionStatus_Inactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	client := api.NewClient(h.server.URL)
	st, err := client.DistributionStatus(context.Background())
	require.NoError(t, err)
	require.False(t, st.Active)
}

func TestDistributionCancel_Idle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.post(t, "/distribution/cancel", "")
	require.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestReboot_Accepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// The handshake itself runs async and fails (no inactive image); the
	// API contract is just the 202.
	res := h.post(t, "/reboot", `{"timeout":1,"delay":0}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := http.Get(h.server.URL + "/download")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}
