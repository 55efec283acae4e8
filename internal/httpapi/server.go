// Package httpapi is the gateway's HTTP control surface: a thin wrapper
// over the acquirer, the distribution coordinator and the reboot
// guardian. Conflicting download/distribution requests return 409.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"meshota/internal/acquire"
	"meshota/internal/api"
	"meshota/internal/distribute"
	"meshota/internal/guardian"
	"meshota/internal/slot"
)

// DefaultPrepareTimeout is used when a reboot request carries none.
const DefaultPrepareTimeout = 10 * time.Second

// Server exposes the gateway control API.
type Server struct {
	listen     string
	downloader *acquire.Downloader
	coord      *distribute.Coordinator
	guard      *guardian.Guardian
	slots      *slot.Manager
}

// NewServer wires the control surface to the gateway components.
func NewServer(listen string, d *acquire.Downloader, c *distribute.Coordinator, g *guardian.Guardian, s *slot.Manager) *Server {
	return &Server{listen: listen, downloader: d, coord: c, guard: g, slots: s}
}

// Router builds the route table; split out so tests can drive handlers
// through httptest without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/download", s.handleDownload).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/distribute", s.handleDistribute).Methods(http.MethodPost)
	r.HandleFunc("/distribution/status", s.handleDistributionStatus).Methods(http.MethodGet)
	r.HandleFunc("/distribution/cancel", s.handleDistributionCancel).Methods(http.MethodPost)
	r.HandleFunc("/reboot", s.handleReboot).Methods(http.MethodPost)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("listen", s.listen).Info("control API listening")
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req api.DownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}

	if s.downloader.InProgress() || s.coord.InProgress() {
		writeJSONError(w, http.StatusConflict, "update operation already in progress")
		return
	}

	go func() {
		if err := s.downloader.Download(context.Background(), req.URL); err != nil {
			log.WithError(err).Error("download failed")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{
		Downloading: s.downloader.InProgress(),
		Progress:    s.downloader.Progress(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.downloader.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	if s.downloader.InProgress() || s.coord.InProgress() {
		writeJSONError(w, http.StatusConflict, "update operation already in progress")
		return
	}

	if err := s.coord.StartAll(context.Background()); err != nil {
		switch {
		case errors.Is(err, distribute.ErrBusy):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, distribute.ErrDowngradeRejected):
			writeJSONError(w, http.StatusForbidden, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDistributionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleDistributionCancel(w http.ResponseWriter, r *http.Request) {
	s.coord.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	var req api.RebootRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.downloader.InProgress() || s.coord.InProgress() {
		writeJSONError(w, http.StatusConflict, "update operation already in progress")
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultPrepareTimeout
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond

	go func() {
		if err := s.guard.CoordinateReboot(context.Background(), timeout, delay); err != nil {
			log.WithError(err).Error("coordinated reboot aborted")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	active, err := s.slots.ActiveVersion()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := api.VersionResponse{Active: active}
	if inactive, err := s.slots.InactiveVersion(); err == nil {
		resp.Inactive = inactive
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
