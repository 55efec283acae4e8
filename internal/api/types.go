package api

import "meshota/internal/distribute"

// DownloadRequest starts a firmware download on the gateway.
type DownloadRequest struct {
	URL string `json:"url"`
}

// StatusResponse reports download state.
type StatusResponse struct {
	Downloading bool    `json:"downloading"`
	Progress    float64 `json:"progress"`
}

// DistributionStatus mirrors the coordinator's session snapshot.
type DistributionStatus = distribute.Status

// RebootRequest starts the coordinated reboot handshake.
type RebootRequest struct {
	TimeoutSec int `json:"timeout"`
	DelayMS    int `json:"delay"`
}

// VersionResponse reports the gateway's slot versions.
type VersionResponse struct {
	Active   string `json:"active"`
	Inactive string `json:"inactive,omitempty"`
}
