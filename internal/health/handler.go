// Package health exposes the liveness endpoint.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/vyrodovalexey/mobedge/internal/observability"
)

// StateFunc reports the upstream circuit state for the health payload.
type StateFunc func() string

// Handler answers liveness probes. It always reports healthy when the
// process is serving; upstream state is included for operators but does
// not change the status code, since a broken upstream is the breaker's
// concern and restarting the proxy would not fix it.
type Handler struct {
	upstreamState StateFunc
	logger        observability.Logger
}

// response is the health payload.
type response struct {
	Status   string `json:"status"`
	Upstream string `json:"upstream,omitempty"`
}

// NewHandler creates the health handler. upstreamState may be nil.
func NewHandler(upstreamState StateFunc, logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		upstreamState: upstreamState,
		logger:        logger,
	}
}

// ServeHTTP writes the health payload.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "healthy"}
	if h.upstreamState != nil {
		resp.Upstream = h.upstreamState()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write health response",
			observability.Error(err))
	}
}
