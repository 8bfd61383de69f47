package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler serves health reports for probes and operators
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a handler over manager
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the health endpoints on mux. Other methods get 405
// from the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.summary)
	mux.HandleFunc("GET /health/ready", h.ready)
	mux.HandleFunc("GET /health/live", h.live)
	mux.HandleFunc("GET /health/detailed", h.detailed)
}

type summaryBody struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	Ready     bool    `json:"ready"`
	Live      bool    `json:"live"`
	Summary   Summary `json:"summary"`
	Timestamp int64   `json:"timestamp"`
	Duration  string  `json:"duration"`
}

func (h *HTTPHandler) summary(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	h.write(w, statusCode(report.Status), summaryBody{
		Status:    report.Status.String(),
		Message:   report.Message,
		Ready:     report.Ready,
		Live:      report.Live,
		Summary:   report.Summary,
		Timestamp: report.Timestamp.Unix(),
		Duration:  report.Duration.String(),
	})
}

// ready fails while a critical component is down
func (h *HTTPHandler) ready(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	code, status := http.StatusOK, "ready"
	if !report.Ready {
		code, status = http.StatusServiceUnavailable, "not ready"
	}
	h.write(w, code, map[string]interface{}{
		"status":    status,
		"ready":     report.Ready,
		"message":   report.Message,
		"timestamp": report.Timestamp.Unix(),
	})
}

// live answers as long as the process can serve HTTP
func (h *HTTPHandler) live(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"live":      true,
		"timestamp": time.Now().Unix(),
	})
}

// detailed returns the full report, or one component with ?component=name
func (h *HTTPHandler) detailed(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())

	name := r.URL.Query().Get("component")
	if name == "" {
		h.write(w, statusCode(report.Status), report)
		return
	}
	result, ok := report.Components[name]
	if !ok {
		h.write(w, http.StatusNotFound, map[string]string{"error": "unknown component " + name})
		return
	}
	h.write(w, statusCode(result.Status), result)
}

func statusCode(s CheckStatus) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode health response", zap.Error(err))
	}
}
