package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/z2m-ota/internal/ota"
)

// maxQueryParamLen bounds path and query values echoed into lookups.
const maxQueryParamLen = 256

// deviceListResponse is the body of GET /devices.
type deviceListResponse struct {
	Devices []ota.Device `json:"devices"`
	Count   int          `json:"count"`
}

// handleListDevices returns every tracked device, optionally filtered by
// lifecycle state.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	filter := ota.State(r.URL.Query().Get("state"))
	if filter != "" && !knownState(filter) {
		writeBadRequest(w, fmt.Sprintf("unknown state %q", filter))
		return
	}

	all := s.orch.Devices()
	devices := make([]ota.Device, 0, len(all))
	for _, d := range all {
		if filter == "" || d.State == filter {
			devices = append(devices, d)
		}
	}

	writeJSON(w, http.StatusOK, deviceListResponse{Devices: devices, Count: len(devices)})
}

// handleGetDevice returns one device by IEEE address or friendly name.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ref, ok := deviceRef(w, r)
	if !ok {
		return
	}

	dev, found := s.orch.Device(ref)
	if !found {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleRetryDevice re-queues a terminally failed device.
func (s *Server) handleRetryDevice(w http.ResponseWriter, r *http.Request) {
	ref, ok := deviceRef(w, r)
	if !ok {
		return
	}

	dev, err := s.orch.Retry(r.Context(), ref)
	switch {
	case err == nil:
		s.logger.Info("manual retry requested", "device", dev.Name())
		writeJSON(w, http.StatusAccepted, dev)
	case errors.Is(err, ota.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case errors.Is(err, ota.ErrNotFailed), errors.Is(err, ota.ErrDryRun):
		writeConflict(w, err.Error())
	case errors.Is(err, ota.ErrStopped):
		writeUnavailable(w, "orchestrator is shutting down")
	default:
		s.logger.Error("retry failed", "device", ref, "error", err)
		writeInternalError(w, "retry failed")
	}
}

// handleDeviceHistory returns finished attempts for a device, newest first.
// Devices that have left the registry still have history, so an unknown
// reference is looked up as a key.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "attempt history is disabled")
		return
	}

	ref, ok := deviceRef(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	key := ref
	if dev, found := s.orch.Device(ref); found {
		key = dev.Key
	}

	attempts, err := s.history.ListByDevice(r.Context(), key, limit)
	if err != nil {
		s.logger.Error("querying attempt history", "device", key, "error", err)
		writeInternalError(w, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":   key,
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// handleRecentHistory returns finished attempts across all devices.
func (s *Server) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "attempt history is disabled")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	attempts, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("querying recent attempts", "error", err)
		writeInternalError(w, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// handleScan asks the bridge to check every device for new firmware.
// Partial failure is reported with 502 and the number of checks sent.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	sent, err := s.orch.Scan(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"checked": sent})
	case errors.Is(err, ota.ErrStopped):
		writeUnavailable(w, "orchestrator is shutting down")
	default:
		s.logger.Warn("update check incomplete", "sent", sent, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"checked": sent,
			"error":   Error{Status: http.StatusBadGateway, Code: ErrCodeBadGateway, Message: err.Error()},
		})
	}
}

// deviceRef extracts and validates the {key} URL parameter.
func deviceRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref := chi.URLParam(r, "key")
	if ref == "" || len(ref) > maxQueryParamLen {
		writeBadRequest(w, "invalid device key")
		return "", false
	}
	return ref, true
}

// parseLimit parses an optional positive limit. Zero means the default.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}

func knownState(s ota.State) bool {
	for _, st := range ota.AllStates {
		if st == s {
			return true
		}
	}
	return false
}
