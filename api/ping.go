package api

import "net/http"

// ping is the open liveness probe: identity and capability disclosure, no
// authentication.
func (h *handlers) ping(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.deps.Version,
		"platform":       h.deps.Platform,
		"device_id":      h.deps.Store.DeviceID(),
		"paired_devices": h.deps.Store.Count(),
	})
}
