package api

import "net/http"

func (h *handlers) device(w http.ResponseWriter, r *http.Request) {
	dev := h.deps.Providers.Device

	switch action(r) {
	case "info":
		info, err := dev.Info()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, info)

	case "battery":
		battery, err := dev.Battery()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, battery)

	case "network":
		ifaces, err := dev.Interfaces()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"interfaces": ifaces})

	case "storage":
		volumes, err := dev.Storage()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"volumes": volumes})

	case "props":
		props, err := dev.Properties()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"properties": props})

	case "permissions":
		perms, err := dev.Permissions()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"permissions": perms})

	case "screen":
		png, err := dev.Screenshot()
		if err != nil {
			providerError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)

	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}
