// Package api implements the JSON endpoint surface under /api: one handler
// per domain, mounted on a chi router, with the auth gate applied to every
// non-exempt route.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/GuilhermeP96/adb-toolkit/auth"
	"github.com/GuilhermeP96/adb-toolkit/discovery"
	"github.com/GuilhermeP96/adb-toolkit/orchestrator"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
	"github.com/GuilhermeP96/adb-toolkit/provider"
	"github.com/GuilhermeP96/adb-toolkit/storage"
)

// Status is the live counter snapshot reported by orchestrator/status.
type Status struct {
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	BytesTransferred int64  `json:"bytes_transferred"`
	ActiveTransfers  int64  `json:"active_transfers"`
	ConnectedClients int64  `json:"connected_clients"`
	PairedDevices    int    `json:"paired_devices"`
}

// PairingNotifier is told about new pairing requests so the platform UI can
// prompt the user with the confirmation code. May be nil.
type PairingNotifier func(pairing.PendingPairing)

// Deps carries everything the domain handlers consume.
type Deps struct {
	Version      string
	Platform     string
	TransferPort int

	Store        *pairing.Store
	Gate         *auth.Gate
	Providers    provider.Set
	Orchestrator *orchestrator.Orchestrator
	Discovery    *discovery.Service
	Journal      *storage.Journal
	Status       func() Status
	Notify       PairingNotifier
	Logger       *slog.Logger
}

// Mount attaches the full /api surface to the router. /api/ping and
// /api/peer/* skip token enforcement: the pairing endpoints are the
// authentication step and must be reachable without credentials.
func Mount(r chi.Router, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	h := &handlers{deps: deps}

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", h.ping)

		r.Route("/peer", func(r chi.Router) {
			r.Method(http.MethodGet, "/{action}", http.HandlerFunc(h.peer))
			r.Method(http.MethodPost, "/{action}", http.HandlerFunc(h.peer))
		})

		// Everything else requires controller or peer credentials.
		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.HandleFunc("/device/{action}", h.device)
			r.HandleFunc("/files/{action}", h.files)
			r.HandleFunc("/apps/{action}", h.apps)
			r.HandleFunc("/contacts/{action}", h.contacts)
			r.HandleFunc("/sms/{action}", h.sms)
			r.HandleFunc("/shell/{action}", h.shell)
			r.HandleFunc("/orchestrator/{action}", h.orchestrate)
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusNotFound, "unknown endpoint")
		})
	})
}

type handlers struct {
	deps Deps
}

func (h *handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, denial := h.deps.Gate.Authenticate(r); denial != nil {
			respondError(w, denial.Status, denial.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func action(r *http.Request) string {
	return chi.URLParam(r, "action")
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondOK(w http.ResponseWriter, fields map[string]any) {
	out := map[string]any{"status": "ok"}
	for k, v := range fields {
		out[k] = v
	}
	respond(w, http.StatusOK, out)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

// providerError maps provider failures onto the error envelope.
func providerError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case isUnsupported(err):
		respondError(w, http.StatusNotFound, "unsupported")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func isUnsupported(err error) bool {
	return errors.Is(err, provider.ErrUnsupported)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
