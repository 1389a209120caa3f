package api

import (
	"bufio"
	"context"
	"net/http"
	"time"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 10 * time.Minute
)

func (h *handlers) shell(w http.ResponseWriter, r *http.Request) {
	switch action(r) {
	case "exec":
		h.shellExec(w, r)
	case "exec-stream":
		h.shellExecStream(w, r)
	case "getprop":
		h.shellGetProp(w, r)
	case "settings":
		h.shellSettings(w, r)
	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

type execBody struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

func (b execBody) deadline() time.Duration {
	timeout := time.Duration(b.Timeout) * time.Second
	if timeout <= 0 {
		return defaultShellTimeout
	}
	if timeout > maxShellTimeout {
		return maxShellTimeout
	}
	return timeout
}

func (h *handlers) shellExec(w http.ResponseWriter, r *http.Request) {
	var body execBody
	if err := decodeBody(r, &body); err != nil || body.Command == "" {
		respondError(w, http.StatusBadRequest, "command is required")
		return
	}

	// r.Context() is cancelled when the client closes the connection, so an
	// abandoned request kills its subprocess.
	ctx, cancel := context.WithTimeout(r.Context(), body.deadline())
	defer cancel()

	result, err := h.deps.Providers.Shell.Exec(ctx, body.Command)
	if err != nil && ctx.Err() == nil {
		providerError(w, err)
		return
	}

	out := map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}
	if ctx.Err() != nil {
		out["timed_out"] = true
	}
	respond(w, http.StatusOK, out)
}

func (h *handlers) shellExecStream(w http.ResponseWriter, r *http.Request) {
	var body execBody
	if err := decodeBody(r, &body); err != nil || body.Command == "" {
		respondError(w, http.StatusBadRequest, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), body.deadline())
	defer cancel()

	stream, err := h.deps.Providers.Shell.ExecStream(ctx, body.Command)
	if err != nil {
		providerError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := w.Write(append(scanner.Bytes(), '\n')); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *handlers) shellGetProp(w http.ResponseWriter, r *http.Request) {
	prop := r.URL.Query().Get("prop")
	if prop == "" {
		respondError(w, http.StatusBadRequest, "prop parameter is required")
		return
	}

	value, err := h.deps.Providers.Shell.GetProp(prop)
	if err != nil {
		providerError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"prop": prop, "value": value})
}

func (h *handlers) shellSettings(w http.ResponseWriter, r *http.Request) {
	shell := h.deps.Providers.Shell

	if r.Method == http.MethodGet {
		namespace := r.URL.Query().Get("namespace")
		key := r.URL.Query().Get("key")
		if namespace == "" || key == "" {
			respondError(w, http.StatusBadRequest, "namespace and key parameters are required")
			return
		}
		value, err := shell.SettingsGet(namespace, key)
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]string{"namespace": namespace, "key": key, "value": value})
		return
	}

	var body struct {
		Namespace string `json:"namespace"`
		Key       string `json:"key"`
		Value     string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil || body.Namespace == "" || body.Key == "" {
		respondError(w, http.StatusBadRequest, "namespace and key are required")
		return
	}
	if err := shell.SettingsPut(body.Namespace, body.Key, body.Value); err != nil {
		providerError(w, err)
		return
	}
	respondOK(w, map[string]any{"namespace": body.Namespace, "key": body.Key})
}
