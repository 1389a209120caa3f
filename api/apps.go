package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

func (h *handlers) apps(w http.ResponseWriter, r *http.Request) {
	apps := h.deps.Providers.Apps

	switch action(r) {
	case "list":
		// The controller's third_party flag filters system packages out.
		includeSystem := r.URL.Query().Get("third_party") != "true"
		list, err := apps.List(includeSystem)
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"count": len(list), "apps": list})

	case "info":
		pkg := r.URL.Query().Get("package")
		if pkg == "" {
			respondError(w, http.StatusBadRequest, "package parameter is required")
			return
		}
		info, err := apps.Info(pkg)
		if err != nil {
			if isUnsupported(err) {
				providerError(w, err)
				return
			}
			respondError(w, http.StatusNotFound, "package not found")
			return
		}
		respond(w, http.StatusOK, info)

	case "apk":
		h.appsAPK(w, r)

	case "data-paths":
		pkg := r.URL.Query().Get("package")
		if pkg == "" {
			respondError(w, http.StatusBadRequest, "package parameter is required")
			return
		}
		paths, err := apps.DataPaths(pkg)
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"package": pkg, "paths": paths})

	case "install":
		h.appsInstall(w, r)

	case "uninstall":
		var body struct {
			Package string `json:"package"`
		}
		if err := decodeBody(r, &body); err != nil || body.Package == "" {
			respondError(w, http.StatusBadRequest, "package is required")
			return
		}
		if err := apps.Uninstall(body.Package); err != nil {
			if isUnsupported(err) {
				providerError(w, err)
				return
			}
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondOK(w, map[string]any{"package": body.Package})

	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

func (h *handlers) appsAPK(w http.ResponseWriter, r *http.Request) {
	pkg := r.URL.Query().Get("package")
	if pkg == "" {
		respondError(w, http.StatusBadRequest, "package parameter is required")
		return
	}

	info, err := h.deps.Providers.Apps.Info(pkg)
	if err != nil {
		if isUnsupported(err) {
			providerError(w, err)
			return
		}
		respondError(w, http.StatusNotFound, "package not found")
		return
	}

	apk, err := os.Open(info.SourceDir)
	if err != nil {
		respondError(w, http.StatusNotFound, "APK file not accessible")
		return
	}
	defer apk.Close()

	stat, err := apk.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stat APK failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.android.package-archive")
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg+".apk"))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, apk)
}

// appsInstall streams the request body (an APK) to a temp file and hands the
// path to the platform installer.
func (h *handlers) appsInstall(w http.ResponseWriter, r *http.Request) {
	tmp, err := os.CreateTemp("", "install-*.apk")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create temp file failed")
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, r.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		respondError(w, http.StatusInternalServerError, "receive APK failed")
		return
	}
	if written == 0 {
		respondError(w, http.StatusBadRequest, "empty APK body")
		return
	}

	if err := h.deps.Providers.Apps.Install(tmpPath); err != nil {
		if isUnsupported(err) {
			providerError(w, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondOK(w, map[string]any{"received": written, "apk": filepath.Base(tmpPath)})
}
