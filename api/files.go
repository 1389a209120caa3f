package api

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/GuilhermeP96/adb-toolkit/provider"
)

const defaultSearchLimit = 500

type fileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
	Readable bool   `json:"readable"`
	Writable bool   `json:"writable"`
}

func (h *handlers) files(w http.ResponseWriter, r *http.Request) {
	switch action(r) {
	case "list":
		h.filesList(w, r)
	case "read":
		h.filesRead(w, r)
	case "write":
		h.filesWrite(w, r)
	case "stat":
		h.filesStat(w, r)
	case "exists":
		h.filesExists(w, r)
	case "hash":
		h.filesHash(w, r)
	case "mkdir":
		h.filesMkdir(w, r)
	case "delete":
		h.filesDelete(w, r)
	case "search":
		h.filesSearch(w, r)
	case "storage":
		h.filesStorage(w, r)
	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

// resolve applies the sandbox to a request's path parameter. A rejected path
// writes the response itself and returns "".
func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) string {
	requested := r.URL.Query().Get("path")
	if requested == "" {
		respondError(w, http.StatusBadRequest, "path parameter is required")
		return ""
	}

	resolved, err := provider.ResolvePath(h.deps.Providers.Files.SandboxRoot(), requested)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return ""
	}
	return resolved
}

func (h *handlers) filesList(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		respondFSError(w, err)
		return
	}

	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, newFileEntry(filepath.Join(path, entry.Name()), info))
	}

	respond(w, http.StatusOK, map[string]any{"count": len(files), "files": files})
}

func (h *handlers) filesRead(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		respondFSError(w, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		respondError(w, http.StatusBadRequest, "not a regular file")
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}

func (h *handlers) filesWrite(w http.ResponseWriter, r *http.Request) {
	// Small writes arrive as JSON {path, data}; large uploads stream the raw
	// body with the target in the query string.
	if r.URL.Query().Get("path") == "" && strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		h.filesWriteJSON(w, r)
		return
	}

	path := h.resolve(w, r)
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, "create parent directory failed")
		return
	}

	// Stream the body to a temp file in the target directory, then move it
	// into place so partial uploads never clobber an existing file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create temp file failed")
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, r.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		respondError(w, http.StatusInternalServerError, "write failed")
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		respondError(w, http.StatusInternalServerError, "finalize file failed")
		return
	}

	respondOK(w, map[string]any{"path": path, "written": written})
}

func (h *handlers) filesWriteJSON(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
		Data string `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil || body.Path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}

	path, err := provider.ResolvePath(h.deps.Providers.Files.SandboxRoot(), body.Path)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, "create parent directory failed")
		return
	}
	if err := os.WriteFile(path, []byte(body.Data), 0o644); err != nil {
		respondError(w, http.StatusInternalServerError, "write failed")
		return
	}

	respondOK(w, map[string]any{"path": path, "written": len(body.Data)})
}

func (h *handlers) filesStat(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		respondFSError(w, err)
		return
	}
	respond(w, http.StatusOK, newFileEntry(path, info))
}

func (h *handlers) filesExists(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	exists := err == nil
	out := map[string]any{"exists": exists}
	if exists {
		out["is_dir"] = info.IsDir()
	}
	respond(w, http.StatusOK, out)
}

func (h *handlers) filesHash(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	algo := r.URL.Query().Get("algo")
	if algo == "" {
		algo = "sha256"
	}

	var digest hash.Hash
	switch algo {
	case "sha256":
		digest = sha256.New()
	case "sha1":
		digest = sha1.New()
	case "md5":
		digest = md5.New()
	default:
		respondError(w, http.StatusBadRequest, "unsupported hash algorithm")
		return
	}

	file, err := os.Open(path)
	if err != nil {
		respondFSError(w, err)
		return
	}
	defer file.Close()

	size, err := io.Copy(digest, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "read failed")
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"path": path,
		"algo": algo,
		"hash": hex.EncodeToString(digest.Sum(nil)),
		"size": size,
	})
}

func (h *handlers) filesMkdir(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, "mkdir failed")
		return
	}
	respondOK(w, map[string]any{"path": path})
}

func (h *handlers) filesDelete(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	root := h.deps.Providers.Files.SandboxRoot()
	if root != "" && filepath.Clean(path) == filepath.Clean(root) {
		respondError(w, http.StatusBadRequest, "refusing to delete the sandbox root")
		return
	}

	if _, err := os.Stat(path); err != nil {
		respondFSError(w, err)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	respondOK(w, map[string]any{"path": path})
}

func (h *handlers) filesSearch(w http.ResponseWriter, r *http.Request) {
	path := h.resolve(w, r)
	if path == "" {
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		respondError(w, http.StatusBadRequest, "pattern parameter is required")
		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var matches func(string) bool
	if r.URL.Query().Get("regex") == "true" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid regex pattern")
			return
		}
		matches = compiled.MatchString
	} else {
		needle := strings.ToLower(pattern)
		matches = func(name string) bool {
			return strings.Contains(strings.ToLower(name), needle)
		}
	}

	var results []fileEntry
	truncated := false
	err := filepath.WalkDir(path, func(candidate string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, keep searching
		}
		if !matches(entry.Name()) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		results = append(results, newFileEntry(candidate, info))
		if len(results) >= limit {
			truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"count":     len(results),
		"truncated": truncated,
		"results":   results,
	})
}

func (h *handlers) filesStorage(w http.ResponseWriter, r *http.Request) {
	volumes, err := h.deps.Providers.Files.Storage()
	if err != nil {
		providerError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"volumes": volumes})
}

func newFileEntry(path string, info fs.FileInfo) fileEntry {
	mode := info.Mode().Perm()
	return fileEntry{
		Name:     info.Name(),
		Path:     path,
		IsDir:    info.IsDir(),
		Size:     info.Size(),
		Modified: info.ModTime().UnixMilli(),
		Readable: mode&0o444 != 0,
		Writable: mode&0o222 != 0,
	}
}

func respondFSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, fs.ErrPermission):
		respondError(w, http.StatusForbidden, "permission denied")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
