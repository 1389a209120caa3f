package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/config"
	"github.com/GuilhermeP96/adb-toolkit/crypto"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
	"github.com/GuilhermeP96/adb-toolkit/provider"
	"github.com/GuilhermeP96/adb-toolkit/transfer"
)

// peer routes the pairing handshake and the HMAC-authenticated P2P data
// plane. The whole domain is exempt from token middleware; each action
// enforces its own requirement:
//
//	open           identity, discover, pair-init, pair-pending, pair-approve, pair-reject
//	authenticated  paired, revoke, revoke-all (controller token or peer HMAC)
//	HMAC required  send, request, relay
func (h *handlers) peer(w http.ResponseWriter, r *http.Request) {
	switch action(r) {
	case "identity":
		h.peerIdentity(w, r)
	case "discover":
		h.peerDiscover(w, r)
	case "pair-init":
		h.pairInit(w, r)
	case "pair-pending":
		h.pairPending(w, r)
	case "pair-approve":
		h.pairApprove(w, r)
	case "pair-reject":
		h.pairReject(w, r)
	case "paired":
		h.withAuth(w, r, h.peerPaired)
	case "revoke":
		h.withAuth(w, r, h.peerRevoke)
	case "revoke-all":
		h.withAuth(w, r, h.peerRevokeAll)
	case "send":
		h.withPeerAuth(w, r, h.peerSend)
	case "request":
		h.withPeerAuth(w, r, h.peerRequest)
	case "relay":
		h.withPeerAuth(w, r, func(w http.ResponseWriter, r *http.Request, peerID string) {
			// Documented TODO: relay semantics are not finalized; the route
			// exists so callers get a stable contract instead of a 404.
			respondError(w, http.StatusNotImplemented, "relay_not_implemented")
		})
	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

func (h *handlers) withAuth(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if _, denial := h.deps.Gate.Authenticate(r); denial != nil {
		respondError(w, denial.Status, denial.Reason)
		return
	}
	next(w, r)
}

func (h *handlers) withPeerAuth(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request, string)) {
	verdict, denial := h.deps.Gate.RequirePeer(r)
	if denial != nil {
		respondError(w, denial.Status, denial.Reason)
		return
	}
	next(w, r, verdict.PeerID)
}

func (h *handlers) peerIdentity(w http.ResponseWriter, r *http.Request) {
	publicKey := h.deps.Store.LocalPublicKey()
	respond(w, http.StatusOK, map[string]any{
		"device_id":   h.deps.Store.DeviceID(),
		"public_key":  base64.StdEncoding.EncodeToString(publicKey),
		"fingerprint": crypto.Fingerprint(publicKey),
		"platform":    h.deps.Platform,
		"version":     h.deps.Version,
	})
}

func (h *handlers) peerDiscover(w http.ResponseWriter, r *http.Request) {
	if h.deps.Discovery == nil {
		respond(w, http.StatusOK, map[string]any{"count": 0, "peers": []any{}})
		return
	}
	peers := h.deps.Discovery.Peers()
	respond(w, http.StatusOK, map[string]any{"count": len(peers), "peers": peers})
}

func (h *handlers) pairInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  string `json:"device_id"`
		Label     string `json:"label"`
		PublicKey string `json:"public_key"`
		Port      int    `json:"port,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil || body.DeviceID == "" || body.PublicKey == "" {
		respondError(w, http.StatusBadRequest, "device_id and public_key are required")
		return
	}

	peerPublicKey, err := base64.StdEncoding.DecodeString(body.PublicKey)
	if err != nil {
		respondError(w, http.StatusBadRequest, "public_key is not valid base64")
		return
	}

	localPublicKey := base64.StdEncoding.EncodeToString(h.deps.Store.LocalPublicKey())

	if existing := h.deps.Store.Get(body.DeviceID); existing != nil {
		respond(w, http.StatusOK, map[string]any{
			"status":     "already_paired",
			"public_key": localPublicKey,
		})
		return
	}

	pending, err := h.deps.Store.CreatePending(body.DeviceID, body.Label, peerPublicKey, peerAddress(r, body.Port))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.recordEvent("pairing_requested", body.DeviceID, "label="+body.Label)
	if h.deps.Notify != nil {
		h.deps.Notify(*pending)
	}

	respond(w, http.StatusOK, map[string]any{
		"status":       "pending_approval",
		"challenge_id": pending.ChallengeID,
		"public_key":   localPublicKey,
		"confirm_code": pending.ConfirmCode,
	})
}

func (h *handlers) pairPending(w http.ResponseWriter, r *http.Request) {
	pendings := h.deps.Store.Pending()

	out := make([]map[string]any, 0, len(pendings))
	for _, pending := range pendings {
		out = append(out, map[string]any{
			"challenge_id": pending.ChallengeID,
			"peer_id":      pending.PeerID,
			"peer_label":   pending.PeerLabel,
			"confirm_code": pending.ConfirmCode,
			"created_at":   pending.CreatedAt.UnixMilli(),
		})
	}
	respond(w, http.StatusOK, map[string]any{"count": len(out), "pending": out})
}

func (h *handlers) pairApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID       string `json:"challenge_id"`
		BiometricVerified bool   `json:"biometric_verified"`
	}
	if err := decodeBody(r, &body); err != nil || body.ChallengeID == "" {
		respondError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	// The UI layer performs the real biometric prompt; the core only accepts
	// its assertion, and refuses outright on devices without a lock screen.
	if !body.BiometricVerified {
		respondError(w, http.StatusForbidden, "biometric verification required")
		return
	}
	if !h.deps.Providers.Security.DeviceSecure() {
		respondError(w, http.StatusForbidden, "device has no secure lock screen")
		return
	}

	device, err := h.deps.Store.Approve(body.ChallengeID)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrUnknownChallenge), errors.Is(err, pairing.ErrChallengeExpired):
			respondError(w, http.StatusNotFound, "unknown or expired challenge")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.recordEvent("pairing_approved", device.PeerID, "label="+device.Label)

	respondOK(w, map[string]any{
		"public_key": base64.StdEncoding.EncodeToString(h.deps.Store.LocalPublicKey()),
		"device":     device.Info(),
	})
}

func (h *handlers) pairReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID string `json:"challenge_id"`
	}
	if err := decodeBody(r, &body); err != nil || body.ChallengeID == "" {
		respondError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	dropped := h.deps.Store.Reject(body.ChallengeID)
	if dropped {
		h.recordEvent("pairing_rejected", "", "challenge="+body.ChallengeID)
	}
	respondOK(w, map[string]any{"dropped": dropped})
}

func (h *handlers) peerPaired(w http.ResponseWriter, r *http.Request) {
	devices := h.deps.Store.List()
	respond(w, http.StatusOK, map[string]any{"count": len(devices), "devices": devices})
}

func (h *handlers) peerRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID          string `json:"device_id"`
		BiometricVerified bool   `json:"biometric_verified"`
	}
	if err := decodeBody(r, &body); err != nil || body.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if !body.BiometricVerified {
		respondError(w, http.StatusForbidden, "biometric verification required")
		return
	}

	revoked, err := h.deps.Store.Revoke(body.DeviceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !revoked {
		respondError(w, http.StatusNotFound, "unknown peer")
		return
	}

	h.recordEvent("pairing_revoked", body.DeviceID, "")
	respondOK(w, map[string]any{"device_id": body.DeviceID})
}

func (h *handlers) peerRevokeAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BiometricVerified bool `json:"biometric_verified"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !body.BiometricVerified {
		respondError(w, http.StatusForbidden, "biometric verification required")
		return
	}

	removed, err := h.deps.Store.RevokeAll()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.recordEvent("pairing_revoked_all", "", "count="+strconv.Itoa(removed))
	respondOK(w, map[string]any{"revoked": removed})
}

// peerSend streams an authenticated peer's body into the sandbox.
func (h *handlers) peerSend(w http.ResponseWriter, r *http.Request, peerID string) {
	requested := r.URL.Query().Get("path")
	if requested == "" {
		respondError(w, http.StatusBadRequest, "path parameter is required")
		return
	}
	path, err := provider.ResolvePath(h.deps.Providers.Files.SandboxRoot(), requested)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, "create parent directory failed")
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".send-*")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create temp file failed")
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, r.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		respondError(w, http.StatusInternalServerError, "receive failed")
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		respondError(w, http.StatusInternalServerError, "finalize file failed")
		return
	}

	respondOK(w, map[string]any{"from": peerID, "path": path, "written": written})
}

// peerRequest serves structured queries from an authenticated peer.
func (h *handlers) peerRequest(w http.ResponseWriter, r *http.Request, peerID string) {
	var body struct {
		Type           string         `json:"type"`
		DataType       string         `json:"data_type,omitempty"`
		TargetDeviceID string         `json:"target_device_id,omitempty"`
		TargetAddress  string         `json:"target_address,omitempty"`
		Params         map[string]any `json:"params,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil || body.Type == "" {
		respondError(w, http.StatusBadRequest, "type is required")
		return
	}

	switch body.Type {
	case "ping":
		respondOK(w, map[string]any{"device_id": h.deps.Store.DeviceID()})

	case "transfer":
		h.peerTransfer(w, r, peerID, body.DataType, body.TargetDeviceID, body.TargetAddress, body.Params)

	default:
		respondError(w, http.StatusBadRequest, "unknown request type")
	}
}

// peerTransfer is the source side of an orchestrated device-to-device copy:
// push the named file to the target peer's transfer port, authenticating with
// this device's own pairing to the target.
func (h *handlers) peerTransfer(w http.ResponseWriter, r *http.Request, requesterID, dataType, targetID, targetAddress string, params map[string]any) {
	if dataType != "file" {
		respondError(w, http.StatusBadRequest, "unsupported data_type")
		return
	}
	rawPath, _ := params["path"].(string)
	if rawPath == "" {
		respondError(w, http.StatusBadRequest, "params.path is required")
		return
	}
	remotePath, _ := params["remote_path"].(string)
	if remotePath == "" {
		remotePath = filepath.Base(rawPath)
	}

	target := h.deps.Store.Get(targetID)
	if target == nil {
		respondError(w, http.StatusForbidden, "not paired with target peer")
		return
	}

	localPath, err := provider.ResolvePath(h.deps.Providers.Files.SandboxRoot(), rawPath)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	host, _, err := net.SplitHostPort(targetAddress)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid target_address")
		return
	}
	// The fleet normally shares one transfer port; a per-request override
	// covers targets with a non-default configuration.
	transferPort := h.deps.TransferPort
	if override, ok := params["transfer_port"].(float64); ok && override > 0 {
		transferPort = int(override)
	}
	transferAddress := net.JoinHostPort(host, strconv.Itoa(transferPort))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	result, err := transfer.Push(ctx, transferAddress, localPath, remotePath, transfer.Credentials{
		PeerID: h.deps.Store.DeviceID(),
		Secret: target.SharedSecret,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.recordEvent("d2d_transfer", requesterID, "target="+targetID+" path="+rawPath)
	respondOK(w, map[string]any{
		"pushed": result.Bytes,
		"hash":   result.Hash,
		"target": targetID,
		"result": result.Status,
	})
}

func (h *handlers) recordEvent(eventType, peerID, details string) {
	if h.deps.Journal == nil {
		return
	}
	if details == "" {
		details = "-"
	}
	if err := h.deps.Journal.RecordEvent(eventType, peerID, details, ""); err != nil {
		h.deps.Logger.Warn("journal write failed", "event", eventType, "error", err)
	}
}

// peerAddress reconstructs the initiator's API endpoint: the connection's
// source host plus the port it declared (falling back to the default).
func peerAddress(r *http.Request, declaredPort int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if declaredPort <= 0 {
		declaredPort = config.DefaultHTTPPort
	}
	return net.JoinHostPort(host, strconv.Itoa(declaredPort))
}
