package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GuilhermeP96/adb-toolkit/orchestrator"
)

func (h *handlers) orchestrate(w http.ResponseWriter, r *http.Request) {
	switch action(r) {
	case "topology":
		probes := h.deps.Orchestrator.Topology(r.Context())
		respond(w, http.StatusOK, map[string]any{"count": len(probes), "peers": probes})

	case "dispatch":
		h.orchestrateDispatch(w, r)

	case "broadcast":
		h.orchestrateBroadcast(w, r)

	case "transfer":
		h.orchestrateTransfer(w, r)

	case "deploy-toolkit":
		h.orchestrateDeploy(w, r)

	case "status":
		h.orchestrateStatus(w, r)

	case "sync":
		h.orchestrateSync(w, r)

	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

type dispatchBody struct {
	TargetDeviceID string          `json:"target_device_id"`
	Method         string          `json:"method"`
	Endpoint       string          `json:"endpoint"`
	Body           json.RawMessage `json:"body,omitempty"`
}

func (h *handlers) orchestrateDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if err := decodeBody(r, &body); err != nil || body.TargetDeviceID == "" || body.Endpoint == "" {
		respondError(w, http.StatusBadRequest, "target_device_id and endpoint are required")
		return
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}

	result, err := h.deps.Orchestrator.Dispatch(r.Context(), body.TargetDeviceID, body.Method, body.Endpoint, body.Body)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownPeer) {
			respondError(w, http.StatusNotFound, "unknown peer")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, result)
}

func (h *handlers) orchestrateBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method   string          `json:"method"`
		Endpoint string          `json:"endpoint"`
		Body     json.RawMessage `json:"body,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil || body.Endpoint == "" {
		respondError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}

	results := h.deps.Orchestrator.Broadcast(r.Context(), body.Method, body.Endpoint, body.Body)
	respond(w, http.StatusOK, map[string]any{"count": len(results), "results": results})
}

func (h *handlers) orchestrateTransfer(w http.ResponseWriter, r *http.Request) {
	var body orchestrator.TransferRequest
	if err := decodeBody(r, &body); err != nil || body.SourceID == "" || body.TargetID == "" {
		respondError(w, http.StatusBadRequest, "source_device_id and target_device_id are required")
		return
	}
	if body.DataType == "" {
		body.DataType = "file"
	}

	result, err := h.deps.Orchestrator.Transfer(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrUnknownPeer):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, orchestrator.ErrUnreachablePeer):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respond(w, http.StatusOK, result)
}

func (h *handlers) orchestrateDeploy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetDeviceID string `json:"target_device_id"`
	}
	if err := decodeBody(r, &body); err != nil || body.TargetDeviceID == "" {
		respondError(w, http.StatusBadRequest, "target_device_id is required")
		return
	}

	steps, err := h.deps.Orchestrator.DeployToolkit(body.TargetDeviceID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownPeer) {
			respondError(w, http.StatusNotFound, "unknown peer")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, map[string]any{"target": body.TargetDeviceID, "steps": steps})
}

func (h *handlers) orchestrateStatus(w http.ResponseWriter, r *http.Request) {
	var status Status
	if h.deps.Status != nil {
		status = h.deps.Status()
	}
	status.PairedDevices = h.deps.Store.Count()

	out := map[string]any{"status": "ok", "counters": status}
	if h.deps.Journal != nil {
		if transfers, err := h.deps.Journal.RecentTransfers(20); err == nil {
			out["recent_transfers"] = transfers
		}
	}
	respond(w, http.StatusOK, out)
}

// orchestrateSync fans a transfer out from one source to many targets.
func (h *handlers) orchestrateSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DataType       string         `json:"data_type"`
		DeviceIDs      []string       `json:"device_ids"`
		Direction      string         `json:"direction"`
		SourceDeviceID string         `json:"source_device_id"`
		Params         map[string]any `json:"params,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil || body.SourceDeviceID == "" {
		respondError(w, http.StatusBadRequest, "source_device_id is required")
		return
	}
	if body.Direction != "" && body.Direction != "source_to_targets" {
		respondError(w, http.StatusBadRequest, "unsupported direction")
		return
	}
	if body.DataType == "" {
		body.DataType = "file"
	}

	targets := body.DeviceIDs
	if len(targets) == 0 || (len(targets) == 1 && targets[0] == "*") {
		targets = nil
		for _, device := range h.deps.Store.List() {
			if device.PeerID != body.SourceDeviceID {
				targets = append(targets, device.PeerID)
			}
		}
	}

	results := make(map[string]any, len(targets))
	for _, targetID := range targets {
		result, err := h.deps.Orchestrator.Transfer(r.Context(), orchestrator.TransferRequest{
			SourceID: body.SourceDeviceID,
			TargetID: targetID,
			DataType: body.DataType,
			Params:   body.Params,
		})
		if err != nil {
			results[targetID] = map[string]string{"error": err.Error()}
			continue
		}
		results[targetID] = result
	}

	respondOK(w, map[string]any{"source": body.SourceDeviceID, "results": results})
}
