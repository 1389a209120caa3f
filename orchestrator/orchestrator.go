// Package orchestrator is the outbound half of the mesh: it builds signed HTTP
// requests to paired agents, probes the topology, fans out broadcasts, and
// initiates device-to-device transfers.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GuilhermeP96/adb-toolkit/auth"
	"github.com/GuilhermeP96/adb-toolkit/crypto"
	"github.com/GuilhermeP96/adb-toolkit/discovery"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
)

const (
	// DefaultRequestTimeout bounds each outbound peer request.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultProbeTimeout bounds each topology ping.
	DefaultProbeTimeout = 3 * time.Second
)

// ErrUnknownPeer indicates the target device id is not paired.
var ErrUnknownPeer = errors.New("orchestrator: unknown peer")

// ErrUnreachablePeer indicates no address is known for a paired device.
var ErrUnreachablePeer = errors.New("orchestrator: no known address for peer")

// Resolver supplies live endpoints for device ids. Implemented by the
// discovery service; nil disables live lookup and falls back to the last
// known pairing address.
type Resolver interface {
	Lookup(deviceID string) (discovery.Peer, bool)
}

// Orchestrator drives outbound signed requests to paired peers.
type Orchestrator struct {
	store    *pairing.Store
	resolver Resolver
	client   *http.Client
	logger   *slog.Logger

	requestTimeout time.Duration
	probeTimeout   time.Duration
}

// New builds an orchestrator over the pairing store. resolver may be nil.
func New(store *pairing.Store, resolver Resolver, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:          store,
		resolver:       resolver,
		client:         &http.Client{},
		logger:         logger.With("component", "orchestrator"),
		requestTimeout: DefaultRequestTimeout,
		probeTimeout:   DefaultProbeTimeout,
	}
}

// PeerResult is the outcome of one outbound request.
type PeerResult struct {
	PeerID string          `json:"peer_id"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PeerProbe is one topology entry.
type PeerProbe struct {
	PeerID    string `json:"peer_id"`
	Label     string `json:"label"`
	Address   string `json:"address,omitempty"`
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Address resolves the current endpoint for a paired device: the live
// discovery record when visible, otherwise the last known pairing address.
// A fresh discovery hit is written back to the store.
func (o *Orchestrator) Address(device *pairing.PairedDevice) (string, error) {
	if o.resolver != nil {
		if peer, ok := o.resolver.Lookup(device.PeerID); ok {
			address := peer.Address()
			if address != device.LastAddress {
				if err := o.store.UpdateAddress(device.PeerID, address); err != nil {
					o.logger.Warn("address update failed", "peer_id", device.PeerID, "error", err)
				}
			}
			return address, nil
		}
	}
	if device.LastAddress != "" {
		return device.LastAddress, nil
	}
	return "", ErrUnreachablePeer
}

// Dispatch sends a single signed request to a named peer and returns its
// response verbatim.
func (o *Orchestrator) Dispatch(ctx context.Context, peerID, method, endpoint string, body []byte) (*PeerResult, error) {
	device := o.store.Get(peerID)
	if device == nil {
		return nil, ErrUnknownPeer
	}
	result := o.send(ctx, device, method, endpoint, body, o.requestTimeout)
	return &result, nil
}

// Broadcast sends the same request to every trusted peer in parallel. The
// result always carries one entry per paired peer; failures become error
// entries and never abort the batch.
func (o *Orchestrator) Broadcast(ctx context.Context, method, endpoint string, body []byte) map[string]PeerResult {
	devices := o.store.List()
	results := make(map[string]PeerResult, len(devices))

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)

	for _, info := range devices {
		peerID := info.PeerID
		group.Go(func() error {
			device := o.store.Get(peerID)
			if device == nil {
				return nil
			}
			result := o.send(groupCtx, device, method, endpoint, body, o.requestTimeout)
			mu.Lock()
			results[peerID] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	// Peers revoked mid-flight still get an entry.
	for _, info := range devices {
		if _, ok := results[info.PeerID]; !ok {
			results[info.PeerID] = PeerResult{PeerID: info.PeerID, Error: "peer disappeared during broadcast"}
		}
	}

	return results
}

// Topology probes every paired peer in parallel with a short ping.
func (o *Orchestrator) Topology(ctx context.Context) []PeerProbe {
	devices := o.store.List()
	probes := make([]PeerProbe, len(devices))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, info := range devices {
		i, info := i, info
		group.Go(func() error {
			probe := PeerProbe{PeerID: info.PeerID, Label: info.Label}

			device := o.store.Get(info.PeerID)
			if device == nil {
				probe.Error = "revoked"
				probes[i] = probe
				return nil
			}

			address, err := o.Address(device)
			if err != nil {
				probe.Error = err.Error()
				probes[i] = probe
				return nil
			}
			probe.Address = address

			started := time.Now()
			result := o.send(groupCtx, device, http.MethodGet, "/api/ping", nil, o.probeTimeout)
			if result.Error != "" {
				probe.Error = result.Error
			} else {
				probe.Reachable = true
				probe.LatencyMS = time.Since(started).Milliseconds()
			}
			probes[i] = probe
			return nil
		})
	}
	_ = group.Wait()

	return probes
}

// TransferRequest instructs a source peer to push data to a target peer.
type TransferRequest struct {
	SourceID string         `json:"source_device_id"`
	TargetID string         `json:"target_device_id"`
	DataType string         `json:"data_type"`
	Params   map[string]any `json:"params,omitempty"`
}

// Transfer initiates a device-to-device transfer: the source peer receives a
// signed "transfer" query naming the target's endpoint and pushes the data
// itself. Source and target must both be paired with this agent, and the
// source must be paired with the target to authenticate the push.
func (o *Orchestrator) Transfer(ctx context.Context, req TransferRequest) (*PeerResult, error) {
	target := o.store.Get(req.TargetID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, req.TargetID)
	}
	targetAddress, err := o.Address(target)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"type":             "transfer",
		"data_type":        req.DataType,
		"target_device_id": req.TargetID,
		"target_address":   targetAddress,
		"params":           req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer request: %w", err)
	}

	return o.Dispatch(ctx, req.SourceID, http.MethodPost, "/api/peer/request", body)
}

// DeployStep is one client-driven step of a toolkit deployment.
type DeployStep struct {
	Order  int    `json:"order"`
	Action string `json:"action"`
	Detail string `json:"detail"`
}

// DeployToolkit returns the steps for pushing the agent package to another
// peer. Execution is client-driven; the orchestrator only plans.
func (o *Orchestrator) DeployToolkit(targetID string) ([]DeployStep, error) {
	device := o.store.Get(targetID)
	if device == nil {
		return nil, ErrUnknownPeer
	}

	address, err := o.Address(device)
	if err != nil {
		address = "(unknown; bring the peer online first)"
	}

	return []DeployStep{
		{Order: 1, Action: "download", Detail: "GET /api/apps/apk?package=<agent-package> from this device"},
		{Order: 2, Action: "send", Detail: "push the APK to " + address + " over the transfer port"},
		{Order: 3, Action: "install", Detail: "POST /api/apps/install on " + targetID + " with the pushed APK"},
	}, nil
}

func (o *Orchestrator) send(ctx context.Context, device *pairing.PairedDevice, method, endpoint string, body []byte, timeout time.Duration) PeerResult {
	result := PeerResult{PeerID: device.PeerID}

	address, err := o.Address(device)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(requestCtx, method, "http://"+address+endpoint, reader)
	if err != nil {
		result.Error = fmt.Sprintf("build request: %v", err)
		return result
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	o.sign(req, device)

	resp, err := o.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		result.Error = fmt.Sprintf("read response: %v", err)
		return result
	}

	result.Status = resp.StatusCode
	if json.Valid(payload) {
		result.Body = payload
	} else {
		encoded, _ := json.Marshal(string(payload))
		result.Body = encoded
	}

	if resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("peer returned %d", resp.StatusCode)
	}

	return result
}

// sign stamps the peer HMAC headers onto an outbound request. The signed
// message mirrors the gate's canonical form: METHOD|uri|timestamp.
func (o *Orchestrator) sign(req *http.Request, device *pairing.PairedDevice) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := req.Method + "|" + req.URL.RequestURI() + "|" + timestamp

	req.Header.Set(auth.HeaderPeerID, o.store.DeviceID())
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderSignature, crypto.Sign(device.SharedSecret, message))
}
