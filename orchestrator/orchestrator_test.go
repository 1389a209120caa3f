package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/auth"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
)

// twoStores builds two pairing stores that are mutually paired, the way two
// real agents end up after the pairing protocol.
func twoStores(t *testing.T) (*pairing.Store, *pairing.Store) {
	t.Helper()

	storeA, err := pairing.Open(filepath.Join(t.TempDir(), "pairing_state"), "agent-a", nil)
	if err != nil {
		t.Fatalf("open store A: %v", err)
	}
	storeB, err := pairing.Open(filepath.Join(t.TempDir(), "pairing_state"), "agent-b", nil)
	if err != nil {
		t.Fatalf("open store B: %v", err)
	}

	pendingA, err := storeA.CreatePending(storeB.DeviceID(), "agent b", storeB.LocalPublicKey(), "")
	if err != nil {
		t.Fatalf("CreatePending on A: %v", err)
	}
	if _, err := storeA.Approve(pendingA.ChallengeID); err != nil {
		t.Fatalf("Approve on A: %v", err)
	}

	pendingB, err := storeB.CreatePending(storeA.DeviceID(), "agent a", storeA.LocalPublicKey(), "")
	if err != nil {
		t.Fatalf("CreatePending on B: %v", err)
	}
	if _, err := storeB.Approve(pendingB.ChallengeID); err != nil {
		t.Fatalf("Approve on B: %v", err)
	}

	return storeA, storeB
}

// peerServer stands in for agent B: it authenticates inbound HMAC requests
// against B's own store.
func peerServer(t *testing.T, storeB *pairing.Store) *httptest.Server {
	t.Helper()

	gate := auth.NewGate(storeB, "", nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		verdict, denial := gate.RequirePeer(r)
		if denial != nil {
			w.WriteHeader(denial.Status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": denial.Reason})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "from": verdict.PeerID})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatchSignedRequest(t *testing.T) {
	storeA, storeB := twoStores(t)
	server := peerServer(t, storeB)

	address := strings.TrimPrefix(server.URL, "http://")
	if err := storeA.UpdateAddress(storeB.DeviceID(), address); err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}

	orch := New(storeA, nil, nil)
	result, err := orch.Dispatch(testCtx(t), storeB.DeviceID(), http.MethodGet, "/api/ping", nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Status != http.StatusOK || result.Error != "" {
		t.Fatalf("result = %+v", result)
	}

	var body map[string]string
	if err := json.Unmarshal(result.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["from"] != storeA.DeviceID() {
		t.Fatalf("peer saw caller %q, want %q", body["from"], storeA.DeviceID())
	}
}

func TestDispatchUnknownPeer(t *testing.T) {
	storeA, _ := twoStores(t)
	orch := New(storeA, nil, nil)

	if _, err := orch.Dispatch(testCtx(t), "ghost", http.MethodGet, "/api/ping", nil); err != ErrUnknownPeer {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestBroadcastTotality(t *testing.T) {
	storeA, storeB := twoStores(t)
	server := peerServer(t, storeB)

	if err := storeA.UpdateAddress(storeB.DeviceID(), strings.TrimPrefix(server.URL, "http://")); err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}

	// A second paired peer with a dead address.
	deadStore, err := pairing.Open(filepath.Join(t.TempDir(), "pairing_state"), "agent-dead", nil)
	if err != nil {
		t.Fatalf("open dead store: %v", err)
	}
	pendingDead, err := storeA.CreatePending(deadStore.DeviceID(), "dead", deadStore.LocalPublicKey(), "127.0.0.1:1")
	if err != nil {
		t.Fatalf("CreatePending dead: %v", err)
	}
	if _, err := storeA.Approve(pendingDead.ChallengeID); err != nil {
		t.Fatalf("Approve dead: %v", err)
	}

	orch := New(storeA, nil, nil)
	results := orch.Broadcast(testCtx(t), http.MethodGet, "/api/ping", nil)

	if len(results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(results))
	}
	if live := results[storeB.DeviceID()]; live.Error != "" || live.Status != http.StatusOK {
		t.Fatalf("live peer entry = %+v", live)
	}
	if dead := results[deadStore.DeviceID()]; dead.Error == "" {
		t.Fatalf("dead peer entry has no error: %+v", dead)
	}
}

func TestTopology(t *testing.T) {
	storeA, storeB := twoStores(t)
	server := peerServer(t, storeB)

	if err := storeA.UpdateAddress(storeB.DeviceID(), strings.TrimPrefix(server.URL, "http://")); err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}

	orch := New(storeA, nil, nil)
	probes := orch.Topology(testCtx(t))

	if len(probes) != 1 {
		t.Fatalf("probes = %+v", probes)
	}
	if !probes[0].Reachable {
		t.Fatalf("peer not reachable: %+v", probes[0])
	}
}

func TestTopologyUnreachable(t *testing.T) {
	storeA, storeB := twoStores(t)
	if err := storeA.UpdateAddress(storeB.DeviceID(), "127.0.0.1:1"); err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}

	orch := New(storeA, nil, nil)
	probes := orch.Topology(testCtx(t))

	if len(probes) != 1 || probes[0].Reachable {
		t.Fatalf("probes = %+v", probes)
	}
	if probes[0].Error == "" {
		t.Fatalf("unreachable probe carries no error")
	}
}

func TestDeployToolkitSteps(t *testing.T) {
	storeA, storeB := twoStores(t)
	orch := New(storeA, nil, nil)

	steps, err := orch.DeployToolkit(storeB.DeviceID())
	if err != nil {
		t.Fatalf("DeployToolkit failed: %v", err)
	}
	if len(steps) != 3 || steps[0].Action != "download" || steps[2].Action != "install" {
		t.Fatalf("steps = %+v", steps)
	}

	if _, err := orch.DeployToolkit("ghost"); err != ErrUnknownPeer {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestAddressFallsBackToLastKnown(t *testing.T) {
	storeA, storeB := twoStores(t)
	if err := storeA.UpdateAddress(storeB.DeviceID(), "192.168.1.9:15555"); err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}

	orch := New(storeA, nil, nil)
	address, err := orch.Address(storeA.Get(storeB.DeviceID()))
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if address != "192.168.1.9:15555" {
		t.Fatalf("address = %q", address)
	}

	// No address anywhere: explicit error.
	fresh, err := pairing.Open(filepath.Join(t.TempDir(), "pairing_state"), "agent-c", nil)
	if err != nil {
		t.Fatalf("open store C: %v", err)
	}
	pending, _ := storeA.CreatePending(fresh.DeviceID(), "c", fresh.LocalPublicKey(), "")
	device, err := storeA.Approve(pending.ChallengeID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := orch.Address(device); err != ErrUnreachablePeer {
		t.Fatalf("err = %v, want ErrUnreachablePeer", err)
	}
}
