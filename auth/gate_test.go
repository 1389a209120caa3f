package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/crypto"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
)

type pairedFixture struct {
	store  *pairing.Store
	peerID string
	secret []byte
}

func newFixture(t *testing.T) *pairedFixture {
	t.Helper()

	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairing_state"), "local", nil)
	if err != nil {
		t.Fatalf("pairing.Open failed: %v", err)
	}

	peerPrivate, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	peerPub, err := crypto.MarshalPublicKey(peerPrivate.PublicKey())
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}

	pending, err := store.CreatePending("peer-a", "alice", peerPub, "")
	if err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	device, err := store.Approve(pending.ChallengeID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	return &pairedFixture{store: store, peerID: device.PeerID, secret: device.SharedSecret}
}

func signedRequest(peerID string, secret []byte, at time.Time) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	timestamp := strconv.FormatInt(at.UnixMilli(), 10)
	r.Header.Set(HeaderPeerID, peerID)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderSignature, crypto.Sign(secret, "GET|/api/ping|"+timestamp))
	r.RemoteAddr = "10.0.0.2:51000"
	return r
}

func TestPeerHMACAccepted(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "controller-token", nil, nil)

	verdict, denial := gate.Authenticate(signedRequest(fx.peerID, fx.secret, time.Now()))
	if denial != nil {
		t.Fatalf("valid peer request denied: %v", denial)
	}
	if verdict.Scheme != SchemePeer || verdict.PeerID != fx.peerID {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestPeerHMACStaleTimestampRejected(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "", nil, nil)

	_, denial := gate.Authenticate(signedRequest(fx.peerID, fx.secret, time.Now().Add(-10*time.Minute)))
	if denial == nil || denial.Status != http.StatusForbidden {
		t.Fatalf("stale request denial = %+v, want 403", denial)
	}
	if denial.Reason != "expired" {
		t.Fatalf("denial reason = %q, want %q", denial.Reason, "expired")
	}
}

func TestPeerHMACTamperedSignatureRejected(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "", nil, nil)

	r := signedRequest(fx.peerID, fx.secret, time.Now())
	sig := []byte(r.Header.Get(HeaderSignature))
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	r.Header.Set(HeaderSignature, string(sig))

	_, denial := gate.Authenticate(r)
	if denial == nil || denial.Status != http.StatusForbidden {
		t.Fatalf("tampered request denial = %+v, want 403", denial)
	}
}

func TestPeerHMACUnknownPeerRejected(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "", nil, nil)

	_, denial := gate.Authenticate(signedRequest("stranger", fx.secret, time.Now()))
	if denial == nil || denial.Status != http.StatusForbidden {
		t.Fatalf("unknown peer denial = %+v, want 403", denial)
	}
}

func TestPeerHMACMalformedTimestampRejected(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "", nil, nil)

	r := signedRequest(fx.peerID, fx.secret, time.Now())
	r.Header.Set(HeaderTimestamp, "not-a-number")

	_, denial := gate.Authenticate(r)
	if denial == nil || denial.Status != http.StatusBadRequest {
		t.Fatalf("malformed timestamp denial = %+v, want 400", denial)
	}
}

func TestControllerToken(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "secret-token", nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/files/list?path=/", nil)
	r.RemoteAddr = "10.0.0.9:40000"
	if _, denial := gate.Authenticate(r); denial == nil || denial.Status != http.StatusUnauthorized {
		t.Fatalf("missing token denial = %+v, want 401", denial)
	}

	r.Header.Set(HeaderToken, "wrong")
	if _, denial := gate.Authenticate(r); denial == nil || denial.Status != http.StatusUnauthorized {
		t.Fatalf("wrong token denial = %+v, want 401", denial)
	}

	r.Header.Set(HeaderToken, "secret-token")
	verdict, denial := gate.Authenticate(r)
	if denial != nil {
		t.Fatalf("correct token denied: %v", denial)
	}
	if verdict.Scheme != SchemeController {
		t.Fatalf("verdict scheme = %q", verdict.Scheme)
	}
}

func TestTokenQueryParameterAccepted(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "secret-token", nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/files/list?path=/&token=secret-token", nil)
	r.RemoteAddr = "10.0.0.9:40000"
	if _, denial := gate.Authenticate(r); denial != nil {
		t.Fatalf("query token denied: %v", denial)
	}
}

func TestLoopbackGraceOnlyWithEmptyToken(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "", nil, nil)

	local := httptest.NewRequest(http.MethodGet, "/api/device/info", nil)
	local.RemoteAddr = "127.0.0.1:39000"
	verdict, denial := gate.Authenticate(local)
	if denial != nil {
		t.Fatalf("loopback caller denied with empty token: %v", denial)
	}
	if verdict.Scheme != SchemeLoopback {
		t.Fatalf("verdict scheme = %q", verdict.Scheme)
	}

	remote := httptest.NewRequest(http.MethodGet, "/api/device/info", nil)
	remote.RemoteAddr = "192.168.1.50:39000"
	if _, denial := gate.Authenticate(remote); denial == nil || denial.Status != http.StatusUnauthorized {
		t.Fatalf("remote caller with empty token denial = %+v, want 401", denial)
	}

	gate.SetToken("now-set")
	if _, denial := gate.Authenticate(local); denial == nil {
		t.Fatalf("loopback grace survived token configuration")
	}
}

func TestSetTokenRotation(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "old", nil, nil)
	gate.SetToken("new")

	r := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.RemoteAddr = "10.0.0.9:40000"
	r.Header.Set(HeaderToken, "old")
	if _, denial := gate.Authenticate(r); denial == nil {
		t.Fatalf("rotated-out token still accepted")
	}
	r.Header.Set(HeaderToken, "new")
	if _, denial := gate.Authenticate(r); denial != nil {
		t.Fatalf("rotated-in token denied: %v", denial)
	}
}

func TestCheckTransferPeerAuth(t *testing.T) {
	fx := newFixture(t)
	gate := NewGate(fx.store, "transfer-token", nil, nil)

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := crypto.Sign(fx.secret, fmt.Sprintf("pull|%s|%s", "/sdcard/a.bin", timestamp))

	verdict, denial := gate.CheckTransfer("pull", "/sdcard/a.bin", "", fx.peerID, signature, timestamp, "10.0.0.2:50000")
	if denial != nil {
		t.Fatalf("valid transfer auth denied: %v", denial)
	}
	if verdict.PeerID != fx.peerID {
		t.Fatalf("verdict = %+v", verdict)
	}

	// Signature over a different op must fail: the op is part of the message.
	_, denial = gate.CheckTransfer("push", "/sdcard/a.bin", "", fx.peerID, signature, timestamp, "10.0.0.2:50000")
	if denial == nil {
		t.Fatalf("transfer auth accepted signature for wrong op")
	}
}

type captureRecorder struct {
	events []string
}

func (c *captureRecorder) RecordAuthFailure(scheme, remote, reason string) {
	c.events = append(c.events, scheme+"/"+reason)
}

func TestDenialsAreRecorded(t *testing.T) {
	fx := newFixture(t)
	recorder := &captureRecorder{}
	gate := NewGate(fx.store, "tok", recorder, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/device/info", nil)
	r.RemoteAddr = "10.1.1.1:1000"
	gate.Authenticate(r)

	if len(recorder.events) != 1 {
		t.Fatalf("recorded events = %v, want one", recorder.events)
	}
}
