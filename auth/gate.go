// Package auth evaluates the two request authentication schemes: the static
// controller token and the per-request peer HMAC with replay protection.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/crypto"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
)

// Request headers carrying credentials.
const (
	HeaderToken     = "X-Agent-Token"
	HeaderPeerID    = "X-Peer-Id"
	HeaderSignature = "X-Peer-Signature"
	HeaderTimestamp = "X-Peer-Timestamp"
)

// ReplayWindow bounds how far a peer request timestamp may drift from now.
const ReplayWindow = 5 * time.Minute

// Scheme identifies how a request authenticated.
type Scheme string

const (
	// SchemeController is static-token authentication.
	SchemeController Scheme = "controller"
	// SchemePeer is HMAC-signed peer authentication.
	SchemePeer Scheme = "peer"
	// SchemeLoopback is the unauthenticated grace for loopback callers while
	// no token is configured (fresh install).
	SchemeLoopback Scheme = "loopback"
)

// Verdict is the outcome of a successful authentication.
type Verdict struct {
	Scheme Scheme
	PeerID string
}

// Denial is a failed authentication with its HTTP status mapping.
type Denial struct {
	Status int
	Reason string
}

func (d *Denial) Error() string { return d.Reason }

// Recorder receives security events for the audit journal. May be nil.
type Recorder interface {
	RecordAuthFailure(scheme, remote, reason string)
}

// Gate validates request credentials against the configured token and the
// pairing store.
type Gate struct {
	store    *pairing.Store
	recorder Recorder
	logger   *slog.Logger

	mu    sync.RWMutex
	token string

	now func() time.Time
}

// NewGate builds a gate over the pairing store with the current token. The
// token may be rotated later via SetToken.
func NewGate(store *pairing.Store, token string, recorder Recorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    store,
		recorder: recorder,
		logger:   logger.With("component", "auth"),
		token:    token,
		now:      time.Now,
	}
}

// SetToken replaces the controller token.
func (g *Gate) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

func (g *Gate) currentToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// Authenticate evaluates a request under both schemes. Peer HMAC takes
// precedence when its headers are present; otherwise the controller token is
// checked, with a loopback grace while no token is configured.
func (g *Gate) Authenticate(r *http.Request) (Verdict, *Denial) {
	if r.Header.Get(HeaderPeerID) != "" || r.Header.Get(HeaderSignature) != "" {
		return g.authenticatePeer(r)
	}
	return g.authenticateController(r)
}

// RequirePeer evaluates a request under the peer-HMAC scheme only, for the
// authenticated P2P data-plane endpoints.
func (g *Gate) RequirePeer(r *http.Request) (Verdict, *Denial) {
	if r.Header.Get(HeaderPeerID) == "" {
		return g.deny(SchemePeer, r.RemoteAddr, http.StatusForbidden, "peer authentication required")
	}
	return g.authenticatePeer(r)
}

func (g *Gate) authenticateController(r *http.Request) (Verdict, *Denial) {
	presented := r.Header.Get(HeaderToken)
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}

	return g.checkToken(presented, r.RemoteAddr)
}

// CheckTransfer authenticates a transfer frame header. The canonical HMAC
// message is "op|path|timestamp".
func (g *Gate) CheckTransfer(op, path, token, peerID, signature, timestamp, remoteAddr string) (Verdict, *Denial) {
	if peerID != "" || signature != "" {
		return g.verifyPeer(peerID, signature, timestamp, op+"|"+path+"|"+timestamp, remoteAddr)
	}
	return g.checkToken(token, remoteAddr)
}

func (g *Gate) checkToken(presented, remoteAddr string) (Verdict, *Denial) {
	configured := g.currentToken()

	if configured == "" {
		if isLoopback(remoteAddr) {
			return Verdict{Scheme: SchemeLoopback}, nil
		}
		return g.deny(SchemeController, remoteAddr, http.StatusUnauthorized, "no token configured; remote access denied")
	}

	if presented == "" {
		return g.deny(SchemeController, remoteAddr, http.StatusUnauthorized, "missing token")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
		return g.deny(SchemeController, remoteAddr, http.StatusUnauthorized, "invalid token")
	}

	return Verdict{Scheme: SchemeController}, nil
}

func (g *Gate) authenticatePeer(r *http.Request) (Verdict, *Denial) {
	peerID := r.Header.Get(HeaderPeerID)
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)

	message := r.Method + "|" + r.URL.RequestURI() + "|" + timestamp
	return g.verifyPeer(peerID, signature, timestamp, message, r.RemoteAddr)
}

func (g *Gate) verifyPeer(peerID, signature, timestamp, message, remoteAddr string) (Verdict, *Denial) {
	if peerID == "" || signature == "" || timestamp == "" {
		return g.deny(SchemePeer, remoteAddr, http.StatusBadRequest, "incomplete peer credentials")
	}

	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return g.deny(SchemePeer, remoteAddr, http.StatusBadRequest, "malformed peer timestamp")
	}

	drift := g.now().Sub(time.UnixMilli(millis))
	if drift < 0 {
		drift = -drift
	}
	if drift > ReplayWindow {
		return g.deny(SchemePeer, remoteAddr, http.StatusForbidden, "expired")
	}

	device := g.store.Get(peerID)
	if device == nil || !device.Trusted {
		return g.deny(SchemePeer, remoteAddr, http.StatusForbidden, "unknown peer")
	}

	if !crypto.Verify(device.SharedSecret, message, signature) {
		return g.deny(SchemePeer, remoteAddr, http.StatusForbidden, "HMAC verification failed")
	}

	g.store.TouchSeen(peerID)
	return Verdict{Scheme: SchemePeer, PeerID: peerID}, nil
}

func (g *Gate) deny(scheme Scheme, remoteAddr string, status int, reason string) (Verdict, *Denial) {
	g.logger.Debug("request denied", "scheme", scheme, "remote", remoteAddr, "reason", reason)
	if g.recorder != nil {
		g.recorder.RecordAuthFailure(string(scheme), remoteAddr, reason)
	}
	return Verdict{}, &Denial{Status: status, Reason: reason}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
