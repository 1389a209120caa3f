package pairing

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "pairing_state"), "local-device", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return store
}

func peerKey(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	der, err := crypto.MarshalPublicKey(key.PublicKey())
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}
	return der, key.Bytes()
}

func TestPairingLifecycle(t *testing.T) {
	store := newTestStore(t)
	peerPub, _ := peerKey(t)

	pending, err := store.CreatePending("peer-a", "alice phone", peerPub, "10.0.0.2:15555")
	if err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	if pending.ChallengeID == "" || len(pending.ConfirmCode) != 6 {
		t.Fatalf("pending record incomplete: %+v", pending)
	}
	if pending.ConfirmCode != crypto.ConfirmCode(store.LocalPublicKey(), peerPub) {
		t.Fatalf("confirm code does not match CryptoBox derivation")
	}

	device, err := store.Approve(pending.ChallengeID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if device.PeerID != "peer-a" || !device.Trusted {
		t.Fatalf("unexpected paired device: %+v", device)
	}
	if len(device.SharedSecret) != crypto.SharedSecretSize {
		t.Fatalf("shared secret size = %d", len(device.SharedSecret))
	}

	// The challenge is consumed: a second approve must fail, and a late
	// reject is a no-op.
	if _, err := store.Approve(pending.ChallengeID); !errors.Is(err, ErrUnknownChallenge) {
		t.Fatalf("second Approve error = %v, want ErrUnknownChallenge", err)
	}
	if store.Reject(pending.ChallengeID) {
		t.Fatalf("Reject after Approve should be a no-op")
	}

	if store.Count() != 1 {
		t.Fatalf("Count = %d, want 1", store.Count())
	}
	if got := store.Get("peer-a"); got == nil || got.PeerID != "peer-a" {
		t.Fatalf("Get returned %+v", got)
	}
}

func TestApproveDerivesSymmetricSecret(t *testing.T) {
	store := newTestStore(t)

	peerPrivate, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	peerPub, err := crypto.MarshalPublicKey(peerPrivate.PublicKey())
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}

	pending, err := store.CreatePending("peer-b", "bob", peerPub, "")
	if err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	device, err := store.Approve(pending.ChallengeID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	peerSide, err := crypto.SharedSecret(peerPrivate, store.LocalPublicKey())
	if err != nil {
		t.Fatalf("peer-side SharedSecret failed: %v", err)
	}
	if string(peerSide) != string(device.SharedSecret) {
		t.Fatalf("secrets diverge between sides")
	}
}

func TestPendingExpiry(t *testing.T) {
	store := newTestStore(t)
	peerPub, _ := peerKey(t)

	pending, err := store.CreatePending("peer-c", "carol", peerPub, "")
	if err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(PendingTTL + time.Second) }

	if _, err := store.Approve(pending.ChallengeID); !errors.Is(err, ErrUnknownChallenge) {
		t.Fatalf("Approve of expired challenge = %v, want ErrUnknownChallenge", err)
	}
	if len(store.Pending()) != 0 {
		t.Fatalf("expired pending record still listed")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing_state")

	store, err := Open(path, "local-device", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	peerPub, _ := peerKey(t)
	pending, _ := store.CreatePending("peer-d", "dave", peerPub, "")
	if _, err := store.Approve(pending.ChallengeID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	reopened, err := Open(path, "", nil)
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	if reopened.DeviceID() != store.DeviceID() {
		t.Fatalf("device id changed across reopen")
	}
	if string(reopened.LocalPublicKey()) != string(store.LocalPublicKey()) {
		t.Fatalf("key pair changed across reopen")
	}
	device := reopened.Get("peer-d")
	if device == nil {
		t.Fatalf("paired device lost across reopen")
	}
	if string(device.SharedSecret) != string(store.Get("peer-d").SharedSecret) {
		t.Fatalf("shared secret changed across reopen")
	}

	// The state file references the key PEM instead of embedding key bytes.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if !strings.Contains(string(raw), `"private_key_path"`) {
		t.Fatalf("state file does not reference the key file")
	}
	if _, err := crypto.LoadPrivateKey(path + "_key.pem"); err != nil {
		t.Fatalf("referenced key PEM unreadable: %v", err)
	}
}

func TestRevokeAndRevokeAll(t *testing.T) {
	store := newTestStore(t)

	for _, peerID := range []string{"p1", "p2", "p3"} {
		peerPub, _ := peerKey(t)
		pending, _ := store.CreatePending(peerID, peerID, peerPub, "")
		if _, err := store.Approve(pending.ChallengeID); err != nil {
			t.Fatalf("Approve(%s) failed: %v", peerID, err)
		}
	}

	revoked, err := store.Revoke("p2")
	if err != nil || !revoked {
		t.Fatalf("Revoke = (%v, %v)", revoked, err)
	}
	if store.Get("p2") != nil {
		t.Fatalf("revoked peer still present")
	}

	removed, err := store.RevokeAll()
	if err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}
	if removed != 2 || store.Count() != 0 {
		t.Fatalf("RevokeAll removed %d, count now %d", removed, store.Count())
	}
}

func TestLoadSkipsMalformedDeviceRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing_state")
	store, err := Open(path, "local-device", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	peerPub, _ := peerKey(t)
	pending, _ := store.CreatePending("good-peer", "good", peerPub, "")
	if _, err := store.Approve(pending.ChallengeID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	// Corrupt the file by appending a junk device record.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	corrupted := []byte(string(raw))
	corrupted = []byte(replaceOnce(string(corrupted), `"devices": [`, `"devices": [{"peer_id":""},`))
	if err := os.WriteFile(path, corrupted, 0o600); err != nil {
		t.Fatalf("write corrupted state: %v", err)
	}

	reopened, err := Open(path, "", nil)
	if err != nil {
		t.Fatalf("re-Open of corrupted file failed: %v", err)
	}
	if reopened.Count() != 1 || reopened.Get("good-peer") == nil {
		t.Fatalf("good record lost while skipping malformed one")
	}
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}
