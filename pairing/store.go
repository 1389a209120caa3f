// Package pairing owns the device identity and the persisted set of paired
// peers, plus the in-memory table of pairings awaiting user approval.
package pairing

import (
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GuilhermeP96/adb-toolkit/crypto"
)

const (
	// StateVersion is the pairing_state schema version tag.
	StateVersion = 1
	// PendingTTL is how long an unapproved pairing request stays approvable.
	PendingTTL = 5 * time.Minute
)

var (
	// ErrUnknownChallenge indicates the challenge id has no pending record.
	ErrUnknownChallenge = errors.New("pairing: unknown challenge")
	// ErrChallengeExpired names a pending record that outlived PendingTTL.
	// Store operations sweep expired records before the lookup, so Approve
	// reports an expired challenge as ErrUnknownChallenge.
	ErrChallengeExpired = errors.New("pairing: challenge expired")
)

// PairedDevice is one trusted peer. SharedSecret is persisted but must never
// be serialized into an API response; handlers use Info().
type PairedDevice struct {
	PeerID       string `json:"peer_id"`
	Label        string `json:"label"`
	PublicKey    []byte `json:"public_key"`
	SharedSecret []byte `json:"shared_secret"`
	LastAddress  string `json:"last_address,omitempty"`
	PairedAt     int64  `json:"paired_at"`
	LastSeen     int64  `json:"last_seen"`
	Trusted      bool   `json:"trusted"`
}

// DeviceInfo is the externally visible view of a paired device.
type DeviceInfo struct {
	PeerID      string `json:"peer_id"`
	Label       string `json:"label"`
	PublicKey   []byte `json:"public_key"`
	LastAddress string `json:"last_address,omitempty"`
	PairedAt    int64  `json:"paired_at"`
	LastSeen    int64  `json:"last_seen"`
	Trusted     bool   `json:"trusted"`
}

// Info returns the device record without the shared secret.
func (d *PairedDevice) Info() DeviceInfo {
	return DeviceInfo{
		PeerID:      d.PeerID,
		Label:       d.Label,
		PublicKey:   d.PublicKey,
		LastAddress: d.LastAddress,
		PairedAt:    d.PairedAt,
		LastSeen:    d.LastSeen,
		Trusted:     d.Trusted,
	}
}

// PendingPairing is an inbound pairing request awaiting user approval.
type PendingPairing struct {
	ChallengeID   string    `json:"challenge_id"`
	PeerID        string    `json:"peer_id"`
	PeerLabel     string    `json:"peer_label"`
	PeerPublicKey []byte    `json:"peer_public_key"`
	PeerAddress   string    `json:"peer_address,omitempty"`
	ConfirmCode   string    `json:"confirm_code"`
	CreatedAt     time.Time `json:"created_at"`
}

type stateFile struct {
	Version        int               `json:"version"`
	DeviceID       string            `json:"device_id"`
	PrivateKeyPath string            `json:"private_key_path"`
	Devices        []json.RawMessage `json:"devices"`
}

// Store persists pairing state to a single file with atomic writes. The
// private key lives next to it as a SEC1 PEM file the state references. All
// mutations serialize under the write lock; readers take the shared lock.
type Store struct {
	path    string
	keyPath string
	logger  *slog.Logger

	mu         sync.RWMutex
	deviceID   string
	privateKey *ecdh.PrivateKey
	publicDER  []byte
	devices    map[string]*PairedDevice
	pending    map[string]*PendingPairing

	now func() time.Time
}

// Open loads pairing_state from path, creating identity (device id and P-256
// private key) on first run. deviceID seeds a fresh file; an existing file's
// identity wins.
func Open(path, deviceID string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:    path,
		keyPath: path + "_key.pem",
		logger:  logger.With("component", "pairing"),
		devices: make(map[string]*PairedDevice),
		pending: make(map[string]*PendingPairing),
		now:     time.Now,
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := s.loadState(raw); err != nil {
			return nil, err
		}
		key, err := crypto.LoadPrivateKey(s.keyPath)
		if err != nil {
			return nil, err
		}
		s.privateKey = key
	case errors.Is(err, fs.ErrNotExist):
		if deviceID == "" {
			deviceID = uuid.NewString()
		}
		key, err := crypto.EnsureKeyPair(s.keyPath)
		if err != nil {
			return nil, err
		}
		s.deviceID = deviceID
		s.privateKey = key
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read pairing state: %w", err)
	}

	der, err := crypto.MarshalPublicKey(s.privateKey.PublicKey())
	if err != nil {
		return nil, err
	}
	s.publicDER = der

	return s, nil
}

func (s *Store) loadState(raw []byte) error {
	var state stateFile
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parse pairing state: %w", err)
	}
	if state.Version != StateVersion {
		return fmt.Errorf("parse pairing state: unsupported version %d", state.Version)
	}
	if state.DeviceID == "" {
		return errors.New("parse pairing state: missing device id")
	}

	s.deviceID = state.DeviceID
	if state.PrivateKeyPath != "" {
		s.keyPath = state.PrivateKeyPath
	}

	for i, rawDevice := range state.Devices {
		var device PairedDevice
		if err := json.Unmarshal(rawDevice, &device); err != nil {
			s.logger.Warn("skipping malformed paired device record", "index", i, "error", err)
			continue
		}
		if device.PeerID == "" || len(device.SharedSecret) != crypto.SharedSecretSize {
			s.logger.Warn("skipping incomplete paired device record", "index", i, "peer_id", device.PeerID)
			continue
		}
		s.devices[device.PeerID] = &device
	}

	return nil
}

// persistLocked writes the state file via temp-then-rename. Callers hold the
// write lock (or own the store exclusively during Open).
func (s *Store) persistLocked() error {
	state := stateFile{
		Version:        StateVersion,
		DeviceID:       s.deviceID,
		PrivateKeyPath: s.keyPath,
	}
	for _, device := range s.devices {
		rawDevice, err := json.Marshal(device)
		if err != nil {
			return fmt.Errorf("marshal paired device %q: %w", device.PeerID, err)
		}
		state.Devices = append(state.Devices, rawDevice)
	}

	raw, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pairing state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write pairing state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace pairing state: %w", err)
	}

	return nil
}

// DeviceID returns the stable local device identifier.
func (s *Store) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// LocalPublicKey returns the local public key in SPKI DER encoding.
func (s *Store) LocalPublicKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.publicDER))
	copy(out, s.publicDER)
	return out
}

// CreatePending registers an inbound pair-init and derives the confirmation
// code both devices will display. The record expires after PendingTTL.
func (s *Store) CreatePending(peerID, label string, peerPublicKey []byte, peerAddress string) (*PendingPairing, error) {
	if peerID == "" {
		return nil, errors.New("pairing: peer id is required")
	}
	if _, err := crypto.ParsePublicKey(peerPublicKey); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPendingLocked()

	pending := &PendingPairing{
		ChallengeID:   uuid.NewString(),
		PeerID:        peerID,
		PeerLabel:     label,
		PeerPublicKey: peerPublicKey,
		PeerAddress:   peerAddress,
		ConfirmCode:   crypto.ConfirmCode(s.publicDER, peerPublicKey),
		CreatedAt:     s.now(),
	}
	s.pending[pending.ChallengeID] = pending

	return pending, nil
}

// Approve consumes a pending record, derives the shared secret, stores and
// persists the paired device. Expired or unknown challenges fail.
func (s *Store) Approve(challengeID string) (*PairedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPendingLocked()

	pending, ok := s.pending[challengeID]
	if !ok {
		return nil, ErrUnknownChallenge
	}
	delete(s.pending, challengeID)

	secret, err := crypto.SharedSecret(s.privateKey, pending.PeerPublicKey)
	if err != nil {
		return nil, err
	}

	nowMillis := s.now().UnixMilli()
	device := &PairedDevice{
		PeerID:       pending.PeerID,
		Label:        pending.PeerLabel,
		PublicKey:    pending.PeerPublicKey,
		SharedSecret: secret,
		LastAddress:  pending.PeerAddress,
		PairedAt:     nowMillis,
		LastSeen:     nowMillis,
		Trusted:      true,
	}
	s.devices[device.PeerID] = device

	if err := s.persistLocked(); err != nil {
		return nil, err
	}

	s.logger.Info("peer paired", "peer_id", device.PeerID, "label", device.Label)
	return device, nil
}

// Reject drops a pending record. Rejecting an unknown or already-consumed
// challenge is a no-op.
func (s *Store) Reject(challengeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPendingLocked()

	if _, ok := s.pending[challengeID]; !ok {
		return false
	}
	delete(s.pending, challengeID)
	return true
}

// Pending lists unexpired pairing requests.
func (s *Store) Pending() []PendingPairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPendingLocked()

	out := make([]PendingPairing, 0, len(s.pending))
	for _, pending := range s.pending {
		out = append(out, *pending)
	}
	return out
}

// Get returns the paired device for a peer id, or nil.
func (s *Store) Get(peerID string) *PairedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[peerID]
	if !ok {
		return nil
	}
	clone := *device
	return &clone
}

// List returns the externally visible view of all paired devices.
func (s *Store) List() []DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device.Info())
	}
	return out
}

// Count returns the number of paired devices.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Revoke removes a paired device and persists.
func (s *Store) Revoke(peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[peerID]; !ok {
		return false, nil
	}
	delete(s.devices, peerID)

	if err := s.persistLocked(); err != nil {
		return false, err
	}
	s.logger.Info("peer revoked", "peer_id", peerID)
	return true, nil
}

// RevokeAll removes every paired device and persists. Returns the count removed.
func (s *Store) RevokeAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.devices)
	if removed == 0 {
		return 0, nil
	}
	s.devices = make(map[string]*PairedDevice)

	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	s.logger.Info("all peers revoked", "count", removed)
	return removed, nil
}

// UpdateAddress records the last known host:port of a peer.
func (s *Store) UpdateAddress(peerID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[peerID]
	if !ok || device.LastAddress == address {
		return nil
	}
	device.LastAddress = address
	return s.persistLocked()
}

// TouchSeen updates the last-seen timestamp of a peer. The timestamp is not
// flushed to disk on every request; it rides along with the next persist.
func (s *Store) TouchSeen(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device, ok := s.devices[peerID]; ok {
		device.LastSeen = s.now().UnixMilli()
	}
}

func (s *Store) sweepPendingLocked() {
	cutoff := s.now().Add(-PendingTTL)
	for id, pending := range s.pending {
		if pending.CreatedAt.Before(cutoff) {
			delete(s.pending, id)
		}
	}
}
