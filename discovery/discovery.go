// Package discovery advertises the agent over mDNS and tracks other agents on
// the LAN. Discovery is advisory: a discovered peer still has to complete the
// pairing protocol before any authenticated operation.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type agents register under.
	ServiceType = "_adbtoolkit._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// DefaultScanInterval is the background browse cadence.
	DefaultScanInterval = 15 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

// EventType identifies peer map updates.
type EventType string

const (
	// EventPeerFound is emitted when an agent appears or its endpoint changes.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a previously seen agent disappears.
	EventPeerLost EventType = "peer_lost"
)

// Event carries one peer map update.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is one discovered agent endpoint.
type Peer struct {
	DeviceID    string    `json:"device_id"`
	Instance    string    `json:"instance"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Addresses   []string  `json:"addresses"`
	LastSeen    time.Time `json:"last_seen"`
}

// Address returns the peer's preferred host:port dial target.
func (p Peer) Address() string {
	if len(p.Addresses) > 0 {
		return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(p.Host, "."), strconv.Itoa(p.Port))
}

// Config controls registration and scanning.
type Config struct {
	DeviceID     string
	Fingerprint  string
	HTTPPort     int
	ScanInterval time.Duration
	ScanTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// Service registers the local agent and browses for others.
type Service struct {
	cfg    Config
	server *zeroconf.Server

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start registers the mDNS instance and begins background scanning.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.DeviceID == "" {
		return nil, errors.New("discovery: device id is required")
	}
	if cfg.HTTPPort <= 0 {
		return nil, errors.New("discovery: http port is required")
	}

	instance := instanceName(cfg.DeviceID)
	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=1",
		"fingerprint=" + cfg.Fingerprint,
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, cfg.HTTPPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	service := &Service{
		cfg:    cfg,
		server: server,
		peers:  make(map[string]Peer),
		events: make(chan Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	service.wg.Add(1)
	go service.scanLoop()

	return service, nil
}

// Stop unregisters the instance and stops scanning.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.server.Shutdown()
		close(s.events)
	})
}

// Events provides asynchronous peer map updates. Consumers that fall behind
// lose events, never block the scanner.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Peers returns a snapshot of currently visible agents.
func (s *Service) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Lookup returns the discovered endpoint of a device id, if visible.
func (s *Service) Lookup(deviceID string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	return peer, ok
}

func (s *Service) scanLoop() {
	defer s.wg.Done()

	s.scanOnce()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanOnce()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scanOnce() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return
	}

	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]Peer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			peer, ok := s.parseEntry(entry)
			if !ok {
				continue
			}
			found[peer.DeviceID] = peer
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		return
	}
	<-scanCtx.Done()
	<-done

	s.apply(found)
}

func (s *Service) apply(found map[string]Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = found

	for id, peer := range found {
		old, seen := previous[id]
		if !seen || old.Address() != peer.Address() {
			s.emit(Event{Type: EventPeerFound, Peer: peer})
		}
	}
	for id, peer := range previous {
		if _, still := found[id]; !still {
			s.emit(Event{Type: EventPeerLost, Peer: peer})
		}
	}
}

func (s *Service) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *Service) parseEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		txt[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == s.cfg.DeviceID {
		return Peer{}, false
	}

	var addresses []string
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	sort.Strings(addresses)

	return Peer{
		DeviceID:    deviceID,
		Instance:    entry.Instance,
		Fingerprint: txt["fingerprint"],
		Host:        entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
		LastSeen:    time.Now(),
	}, true
}

func instanceName(deviceID string) string {
	short := deviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "adb-agent-" + short
}
