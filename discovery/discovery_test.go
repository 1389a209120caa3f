package discovery

import (
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestParseEntryFiltersSelfAndBlank(t *testing.T) {
	service := &Service{cfg: Config{DeviceID: "self-id"}}

	if _, ok := service.parseEntry(nil); ok {
		t.Fatalf("nil entry accepted")
	}

	self := &zeroconf.ServiceEntry{Text: []string{"device_id=self-id"}}
	if _, ok := service.parseEntry(self); ok {
		t.Fatalf("own advertisement accepted")
	}

	blank := &zeroconf.ServiceEntry{Text: []string{"version=1"}}
	if _, ok := service.parseEntry(blank); ok {
		t.Fatalf("entry without device_id accepted")
	}
}

func TestParseEntryExtractsPeer(t *testing.T) {
	service := &Service{cfg: Config{DeviceID: "self-id"}}

	entry := &zeroconf.ServiceEntry{
		HostName: "phone.local.",
		Port:     15555,
		Text: []string{
			"device_id=peer-1",
			"fingerprint=abcd1234",
			"junk-without-equals",
		},
	}
	entry.Instance = "adb-agent-peer1"

	peer, ok := service.parseEntry(entry)
	if !ok {
		t.Fatalf("valid entry rejected")
	}
	if peer.DeviceID != "peer-1" || peer.Fingerprint != "abcd1234" {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if peer.Address() != "phone.local:15555" {
		t.Fatalf("address = %q", peer.Address())
	}
}

func TestApplyEmitsFoundAndLost(t *testing.T) {
	service := &Service{
		cfg:    Config{DeviceID: "self-id"},
		peers:  make(map[string]Peer),
		events: make(chan Event, 16),
	}

	first := map[string]Peer{
		"peer-1": {DeviceID: "peer-1", Addresses: []string{"10.0.0.2"}, Port: 15555, LastSeen: time.Now()},
	}
	service.apply(first)

	second := map[string]Peer{
		"peer-2": {DeviceID: "peer-2", Addresses: []string{"10.0.0.3"}, Port: 15555, LastSeen: time.Now()},
	}
	service.apply(second)

	var types []EventType
	var ids []string
	for len(service.events) > 0 {
		event := <-service.events
		types = append(types, event.Type)
		ids = append(ids, event.Peer.DeviceID)
	}

	want := []EventType{EventPeerFound, EventPeerFound, EventPeerLost}
	if len(types) != len(want) {
		t.Fatalf("events = %v (%v), want %v", types, ids, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, types[i], want[i])
		}
	}

	if _, ok := service.Lookup("peer-2"); !ok {
		t.Fatalf("peer-2 missing from map")
	}
	if _, ok := service.Lookup("peer-1"); ok {
		t.Fatalf("peer-1 still in map after disappearing")
	}
}

func TestInstanceName(t *testing.T) {
	if got := instanceName("0123456789abcdef"); got != "adb-agent-01234567" {
		t.Fatalf("instanceName = %q", got)
	}
	if got := instanceName("short"); got != "adb-agent-short" {
		t.Fatalf("instanceName = %q", got)
	}
}
