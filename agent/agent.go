// Package agent is the lifecycle controller: it owns configuration and the
// auth token, constructs every subsystem, and starts and stops the HTTP,
// transfer, and discovery services together.
package agent

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/GuilhermeP96/adb-toolkit/api"
	"github.com/GuilhermeP96/adb-toolkit/auth"
	"github.com/GuilhermeP96/adb-toolkit/config"
	"github.com/GuilhermeP96/adb-toolkit/crypto"
	"github.com/GuilhermeP96/adb-toolkit/discovery"
	"github.com/GuilhermeP96/adb-toolkit/orchestrator"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
	"github.com/GuilhermeP96/adb-toolkit/provider"
	"github.com/GuilhermeP96/adb-toolkit/server"
	"github.com/GuilhermeP96/adb-toolkit/storage"
	"github.com/GuilhermeP96/adb-toolkit/transfer"
)

// Version is the agent release version reported by ping and the Server header.
const Version = "1.4.0"

// Options tweaks agent construction beyond the persisted config.
type Options struct {
	Providers *provider.Set // nil selects the local platform set
	Logger    *slog.Logger
	// DisableDiscovery skips mDNS, for tests and restricted networks.
	DisableDiscovery bool
	// Notify receives pairing prompts for the platform UI.
	Notify api.PairingNotifier
}

// Agent wires and runs the whole on-device service.
type Agent struct {
	cfg       *config.AgentConfig
	options   Options
	logger    *slog.Logger
	startedAt time.Time

	store        *pairing.Store
	gate         *auth.Gate
	journal      *storage.Journal
	providers    provider.Set
	metrics      *Metrics
	orchestrator *orchestrator.Orchestrator

	httpService     *server.Service
	transferService *transfer.Service
	discoverySvc    *discovery.Service

	mu    sync.Mutex
	token string

	stopOnce sync.Once
}

// New constructs an agent from persisted config. Nothing is listening yet;
// call Start.
func New(cfg *config.AgentConfig, options Options) (*Agent, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := pairing.Open(cfg.PairingPath, cfg.DeviceID, logger)
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}

	token, err := config.EnsureToken(cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("prepare auth token: %w", err)
	}

	// The journal is advisory: a broken database logs a warning and the
	// agent runs without auditing.
	journal, err := storage.Open(filepath.Dir(cfg.PairingPath))
	if err != nil {
		logger.Warn("journal unavailable", "error", err)
		journal = nil
	}

	var recorder auth.Recorder
	if journal != nil {
		recorder = journal
	}
	gate := auth.NewGate(store, token, recorder, logger)

	providers := provider.NewLocalSet(cfg.SandboxRoot)
	if options.Providers != nil {
		providers = *options.Providers
	}

	a := &Agent{
		cfg:       cfg,
		options:   options,
		logger:    logger.With("component", "agent"),
		store:     store,
		gate:      gate,
		journal:   journal,
		providers: providers,
		token:     token,
	}
	a.metrics = NewMetrics(store.Count)
	return a, nil
}

// Start brings up the HTTP service, the transfer service, and discovery.
// Failure of any required service tears down the ones already started.
func (a *Agent) Start() error {
	a.startedAt = time.Now()

	httpService := server.New(server.Options{
		Version: Version,
		Logger:  a.logger,
		Gauge:   a.metrics,
		Metrics: a.metrics.Handler(),
		Gate:    a.gate,
	})

	disc := a.startDiscovery()

	api.Mount(httpService.Router(), api.Deps{
		Version:      Version,
		Platform:     runtime.GOOS,
		TransferPort: a.cfg.TransferPort,
		Store:        a.store,
		Gate:         a.gate,
		Providers:    a.providers,
		Orchestrator: orchestrator.New(a.store, discoveryResolver(disc), a.logger),
		Discovery:    disc,
		Journal:      a.journal,
		Status:       a.Status,
		Notify:       a.options.Notify,
		Logger:       a.logger,
	})

	if err := httpService.Start(net.JoinHostPort("", fmt.Sprint(a.cfg.HTTPPort))); err != nil {
		a.stopDiscovery()
		return err
	}
	a.httpService = httpService

	var journalRecorder transfer.Recorder
	if a.journal != nil {
		journalRecorder = a.journal
	}
	transferService, err := transfer.Listen(net.JoinHostPort("", fmt.Sprint(a.cfg.TransferPort)), transfer.Options{
		Gate:     a.gate,
		Files:    a.providers.Files,
		Counters: a.metrics,
		Recorder: journalRecorder,
		Logger:   a.logger,
	})
	if err != nil {
		_ = httpService.Close()
		a.stopDiscovery()
		return err
	}
	a.transferService = transferService

	a.logger.Info("agent started",
		"device_id", a.store.DeviceID(),
		"http_port", a.cfg.HTTPPort,
		"transfer_port", a.cfg.TransferPort,
		"paired_devices", a.store.Count(),
	)
	return nil
}

func (a *Agent) startDiscovery() *discovery.Service {
	if a.options.DisableDiscovery {
		return nil
	}

	disc, err := discovery.Start(discovery.Config{
		DeviceID:    a.store.DeviceID(),
		Fingerprint: crypto.Fingerprint(a.store.LocalPublicKey()),
		HTTPPort:    a.cfg.HTTPPort,
	})
	if err != nil {
		// mDNS is best-effort: hotel Wi-Fi and USB forwarding both work
		// without it.
		a.logger.Warn("discovery unavailable", "error", err)
		return nil
	}
	a.discoverySvc = disc
	return disc
}

func (a *Agent) stopDiscovery() {
	if a.discoverySvc != nil {
		a.discoverySvc.Stop()
		a.discoverySvc = nil
	}
}

// Stop shuts the listeners down and closes the journal. The HTTP service
// drains in-flight requests within its shutdown grace period; the transfer
// service stops accepting and waits, without a time bound, for in-flight
// transfers to finish or abort.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		if a.transferService != nil {
			_ = a.transferService.Close()
		}
		if a.httpService != nil {
			_ = a.httpService.Close()
		}
		a.stopDiscovery()
		if a.journal != nil {
			_ = a.journal.Close()
		}
		a.logger.Info("agent stopped")
	})
}

// SetToken rotates the controller token: persists it, then swaps it into the
// gate so both listeners pick it up on the next request.
func (a *Agent) SetToken(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := config.SaveToken(a.cfg.TokenPath, token); err != nil {
		return err
	}
	a.token = token
	a.gate.SetToken(token)
	return nil
}

// Token returns the current controller token.
func (a *Agent) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Status snapshots the process-wide counters.
func (a *Agent) Status() api.Status {
	return api.Status{
		Version:          Version,
		UptimeSeconds:    int64(time.Since(a.startedAt).Seconds()),
		BytesTransferred: a.metrics.BytesTransferred(),
		ActiveTransfers:  a.metrics.ActiveTransfers(),
		ConnectedClients: a.metrics.ConnectedClients(),
		PairedDevices:    a.store.Count(),
	}
}

// Store exposes the pairing store (CLI identity command).
func (a *Agent) Store() *pairing.Store { return a.store }

// HTTPAddr returns the bound HTTP address, for tests and logs.
func (a *Agent) HTTPAddr() net.Addr {
	if a.httpService == nil {
		return nil
	}
	return a.httpService.Addr()
}

// TransferAddr returns the bound transfer address.
func (a *Agent) TransferAddr() net.Addr {
	if a.transferService == nil {
		return nil
	}
	return a.transferService.Addr()
}

// discoveryResolver adapts a possibly-nil discovery service to the
// orchestrator's resolver interface.
func discoveryResolver(disc *discovery.Service) orchestrator.Resolver {
	if disc == nil {
		return nil
	}
	return disc
}
