// Package engine composes the proxy frontends, DoH resolver, and stats
// block into one lifecycle the CLI and control plane both drive, matching
// the reference's EngineState machine (stopped/starting/running/stopping/
// error).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/havenwall/dpifrag/pkg/bypass"
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/doh"
	"github.com/havenwall/dpifrag/pkg/proxy"
	"github.com/havenwall/dpifrag/pkg/stats"
)

// State is one of the engine's lifecycle states.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Settings configures the frontends an Engine brings up.
type Settings struct {
	ProxyListenAddr  string
	SOCKS5ListenAddr string
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	MaxConnections   int64
}

// Engine owns the long-lived proxy frontends and the shared stats block,
// and is the single object both the CLI's `run` command and the control
// plane's lifecycle commands operate on.
type Engine struct {
	mu       sync.Mutex
	state    State
	settings Settings
	cfg      config.Config
	logger   *slog.Logger

	stats    *stats.Stats
	resolver *doh.Resolver

	httpFrontend   *proxy.Frontend
	socks5Frontend *proxy.SOCKS5Frontend

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time
}

// New builds a stopped Engine from its settings and config.
func New(settings Settings, cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		state:    StateStopped,
		settings: settings,
		cfg:      cfg,
		logger:   logger,
		stats:    stats.New(),
		resolver: doh.New(),
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns the engine's shared stats block.
func (e *Engine) Stats() *stats.Stats { return e.stats }

// Config returns the engine's active configuration.
func (e *Engine) Config() config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start brings up every configured frontend. Returns an error if the
// engine is already running or starting.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return fmt.Errorf("engine already %s", e.state)
	}
	e.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	bypassCfg := bypassConfigFromRules(e.cfg)

	if e.settings.ProxyListenAddr != "" {
		fsettings := proxy.DefaultSettings()
		fsettings.ListenAddr = e.settings.ProxyListenAddr
		fsettings.ConnectTimeout = e.settings.ConnectTimeout
		fsettings.IdleTimeout = e.settings.IdleTimeout
		fsettings.MaxConnections = e.settings.MaxConnections
		fsettings.Bypass = bypassCfg

		e.httpFrontend = proxy.NewFrontend(fsettings, e.resolver, e.stats, e.logger)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.httpFrontend.ListenAndServe(runCtx); err != nil {
				e.logger.Error("http frontend exited", "error", err)
				e.setState(StateError)
			}
		}()
	}

	if e.settings.SOCKS5ListenAddr != "" {
		ssettings := proxy.DefaultSettings()
		ssettings.ListenAddr = e.settings.SOCKS5ListenAddr
		ssettings.ConnectTimeout = e.settings.ConnectTimeout
		ssettings.IdleTimeout = e.settings.IdleTimeout
		ssettings.MaxConnections = e.settings.MaxConnections
		ssettings.Bypass = bypassCfg

		e.socks5Frontend = proxy.NewSOCKS5Frontend(ssettings, e.resolver, e.stats, e.logger)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.socks5Frontend.ListenAndServe(runCtx); err != nil {
				e.logger.Error("socks5 frontend exited", "error", err)
				e.setState(StateError)
			}
		}()
	}

	e.mu.Lock()
	e.startedAt = time.Now()
	if e.state == StateStarting {
		e.state = StateRunning
	}
	e.mu.Unlock()

	return nil
}

// Stop signals every frontend to shut down and waits up to drain for their
// accept loops to exit. In-flight connections are not tracked and are not
// waited for; each keeps running until its own relay ends.
func (e *Engine) Stop(drain time.Duration) error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StateError {
		e.mu.Unlock()
		return fmt.Errorf("engine not running")
	}
	e.state = StateStopping
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drain):
		e.logger.Warn("shutdown drain timeout exceeded, abandoning in-flight connections")
	}

	e.setState(StateStopped)
	return nil
}

// Reload validates and installs a new configuration. It does not touch
// running frontends: their bypass policy is derived from e.cfg via
// bypassConfigFromRules only at Start, so a running proxy's fragmentation
// policy changes only after a Stop/Start cycle. The control plane's
// `reload` command calls Reload alone and does not restart the engine.
func (e *Engine) Reload(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Uptime reports how long the engine has been running, or zero if stopped.
func (e *Engine) Uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning || e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// bypassConfigFromRules picks the fragmentation policy a frontend applies
// to the first segment of every flow. The packet-level rule/transform
// pipeline (E/F) governs per-flow behavior for the TUN/pipeline backend;
// the CONNECT/SOCKS5 data path instead uses this single global Bypass
// policy, derived from the config's global feature flags and the
// fragment/decoy/jitter transform parameters, matching the reference's own
// split between its "bypass engine" (one config) and its "transform
// pipeline" (per-rule config).
func bypassConfigFromRules(cfg config.Config) bypass.Config {
	b := bypass.DefaultConfig()
	b.FragmentSNI = cfg.Global.EnableFragmentation
	b.FragmentHost = cfg.Global.EnableFragmentation

	if cfg.Transforms.Fragment.SplitAtOffset != nil {
		b.TLSSplitPos = *cfg.Transforms.Fragment.SplitAtOffset
		b.HTTPSplitPos = *cfg.Transforms.Fragment.SplitAtOffset
	}
	b.MinSegmentSize = cfg.Transforms.Fragment.MinSize
	b.MaxSegmentSize = cfg.Transforms.Fragment.MaxSize

	b.SendFakePackets = cfg.Transforms.Decoy.SendBefore || cfg.Transforms.Decoy.SendAfter
	b.FakePacketTTL = cfg.Transforms.Decoy.TTL

	if cfg.Global.EnableJitter && cfg.Transforms.Jitter.MinMS > 0 {
		b.FragmentDelay = time.Duration(cfg.Transforms.Jitter.MinMS) * time.Millisecond
	}

	return b
}
