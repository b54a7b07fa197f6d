package worker

import (
	"context"
	"time"

	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/metrics"
)

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Meta   metastore.Store
	Broker *events.Broker
	// Interval between probes. Defaults to 10s.
	Interval time.Duration
	// FailThreshold is how many consecutive probe failures flip the service
	// to read-only. Defaults to 3; recovery is immediate on the first
	// successful probe.
	FailThreshold int
	// ProbeTimeout bounds one probe. Defaults to 5s.
	ProbeTimeout time.Duration
}

// Monitor probes the primary metadata database and drives read-only mode.
type Monitor struct {
	cfg      MonitorConfig
	failures int
	stopCh   chan struct{}
}

// NewMonitor creates a monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Probe(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Probe runs one health check and updates availability. Exposed so tests
// and admin endpoints can drive the state machine directly.
func (m *Monitor) Probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if err := m.cfg.Meta.CheckConnection(probeCtx); err != nil {
		m.failures++
		log.WithComponent("monitor").Warn().Err(err).
			Int("consecutive", m.failures).
			Msg("Primary database probe failed")
		if m.failures >= m.cfg.FailThreshold && m.cfg.Meta.PrimaryAvailable() {
			m.cfg.Meta.SetPrimaryAvailable(false)
			metrics.ReadOnlyMode.Set(1)
			m.publish(events.EventReadOnlyEntered, "Primary database unavailable, mutations suspended")
			log.WithComponent("monitor").Error().Msg("Entering read-only mode")
		}
		return
	}

	m.failures = 0
	if !m.cfg.Meta.PrimaryAvailable() {
		m.cfg.Meta.SetPrimaryAvailable(true)
		metrics.ReadOnlyMode.Set(0)
		m.publish(events.EventReadOnlyExited, "Primary database recovered")
		log.WithComponent("monitor").Info().Msg("Leaving read-only mode")
	}
}

func (m *Monitor) publish(t events.EventType, msg string) {
	if m.cfg.Broker == nil {
		return
	}
	m.cfg.Broker.Publish(&events.Event{
		ID:      id.NewUID(),
		Type:    t,
		Message: msg,
	})
}
