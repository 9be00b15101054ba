package connectivity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
)

// State is the connectivity lifecycle. Owned exclusively by the Manager;
// everyone else observes it read-only.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Degraded     State = "degraded"
)

var ErrNotConnected = errors.New("link not connected")

// Link abstracts the radio/broker stack so the state machine can be driven
// against a fake. Every operation carries an explicit timeout; none may block
// the tick past it.
type Link interface {
	Connect(timeout time.Duration) error
	Probe(timeout time.Duration) error
	Publish(topic string, payload []byte, timeout time.Duration) error
	Close()
}

// Manager owns the wireless link lifecycle: connect, health-check, demote,
// reconnect with capped exponential backoff and jitter.
type Manager struct {
	cfg    controller.ConnectivitySettings
	link   Link
	logger *zap.Logger
	rng    *rand.Rand

	mu             sync.Mutex
	state          State
	lastTransition time.Time
	nextAttempt    time.Time
	attempt        int
	probeFails     int
	lastProbe      time.Time
}

func New(cfg controller.ConnectivitySettings, link Link, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		link:   link,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  Disconnected,
	}
}

func (m *Manager) Setup() error { return nil }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastTransition feeds the watchdog: a connection stack hang shows up as a
// transition timestamp that stops moving.
func (m *Manager) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Tick advances the state machine once. Connect and probe calls are bounded
// by configured timeouts, so a tick has a bounded worst case.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Disconnected:
		if now.Before(m.nextAttempt) {
			return
		}
		m.setState(Connecting, now)
		if err := m.link.Connect(m.cfg.ConnectTimeout.D()); err != nil {
			m.attempt++
			delay := m.backoffDelay()
			m.nextAttempt = now.Add(delay)
			m.setState(Disconnected, now)
			m.logger.Warn("connect failed",
				zap.Error(err),
				zap.Int("attempt", m.attempt),
				zap.Duration("retry_in", delay))
			return
		}
		m.attempt = 0
		m.probeFails = 0
		m.lastProbe = now
		m.setState(Connected, now)
		m.logger.Info("link connected", zap.String("broker", m.cfg.Broker))
	case Connected, Degraded:
		if now.Sub(m.lastProbe) < m.cfg.ProbeInterval.D() {
			return
		}
		m.lastProbe = now
		if err := m.link.Probe(m.cfg.PublishTimeout.D()); err != nil {
			m.probeFails++
			m.logger.Warn("health probe failed",
				zap.Error(err),
				zap.Int("consecutive", m.probeFails))
			if m.probeFails >= m.cfg.MaxProbeFailures {
				m.link.Close()
				m.nextAttempt = now
				m.setState(Disconnected, now)
				return
			}
			if m.state == Connected {
				m.setState(Degraded, now)
			}
			return
		}
		m.probeFails = 0
		if m.state == Degraded {
			m.setState(Connected, now)
		}
	case Connecting:
		// Transient within a single tick; nothing to do here.
	}
}

// Publish sends a payload to the named feed. Errors immediately when the
// link is down so callers keep their records queued.
func (m *Manager) Publish(feed string, payload []byte) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != Connected && state != Degraded {
		return ErrNotConnected
	}
	topic := fmt.Sprintf("%s/feeds/%s", m.cfg.User, feed)
	return m.link.Publish(topic, payload, m.cfg.PublishTimeout.D())
}

// ForceDisconnect is the supervisor's fail-safe: tear the link down and start
// over through backoff.
func (m *Manager) ForceDisconnect(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link.Close()
	m.probeFails = 0
	m.nextAttempt = now.Add(m.cfg.BackoffInitial.D())
	if m.state != Disconnected {
		m.setState(Disconnected, now)
	} else {
		m.lastTransition = now
	}
}

func (m *Manager) setState(s State, now time.Time) {
	if m.state != s {
		m.logger.Info("connectivity state",
			zap.String("from", string(m.state)),
			zap.String("to", string(s)))
	}
	m.state = s
	m.lastTransition = now
}

// backoffDelay grows multiplicatively with the attempt count, capped at the
// configured maximum, with jitter to avoid synchronized reconnect storms.
func (m *Manager) backoffDelay() time.Duration {
	base := float64(m.cfg.BackoffInitial.D())
	d := base * math.Pow(m.cfg.BackoffFactor, float64(m.attempt-1))
	if max := float64(m.cfg.BackoffMax.D()); d > max {
		d = max
	}
	if j := m.cfg.BackoffJitter; j > 0 {
		d *= 1 + (m.rng.Float64()*2-1)*j
	}
	if max := float64(m.cfg.BackoffMax.D()); d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (m *Manager) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/connectivity", func(w http.ResponseWriter, req *http.Request) {
		m.mu.Lock()
		resp := struct {
			State          State     `json:"state"`
			LastTransition time.Time `json:"last_transition"`
			Attempt        int       `json:"attempt"`
			ProbeFailures  int       `json:"probe_failures"`
		}{m.state, m.lastTransition, m.attempt, m.probeFails}
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods("GET")
}
