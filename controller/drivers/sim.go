package drivers

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Simulated hardware for dev mode: a pH random walk that drifts upward (so
// the doser has something to correct), a steady tub temperature, and a pump
// that only logs.

type SimProbe struct {
	mu sync.Mutex
	ph float64
}

func NewSimProbe() *SimProbe {
	return &SimProbe{ph: 7.6}
}

func (s *SimProbe) ReadRaw() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ph += 0.01 + rand.Float64()*0.02 - 0.01
	if s.ph > 8.6 {
		s.ph = 8.6
	}
	return s.ph, nil
}

// Dose lowers the simulated pH, closing the loop for bench runs.
func (s *SimProbe) Dose(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ph -= amount
}

type SimThermo struct{}

func (SimThermo) ReadTemperature() (float64, error) {
	return 38.0 + rand.Float64()*0.4, nil
}

type SimPump struct {
	logger *zap.Logger
	mu     sync.Mutex
	on     bool
}

func NewSimPump(logger *zap.Logger) *SimPump {
	return &SimPump{logger: logger}
}

func (p *SimPump) Set(on bool) error {
	p.mu.Lock()
	changed := p.on != on
	p.on = on
	p.mu.Unlock()
	if changed {
		p.logger.Info("sim pump", zap.Bool("on", on))
	}
	return nil
}

func (p *SimPump) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}
