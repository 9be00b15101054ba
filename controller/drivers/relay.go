package drivers

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"
)

// Relay switches one channel of an I2C relay board; the acid pump hangs off
// one of these. The board takes [channel, state] command frames.
type Relay struct {
	bus     i2c.Bus
	addr    byte
	channel byte

	mu   sync.Mutex
	last bool
}

var _ hal.DigitalOutputPin = (*Relay)(nil)

func NewRelay(bus i2c.Bus, addr, channel byte) *Relay {
	return &Relay{bus: bus, addr: addr, channel: channel}
}

func (r *Relay) Name() string { return fmt.Sprintf("relay-%d", r.channel) }

func (r *Relay) Number() int { return int(r.channel) }

func (r *Relay) Close() error { return r.Write(false) }

func (r *Relay) Write(state bool) error {
	var b byte
	if state {
		b = 1
	}
	if err := r.bus.WriteBytes(r.addr, []byte{r.channel, b}); err != nil {
		return fmt.Errorf("relay %d: write: %w", r.channel, err)
	}
	r.mu.Lock()
	r.last = state
	r.mu.Unlock()
	return nil
}

func (r *Relay) LastState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Set adapts the relay to the doser's pump contract.
func (r *Relay) Set(on bool) error { return r.Write(on) }
