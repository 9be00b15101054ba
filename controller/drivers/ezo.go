package drivers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"
)

// EZO response codes.
const (
	ezoOK     = 1
	ezoError  = 2
	ezoBusy   = 254
	ezoNoData = 255
)

// EZOProbe talks to an Atlas Scientific EZO pH circuit over I2C. The circuit
// answers ASCII commands; a reading is requested with "R" and arrives after a
// fixed processing delay.
type EZOProbe struct {
	bus  i2c.Bus
	addr byte
}

var _ hal.AnalogInputPin = (*EZOProbe)(nil)

func NewEZOProbe(bus i2c.Bus, addr byte) *EZOProbe {
	return &EZOProbe{bus: bus, addr: addr}
}

func (p *EZOProbe) Name() string { return "ezo-ph" }

func (p *EZOProbe) Number() int { return int(p.addr) }

func (p *EZOProbe) Close() error { return nil }

// ReadRaw requests one conversion. The returned value is the circuit's
// uncorrected signal; unit calibration happens upstream.
func (p *EZOProbe) ReadRaw() (float64, error) {
	resp, err := p.command("R", 900*time.Millisecond)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("ezo: unparseable reading %q: %w", resp, err)
	}
	return v, nil
}

func (p *EZOProbe) Value() (float64, error) { return p.ReadRaw() }

func (p *EZOProbe) Measure() (float64, error) { return p.ReadRaw() }

// Calibrate pushes reference points down to the circuit's own calibration,
// mid point first per the EZO protocol.
func (p *EZOProbe) Calibrate(ms []hal.Measurement) error {
	labels := []string{"mid", "low", "high"}
	for i, m := range ms {
		if i >= len(labels) {
			break
		}
		cmd := fmt.Sprintf("Cal,%s,%.2f", labels[i], m.Expected)
		if _, err := p.command(cmd, 1600*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// SetTemperatureCompensation feeds the current water temperature to the
// circuit; pH slope varies with temperature.
func (p *EZOProbe) SetTemperatureCompensation(tempC float64) error {
	_, err := p.command(fmt.Sprintf("T,%.1f", tempC), 300*time.Millisecond)
	return err
}

func (p *EZOProbe) command(cmd string, wait time.Duration) (string, error) {
	if err := p.bus.WriteBytes(p.addr, []byte(cmd)); err != nil {
		return "", fmt.Errorf("ezo: write %q: %w", cmd, err)
	}
	time.Sleep(wait)
	data, err := p.bus.ReadBytes(p.addr, 32)
	if err != nil {
		return "", fmt.Errorf("ezo: read response: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("ezo: empty response")
	}
	switch data[0] {
	case ezoOK:
		return strings.TrimRight(string(data[1:]), "\x00"), nil
	case ezoBusy:
		return "", fmt.Errorf("ezo: device busy")
	case ezoNoData:
		return "", fmt.Errorf("ezo: no data")
	default:
		return "", fmt.Errorf("ezo: command %q failed (code %d)", cmd, data[0])
	}
}
