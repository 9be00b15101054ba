package drivers

import (
	"fmt"

	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"
)

const adt7410TempReg = 0x00

// ADT7410 reads the ADT7410 I2C temperature sensor in its default 13-bit
// mode.
type ADT7410 struct {
	bus  i2c.Bus
	addr byte
}

var _ hal.AnalogInputPin = (*ADT7410)(nil)

func NewADT7410(bus i2c.Bus, addr byte) *ADT7410 {
	return &ADT7410{bus: bus, addr: addr}
}

func (a *ADT7410) Name() string { return "adt7410" }

func (a *ADT7410) Number() int { return int(a.addr) }

func (a *ADT7410) Close() error { return nil }

func (a *ADT7410) ReadTemperature() (float64, error) {
	if err := a.bus.WriteBytes(a.addr, []byte{adt7410TempReg}); err != nil {
		return 0, fmt.Errorf("adt7410: select register: %w", err)
	}
	data, err := a.bus.ReadBytes(a.addr, 2)
	if err != nil {
		return 0, fmt.Errorf("adt7410: read: %w", err)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("adt7410: short read (%d bytes)", len(data))
	}
	// 13-bit two's complement, LSB = 1/16 degree.
	raw := int16(uint16(data[0])<<8|uint16(data[1])) >> 3
	return float64(raw) / 16.0, nil
}

func (a *ADT7410) Value() (float64, error) { return a.ReadTemperature() }

func (a *ADT7410) Measure() (float64, error) { return a.ReadTemperature() }

func (a *ADT7410) Calibrate([]hal.Measurement) error { return nil }
