package drivers

import (
	"time"

	"github.com/reef-pi/rpi/i2c"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller/input"
)

// ButtonPoller reads a PCF8574-style I2C expander carrying the front-panel
// buttons (active low, one bit per button) and turns edges into logical
// press events. It runs on its own goroutine; the tick loop only ever sees
// the input queue.
type ButtonPoller struct {
	bus    i2c.Bus
	addr   byte
	queue  *input.Queue
	logger *zap.Logger
	bits   map[uint]string
	last   byte
	quit   chan struct{}
}

func NewButtonPoller(bus i2c.Bus, addr byte, queue *input.Queue, logger *zap.Logger) *ButtonPoller {
	return &ButtonPoller{
		bus:    bus,
		addr:   addr,
		queue:  queue,
		logger: logger,
		bits: map[uint]string{
			0: input.ButtonNext,
			1: input.ButtonSelect,
			2: input.ButtonAbort,
			3: input.ButtonReset,
		},
		last: 0xFF,
		quit: make(chan struct{}),
	}
}

func (b *ButtonPoller) Start() {
	go b.run()
}

func (b *ButtonPoller) Stop() {
	close(b.quit)
}

func (b *ButtonPoller) run() {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-t.C:
			b.poll(time.Now())
		}
	}
}

func (b *ButtonPoller) poll(now time.Time) {
	data, err := b.bus.ReadBytes(b.addr, 1)
	if err != nil || len(data) == 0 {
		return
	}
	cur := data[0]
	for bit, name := range b.bits {
		mask := byte(1) << bit
		// Falling edge: released before, pressed now.
		if b.last&mask != 0 && cur&mask == 0 {
			if !b.queue.Push(input.Event{Button: name, At: now}) {
				b.logger.Warn("input queue full, press dropped",
					zap.String("button", name))
			}
		}
	}
	b.last = cur
}
