package daemon

import (
	"container/ring"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/connectivity"
	"github.com/dougmaui/tub-pi/controller/input"
	"github.com/dougmaui/tub-pi/controller/modules/doser"
	"github.com/dougmaui/tub-pi/controller/modules/ph"
	"github.com/dougmaui/tub-pi/controller/telemetry"
)

const logRingSize = 100

// Component names tracked for stall detection.
const (
	compSensor       = "sensor"
	compDoser        = "doser"
	compConnectivity = "connectivity"
	compTelemetry    = "telemetry"
)

// Supervisor runs the single control tick: consume one button press, sample,
// dose, advance the link, ship telemetry, then check for stalled components.
// Everything it coordinates is single-threaded through Tick; only the REST
// handlers and input producers run concurrently, behind each component's own
// lock.
type Supervisor struct {
	cfg      controller.Settings
	logger   *zap.Logger
	sensor   *ph.Sensor
	cal      *ph.Calibrator
	dose     *doser.Controller
	conn     *connectivity.Manager
	uploader *telemetry.Uploader
	metrics  *telemetry.Metrics
	inputs   *input.Queue
	notes    chan string

	// feedWatchdog is called at the end of every healthy tick. Under systemd
	// this pings WATCHDOG=1; if ticks stop, the unit gets restarted.
	feedWatchdog func()

	mu            sync.Mutex
	lastOK        map[string]time.Time
	lastTelemetry time.Time
	lastEventID   string
	pendingDose   *doser.Event
	failsafes     uint64
	ticks         uint64
	log           *ring.Ring
}

func NewSupervisor(
	cfg controller.Settings,
	sensor *ph.Sensor,
	cal *ph.Calibrator,
	dose *doser.Controller,
	conn *connectivity.Manager,
	uploader *telemetry.Uploader,
	metrics *telemetry.Metrics,
	inputs *input.Queue,
	feedWatchdog func(),
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		logger:       logger,
		sensor:       sensor,
		cal:          cal,
		dose:         dose,
		conn:         conn,
		uploader:     uploader,
		metrics:      metrics,
		inputs:       inputs,
		notes:        make(chan string, 8),
		feedWatchdog: feedWatchdog,
		lastOK:       make(map[string]time.Time),
		log:          ring.New(logRingSize),
	}
}

// Start anchors the sensor settling window and the stall clocks.
func (s *Supervisor) Start(now time.Time) {
	s.sensor.Start(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range []string{compSensor, compDoser, compConnectivity, compTelemetry} {
		s.lastOK[c] = now
	}
	s.lastTelemetry = now
}

// Note queues an operator-facing annotation (reminder fired, manual marker)
// for the next telemetry record. Non-blocking; an overflowing note is logged
// and dropped rather than stalling its producer.
func (s *Supervisor) Note(text string) {
	select {
	case s.notes <- text:
	default:
		s.logger.Warn("note dropped, queue full", zap.String("note", text))
	}
}

// Tick runs one full control cycle at now.
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	// At most one button press per tick keeps the calibration sequence
	// deterministic under mashed buttons.
	if ev, ok := s.inputs.Pop(); ok {
		s.appendLog(now, "button "+ev.Button)
		s.cal.HandleButton(ev, now)
		s.dose.HandleButton(ev, now)
	}

	r := s.sensor.Sample(now)
	if r.Fault != ph.FaultProbe {
		s.ok(compSensor, now)
	}
	s.publishMetrics(r)

	s.dose.Tick(now, r, s.cal.InProgress())
	s.ok(compDoser, now)
	s.trackDoseEvent(now)

	s.conn.Tick(now)
	if s.connHealthy(now) {
		s.ok(compConnectivity, now)
	}

	s.shipTelemetry(now, r)

	s.checkStalls(now)

	if s.feedWatchdog != nil {
		s.feedWatchdog()
	}
}

func (s *Supervisor) publishMetrics(r ph.Reading) {
	if r.Valid {
		s.metrics.PH.Set(r.PH)
	}
	if r.TempValid {
		s.metrics.Temperature.Set(r.TemperatureC)
	}
	if r.Valid {
		s.metrics.ReadingValid.Set(1)
	} else {
		s.metrics.ReadingValid.Set(0)
	}
	s.metrics.Connectivity.Set(connStateCode(s.conn.State()))
	s.metrics.QueueDepth.Set(float64(s.uploader.QueueDepth()))
}

func connStateCode(st connectivity.State) float64 {
	switch st {
	case connectivity.Connected:
		return 3
	case connectivity.Degraded:
		return 2
	case connectivity.Connecting:
		return 1
	default:
		return 0
	}
}

// trackDoseEvent notices a newly finished dose and holds it for the next
// telemetry record, so every pump activation reaches the dashboard exactly
// once.
func (s *Supervisor) trackDoseEvent(now time.Time) {
	ev := s.dose.LastEvent()
	if ev == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == s.lastEventID {
		return
	}
	s.lastEventID = ev.ID
	s.pendingDose = ev
	s.metrics.Doses.WithLabelValues(string(ev.Outcome)).Inc()
	s.appendLogLocked(now, fmt.Sprintf("dose %s (%dms at pH %.2f)",
		ev.Outcome, ev.DurationMs, ev.TriggerPH))
}

// shipTelemetry enqueues one record per telemetry interval and flushes
// whatever the link will take. Notes and dose events piggyback on the next
// record rather than spending their own queue slots.
func (s *Supervisor) shipTelemetry(now time.Time, r ph.Reading) {
	s.mu.Lock()
	due := now.Sub(s.lastTelemetry) >= s.cfg.Telemetry.FlushInterval.D()
	if due {
		s.lastTelemetry = now
	}
	pending := s.pendingDose
	if due {
		s.pendingDose = nil
	}
	s.mu.Unlock()

	if due {
		rec := telemetry.Record{
			PH:           r.PH,
			TemperatureC: r.TemperatureC,
			Valid:        r.Valid,
			TempValid:    r.TempValid,
			Fault:        string(r.Fault),
			DoseEvent:    pending,
			ConnState:    string(s.conn.State()),
		}
		select {
		case note := <-s.notes:
			rec.Note = note
			s.appendLog(now, "note: "+note)
		default:
		}
		s.uploader.Enqueue(now, rec)
	}

	err := s.uploader.Flush(now, s.conn.State() == connectivity.Connected)
	if err == nil {
		s.ok(compTelemetry, now)
	} else {
		s.logger.Warn("telemetry flush failed", zap.Error(err))
	}
}

// connHealthy treats a moving state machine as healthy: Connected is always
// fine, and while down any transition within twice the backoff cap proves the
// retry loop is still alive. Only a wedged stack stops transitioning.
func (s *Supervisor) connHealthy(now time.Time) bool {
	if s.conn.State() == connectivity.Connected {
		return true
	}
	bound := 2 * s.cfg.Connectivity.BackoffMax.D()
	if t := s.cfg.Daemon.StallThreshold.D(); t > bound {
		bound = t
	}
	last := s.conn.LastTransition()
	return last.IsZero() || now.Sub(last) <= bound
}

func (s *Supervisor) ok(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOK[name] = now
}

// checkStalls forces the system to its safe posture when any component has
// gone too long without a successful pass: pump off and dosing parked in
// cooldown, link torn down to restart through backoff.
func (s *Supervisor) checkStalls(now time.Time) {
	threshold := s.cfg.Daemon.StallThreshold.D()
	var stalled []string
	s.mu.Lock()
	for name, t := range s.lastOK {
		if now.Sub(t) > threshold {
			stalled = append(stalled, name)
		}
	}
	s.mu.Unlock()
	if len(stalled) == 0 {
		return
	}

	s.logger.Error("component stall, forcing fail-safe",
		zap.Strings("stalled", stalled),
		zap.Duration("threshold", threshold))
	s.metrics.Failsafes.Inc()
	s.dose.ForceSafe(now)
	s.conn.ForceDisconnect(now)

	s.mu.Lock()
	s.failsafes++
	for _, name := range stalled {
		s.lastOK[name] = now
	}
	s.mu.Unlock()
	for _, name := range stalled {
		s.appendLog(now, "fail-safe: "+name+" stalled")
	}
}

func (s *Supervisor) Failsafes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failsafes
}

func (s *Supervisor) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func (s *Supervisor) appendLog(now time.Time, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(now, msg)
}

func (s *Supervisor) appendLogLocked(now time.Time, msg string) {
	s.log.Value = now.Format(time.RFC3339) + " " + msg
	s.log = s.log.Next()
}

// Activity returns the retained activity log, oldest first.
func (s *Supervisor) Activity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	s.log.Do(func(v interface{}) {
		if line, ok := v.(string); ok {
			out = append(out, line)
		}
	})
	return out
}
