package ph

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
)

// Fault classifies why a reading cannot be trusted.
type Fault string

const (
	FaultNone          Fault = ""
	FaultUninitialized Fault = "uninitialized" // probe still inside the post-power-on settling window
	FaultUncalibrated  Fault = "uncalibrated"  // no active calibration profile
	FaultOutOfRange    Fault = "out_of_range"
	FaultStale         Fault = "stale" // raw signal bit-identical across too many samples
	FaultProbe         Fault = "probe" // transport error talking to the probe
)

// Reading is one acquisition cycle's output. Immutable once produced; the
// next Sample supersedes it. At carries wall clock plus Go's monotonic
// reading, Uptime is time since the sensor was started.
type Reading struct {
	PH           float64       `json:"ph"`
	Raw          float64       `json:"raw"`
	TemperatureC float64       `json:"temperature_c"`
	TempValid    bool          `json:"temp_valid"`
	At           time.Time     `json:"at"`
	Uptime       time.Duration `json:"uptime"`
	Valid        bool          `json:"valid"`
	Fault        Fault         `json:"fault,omitempty"`
}

// Age returns how old the reading is at now.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.At)
}

// RawReader yields the probe's raw signal (volts for an analog front end).
type RawReader interface {
	ReadRaw() (float64, error)
}

// TemperatureReader yields water temperature in Celsius.
type TemperatureReader interface {
	ReadTemperature() (float64, error)
}

// tempCompensator is satisfied by probes that correct their slope for water
// temperature, like the EZO circuit.
type tempCompensator interface {
	SetTemperatureCompensation(tempC float64) error
}

// Sensor converts raw probe signal into pH using the active calibration
// profile and flags readings that must not drive the doser.
type Sensor struct {
	cfg    controller.PHSettings
	probe  RawReader
	thermo TemperatureReader
	logger *zap.Logger

	mu        sync.Mutex
	startedAt time.Time
	lastComp  float64
	haveComp  bool
	lastRaw   float64
	haveRaw   bool
	identical int
	profile   *Profile
	latest    Reading
}

func NewSensor(cfg controller.PHSettings, probe RawReader, thermo TemperatureReader, logger *zap.Logger) *Sensor {
	return &Sensor{
		cfg:    cfg,
		probe:  probe,
		thermo: thermo,
		logger: logger,
	}
}

func (s *Sensor) Setup() error { return nil }

// Start anchors the settling window. Until it elapses every pH reading is
// invalid with FaultUninitialized; the probe will not self-correct from a bad
// power-on, so the window is enforced here rather than trusted to hardware.
func (s *Sensor) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = now
	s.haveRaw = false
	s.identical = 0
}

// SetProfile swaps the active calibration profile. nil clears it, making all
// subsequent pH readings invalid until a profile is fitted.
func (s *Sensor) SetProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}

func (s *Sensor) Profile() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// LastRaw reports the most recent successfully read raw signal. Used by the
// calibration engine to capture points.
func (s *Sensor) LastRaw() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRaw, s.haveRaw
}

// Latest returns the most recent reading without sampling.
func (s *Sensor) Latest() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Sample performs one acquisition cycle. Temperature is read independently of
// pH calibration state; a temperature failure never invalidates pH and vice
// versa.
func (s *Sensor) Sample(now time.Time) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Reading{
		At:     now,
		Uptime: now.Sub(s.startedAt),
	}

	if t, err := s.thermo.ReadTemperature(); err != nil {
		s.logger.Warn("temperature read failed", zap.Error(err))
	} else {
		r.TemperatureC = t
		r.TempValid = true
		s.compensate(t)
	}

	raw, err := s.probe.ReadRaw()
	if err != nil {
		s.identical = 0
		s.haveRaw = false
		r.Fault = FaultProbe
		s.logger.Warn("probe read failed", zap.Error(err))
		s.latest = r
		return r
	}

	r.Raw = raw
	if s.haveRaw && raw == s.lastRaw {
		s.identical++
	} else {
		s.identical = 1
	}
	s.lastRaw = raw
	s.haveRaw = true

	if s.profile != nil {
		r.PH = s.profile.Convert(raw)
	}

	switch {
	case r.Uptime < s.cfg.SettlingWindow.D():
		r.Fault = FaultUninitialized
	case raw < s.cfg.RawMin || raw > s.cfg.RawMax:
		r.Fault = FaultOutOfRange
	case s.identical >= s.cfg.StaleThreshold:
		r.Fault = FaultStale
	case s.profile == nil:
		r.Fault = FaultUncalibrated
	default:
		r.Valid = true
	}
	s.latest = r
	return r
}

// compensate pushes water temperature down to the probe when it moved enough
// to matter. Throttled to spare the bus; pH slope drifts slowly.
func (s *Sensor) compensate(tempC float64) {
	tc, ok := s.probe.(tempCompensator)
	if !ok {
		return
	}
	if s.haveComp && tempC > s.lastComp-0.5 && tempC < s.lastComp+0.5 {
		return
	}
	if err := tc.SetTemperatureCompensation(tempC); err != nil {
		s.logger.Warn("temperature compensation failed", zap.Error(err))
		return
	}
	s.lastComp = tempC
	s.haveComp = true
}

func (s *Sensor) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/ph", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Latest())
	}).Methods("GET")
}
