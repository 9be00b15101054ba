package ph

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/input"
)

const CalibrationBucket = "ph_calibration"

const activeProfileID = "active"

// Point pairs a captured raw signal with the operator-selected reference
// buffer pH.
type Point struct {
	Raw        float64   `json:"raw"`
	Reference  float64   `json:"reference"`
	CapturedAt time.Time `json:"captured_at"`
}

type Segment struct {
	Slope  float64 `json:"slope"`
	Offset float64 `json:"offset"`
}

// Profile maps raw probe signal to pH units. A single slope/offset when the
// three points sit close to one line, otherwise an exact two-segment fit.
// Points are kept sorted by raw signal.
type Profile struct {
	Points    [3]Point   `json:"points"`
	Slope     float64    `json:"slope"`
	Offset    float64    `json:"offset"`
	Piecewise bool       `json:"piecewise"`
	Segments  [2]Segment `json:"segments"`
	FittedAt  time.Time  `json:"fitted_at"`
}

func (p *Profile) Convert(raw float64) float64 {
	if !p.Piecewise {
		return p.Slope*raw + p.Offset
	}
	if raw < p.Points[1].Raw {
		return p.Segments[0].Slope*raw + p.Segments[0].Offset
	}
	return p.Segments[1].Slope*raw + p.Segments[1].Offset
}

var (
	ErrDegenerate   = errors.New("calibration points too close together")
	ErrNonMonotonic = errors.New("calibration points not monotonic")
)

// fitProfile derives coefficients from exactly three captured points.
// Rejected fits return an error and leave no profile behind.
func fitProfile(pts [3]Point, tolerance, minSpread float64, now time.Time) (*Profile, error) {
	sorted := pts[:]
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Raw < sorted[j].Raw })

	if sorted[1].Raw-sorted[0].Raw < minSpread || sorted[2].Raw-sorted[1].Raw < minSpread {
		return nil, ErrDegenerate
	}
	d1 := sorted[1].Reference - sorted[0].Reference
	d2 := sorted[2].Reference - sorted[1].Reference
	if d1 == 0 || d2 == 0 || (d1 > 0) != (d2 > 0) {
		return nil, ErrNonMonotonic
	}

	p := &Profile{FittedAt: now}
	copy(p.Points[:], sorted)

	// Least squares over the three points.
	var sx, sy, sxx, sxy float64
	for _, pt := range sorted {
		sx += pt.Raw
		sy += pt.Reference
		sxx += pt.Raw * pt.Raw
		sxy += pt.Raw * pt.Reference
	}
	n := 3.0
	p.Slope = (n*sxy - sx*sy) / (n*sxx - sx*sx)
	p.Offset = (sy - p.Slope*sx) / n

	var worst float64
	for _, pt := range sorted {
		resid := pt.Reference - (p.Slope*pt.Raw + p.Offset)
		if resid < 0 {
			resid = -resid
		}
		if resid > worst {
			worst = resid
		}
	}
	if worst > tolerance {
		p.Piecewise = true
		for i := 0; i < 2; i++ {
			a, b := p.Points[i], p.Points[i+1]
			p.Segments[i].Slope = (b.Reference - a.Reference) / (b.Raw - a.Raw)
			p.Segments[i].Offset = a.Reference - p.Segments[i].Slope*a.Raw
		}
	}
	return p, nil
}

// CalState is the calibration engine's externally visible state.
type CalState string

const (
	CalIdle   CalState = "idle"
	CalPoint1 CalState = "awaiting_point_1"
	CalPoint2 CalState = "awaiting_point_2"
	CalPoint3 CalState = "awaiting_point_3"
)

// profileStore is the subset of the controller store the engine needs.
type profileStore interface {
	CreateBucket(bucket string) error
	Get(bucket, id string, v interface{}) error
	Update(bucket, id string, v interface{}) error
}

// Calibrator runs the pushbutton 3-point calibration sequence. A sequence in
// progress never disturbs the active profile; only a successful fit replaces
// it. While in progress the doser must refuse to dose.
type Calibrator struct {
	cfg    controller.PHSettings
	store  profileStore
	sensor *Sensor
	logger *zap.Logger

	mu         sync.Mutex
	state      CalState
	points     []Point
	refIdx     int
	lastReject string
}

func NewCalibrator(cfg controller.PHSettings, store profileStore, sensor *Sensor, logger *zap.Logger) *Calibrator {
	return &Calibrator{
		cfg:    cfg,
		store:  store,
		sensor: sensor,
		logger: logger,
		state:  CalIdle,
	}
}

// Setup creates the profile bucket and restores a persisted profile into the
// sensor, if one survived the last power cycle.
func (c *Calibrator) Setup() error {
	if err := c.store.CreateBucket(CalibrationBucket); err != nil {
		return err
	}
	var p Profile
	if err := c.store.Get(CalibrationBucket, activeProfileID, &p); err == nil {
		c.sensor.SetProfile(&p)
		c.logger.Info("calibration profile restored",
			zap.Time("fitted_at", p.FittedAt),
			zap.Bool("piecewise", p.Piecewise))
	}
	return nil
}

func (c *Calibrator) State() CalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Calibrator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != CalIdle
}

// SelectedReference is the buffer pH the next capture will be paired with.
func (c *Calibrator) SelectedReference() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedRef()
}

func (c *Calibrator) selectedRef() float64 {
	return c.cfg.References[c.refIdx%len(c.cfg.References)]
}

func (c *Calibrator) LastReject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReject
}

// HandleButton advances the calibration state machine by one press.
func (c *Calibrator) HandleButton(ev input.Event, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Button {
	case input.ButtonNext:
		if c.state == CalIdle {
			c.begin()
			return
		}
		c.capture(now)
	case input.ButtonSelect:
		if c.state != CalIdle {
			c.refIdx = (c.refIdx + 1) % len(c.cfg.References)
			c.logger.Info("calibration reference selected",
				zap.Float64("reference", c.selectedRef()))
		}
	case input.ButtonAbort:
		if c.state != CalIdle {
			c.logger.Info("calibration aborted, previous profile retained")
			c.points = nil
			c.state = CalIdle
		}
	}
}

func (c *Calibrator) begin() {
	c.points = nil
	c.refIdx = 0
	c.lastReject = ""
	c.state = CalPoint1
	c.logger.Info("calibration started",
		zap.Float64("reference", c.selectedRef()))
}

func (c *Calibrator) capture(now time.Time) {
	raw, ok := c.sensor.LastRaw()
	if !ok {
		c.logger.Warn("calibration capture refused, no raw signal")
		return
	}
	ref := c.selectedRef()
	c.points = append(c.points, Point{Raw: raw, Reference: ref, CapturedAt: now})
	c.logger.Info("calibration point captured",
		zap.Int("point", len(c.points)),
		zap.Float64("raw", raw),
		zap.Float64("reference", ref))

	switch len(c.points) {
	case 1:
		c.state = CalPoint2
		c.refIdx = (c.refIdx + 1) % len(c.cfg.References)
	case 2:
		c.state = CalPoint3
		c.refIdx = (c.refIdx + 1) % len(c.cfg.References)
	case 3:
		c.fit(now)
	}
}

func (c *Calibrator) fit(now time.Time) {
	var pts [3]Point
	copy(pts[:], c.points)
	c.points = nil

	p, err := fitProfile(pts, c.cfg.FitTolerance, c.cfg.MinSpread, now)
	if err != nil {
		c.lastReject = err.Error()
		c.refIdx = 0
		c.state = CalPoint1
		c.logger.Warn("calibration rejected", zap.Error(err))
		return
	}
	if err := c.store.Update(CalibrationBucket, activeProfileID, p); err != nil {
		// Keep the fitted profile in memory; persistence retries on the
		// next successful calibration.
		c.logger.Error("calibration profile persist failed", zap.Error(err))
	}
	c.sensor.SetProfile(p)
	c.lastReject = ""
	c.state = CalIdle
	c.logger.Info("calibration profile fitted",
		zap.Float64("slope", p.Slope),
		zap.Float64("offset", p.Offset),
		zap.Bool("piecewise", p.Piecewise))
}

func (c *Calibrator) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/ph/calibration", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		resp := struct {
			State             CalState `json:"state"`
			SelectedReference float64  `json:"selected_reference"`
			PointsCaptured    int      `json:"points_captured"`
			LastReject        string   `json:"last_reject,omitempty"`
			Profile           *Profile `json:"profile,omitempty"`
		}{
			State:             c.state,
			SelectedReference: c.selectedRef(),
			PointsCaptured:    len(c.points),
			LastReject:        c.lastReject,
			Profile:           c.sensor.Profile(),
		}
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods("GET")
}
