package doser

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/input"
	"github.com/dougmaui/tub-pi/controller/modules/ph"
)

const (
	EventBucket = "dose_events"
	UsageBucket = "dose_usage"
)

type State string

const (
	Idle     State = "idle"
	Dosing   State = "dosing"
	Cooldown State = "cooldown"
	Locked   State = "locked"
)

type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeAbortedFault Outcome = "aborted_fault"
	OutcomeAbortedLimit Outcome = "aborted_limit"
)

// Event is one pump activation, appended to a retained log.
type Event struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	TriggerPH  float64   `json:"trigger_ph"`
	Outcome    Outcome   `json:"outcome"`
}

// usageEntry records commanded pump time for the trailing-24h budget. The
// commanded duration is charged at trigger time so an abort can never make
// room for more acid than was already risked.
type usageEntry struct {
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms"`
}

// Pump drives the acid pump output. Set(false) must be idempotent.
type Pump interface {
	Set(on bool) error
}

// doseStore is the subset of the controller store the doser needs.
type doseStore interface {
	CreateBucket(bucket string) error
	Create(bucket string, fn func(id string) interface{}) error
	List(bucket string, fn func(id string, v []byte) error) error
	Delete(bucket, id string) error
}

// Controller decides whether and how long to run the acid pump. The core
// safety contract: never dose on an invalid or stale reading, never exceed
// the daily budget, lock out after repeated faults.
type Controller struct {
	cfg          controller.DoserSettings
	samplePeriod time.Duration
	store        doseStore
	pump         Pump
	logger       *zap.Logger
	curve        *govaluate.EvaluableExpression

	mu            sync.Mutex
	state         State
	doseStart     time.Time
	doseDuration  time.Duration
	doseTrigger   float64
	doseClamped   bool
	cooldownStart time.Time
	faultStreak   int
	lastEvent     *Event
}

// New parses the dose curve expression up front; a bad curve is a
// configuration error, not something to discover at trigger time.
func New(cfg controller.DoserSettings, samplePeriod time.Duration, store doseStore, pump Pump, logger *zap.Logger) (*Controller, error) {
	curve, err := govaluate.NewEvaluableExpression(cfg.DoseCurve)
	if err != nil {
		return nil, fmt.Errorf("parse dose curve %q: %w", cfg.DoseCurve, err)
	}
	return &Controller{
		cfg:          cfg,
		samplePeriod: samplePeriod,
		store:        store,
		pump:         pump,
		logger:       logger,
		curve:        curve,
		state:        Idle,
	}, nil
}

func (d *Controller) Setup() error {
	if err := d.store.CreateBucket(EventBucket); err != nil {
		return err
	}
	return d.store.CreateBucket(UsageBucket)
}

func (d *Controller) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Controller) LastEvent() *Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEvent
}

// Tick evaluates the dosing state machine against the latest reading.
func (d *Controller) Tick(now time.Time, r ph.Reading, calInProgress bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Locked:
		d.pumpOff()
	case Cooldown:
		d.pumpOff()
		if now.Sub(d.cooldownStart) >= d.cfg.Cooldown.D() {
			d.state = Idle
		}
	case Dosing:
		if !r.Valid || r.Age(now) > d.samplePeriod {
			d.abortFault(now, r)
			return
		}
		if now.Sub(d.doseStart) >= d.doseDuration {
			d.complete(now)
		}
	case Idle:
		d.pumpOff()
		d.evaluate(now, r, calInProgress)
	}
}

func (d *Controller) evaluate(now time.Time, r ph.Reading, calInProgress bool) {
	if !r.Valid || r.Age(now) > d.samplePeriod || calInProgress {
		return
	}
	if r.PH <= d.cfg.HighThreshold {
		return
	}
	used, err := d.usage(now)
	if err != nil {
		d.logger.Error("dose budget read failed, refusing to dose", zap.Error(err))
		return
	}
	remaining := d.cfg.DailyCap.D() - used
	if remaining <= 0 {
		d.logger.Warn("daily dose budget exhausted",
			zap.Duration("used", used),
			zap.Float64("ph", r.PH))
		return
	}
	want := d.doseFor(r.PH)
	if want <= 0 {
		return
	}
	clamped := false
	if want > remaining {
		want = remaining
		clamped = true
	}
	if err := d.pump.Set(true); err != nil {
		d.logger.Error("pump start failed", zap.Error(err))
		d.pumpOff()
		d.recordFault(now, r.PH, 0)
		return
	}
	d.chargeBudget(now, want)
	d.state = Dosing
	d.doseStart = now
	d.doseDuration = want
	d.doseTrigger = r.PH
	d.doseClamped = clamped
	d.logger.Info("dose started",
		zap.Float64("ph", r.PH),
		zap.Duration("duration", want),
		zap.Bool("budget_clamped", clamped))
}

// doseFor computes dose duration from the pH error via the configured curve,
// bounded by the max single dose.
func (d *Controller) doseFor(phVal float64) time.Duration {
	params := map[string]interface{}{
		"ph":     phVal,
		"target": d.cfg.Target,
		"error":  phVal - d.cfg.Target,
	}
	res, err := d.curve.Evaluate(params)
	if err != nil {
		d.logger.Error("dose curve evaluation failed", zap.Error(err))
		return 0
	}
	ms, ok := res.(float64)
	if !ok || ms <= 0 {
		return 0
	}
	dur := time.Duration(ms * float64(time.Millisecond))
	if max := d.cfg.MaxDose.D(); dur > max {
		dur = max
	}
	return dur
}

func (d *Controller) complete(now time.Time) {
	d.pumpOff()
	outcome := OutcomeCompleted
	if d.doseClamped {
		outcome = OutcomeAbortedLimit
	}
	d.faultStreak = 0
	d.appendEvent(Event{
		StartedAt:  d.doseStart,
		DurationMs: d.doseDuration.Milliseconds(),
		TriggerPH:  d.doseTrigger,
		Outcome:    outcome,
	})
	d.cooldownStart = now
	d.state = Cooldown
	d.logger.Info("dose finished", zap.String("outcome", string(outcome)))
}

func (d *Controller) abortFault(now time.Time, r ph.Reading) {
	d.pumpOff()
	elapsed := now.Sub(d.doseStart)
	d.appendEvent(Event{
		StartedAt:  d.doseStart,
		DurationMs: elapsed.Milliseconds(),
		TriggerPH:  d.doseTrigger,
		Outcome:    OutcomeAbortedFault,
	})
	d.faultStreak++
	d.logger.Warn("dose aborted on sensor fault",
		zap.String("fault", string(r.Fault)),
		zap.Bool("valid", r.Valid),
		zap.Int("fault_streak", d.faultStreak))
	d.afterFault(now)
}

// recordFault covers faults outside an in-flight dose (pump start failure,
// forced fail-safe).
func (d *Controller) recordFault(now time.Time, phVal float64, elapsed time.Duration) {
	d.appendEvent(Event{
		StartedAt:  now,
		DurationMs: elapsed.Milliseconds(),
		TriggerPH:  phVal,
		Outcome:    OutcomeAbortedFault,
	})
	d.faultStreak++
	d.afterFault(now)
}

func (d *Controller) afterFault(now time.Time) {
	if d.faultStreak >= d.cfg.LockoutAfter {
		d.state = Locked
		d.logger.Error("doser locked after repeated faults, operator reset required",
			zap.Int("fault_streak", d.faultStreak))
		return
	}
	d.cooldownStart = now
	d.state = Cooldown
}

// ForceSafe is the supervisor's fail-safe: pump off unconditionally, any
// in-flight dose aborted as a fault. Idempotent.
func (d *Controller) ForceSafe(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pumpOff()
	if d.state == Dosing {
		elapsed := now.Sub(d.doseStart)
		d.appendEvent(Event{
			StartedAt:  d.doseStart,
			DurationMs: elapsed.Milliseconds(),
			TriggerPH:  d.doseTrigger,
			Outcome:    OutcomeAbortedFault,
		})
		d.faultStreak++
		d.afterFault(now)
		return
	}
	if d.state == Idle {
		d.cooldownStart = now
		d.state = Cooldown
	}
}

// Reset is the explicit operator action that leaves Locked. Never automatic.
func (d *Controller) Reset(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Locked {
		return
	}
	d.faultStreak = 0
	d.cooldownStart = now
	d.state = Cooldown
	d.logger.Info("doser lockout reset by operator")
}

func (d *Controller) HandleButton(ev input.Event, now time.Time) {
	if ev.Button == input.ButtonReset {
		d.Reset(now)
	}
}

func (d *Controller) pumpOff() {
	if err := d.pump.Set(false); err != nil {
		// Nothing safe left to do in software if the output is stuck.
		d.logger.Error("pump off failed", zap.Error(err))
	}
}

// usage sums commanded pump time inside the trailing 24h window.
func (d *Controller) usage(now time.Time) (time.Duration, error) {
	var total time.Duration
	cutoff := now.Add(-24 * time.Hour)
	err := d.store.List(UsageBucket, func(_ string, v []byte) error {
		var e usageEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}
		if e.At.After(cutoff) {
			total += time.Duration(e.DurationMs) * time.Millisecond
		}
		return nil
	})
	return total, err
}

func (d *Controller) chargeBudget(now time.Time, dur time.Duration) {
	e := usageEntry{At: now, DurationMs: dur.Milliseconds()}
	if err := d.store.Create(UsageBucket, func(id string) interface{} { return &e }); err != nil {
		d.logger.Error("dose budget persist failed", zap.Error(err))
	}
}

// PruneUsage drops budget entries that fell out of the 24h window. Run from
// the retention cron.
func (d *Controller) PruneUsage(now time.Time) {
	d.prune(UsageBucket, now.Add(-24*time.Hour), func(v []byte) (time.Time, bool) {
		var e usageEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return time.Time{}, false
		}
		return e.At, true
	})
}

// PruneEvents enforces the dose log retention window.
func (d *Controller) PruneEvents(now time.Time) {
	d.prune(EventBucket, now.Add(-d.cfg.EventRetention.D()), func(v []byte) (time.Time, bool) {
		var e Event
		if err := json.Unmarshal(v, &e); err != nil {
			return time.Time{}, false
		}
		return e.StartedAt, true
	})
}

func (d *Controller) prune(bucket string, cutoff time.Time, at func([]byte) (time.Time, bool)) {
	var stale []string
	_ = d.store.List(bucket, func(id string, v []byte) error {
		if t, ok := at(v); ok && t.Before(cutoff) {
			stale = append(stale, id)
		}
		return nil
	})
	for _, id := range stale {
		if err := d.store.Delete(bucket, id); err != nil {
			d.logger.Warn("prune failed", zap.String("bucket", bucket), zap.Error(err))
		}
	}
}

func (d *Controller) appendEvent(ev Event) {
	if err := d.store.Create(EventBucket, func(id string) interface{} {
		ev.ID = id
		return &ev
	}); err != nil {
		d.logger.Error("dose event persist failed", zap.Error(err))
	}
	d.lastEvent = &ev
}

// Events returns the retained dose log, newest first.
func (d *Controller) Events() ([]Event, error) {
	events := []Event{}
	err := d.store.List(EventBucket, func(_ string, v []byte) error {
		var e Event
		if err := json.Unmarshal(v, &e); err == nil {
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].StartedAt.After(events[j].StartedAt) })
	return events, nil
}

func (d *Controller) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/doser", func(w http.ResponseWriter, req *http.Request) {
		used, _ := d.usage(time.Now())
		d.mu.Lock()
		resp := struct {
			State       State  `json:"state"`
			FaultStreak int    `json:"fault_streak"`
			Used24h     string `json:"used_24h"`
			LastEvent   *Event `json:"last_event,omitempty"`
		}{d.state, d.faultStreak, used.String(), d.lastEvent}
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods("GET")

	r.HandleFunc("/api/doser/events", func(w http.ResponseWriter, req *http.Request) {
		events, err := d.Events()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}).Methods("GET")
}
