package doser

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/modules/ph"
)

type fakeDoseStore struct {
	seq  int
	data map[string]map[string][]byte
}

func newFakeDoseStore() *fakeDoseStore {
	return &fakeDoseStore{data: map[string]map[string][]byte{}}
}

func (f *fakeDoseStore) CreateBucket(bucket string) error {
	if _, ok := f.data[bucket]; !ok {
		f.data[bucket] = map[string][]byte{}
	}
	return nil
}

func (f *fakeDoseStore) Create(bucket string, fn func(id string) interface{}) error {
	b, ok := f.data[bucket]
	if !ok {
		return errors.New("bucket not found")
	}
	f.seq++
	id := strconv.Itoa(f.seq)
	data, err := json.Marshal(fn(id))
	if err != nil {
		return err
	}
	b[id] = data
	return nil
}

func (f *fakeDoseStore) List(bucket string, fn func(id string, v []byte) error) error {
	b, ok := f.data[bucket]
	if !ok {
		return errors.New("bucket not found")
	}
	for id, v := range b {
		if err := fn(id, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDoseStore) Delete(bucket, id string) error {
	b, ok := f.data[bucket]
	if !ok {
		return errors.New("bucket not found")
	}
	delete(b, id)
	return nil
}

type fakePump struct {
	on       bool
	sets     int
	failNext bool
}

func (p *fakePump) Set(on bool) error {
	if p.failNext && on {
		return errors.New("relay fault")
	}
	p.on = on
	p.sets++
	return nil
}

const samplePeriod = 5 * time.Second

func testDoserSettings() controller.DoserSettings {
	return controller.DoserSettings{
		HighThreshold:  7.8,
		Target:         7.4,
		DoseCurve:      "error * 45000",
		MaxDose:        controller.Duration(60 * time.Second),
		Cooldown:       controller.Duration(15 * time.Minute),
		DailyCap:       controller.Duration(5 * time.Minute),
		LockoutAfter:   3,
		EventRetention: controller.Duration(14 * 24 * time.Hour),
	}
}

func newDoser(t *testing.T, cfg controller.DoserSettings) (*Controller, *fakeDoseStore, *fakePump) {
	t.Helper()
	store := newFakeDoseStore()
	pump := &fakePump{}
	d, err := New(cfg, samplePeriod, store, pump, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Setup(); err != nil {
		t.Fatal(err)
	}
	return d, store, pump
}

func reading(now time.Time, phVal float64) ph.Reading {
	return ph.Reading{PH: phVal, Valid: true, At: now}
}

func TestDoseTriggerAndComplete(t *testing.T) {
	d, _, pump := newDoser(t, testDoserSettings())
	t0 := time.Now()

	d.Tick(t0, reading(t0, 8.0), false)
	if d.State() != Dosing {
		t.Fatalf("state %q, want dosing", d.State())
	}
	if !pump.on {
		t.Fatal("pump not running")
	}

	// error 0.6 * 45000 -> 27s commanded
	mid := t0.Add(20 * time.Second)
	d.Tick(mid, reading(mid, 8.0), false)
	if d.State() != Dosing {
		t.Fatalf("state %q mid-dose", d.State())
	}

	end := t0.Add(28 * time.Second)
	d.Tick(end, reading(end, 7.9), false)
	if d.State() != Cooldown {
		t.Fatalf("state %q, want cooldown", d.State())
	}
	if pump.on {
		t.Fatal("pump still running after completion")
	}
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeCompleted {
		t.Fatalf("event %+v", ev)
	}
	if ev.DurationMs != 27000 {
		t.Errorf("duration %dms, want 27000", ev.DurationMs)
	}
	if ev.TriggerPH != 8.0 {
		t.Errorf("trigger ph %v", ev.TriggerPH)
	}
}

func TestDoseRefusals(t *testing.T) {
	t0 := time.Now()
	cases := []struct {
		name  string
		r     ph.Reading
		inCal bool
	}{
		{name: "below threshold", r: reading(t0, 7.7)},
		{name: "invalid reading", r: ph.Reading{PH: 8.5, Valid: false, Fault: ph.FaultStale, At: t0}},
		{name: "aged reading", r: reading(t0.Add(-10*time.Second), 8.5)},
		{name: "calibration in progress", r: reading(t0, 8.5), inCal: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _, pump := newDoser(t, testDoserSettings())
			d.Tick(t0, tc.r, tc.inCal)
			if d.State() != Idle {
				t.Errorf("state %q, want idle", d.State())
			}
			if pump.on {
				t.Error("pump running")
			}
		})
	}
}

func TestDoseMaxClamp(t *testing.T) {
	d, _, _ := newDoser(t, testDoserSettings())
	t0 := time.Now()
	// error 2.5 asks for 112.5s, capped at 60s
	d.Tick(t0, reading(t0, 9.9), false)
	if d.State() != Dosing {
		t.Fatalf("state %q", d.State())
	}
	end := t0.Add(61 * time.Second)
	d.Tick(end, reading(end, 8.0), false)
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeCompleted || ev.DurationMs != 60000 {
		t.Fatalf("event %+v, want completed 60000ms", ev)
	}
}

func TestDoseBudgetClamp(t *testing.T) {
	cfg := testDoserSettings()
	cfg.DailyCap = controller.Duration(30 * time.Second)
	d, _, _ := newDoser(t, cfg)
	t0 := time.Now()

	// Asks for 60s, the remaining daily budget allows 30s.
	d.Tick(t0, reading(t0, 9.9), false)
	if d.State() != Dosing {
		t.Fatalf("state %q", d.State())
	}
	end := t0.Add(31 * time.Second)
	d.Tick(end, reading(end, 9.0), false)
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeAbortedLimit {
		t.Fatalf("event %+v, want aborted_limit", ev)
	}
	if ev.DurationMs != 30000 {
		t.Errorf("duration %dms, want 30000", ev.DurationMs)
	}

	// Budget exhausted: no more dosing inside the window.
	idle := end.Add(16 * time.Minute)
	d.Tick(idle, reading(idle, 9.9), false) // cooldown -> idle
	next := idle.Add(5 * time.Second)
	d.Tick(next, reading(next, 9.9), false)
	if d.State() != Idle {
		t.Errorf("state %q, budget should refuse the dose", d.State())
	}
}

func TestDoseBudgetWindow(t *testing.T) {
	cfg := testDoserSettings()
	cfg.DailyCap = controller.Duration(30 * time.Second)
	d, store, _ := newDoser(t, cfg)
	t0 := time.Now()

	// A charge from 25h ago fell out of the trailing window.
	old := usageEntry{At: t0.Add(-25 * time.Hour), DurationMs: 30000}
	if err := store.Create(UsageBucket, func(string) interface{} { return &old }); err != nil {
		t.Fatal(err)
	}
	d.Tick(t0, reading(t0, 9.9), false)
	if d.State() != Dosing {
		t.Fatalf("state %q, stale charge should not count", d.State())
	}
}

func TestDoseBudgetRecentChargeBlocks(t *testing.T) {
	cfg := testDoserSettings()
	cfg.DailyCap = controller.Duration(30 * time.Second)
	d, store, _ := newDoser(t, cfg)
	t0 := time.Now()

	recent := usageEntry{At: t0.Add(-1 * time.Hour), DurationMs: 30000}
	if err := store.Create(UsageBucket, func(string) interface{} { return &recent }); err != nil {
		t.Fatal(err)
	}
	d.Tick(t0, reading(t0, 9.9), false)
	if d.State() != Idle {
		t.Errorf("state %q, want idle with budget spent", d.State())
	}
}

func TestDoseAbortOnFault(t *testing.T) {
	d, _, pump := newDoser(t, testDoserSettings())
	t0 := time.Now()
	d.Tick(t0, reading(t0, 8.0), false)
	if d.State() != Dosing {
		t.Fatalf("state %q", d.State())
	}

	next := t0.Add(5 * time.Second)
	bad := ph.Reading{PH: 8.0, Valid: false, Fault: ph.FaultStale, At: next}
	d.Tick(next, bad, false)
	if d.State() != Cooldown {
		t.Fatalf("state %q, want cooldown after abort", d.State())
	}
	if pump.on {
		t.Fatal("pump running after abort")
	}
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeAbortedFault {
		t.Fatalf("event %+v", ev)
	}
	if ev.DurationMs != 5000 {
		t.Errorf("aborted duration %dms, want elapsed 5000", ev.DurationMs)
	}
}

func TestDoseAbortOnAgedReading(t *testing.T) {
	d, _, _ := newDoser(t, testDoserSettings())
	t0 := time.Now()
	d.Tick(t0, reading(t0, 8.0), false)
	// A reading that stopped updating mid-dose counts as a fault.
	next := t0.Add(10 * time.Second)
	d.Tick(next, reading(t0, 8.0), false)
	if d.State() != Cooldown {
		t.Fatalf("state %q", d.State())
	}
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeAbortedFault {
		t.Fatalf("event %+v", ev)
	}
}

func TestDoseLockoutAfterRepeatedFaults(t *testing.T) {
	d, _, _ := newDoser(t, testDoserSettings())
	now := time.Now()

	for i := 0; i < 3; i++ {
		d.Tick(now, reading(now, 8.0), false)
		if d.State() != Dosing {
			t.Fatalf("cycle %d: state %q, want dosing", i, d.State())
		}
		now = now.Add(5 * time.Second)
		d.Tick(now, ph.Reading{Valid: false, Fault: ph.FaultProbe, At: now}, false)
		if i < 2 {
			if d.State() != Cooldown {
				t.Fatalf("cycle %d: state %q, want cooldown", i, d.State())
			}
			now = now.Add(16 * time.Minute)
			d.Tick(now, reading(now, 7.0), false) // cooldown elapses
			now = now.Add(5 * time.Second)
		}
	}
	if d.State() != Locked {
		t.Fatalf("state %q, want locked after 3 aborted doses", d.State())
	}

	// Locked is terminal without the operator.
	now = now.Add(time.Hour)
	d.Tick(now, reading(now, 9.0), false)
	if d.State() != Locked {
		t.Errorf("state %q, lockout must not clear on its own", d.State())
	}

	d.Reset(now)
	if d.State() != Cooldown {
		t.Errorf("state %q after reset, want cooldown", d.State())
	}
	now = now.Add(16 * time.Minute)
	d.Tick(now, reading(now, 9.0), false)
	now = now.Add(5 * time.Second)
	d.Tick(now, reading(now, 9.0), false)
	if d.State() != Dosing {
		t.Errorf("state %q, should dose again after reset", d.State())
	}
}

func TestResetOnlyLeavesLocked(t *testing.T) {
	d, _, _ := newDoser(t, testDoserSettings())
	d.Reset(time.Now())
	if d.State() != Idle {
		t.Errorf("reset from idle changed state to %q", d.State())
	}
}

func TestDosePumpStartFailure(t *testing.T) {
	d, _, pump := newDoser(t, testDoserSettings())
	pump.failNext = true
	t0 := time.Now()
	d.Tick(t0, reading(t0, 8.0), false)
	if d.State() != Cooldown {
		t.Fatalf("state %q, want cooldown after pump failure", d.State())
	}
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeAbortedFault {
		t.Fatalf("event %+v", ev)
	}
}

func TestForceSafeAbortsDose(t *testing.T) {
	d, _, pump := newDoser(t, testDoserSettings())
	t0 := time.Now()
	d.Tick(t0, reading(t0, 8.0), false)
	d.ForceSafe(t0.Add(3 * time.Second))
	if pump.on {
		t.Fatal("pump running after force-safe")
	}
	if d.State() != Cooldown {
		t.Errorf("state %q, want cooldown", d.State())
	}
	ev := d.LastEvent()
	if ev == nil || ev.Outcome != OutcomeAbortedFault {
		t.Fatalf("event %+v", ev)
	}
}

func TestPrune(t *testing.T) {
	d, store, _ := newDoser(t, testDoserSettings())
	now := time.Now()

	fresh := usageEntry{At: now.Add(-1 * time.Hour), DurationMs: 1000}
	stale := usageEntry{At: now.Add(-30 * time.Hour), DurationMs: 1000}
	for _, e := range []usageEntry{fresh, stale} {
		entry := e
		if err := store.Create(UsageBucket, func(string) interface{} { return &entry }); err != nil {
			t.Fatal(err)
		}
	}
	d.PruneUsage(now)
	var kept int
	store.List(UsageBucket, func(string, []byte) error { kept++; return nil })
	if kept != 1 {
		t.Errorf("kept %d usage entries, want 1", kept)
	}

	oldEv := Event{StartedAt: now.Add(-15 * 24 * time.Hour), Outcome: OutcomeCompleted}
	newEv := Event{StartedAt: now.Add(-1 * 24 * time.Hour), Outcome: OutcomeCompleted}
	for _, e := range []Event{oldEv, newEv} {
		ev := e
		if err := store.Create(EventBucket, func(id string) interface{} { ev.ID = id; return &ev }); err != nil {
			t.Fatal(err)
		}
	}
	d.PruneEvents(now)
	events, err := d.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("kept %d events, want 1", len(events))
	}
	if !events[0].StartedAt.After(now.Add(-2 * 24 * time.Hour)) {
		t.Error("wrong event pruned")
	}
}

func TestEventsNewestFirst(t *testing.T) {
	d, _, _ := newDoser(t, testDoserSettings())
	now := time.Now()
	// Two full dose cycles, far enough apart that both complete.
	d.Tick(now, reading(now, 8.0), false)
	end := now.Add(28 * time.Second)
	d.Tick(end, reading(end, 7.9), false)

	later := end.Add(16 * time.Minute)
	d.Tick(later, reading(later, 8.0), false) // cooldown -> idle
	later = later.Add(5 * time.Second)
	d.Tick(later, reading(later, 8.0), false)
	end2 := later.Add(28 * time.Second)
	d.Tick(end2, reading(end2, 7.9), false)

	events, err := d.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if !events[0].StartedAt.After(events[1].StartedAt) {
		t.Error("events not newest first")
	}
}

func TestBadDoseCurveRejected(t *testing.T) {
	cfg := testDoserSettings()
	cfg.DoseCurve = "error *"
	if _, err := New(cfg, samplePeriod, newFakeDoseStore(), &fakePump{}, zap.NewNop()); err == nil {
		t.Fatal("malformed curve accepted")
	}
}

func TestDoseCurveNonPositive(t *testing.T) {
	cfg := testDoserSettings()
	cfg.DoseCurve = "0 - 100"
	d, _, _ := newDoser(t, cfg)
	t0 := time.Now()
	d.Tick(t0, reading(t0, 8.5), false)
	if d.State() != Idle {
		t.Errorf("state %q, non-positive curve output must not dose", d.State())
	}
}
