package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
)

type fakePublisher struct {
	payloads map[string][][]byte
	failFeed string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{payloads: map[string][][]byte{}}
}

func (f *fakePublisher) Publish(feed string, payload []byte) error {
	if feed == f.failFeed {
		return errors.New("link down")
	}
	f.payloads[feed] = append(f.payloads[feed], payload)
	return nil
}

func testTelemetrySettings(queueSize int) controller.TelemetrySettings {
	return controller.TelemetrySettings{
		QueueSize:     queueSize,
		FlushInterval: controller.Duration(30 * time.Second),
		Prefix:        "tub",
	}
}

func newTestUploader(t *testing.T, queueSize int) (*Uploader, *fakePublisher) {
	t.Helper()
	pub := newFakePublisher()
	metrics := NewMetrics(prometheus.NewRegistry())
	u := NewUploader(testTelemetrySettings(queueSize), pub, metrics, zap.NewNop())
	return u, pub
}

func decodeRecords(t *testing.T, payloads [][]byte) []Record {
	t.Helper()
	out := make([]Record, 0, len(payloads))
	for _, p := range payloads {
		var r Record
		if err := json.Unmarshal(p, &r); err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
	return out
}

func TestEnqueueStampsSequence(t *testing.T) {
	u, _ := newTestUploader(t, 10)
	now := time.Now()
	for i := 0; i < 3; i++ {
		u.Enqueue(now.Add(time.Duration(i)*time.Second), Record{PH: 7.4, Valid: true})
	}
	if u.QueueDepth() != 3 {
		t.Fatalf("depth = %d", u.QueueDepth())
	}
}

func TestFlushRequiresConnection(t *testing.T) {
	u, pub := newTestUploader(t, 10)
	u.Enqueue(time.Now(), Record{PH: 7.4, Valid: true})
	if err := u.Flush(time.Now(), false); err != nil {
		t.Fatal(err)
	}
	if len(pub.payloads) != 0 {
		t.Error("flushed while disconnected")
	}
	if u.QueueDepth() != 1 {
		t.Errorf("depth = %d, record should stay queued", u.QueueDepth())
	}
}

func TestFlushDrainsOldestFirst(t *testing.T) {
	u, pub := newTestUploader(t, 10)
	now := time.Now()
	for i := 0; i < 4; i++ {
		u.Enqueue(now, Record{PH: 7.0 + float64(i), Valid: true})
	}
	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	recs := decodeRecords(t, pub.payloads["tub-telemetry"])
	if len(recs) != 4 {
		t.Fatalf("sent %d records", len(recs))
	}
	for i, r := range recs {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d: seq %d", i, r.Seq)
		}
	}
	if u.QueueDepth() != 0 {
		t.Errorf("depth = %d after drain", u.QueueDepth())
	}
	if u.SentTotal() != 4 {
		t.Errorf("sent total = %d", u.SentTotal())
	}
}

func TestOverflowDropsOldestAndReports(t *testing.T) {
	u, pub := newTestUploader(t, 20)
	now := time.Now()
	for i := 0; i < 25; i++ {
		u.Enqueue(now, Record{PH: float64(i), Valid: true})
	}
	if u.QueueDepth() != 20 {
		t.Fatalf("depth = %d, want 20", u.QueueDepth())
	}
	if u.DroppedTotal() != 5 {
		t.Fatalf("dropped = %d, want 5", u.DroppedTotal())
	}

	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	recs := decodeRecords(t, pub.payloads["tub-telemetry"])
	// 20 surviving records plus the drop report.
	if len(recs) != 21 {
		t.Fatalf("sent %d records, want 21", len(recs))
	}
	// The oldest 5 are gone: the first surviving record is seq 6.
	if recs[0].Seq != 6 {
		t.Errorf("first surviving seq %d, want 6", recs[0].Seq)
	}
	report := recs[len(recs)-1]
	if report.Dropped != 5 {
		t.Errorf("drop report count %d, want 5", report.Dropped)
	}

	// Sequence numbers stay strictly increasing across the gap.
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("seq not increasing: %d then %d", recs[i-1].Seq, recs[i].Seq)
		}
	}
}

func TestDropReportSentOnce(t *testing.T) {
	u, pub := newTestUploader(t, 2)
	now := time.Now()
	for i := 0; i < 3; i++ {
		u.Enqueue(now, Record{PH: float64(i), Valid: true})
	}
	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	first := len(pub.payloads["tub-telemetry"])

	u.Enqueue(now, Record{PH: 7.4, Valid: true})
	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	recs := decodeRecords(t, pub.payloads["tub-telemetry"])
	for _, r := range recs[first:] {
		if r.Dropped != 0 {
			t.Error("drop count reported twice")
		}
	}
}

func TestFailedSendLeavesQueued(t *testing.T) {
	u, pub := newTestUploader(t, 10)
	pub.failFeed = "tub-telemetry"
	now := time.Now()
	u.Enqueue(now, Record{PH: 7.4, Valid: true})
	u.Enqueue(now, Record{PH: 7.5, Valid: true})
	if err := u.Flush(now, true); err == nil {
		t.Fatal("expected flush error")
	}
	if u.QueueDepth() != 2 {
		t.Fatalf("depth = %d, failed records must stay queued", u.QueueDepth())
	}

	pub.failFeed = ""
	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	if u.QueueDepth() != 0 {
		t.Errorf("depth = %d after retry", u.QueueDepth())
	}
	recs := decodeRecords(t, pub.payloads["tub-telemetry"])
	if len(recs) != 2 || recs[0].Seq != 1 {
		t.Errorf("retry lost records: %+v", recs)
	}
}

func TestValueFeedsMirrorValidReadings(t *testing.T) {
	u, pub := newTestUploader(t, 10)
	now := time.Now()
	u.Enqueue(now, Record{PH: 7.432, TemperatureC: 38.1, Valid: true, TempValid: true})
	u.Enqueue(now, Record{PH: 9.9, Valid: false, Fault: "stale"})
	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	phVals := pub.payloads["tub-ph"]
	if len(phVals) != 1 || string(phVals[0]) != "7.432" {
		t.Errorf("ph feed = %q", phVals)
	}
	tempVals := pub.payloads["tub-temperature"]
	if len(tempVals) != 1 || string(tempVals[0]) != "38.10" {
		t.Errorf("temperature feed = %q", tempVals)
	}
}

func TestValueFeedFailureDoesNotBlockQueue(t *testing.T) {
	u, pub := newTestUploader(t, 10)
	pub.failFeed = "tub-ph"
	now := time.Now()
	u.Enqueue(now, Record{PH: 7.4, Valid: true})
	if err := u.Flush(now, true); err != nil {
		t.Fatal(err)
	}
	if u.QueueDepth() != 0 {
		t.Errorf("depth = %d, value feed failure must not wedge the queue", u.QueueDepth())
	}
}

func TestTimestampFixedAtEnqueue(t *testing.T) {
	u, pub := newTestUploader(t, 10)
	enq := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	u.Enqueue(enq, Record{PH: 7.4, Valid: true})
	// Flushed much later; the record keeps its production time.
	if err := u.Flush(enq.Add(2*time.Hour), true); err != nil {
		t.Fatal(err)
	}
	recs := decodeRecords(t, pub.payloads["tub-telemetry"])
	if len(recs) != 1 || !recs[0].At.Equal(enq) {
		t.Errorf("timestamp = %v, want %v", recs[0].At, enq)
	}
}
