package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/modules/doser"
)

// Record is one queued telemetry sample or event. Seq and the timestamp are
// fixed at enqueue time; the dashboard sees when the data was produced, not
// when the link finally let it through.
type Record struct {
	Seq          uint64       `json:"sequence"`
	At           time.Time    `json:"timestamp_utc"`
	PH           float64      `json:"ph"`
	TemperatureC float64      `json:"temperature_c"`
	Valid        bool         `json:"valid"`
	TempValid    bool         `json:"temp_valid"`
	Fault        string       `json:"fault,omitempty"`
	DoseEvent    *doser.Event `json:"dose_event,omitempty"`
	Dropped      uint64       `json:"dropped_count,omitempty"`
	ConnState    string       `json:"connection_state,omitempty"`
	Note         string       `json:"note,omitempty"`
}

// Publisher sends a payload to a named feed; the connectivity manager
// implements it with bounded timeouts.
type Publisher interface {
	Publish(feed string, payload []byte) error
}

// Uploader queues records in a bounded buffer and drains them oldest-first
// whenever the link is up. Overflow drops the oldest record; the drop count
// is itself reported once connectivity resumes.
type Uploader struct {
	cfg     controller.TelemetrySettings
	pub     Publisher
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.Mutex
	queue      []Record
	seq        uint64
	dropped    uint64 // total since process start
	unreported uint64 // dropped since last successful report
	sent       uint64
}

func NewUploader(cfg controller.TelemetrySettings, pub Publisher, metrics *Metrics, logger *zap.Logger) *Uploader {
	return &Uploader{
		cfg:     cfg,
		pub:     pub,
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue stamps the record and appends it. When the queue is full the
// oldest record is dropped and counted.
func (u *Uploader) Enqueue(now time.Time, rec Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq++
	rec.Seq = u.seq
	rec.At = now.UTC()
	if len(u.queue) >= u.cfg.QueueSize {
		u.queue = u.queue[1:]
		u.dropped++
		u.unreported++
		u.metrics.Dropped.Inc()
	}
	u.queue = append(u.queue, rec)
	u.metrics.QueueDepth.Set(float64(len(u.queue)))
}

// Flush drains the queue oldest-first. No-op unless the caller reports the
// link Connected. A failed send leaves the record queued for the next flush.
func (u *Uploader) Flush(now time.Time, connected bool) error {
	if !connected {
		return nil
	}
	u.mu.Lock()
	if u.unreported > 0 {
		u.seq++
		u.queue = append(u.queue, Record{
			Seq:     u.seq,
			At:      now.UTC(),
			Dropped: u.unreported,
			Note:    "records dropped while buffering",
		})
		u.unreported = 0
	}
	u.mu.Unlock()

	for {
		u.mu.Lock()
		if len(u.queue) == 0 {
			u.mu.Unlock()
			return nil
		}
		rec := u.queue[0]
		u.mu.Unlock()

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal telemetry record %d: %w", rec.Seq, err)
		}
		if err := u.pub.Publish(u.feed("telemetry"), payload); err != nil {
			u.metrics.SendFailures.Inc()
			return err
		}
		u.publishValues(rec)

		u.mu.Lock()
		u.queue = u.queue[1:]
		u.sent++
		u.metrics.Sent.Inc()
		u.metrics.QueueDepth.Set(float64(len(u.queue)))
		u.mu.Unlock()
	}
}

// publishValues mirrors pH and temperature onto plain value feeds for
// dashboard gauges. Best effort; the JSON record is the source of truth.
func (u *Uploader) publishValues(rec Record) {
	if rec.Valid {
		v := strconv.FormatFloat(rec.PH, 'f', 3, 64)
		if err := u.pub.Publish(u.feed("ph"), []byte(v)); err != nil {
			u.logger.Debug("ph value feed publish failed", zap.Error(err))
		}
	}
	if rec.TempValid {
		v := strconv.FormatFloat(rec.TemperatureC, 'f', 2, 64)
		if err := u.pub.Publish(u.feed("temperature"), []byte(v)); err != nil {
			u.logger.Debug("temperature value feed publish failed", zap.Error(err))
		}
	}
}

func (u *Uploader) feed(name string) string {
	return u.cfg.Prefix + "-" + name
}

func (u *Uploader) QueueDepth() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}

// DroppedTotal is the process-lifetime drop count.
func (u *Uploader) DroppedTotal() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dropped
}

func (u *Uploader) SentTotal() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent
}
