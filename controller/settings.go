package controller

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so settings files can say "90s" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type PHSettings struct {
	Address        byte      `yaml:"address"`
	TempAddress    byte      `yaml:"temp_address"`
	SettlingWindow Duration  `yaml:"settling_window"`
	StaleThreshold int       `yaml:"stale_threshold"`
	RawMin         float64   `yaml:"raw_min"`
	RawMax         float64   `yaml:"raw_max"`
	References     []float64 `yaml:"references"`
	FitTolerance   float64   `yaml:"fit_tolerance"`
	MinSpread      float64   `yaml:"min_spread"`
}

type DoserSettings struct {
	PumpAddress    byte     `yaml:"pump_address"`
	PumpChannel    byte     `yaml:"pump_channel"`
	HighThreshold  float64  `yaml:"high_threshold"`
	Target         float64  `yaml:"target"`
	DoseCurve      string   `yaml:"dose_curve"`
	MaxDose        Duration `yaml:"max_dose"`
	Cooldown       Duration `yaml:"cooldown"`
	DailyCap       Duration `yaml:"daily_cap"`
	LockoutAfter   int      `yaml:"lockout_after"`
	EventRetention Duration `yaml:"event_retention"`
}

type ConnectivitySettings struct {
	Broker           string   `yaml:"broker"`
	User             string   `yaml:"user"`
	Key              string   `yaml:"-"`
	ClientID         string   `yaml:"client_id"`
	ProbeFeed        string   `yaml:"probe_feed"`
	ProbeInterval    Duration `yaml:"probe_interval"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	PublishTimeout   Duration `yaml:"publish_timeout"`
	MaxProbeFailures int      `yaml:"max_probe_failures"`
	BackoffInitial   Duration `yaml:"backoff_initial"`
	BackoffMax       Duration `yaml:"backoff_max"`
	BackoffFactor    float64  `yaml:"backoff_factor"`
	BackoffJitter    float64  `yaml:"backoff_jitter"`
}

type TelemetrySettings struct {
	QueueSize     int      `yaml:"queue_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	Prefix        string   `yaml:"prefix"`
}

type DaemonSettings struct {
	ButtonsAddress byte     `yaml:"buttons_address"`
	TickInterval   Duration `yaml:"tick_interval"`
	StallThreshold Duration `yaml:"stall_threshold"`
	InputQueueSize int      `yaml:"input_queue_size"`
}

// Reminder is an operator maintenance schedule (probe cleaning, calibration
// due) expressed as an RRULE, surfaced over telemetry when it fires.
type Reminder struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
}

type Settings struct {
	Name         string               `yaml:"name"`
	Database     string               `yaml:"database"`
	Address      string               `yaml:"address"`
	DevMode      bool                 `yaml:"dev_mode"`
	PH           PHSettings           `yaml:"ph"`
	Doser        DoserSettings        `yaml:"doser"`
	Connectivity ConnectivitySettings `yaml:"connectivity"`
	Telemetry    TelemetrySettings    `yaml:"telemetry"`
	Daemon       DaemonSettings       `yaml:"daemon"`
	Reminders    []Reminder           `yaml:"reminders"`
}

// DefaultSettings carries every tunable the design leaves as configuration:
// settling delay, staleness threshold, dose curve and caps, backoff limits.
// Numbers are starting points, tuned in the field.
func DefaultSettings() Settings {
	return Settings{
		Name:     "tub-pi",
		Database: "tub-pi.db",
		Address:  "127.0.0.1:8080",
		PH: PHSettings{
			Address:        0x63,
			TempAddress:    0x48,
			SettlingWindow: Duration(90 * time.Second),
			StaleThreshold: 5,
			RawMin:         0.0,
			RawMax:         3.3,
			References:     []float64{7.00, 4.00, 10.00},
			FitTolerance:   0.15,
			MinSpread:      0.05,
		},
		Doser: DoserSettings{
			PumpAddress:    0x27,
			PumpChannel:    1,
			HighThreshold:  7.8,
			Target:         7.4,
			DoseCurve:      "error * 45000",
			MaxDose:        Duration(60 * time.Second),
			Cooldown:       Duration(15 * time.Minute),
			DailyCap:       Duration(5 * time.Minute),
			LockoutAfter:   3,
			EventRetention: Duration(14 * 24 * time.Hour),
		},
		Connectivity: ConnectivitySettings{
			Broker:           "tcp://io.adafruit.com:1883",
			ClientID:         "tub-pi",
			ProbeFeed:        "tub-heartbeat",
			ProbeInterval:    Duration(30 * time.Second),
			ConnectTimeout:   Duration(15 * time.Second),
			PublishTimeout:   Duration(5 * time.Second),
			MaxProbeFailures: 3,
			BackoffInitial:   Duration(5 * time.Second),
			BackoffMax:       Duration(5 * time.Minute),
			BackoffFactor:    2.0,
			BackoffJitter:    0.2,
		},
		Telemetry: TelemetrySettings{
			QueueSize:     256,
			FlushInterval: Duration(30 * time.Second),
			Prefix:        "tub",
		},
		Daemon: DaemonSettings{
			ButtonsAddress: 0x20,
			TickInterval:   Duration(5 * time.Second),
			StallThreshold: Duration(60 * time.Second),
			InputQueueSize: 16,
		},
	}
}

// LoadSettings reads the yaml settings file and layers transport credentials
// from the environment (.env supported), so the broker key never lives in the
// settings file.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	_ = godotenv.Load()
	if v := os.Getenv("AIO_USERNAME"); v != "" {
		s.Connectivity.User = v
	}
	s.Connectivity.Key = os.Getenv("AIO_KEY")
	return s, nil
}
