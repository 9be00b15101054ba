package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reef-pi/rpi/i2c"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
	"github.com/dougmaui/tub-pi/controller/connectivity"
	"github.com/dougmaui/tub-pi/controller/drivers"
	"github.com/dougmaui/tub-pi/controller/input"
	"github.com/dougmaui/tub-pi/controller/modules/doser"
	"github.com/dougmaui/tub-pi/controller/modules/ph"
	"github.com/dougmaui/tub-pi/controller/storage"
	"github.com/dougmaui/tub-pi/controller/telemetry"
)

// Daemon assembles the whole controller: store, drivers (real or simulated),
// the control subsystems, the REST and metrics server, retention jobs and
// maintenance reminders. Runtime sequencing lives in the Supervisor.
type Daemon struct {
	settings controller.Settings
	logger   *zap.Logger

	store    storage.Store
	inputs   *input.Queue
	sensor   *ph.Sensor
	cal      *ph.Calibrator
	dose     *doser.Controller
	conn     *connectivity.Manager
	uploader *telemetry.Uploader
	metrics  *telemetry.Metrics
	sup      *Supervisor

	buttons *drivers.ButtonPoller
	server  *http.Server
	cron    *cron.Cron
	quit    chan struct{}

	startedAt time.Time
}

// New wires everything up but starts nothing. feedWatchdog may be nil; under
// systemd it is the WATCHDOG=1 notifier.
func New(s controller.Settings, feedWatchdog func(), logger *zap.Logger) (*Daemon, error) {
	store, err := storage.NewStore(s.Database)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(registry)
	inputs := input.NewQueue(s.Daemon.InputQueueSize)

	var probe ph.RawReader
	var thermo ph.TemperatureReader
	var pump doser.Pump
	var buttons *drivers.ButtonPoller
	if s.DevMode {
		sim := drivers.NewSimProbe()
		probe = sim
		thermo = drivers.SimThermo{}
		pump = drivers.NewSimPump(logger)
		logger.Info("dev mode, simulated hardware in use")
	} else {
		bus, err := i2c.New()
		if err != nil {
			store.Close()
			return nil, err
		}
		probe = drivers.NewEZOProbe(bus, s.PH.Address)
		thermo = drivers.NewADT7410(bus, s.PH.TempAddress)
		pump = drivers.NewRelay(bus, s.Doser.PumpAddress, s.Doser.PumpChannel)
		buttons = drivers.NewButtonPoller(bus, s.Daemon.ButtonsAddress, inputs, logger)
	}

	sensor := ph.NewSensor(s.PH, probe, thermo, logger)
	cal := ph.NewCalibrator(s.PH, store, sensor, logger)
	dose, err := doser.New(s.Doser, s.Daemon.TickInterval.D(), store, pump, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	conn := connectivity.New(s.Connectivity, connectivity.NewMQTTLink(s.Connectivity, logger), logger)
	uploader := telemetry.NewUploader(s.Telemetry, conn, metrics, logger)
	sup := NewSupervisor(s, sensor, cal, dose, conn, uploader, metrics, inputs, feedWatchdog, logger)

	d := &Daemon{
		settings: s,
		logger:   logger,
		store:    store,
		inputs:   inputs,
		sensor:   sensor,
		cal:      cal,
		dose:     dose,
		conn:     conn,
		uploader: uploader,
		metrics:  metrics,
		sup:      sup,
		buttons:  buttons,
		cron:     cron.New(),
		quit:     make(chan struct{}),
	}

	r := mux.NewRouter()
	for _, sub := range []controller.Subsystem{sensor, cal, dose, conn} {
		sub.LoadAPI(r)
	}
	d.loadAPI(r)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	d.server = &http.Server{
		Addr:         s.Address,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return d, nil
}

// Setup runs every subsystem's one-time bootstrap.
func (d *Daemon) Setup() error {
	for _, sub := range []controller.Subsystem{d.sensor, d.cal, d.dose, d.conn} {
		if err := sub.Setup(); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the tick loop until the context is cancelled, then shuts
// everything down with the pump guaranteed off.
func (d *Daemon) Run(ctx context.Context) error {
	now := time.Now()
	d.startedAt = now
	d.sup.Start(now)

	if d.buttons != nil {
		d.buttons.Start()
	}
	if err := startReminders(d.settings.Reminders, d.sup, d.quit, d.logger); err != nil {
		return err
	}

	// Retention: the trailing dose budget only ever looks 24h back, the
	// event log keeps its configured window.
	if _, err := d.cron.AddFunc("@hourly", func() { d.dose.PruneUsage(time.Now()) }); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc("@daily", func() { d.dose.PruneEvents(time.Now()) }); err != nil {
		return err
	}
	d.cron.Start()

	go func() {
		d.logger.Info("api listening", zap.String("address", d.settings.Address))
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("api server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(d.settings.Daemon.TickInterval.D())
	defer ticker.Stop()
	d.logger.Info("control loop started",
		zap.Duration("tick", d.settings.Daemon.TickInterval.D()))
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case t := <-ticker.C:
			d.sup.Tick(t)
		}
	}
}

func (d *Daemon) shutdown() error {
	d.logger.Info("shutting down")
	close(d.quit)
	if d.buttons != nil {
		d.buttons.Stop()
	}
	<-d.cron.Stop().Done()

	// Pump off before anything else can fail.
	d.dose.ForceSafe(time.Now())
	d.conn.ForceDisconnect(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("api shutdown", zap.Error(err))
	}
	return d.store.Close()
}

// loadAPI registers the daemon-level surface: a consolidated status snapshot,
// the activity log, and remote button injection for a detached panel.
func (d *Daemon) loadAPI(r *mux.Router) {
	r.HandleFunc("/api/status", d.statusHandler).Methods("GET")
	r.HandleFunc("/api/log", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.sup.Activity())
	}).Methods("GET")
	r.HandleFunc("/api/input/{button}", func(w http.ResponseWriter, req *http.Request) {
		name := mux.Vars(req)["button"]
		switch name {
		case input.ButtonNext, input.ButtonSelect, input.ButtonAbort, input.ButtonReset:
		default:
			http.Error(w, "unknown button "+name, http.StatusBadRequest)
			return
		}
		if !d.inputs.Push(input.Event{Button: name, At: time.Now()}) {
			http.Error(w, "input queue full", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods("POST")
}

type hostStatus struct {
	Uptime      string  `json:"uptime,omitempty"`
	MemoryUsed  string  `json:"memory_used,omitempty"`
	MemoryTotal string  `json:"memory_total,omitempty"`
	Load1       float64 `json:"load_1,omitempty"`
}

func (d *Daemon) statusHandler(w http.ResponseWriter, req *http.Request) {
	resp := struct {
		Name         string             `json:"name"`
		Started      string             `json:"started"`
		Ticks        uint64             `json:"ticks"`
		Failsafes    uint64             `json:"failsafes"`
		Reading      ph.Reading         `json:"reading"`
		Calibration  ph.CalState        `json:"calibration"`
		Doser        doser.State        `json:"doser"`
		Connectivity connectivity.State `json:"connectivity"`
		QueueDepth   int                `json:"telemetry_queue_depth"`
		Dropped      uint64             `json:"telemetry_dropped"`
		Sent         uint64             `json:"telemetry_sent"`
		Host         hostStatus         `json:"host"`
	}{
		Name:         d.settings.Name,
		Started:      humanize.Time(d.startedAt),
		Ticks:        d.sup.Ticks(),
		Failsafes:    d.sup.Failsafes(),
		Reading:      d.sensor.Latest(),
		Calibration:  d.cal.State(),
		Doser:        d.dose.State(),
		Connectivity: d.conn.State(),
		QueueDepth:   d.uploader.QueueDepth(),
		Dropped:      d.uploader.DroppedTotal(),
		Sent:         d.uploader.SentTotal(),
	}
	if hi, err := host.Info(); err == nil {
		resp.Host.Uptime = (time.Duration(hi.Uptime) * time.Second).String()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Host.MemoryUsed = humanize.Bytes(vm.Used)
		resp.Host.MemoryTotal = humanize.Bytes(vm.Total)
	}
	if la, err := load.Avg(); err == nil {
		resp.Host.Load1 = la.Load1
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
