package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/gps"
	"github.com/sodovaya/kbledash/internal/kelly"
	"github.com/sodovaya/kbledash/internal/link"
	"github.com/sodovaya/kbledash/internal/metrics"
)

// BMS is the part of ant.Session the orchestrator drives.
type BMS interface {
	Connect(ctx context.Context) error
	State() link.State
	FetchStatus(ctx context.Context) (*ant.Sample, error)
}

// Controller is the part of kelly.Session the orchestrator drives.
type Controller interface {
	Connect(ctx context.Context) error
	State() link.State
	SendQueries(ctx context.Context) error
	Snapshot() (kelly.State, time.Time)
}

// LocationSource supplies GPS fixes.
type LocationSource interface {
	Read() (*gps.Data, error)
}

// Sink receives every published snapshot.
type Sink interface {
	Name() string
	Publish(snap Snapshot) error
}

// Config holds the orchestrator cadences and vehicle parameters.
type Config struct {
	BMSPollInterval   time.Duration // default 500ms
	KeepAliveInterval time.Duration // default 100ms
	GPSPollInterval   time.Duration // default 100ms
	PublishInterval   time.Duration // default 300ms
	Vehicle           Vehicle
	Gear              int
	Logger            logrus.FieldLogger
}

// Orchestrator polls the BMS and controller on independent timers and
// forwards merged snapshots to its sinks on a third.
type Orchestrator struct {
	cfg   Config
	bms   BMS
	ctrl  Controller
	loc   LocationSource
	sinks []Sink
	log   logrus.FieldLogger

	odo Odometer

	lastSample atomic.Pointer[ant.Sample]
	lastFix    atomic.Pointer[gps.Data]
	latest     atomic.Pointer[Snapshot]
	vehicle    atomic.Pointer[Vehicle]
	gear       atomic.Int32
}

// New creates an orchestrator. bms, ctrl and loc may each be nil when the
// corresponding source is not configured.
func New(cfg Config, bms BMS, ctrl Controller, loc LocationSource, sinks ...Sink) *Orchestrator {
	if cfg.BMSPollInterval <= 0 {
		cfg.BMSPollInterval = 500 * time.Millisecond
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 100 * time.Millisecond
	}
	if cfg.GPSPollInterval <= 0 {
		cfg.GPSPollInterval = 100 * time.Millisecond
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 300 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	o := &Orchestrator{
		cfg:   cfg,
		bms:   bms,
		ctrl:  ctrl,
		loc:   loc,
		sinks: sinks,
		log:   cfg.Logger.WithField("component", "orchestrator"),
	}
	o.gear.Store(int32(cfg.Gear))
	o.SetVehicle(cfg.Vehicle)
	return o
}

// AddSink registers another sink. It must be called before Run.
func (o *Orchestrator) AddSink(s Sink) { o.sinks = append(o.sinks, s) }

// Run starts the polling and publish loops and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if o.bms != nil {
		g.Go(func() error { return o.bmsLoop(ctx) })
	}
	if o.ctrl != nil {
		g.Go(func() error { return o.controllerLoop(ctx) })
	}
	if o.loc != nil {
		g.Go(func() error { return o.gpsLoop(ctx) })
	}
	g.Go(func() error { return o.publishLoop(ctx) })

	o.log.Infof("running: bms every %v, controller every %v, publish every %v",
		o.cfg.BMSPollInterval, o.cfg.KeepAliveInterval, o.cfg.PublishInterval)
	return g.Wait()
}

func (o *Orchestrator) bmsLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.BMSPollInterval)
	defer ticker.Stop()

	var retry backoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.pollBMS(ctx, &retry)
		}
	}
}

// pollBMS runs one connect + fetch cycle. Errors leave the last sample in
// place for the next snapshot.
func (o *Orchestrator) pollBMS(ctx context.Context, retry *backoff) {
	now := time.Now()
	if o.bms.State() != link.StateReady {
		if !retry.ready(now) {
			return
		}
		if err := o.bms.Connect(ctx); err != nil {
			wait := retry.failed(now)
			o.log.Warnf("bms connect attempt %d failed: %v (retry in %v)", retry.attempts, err, wait)
			return
		}
		retry.succeeded()
	}

	start := time.Now()
	sample, err := o.bms.FetchStatus(ctx)
	metrics.PollDuration.WithLabelValues(metrics.DeviceBMS).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Polls.WithLabelValues(metrics.DeviceBMS, "error").Inc()
		if ctx.Err() == nil {
			o.log.Warnf("bms poll failed: %v", err)
		}
		return
	}
	metrics.Polls.WithLabelValues(metrics.DeviceBMS, "ok").Inc()
	o.lastSample.Store(sample)
}

func (o *Orchestrator) controllerLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var retry backoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.pollController(ctx, &retry)
		}
	}
}

// pollController sends the keep-alive query pair. Decoding happens on the
// notification path, not here.
func (o *Orchestrator) pollController(ctx context.Context, retry *backoff) {
	now := time.Now()
	if o.ctrl.State() != link.StateReady {
		if !retry.ready(now) {
			return
		}
		if err := o.ctrl.Connect(ctx); err != nil {
			wait := retry.failed(now)
			o.log.Warnf("controller connect attempt %d failed: %v (retry in %v)", retry.attempts, err, wait)
			return
		}
		retry.succeeded()
	}

	if err := o.ctrl.SendQueries(ctx); err != nil {
		metrics.Polls.WithLabelValues(metrics.DeviceController, "error").Inc()
		if ctx.Err() == nil {
			o.log.Warnf("controller keep-alive failed: %v", err)
		}
		return
	}
	metrics.Polls.WithLabelValues(metrics.DeviceController, "ok").Inc()
}

func (o *Orchestrator) gpsLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.GPSPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fix, err := o.loc.Read()
			if err != nil {
				metrics.Polls.WithLabelValues(metrics.DeviceGPS, "error").Inc()
				continue
			}
			metrics.Polls.WithLabelValues(metrics.DeviceGPS, "ok").Inc()
			if fix == nil {
				continue
			}
			cp := *fix
			o.lastFix.Store(&cp)
			// Only accumulate while moving
			if cp.Valid && cp.Speed > 1 {
				o.odo.Update(&cp)
			}
		}
	}
}

func (o *Orchestrator) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.publish(o.Refresh(time.Now()))
		}
	}
}

func (o *Orchestrator) publish(snap Snapshot) {
	for _, s := range o.sinks {
		if err := s.Publish(snap); err != nil {
			o.log.Debugf("sink %s: %v", s.Name(), err)
			continue
		}
		metrics.SnapshotsPublished.WithLabelValues(s.Name()).Inc()
	}
}

// Refresh rebuilds the snapshot from the latest cached readings, stores it
// as the current one and returns it.
func (o *Orchestrator) Refresh(now time.Time) Snapshot {
	in := Inputs{
		BMS:             o.lastSample.Load(),
		Fix:             o.lastFix.Load(),
		BMSState:        link.StateDisconnected,
		ControllerState: link.StateDisconnected,
		Gear:            int(o.gear.Load()),
		StampUnix:       now.UnixMilli(),
	}
	in.Odometer, in.Trip = o.odo.Read()

	if o.bms != nil {
		in.BMSState = o.bms.State()
	}
	if o.ctrl != nil {
		in.ControllerState = o.ctrl.State()
		if st, updated := o.ctrl.Snapshot(); !updated.IsZero() {
			in.Controller = &st
		}
	}

	snap := Merge(in, *o.vehicle.Load())
	o.latest.Store(&snap)
	return snap
}

// Latest returns the most recently published snapshot, or nil before the
// first publish tick.
func (o *Orchestrator) Latest() *Snapshot { return o.latest.Load() }

// LastSample returns the most recent BMS sample, or nil.
func (o *Orchestrator) LastSample() *ant.Sample { return o.lastSample.Load() }

// SetVehicle replaces the conversion parameters used from the next
// snapshot on.
func (o *Orchestrator) SetVehicle(v Vehicle) {
	if v.WheelDiameterInch <= 0 {
		v.WheelDiameterInch = 29
	}
	o.vehicle.Store(&v)
}

// SetGear changes the gear reported in snapshots.
func (o *Orchestrator) SetGear(gear int) { o.gear.Store(int32(gear)) }

// Gear returns the current gear setting.
func (o *Orchestrator) Gear() int { return int(o.gear.Load()) }

// ResetTrip zeroes the trip distance.
func (o *Orchestrator) ResetTrip() { o.odo.ResetTrip() }

// Distance returns the odometer and trip totals in km.
func (o *Orchestrator) Distance() (total, trip float64) { return o.odo.Read() }
