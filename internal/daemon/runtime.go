package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/actuator"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/capture"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/config"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/db"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/devwatch"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/healthrpc"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/mqttpub"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/recognition"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/wiegand"
)

// enrollWarmupFrames are discarded before an enrollment still so the
// sensor's exposure can settle.
const enrollWarmupFrames = 5

var errFaceDisabled = errors.New("face pipeline disabled: camera or recognition backend is none")

// Hardware lets callers supply devices instead of opening the configured
// backends. Nil fields fall back to config.
type Hardware struct {
	Opener     capture.Opener
	Capability recognition.Capability
	Actuator   *actuator.Driver
}

// Runtime owns every long-lived component of a running kiosk.
type Runtime struct {
	holder    *config.Holder
	logger    *slog.Logger
	sessionID string
	metrics   *metrics.Metrics

	sqlDB      *sql.DB
	writer     *db.Worker
	identities store.IdentityStore
	events     store.EventStore

	opener          capture.Opener
	capability      recognition.Capability
	closeCapability func()
	faceEnabled     bool

	source      *capture.Source
	gallery     *recognition.GalleryCache
	policy      *recognition.Policy
	dispatcher  *recognition.Dispatcher
	decoder     *wiegand.Decoder
	lines       *wiegand.Lines
	act         *actuator.Driver
	coordinator *service.AdmissionCoordinator
	queue       *service.DeliveryQueue
	pruner      *service.EventPruner
	broadcaster *service.Broadcaster
	enrollment  *service.EnrollmentService
	mqtt        *mqttpub.Publisher
	health      *healthrpc.Server
	api         *httpapi.Server
	watch       *devwatch.Monitor

	mu      sync.Mutex
	ctx     context.Context
	paused  bool
	started bool
}

// New opens the database and hardware and wires the pipeline. Nothing
// runs until Start.
func New(ctx context.Context, holder *config.Holder, logger *slog.Logger, sessionID string, hw Hardware) (rt *Runtime, err error) {
	cfg := holder.Current()
	r := &Runtime{
		holder:    holder,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		sessionID: sessionID,
		metrics:   metrics.New(),
	}
	defer func() {
		if err != nil {
			r.closeResources()
		}
	}()

	r.sqlDB, err = db.Open(ctx, db.Config{Path: cfg.Kiosk.DBPath, Env: cfg.Kiosk.Env})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	r.writer = db.NewWorker(r.sqlDB)
	r.identities = sqlite.NewIdentityStore(r.sqlDB, r.writer)
	r.events = sqlite.NewEventStore(r.sqlDB, r.writer)

	if err := r.openFacePipeline(cfg, hw, logger); err != nil {
		return nil, err
	}

	r.act = hw.Actuator
	if r.act == nil {
		if r.act, err = openActuator(cfg.Actuator, logger); err != nil {
			return nil, err
		}
	}

	r.broadcaster = service.NewBroadcaster(0, logger, r.metrics)
	r.broadcaster.Subscribe(service.ObserverFunc(r.logEvent))

	r.queue = service.NewDeliveryQueue(deliveryConfig(cfg, sessionID), r.events, logger, r.metrics)
	r.pruner = service.NewEventPruner(r.events, service.PrunerConfig{
		RetentionDays: cfg.Delivery.RetentionDays,
		IntervalHours: cfg.Delivery.PruneIntervalHours,
	}, logger)

	r.coordinator = service.NewAdmissionCoordinator(coordinatorConfig(cfg), service.CoordinatorDeps{
		Identities: r.identities,
		Events:     r.events,
		Queue:      r.queue,
		Actuator:   r.act,
		Publish:    r.broadcaster.Publish,
		Logger:     logger,
		Metrics:    r.metrics,
	})

	r.gallery = recognition.NewGalleryCache(r.identities, logger, r.metrics)
	r.policy = recognition.NewPolicy(r.capability, r.gallery, cfg.Recognition.Tolerance)
	r.dispatcher = recognition.NewDispatcher(recognition.DispatcherConfig{
		MaxPerSecond: cfg.Recognition.MaxPerSecond,
		StopTimeout:  cfg.Recognition.StopTimeout(),
	}, r.policy,
		func(res types.RecognitionResult) { r.coordinator.SubmitResult(res) },
		func(err error) { r.coordinator.ReportError("recognition", err) },
		logger, r.metrics)

	r.source = capture.NewSource(captureConfig(cfg), r.opener, logger, r.metrics)
	r.source.OnFrame(func(f types.Frame) { r.dispatcher.Submit(f) })
	r.source.OnError(r.onCaptureError)

	r.decoder = wiegand.NewDecoder(wiegand.Config{
		InterBitTimeout: cfg.Wiegand.InterBitTimeout(),
		PollInterval:    cfg.Wiegand.PollInterval(),
	}, func(ev types.CredentialEvent) { r.coordinator.SubmitCredential(ev) }, logger, r.metrics)
	if cfg.Wiegand.Enabled {
		if r.lines, err = wiegand.OpenLines(cfg.Wiegand.Chip, cfg.Wiegand.D0Pin, cfg.Wiegand.D1Pin, r.decoder); err != nil {
			return nil, err
		}
	}

	r.enrollment = service.NewEnrollmentService(r.identities, r.capability, service.GrabberFunc(r.grab), r.gallery, logger)

	if cfg.MQTT.Enabled {
		r.mqtt, err = mqttpub.Connect(mqttpub.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			KioskID:  cfg.Kiosk.ID,
		}, logger)
		if err != nil {
			// The broker is a mirror, not a dependency.
			r.logger.Warn("mqtt unavailable; events will not be mirrored", logging.Error(err))
			r.mqtt = nil
		} else {
			r.broadcaster.Subscribe(r.mqtt)
		}
	}

	if cfg.API.GRPCAddr != "" {
		r.health = healthrpc.New(cfg.API.GRPCAddr, logger)
	}
	if cfg.API.HTTPAddr != "" {
		r.api = httpapi.NewServer(httpapi.Dependencies{
			Logger:      logger,
			Addr:        cfg.API.HTTPAddr,
			KioskID:     cfg.Kiosk.ID,
			SessionID:   sessionID,
			Control:     r,
			Enrollment:  r.enrollment,
			Gallery:     r.gallery,
			Admitter:    r.coordinator,
			Credentials: r.decoder,
			Events:      r.events,
			Queue:       r.queue,
			Metrics:     r.metrics,
		})
	}
	if cfg.DeviceWatch.Enabled {
		r.watch = devwatch.New(logger, r.onDeviceChange)
	}

	holder.Subscribe(r.applyConfig)
	return r, nil
}

func (r *Runtime) openFacePipeline(cfg *config.Config, hw Hardware, logger *slog.Logger) error {
	r.opener = hw.Opener
	if r.opener == nil && cfg.Camera.Backend == "gstreamer" {
		r.opener = capture.NewGStreamerOpener(cfg.Camera.Width, cfg.Camera.Height)
	}

	r.capability = hw.Capability
	r.closeCapability = func() {}
	if r.capability == nil && cfg.Recognition.Backend == "dlib" {
		c, err := recognition.NewDlibCapability(cfg.Recognition.ModelDir)
		if err != nil {
			return fmt.Errorf("load recognition models: %w", err)
		}
		r.capability = c
		r.closeCapability = c.Close
	}

	r.faceEnabled = r.opener != nil && r.capability != nil
	if !r.faceEnabled {
		r.capability = disabledCapability{}
		logger.Warn("face pipeline disabled; admissions by card and operator only",
			logging.String("camera_backend", cfg.Camera.Backend),
			logging.String("recognition_backend", cfg.Recognition.Backend))
	}
	return nil
}

func openActuator(cfg config.Actuator, logger *slog.Logger) (*actuator.Driver, error) {
	if cfg.Backend == "log" {
		return actuator.NewLogDriver(logger), nil
	}
	return actuator.OpenGPIO(actuator.PinConfig{
		Chip:     cfg.Chip,
		RelayPin: cfg.RelayPin,
		GreenPin: cfg.GreenLEDPin,
		RedPin:   cfg.RedLEDPin,
	}, logger)
}

// Start loads the gallery and launches every component.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}
	r.ctx = ctx

	if _, err := r.gallery.Reload(ctx); err != nil {
		return fmt.Errorf("load gallery: %w", err)
	}
	if err := r.refreshPendingMetric(ctx); err != nil {
		r.logger.Warn("count pending events", logging.Error(err))
	}

	r.coordinator.Start(ctx)
	r.queue.Start(ctx)
	r.pruner.Start(ctx)
	r.decoder.Start(ctx)

	if r.health != nil {
		if err := r.health.Start(); err != nil {
			return err
		}
		r.health.SetServing(healthrpc.ServiceDelivery, true)
	}
	if r.api != nil {
		go func() {
			if err := r.api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("admin api stopped", logging.Error(err))
			}
		}()
		r.logger.Info("admin api listening", logging.String("addr", r.holder.Current().API.HTTPAddr))
	}
	if err := r.watch.Start(ctx); err != nil {
		r.logger.Warn("device watch", logging.Error(err))
	}

	r.startFaceLocked()
	r.started = true
	r.logger.Info("kiosk started",
		logging.String("kiosk_id", r.holder.Current().Kiosk.ID),
		logging.Bool("face_pipeline", r.faceEnabled),
		logging.Bool("wiegand", r.lines != nil))
	return nil
}

func (r *Runtime) startFaceLocked() {
	if !r.faceEnabled {
		r.setHealth(healthrpc.ServiceCapture, false)
		r.setHealth(healthrpc.ServiceRecognition, false)
		return
	}
	r.dispatcher.Start(r.ctx)
	r.setHealth(healthrpc.ServiceRecognition, true)
	if err := r.source.Start(r.ctx); err != nil && !errors.Is(err, capture.ErrAlreadyRunning) {
		r.logger.Error("start capture", logging.Error(err))
		r.setHealth(healthrpc.ServiceCapture, false)
		return
	}
	r.setHealth(healthrpc.ServiceCapture, true)
}

func (r *Runtime) stopFaceLocked() {
	if !r.faceEnabled {
		return
	}
	if !r.source.Stop() {
		r.logger.Warn("capture abandoned during stop")
	}
	if !r.dispatcher.Stop() {
		r.logger.Warn("recognition call abandoned during stop")
	}
	r.setHealth(healthrpc.ServiceCapture, false)
	r.setHealth(healthrpc.ServiceRecognition, false)
}

// Stop shuts components down producers first so nothing is lost in
// between: capture, recognition, card reader, coordinator, delivery, then
// the outer surfaces.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.watch.Stop()
	r.stopFaceLocked()
	r.mu.Unlock()

	r.decoder.Stop()
	r.coordinator.Stop()
	if !r.queue.Stop() {
		r.logger.Warn("delivery abandoned during stop")
	}
	r.pruner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if r.api != nil {
		if err := r.api.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("admin api shutdown", logging.Error(err))
		}
	}
	if r.health != nil {
		r.health.Stop(shutdownCtx)
	}
	r.logger.Info("kiosk stopped")
}

// Close releases the database, devices and observers. Call after Stop.
func (r *Runtime) Close() {
	r.Stop()
	r.closeResources()
}

func (r *Runtime) closeResources() {
	if r.broadcaster != nil {
		r.broadcaster.Close()
	}
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.lines != nil {
		if err := r.lines.Close(); err != nil {
			r.logger.Warn("close wiegand lines", logging.Error(err))
		}
	}
	if r.act != nil {
		if err := r.act.Close(); err != nil {
			r.logger.Warn("close actuator", logging.Error(err))
		}
	}
	if r.closeCapability != nil {
		r.closeCapability()
	}
	if r.writer != nil {
		r.writer.Close()
	}
	if r.sqlDB != nil {
		_ = r.sqlDB.Close()
	}
}

// ── Admin control ────────────────────────────────────────────────────────────

// Status reports the coordinator state.
func (r *Runtime) Status() service.Status { return r.coordinator.Status() }

// Pause enters administrative pause and releases the camera so enrollment
// can use it.
func (r *Runtime) Pause(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return nil
	}
	r.coordinator.EnterAdministrativePause(reason)
	r.stopFaceLocked()
	r.paused = true
	return nil
}

// Resume restarts capture and returns the coordinator to monitoring.
func (r *Runtime) Resume(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return nil
	}
	r.paused = false
	r.coordinator.Resume()
	if r.started {
		r.startFaceLocked()
	}
	return nil
}

// ReloadConfig re-reads the config file and applies it.
func (r *Runtime) ReloadConfig() error {
	if _, err := r.holder.Reload(); err != nil {
		return err
	}
	r.logger.Info("configuration reloaded", logging.String("path", r.holder.Path()))
	return nil
}

// grab takes one still for enrollment. The camera belongs to the capture
// loop unless the kiosk is paused.
func (r *Runtime) grab(ctx context.Context) (types.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return types.Frame{}, service.ErrCameraInUse
	}
	if !r.faceEnabled {
		return types.Frame{}, errFaceDisabled
	}
	return capture.Grab(ctx, r.opener, r.holder.Current().Camera.Index, enrollWarmupFrames)
}

// ── Callbacks ────────────────────────────────────────────────────────────────

func (r *Runtime) onCaptureError(device int, err error) {
	r.setHealth(healthrpc.ServiceCapture, false)
	r.coordinator.ReportError("camera", fmt.Errorf("camera %d: %w", device, err))
}

func (r *Runtime) onDeviceChange(_ context.Context, c devwatch.Change) {
	if c.Index != r.holder.Current().Camera.Index || c.Action != "add" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.paused || !r.faceEnabled || r.source.Running() {
		return
	}
	if !r.holder.Current().DeviceWatch.RestartCapture {
		r.logger.Info("camera reconnected; capture stays stopped until pause/resume or restart",
			logging.String(logging.FieldDevice, c.Device))
		return
	}
	r.logger.Info("camera reconnected; restarting capture", logging.String(logging.FieldDevice, c.Device))
	if err := r.source.Start(r.ctx); err != nil && !errors.Is(err, capture.ErrAlreadyRunning) {
		r.logger.Error("start capture", logging.Error(err))
		return
	}
	r.setHealth(healthrpc.ServiceCapture, true)
}

func (r *Runtime) logEvent(e service.Event) {
	attrs := []any{logging.String("kind", string(e.Kind))}
	if e.IdentityID != 0 {
		attrs = append(attrs, logging.Int64(logging.FieldIdentityID, e.IdentityID))
	}
	if e.EventID != 0 {
		attrs = append(attrs, logging.Int64(logging.FieldEventID, e.EventID))
	}
	if e.Kind == service.EventError {
		r.logger.Warn(e.Message, attrs...)
		return
	}
	r.logger.Info(e.Message, attrs...)
}

func (r *Runtime) setHealth(svc string, ok bool) {
	if r.health != nil {
		r.health.SetServing(svc, ok)
	}
}

func (r *Runtime) refreshPendingMetric(ctx context.Context) error {
	counts, err := r.events.CountByStatus(ctx)
	if err != nil {
		return err
	}
	r.metrics.SetPending(counts[types.StatusPending])
	return nil
}

// disabledCapability stands in when no camera or model is configured.
type disabledCapability struct{}

func (disabledCapability) Detect(context.Context, types.Frame) ([]types.Box, error) {
	return nil, errFaceDisabled
}

func (disabledCapability) Encode(context.Context, types.Frame, []types.Box) ([][]float64, error) {
	return nil, errFaceDisabled
}
