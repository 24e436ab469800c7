package daemon

import (
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/capture"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/config"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
)

func coordinatorConfig(c *config.Config) service.CoordinatorConfig {
	return service.CoordinatorConfig{
		Cooldown:              c.Admission.Cooldown(),
		Pause:                 c.Admission.Pause(),
		CredentialRejectPause: c.Admission.CredentialRejectPause(),
		PulseDuration:         c.Actuator.Pulse(),
		LivenessFrames:        c.Recognition.LivenessFrames,
	}
}

func deliveryConfig(c *config.Config, sessionID string) service.DeliveryConfig {
	return service.DeliveryConfig{
		Endpoint:     c.Delivery.Endpoint,
		KioskID:      c.Kiosk.ID,
		SessionID:    sessionID,
		Encoding:     c.Delivery.Encoding,
		Timeout:      c.Delivery.Timeout(),
		RetryDelay:   c.Delivery.RetryDelay(),
		PollInterval: c.Delivery.PollInterval(),
		BatchSize:    c.Delivery.BatchSize,
		SendSpacing:  c.Delivery.SendSpacing(),
		StopTimeout:  c.Delivery.StopTimeout(),
	}
}

func captureConfig(c *config.Config) capture.Config {
	return capture.Config{
		Index:         c.Camera.Index,
		FPS:           c.Camera.FPS,
		ReopenBackoff: c.Camera.ReopenBackoff(),
		StopTimeout:   c.Camera.StopTimeout(),
	}
}

// applyConfig pushes a new snapshot into the running components. Settings
// that bind hardware or sockets only take effect after a restart.
func (r *Runtime) applyConfig(old, next *config.Config) {
	r.coordinator.UpdateConfig(coordinatorConfig(next))
	r.queue.UpdateConfig(deliveryConfig(next, r.sessionID))
	r.policy.SetTolerance(next.Recognition.Tolerance)
	r.dispatcher.SetRate(next.Recognition.MaxPerSecond)
	r.decoder.SetInterBitTimeout(next.Wiegand.InterBitTimeout())

	if captureConfig(old) != captureConfig(next) {
		r.restartCapture(captureConfig(next))
	}

	if keys := restartRequired(old, next); len(keys) > 0 {
		r.logger.Warn("some settings change only after restart", logging.Any("keys", keys))
	}
}

func (r *Runtime) restartCapture(cfg capture.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := r.started && !r.paused && r.faceEnabled
	if running && !r.source.Stop() {
		r.logger.Warn("capture abandoned during reconfigure")
	}
	if err := r.source.SetConfig(cfg); err != nil {
		r.logger.Error("apply camera settings", logging.Error(err))
		return
	}
	if running {
		r.startFaceLocked()
	}
	r.logger.Info("camera settings applied",
		logging.Int(logging.FieldDevice, cfg.Index),
		logging.Int("fps", cfg.FPS))
}

func restartRequired(old, next *config.Config) []string {
	var keys []string
	check := func(changed bool, key string) {
		if changed {
			keys = append(keys, key)
		}
	}
	check(old.Kiosk != next.Kiosk, "kiosk")
	check(old.Camera.Backend != next.Camera.Backend ||
		old.Camera.Width != next.Camera.Width ||
		old.Camera.Height != next.Camera.Height, "camera.backend/size")
	check(old.Recognition.Backend != next.Recognition.Backend ||
		old.Recognition.ModelDir != next.Recognition.ModelDir, "recognition.backend")
	check(old.Wiegand.Enabled != next.Wiegand.Enabled ||
		old.Wiegand.Chip != next.Wiegand.Chip ||
		old.Wiegand.D0Pin != next.Wiegand.D0Pin ||
		old.Wiegand.D1Pin != next.Wiegand.D1Pin, "wiegand pins")
	check(old.Actuator.Backend != next.Actuator.Backend ||
		old.Actuator.Chip != next.Actuator.Chip ||
		old.Actuator.RelayPin != next.Actuator.RelayPin ||
		old.Actuator.GreenLEDPin != next.Actuator.GreenLEDPin ||
		old.Actuator.RedLEDPin != next.Actuator.RedLEDPin, "actuator pins")
	check(old.Delivery.RetentionDays != next.Delivery.RetentionDays ||
		old.Delivery.PruneIntervalHours != next.Delivery.PruneIntervalHours, "delivery retention")
	check(old.API != next.API, "api")
	check(old.MQTT != next.MQTT, "mqtt")
	check(old.DeviceWatch.Enabled != next.DeviceWatch.Enabled, "device_watch")
	check(old.Logging != next.Logging, "logging")
	return keys
}
