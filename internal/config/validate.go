package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Kiosk.ID == "" {
		return errors.New("kiosk.id is required")
	}
	if c.Kiosk.DBPath == "" {
		return errors.New("kiosk.db_path is required")
	}
	if err := c.validateCamera(); err != nil {
		return err
	}
	if err := c.validateRecognition(); err != nil {
		return err
	}
	if err := c.validateAdmission(); err != nil {
		return err
	}
	if err := c.validateWiegand(); err != nil {
		return err
	}
	if err := c.validateActuator(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}
	return nil
}

func (c *Config) validateCamera() error {
	switch c.Camera.Backend {
	case "gstreamer", "none":
	default:
		return fmt.Errorf("camera.backend: unsupported value %q", c.Camera.Backend)
	}
	if c.Camera.Index < 0 {
		return fmt.Errorf("camera.index must be >= 0 (got %d)", c.Camera.Index)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("camera.fps must be positive (got %d)", c.Camera.FPS)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera frame size must be positive (got %dx%d)", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.StopTimeoutMS <= 0 {
		return errors.New("camera.stop_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) validateRecognition() error {
	switch c.Recognition.Backend {
	case "dlib", "none":
	default:
		return fmt.Errorf("recognition.backend: unsupported value %q", c.Recognition.Backend)
	}
	if c.Recognition.Tolerance <= 0 {
		return fmt.Errorf("recognition.tolerance must be positive (got %v)", c.Recognition.Tolerance)
	}
	if c.Recognition.MaxPerSecond <= 0 {
		return errors.New("recognition.max_per_second must be positive")
	}
	return nil
}

func (c *Config) validateAdmission() error {
	if c.Admission.CooldownSeconds < 0 {
		return errors.New("admission.cooldown_seconds must be >= 0")
	}
	if c.Admission.PauseMS < 0 || c.Admission.CredentialRejectPauseMS < 0 {
		return errors.New("admission pause windows must be >= 0")
	}
	return nil
}

func (c *Config) validateWiegand() error {
	if !c.Wiegand.Enabled {
		return nil
	}
	if c.Wiegand.D0Pin == c.Wiegand.D1Pin {
		return fmt.Errorf("wiegand.d0_pin and wiegand.d1_pin must differ (both %d)", c.Wiegand.D0Pin)
	}
	if c.Wiegand.InterBitTimeoutMS <= 0 || c.Wiegand.PollIntervalMS <= 0 {
		return errors.New("wiegand timing values must be positive")
	}
	return nil
}

func (c *Config) validateActuator() error {
	switch c.Actuator.Backend {
	case "gpio", "log":
	default:
		return fmt.Errorf("actuator.backend: unsupported value %q", c.Actuator.Backend)
	}
	if c.Actuator.PulseMS <= 0 {
		return errors.New("actuator.pulse_ms must be positive")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	switch c.Delivery.Encoding {
	case "json", "protobuf":
	default:
		return fmt.Errorf("delivery.encoding: unsupported value %q", c.Delivery.Encoding)
	}
	if c.Delivery.Endpoint != "" {
		u, err := url.Parse(c.Delivery.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("delivery.endpoint must be an http(s) URL (got %q)", c.Delivery.Endpoint)
		}
	}
	if c.Delivery.TimeoutSeconds <= 0 || c.Delivery.RetryDelaySeconds <= 0 || c.Delivery.PollIntervalSeconds <= 0 {
		return errors.New("delivery timing values must be positive")
	}
	if c.Delivery.RetentionDays < 0 {
		return errors.New("delivery.retention_days must be >= 0")
	}
	return nil
}
