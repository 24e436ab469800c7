package config

import "strings"

func (c *Config) normalize() {
	c.Kiosk.ID = strings.TrimSpace(c.Kiosk.ID)
	c.Kiosk.Env = trimLower(c.Kiosk.Env)
	if c.Kiosk.Env != "dev" && c.Kiosk.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Kiosk.Env = "dev"
	}

	c.Camera.Backend = trimLower(c.Camera.Backend)
	c.Recognition.Backend = trimLower(c.Recognition.Backend)
	c.Actuator.Backend = trimLower(c.Actuator.Backend)

	c.Delivery.Endpoint = strings.TrimSpace(c.Delivery.Endpoint)
	c.Delivery.Encoding = trimLower(c.Delivery.Encoding)
	if c.Delivery.Encoding == "" {
		c.Delivery.Encoding = "json"
	}
	if c.Delivery.BatchSize <= 0 {
		c.Delivery.BatchSize = 5
	}

	if c.Recognition.LivenessFrames < 1 {
		c.Recognition.LivenessFrames = 1
	}

	c.Logging.Level = trimLower(c.Logging.Level)
	c.Logging.Format = trimLower(c.Logging.Format)
	c.Logging.File = strings.TrimSpace(c.Logging.File)
}
