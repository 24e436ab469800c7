package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays PORTUNUS_* variables onto cfg. Unset or malformed
// values leave the file/default value in place.
func applyEnv(c *Config) {
	c.Kiosk.ID = getenvDefault("PORTUNUS_KIOSK_ID", c.Kiosk.ID)
	c.Kiosk.Env = getenvDefault("PORTUNUS_ENV", c.Kiosk.Env)
	c.Kiosk.DBPath = getenvDefault("PORTUNUS_DB_PATH", c.Kiosk.DBPath)

	c.Camera.Index = getenvInt("PORTUNUS_CAMERA_INDEX", c.Camera.Index)
	c.Camera.FPS = getenvInt("PORTUNUS_CAMERA_FPS", c.Camera.FPS)
	c.Recognition.Tolerance = getenvFloat("PORTUNUS_TOLERANCE", c.Recognition.Tolerance)

	c.Delivery.Endpoint = getenvDefault("PORTUNUS_DELIVERY_ENDPOINT", c.Delivery.Endpoint)
	c.API.HTTPAddr = getenvDefault("PORTUNUS_HTTP_ADDR", c.API.HTTPAddr)
	c.API.GRPCAddr = getenvDefault("PORTUNUS_GRPC_ADDR", c.API.GRPCAddr)

	c.MQTT.Broker = getenvDefault("PORTUNUS_MQTT_BROKER", c.MQTT.Broker)
	if c.MQTT.Broker != "" && getenvBool("PORTUNUS_MQTT_ENABLED") {
		c.MQTT.Enabled = true
	}

	c.Logging.Level = getenvDefault("PORTUNUS_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("PORTUNUS_LOG_FORMAT", c.Logging.Format)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func getenvBool(key string) bool {
	v := os.Getenv(key)
	return strings.EqualFold(v, "true") || v == "1"
}
