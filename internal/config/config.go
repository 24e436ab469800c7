package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Kiosk identifies this installation and where it keeps state.
type Kiosk struct {
	ID       string `toml:"id"`
	Env      string `toml:"env"` // "dev" | "prod"
	DBPath   string `toml:"db_path"`
	LockPath string `toml:"lock_path"`
}

// Camera configures the frame source.
type Camera struct {
	Backend         string `toml:"backend"` // "gstreamer" | "none"
	Index           int    `toml:"index"`
	FPS             int    `toml:"fps"`
	Width           int    `toml:"width"`
	Height          int    `toml:"height"`
	ReopenBackoffMS int    `toml:"reopen_backoff_ms"`
	StopTimeoutMS   int    `toml:"stop_timeout_ms"`
}

// Recognition configures the matcher and the dispatch worker.
type Recognition struct {
	Backend        string  `toml:"backend"` // "dlib" | "none"
	ModelDir       string  `toml:"model_dir"`
	Tolerance      float64 `toml:"tolerance"`
	MaxPerSecond   float64 `toml:"max_per_second"`
	LivenessFrames int     `toml:"liveness_frames"`
	StopTimeoutMS  int     `toml:"stop_timeout_ms"`
}

// Admission configures grant/reject timing.
type Admission struct {
	CooldownSeconds         int `toml:"cooldown_seconds"`
	PauseMS                 int `toml:"pause_ms"`
	CredentialRejectPauseMS int `toml:"credential_reject_pause_ms"`
}

// Wiegand configures the card reader lines.
type Wiegand struct {
	Enabled           bool   `toml:"enabled"`
	Chip              string `toml:"chip"`
	D0Pin             int    `toml:"d0_pin"`
	D1Pin             int    `toml:"d1_pin"`
	InterBitTimeoutMS int    `toml:"inter_bit_timeout_ms"`
	PollIntervalMS    int    `toml:"poll_interval_ms"`
}

// Actuator configures the door relay and indicator LEDs.
type Actuator struct {
	Backend     string `toml:"backend"` // "gpio" | "log"
	Chip        string `toml:"chip"`
	RelayPin    int    `toml:"relay_pin"`
	GreenLEDPin int    `toml:"green_led_pin"`
	RedLEDPin   int    `toml:"red_led_pin"`
	PulseMS     int    `toml:"pulse_ms"`
}

// Delivery configures the remote event endpoint.
type Delivery struct {
	Endpoint            string `toml:"endpoint"`
	Encoding            string `toml:"encoding"` // "json" | "protobuf"
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	RetryDelaySeconds   int    `toml:"retry_delay_seconds"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	BatchSize           int    `toml:"batch_size"`
	SendSpacingMS       int    `toml:"send_spacing_ms"`
	StopTimeoutMS       int    `toml:"stop_timeout_ms"`
	// RetentionDays keeps sent events this long; 0 keeps them forever.
	RetentionDays      int `toml:"retention_days"`
	PruneIntervalHours int `toml:"prune_interval_hours"`
}

// API configures the local admin surfaces.
type API struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
}

// MQTT configures the optional event publisher.
type MQTT struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	QoS      int    `toml:"qos"`
}

// DeviceWatch toggles camera hotplug notices. RestartCapture lets a camera
// re-add restart a capture loop that already gave up.
type DeviceWatch struct {
	Enabled        bool `toml:"enabled"`
	RestartCapture bool `toml:"restart_capture"`
}

// Logging configures the slog output.
type Logging struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // "console" | "json" | "auto"
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config is the full kiosk configuration.
type Config struct {
	Kiosk       Kiosk       `toml:"kiosk"`
	Camera      Camera      `toml:"camera"`
	Recognition Recognition `toml:"recognition"`
	Admission   Admission   `toml:"admission"`
	Wiegand     Wiegand     `toml:"wiegand"`
	Actuator    Actuator    `toml:"actuator"`
	Delivery    Delivery    `toml:"delivery"`
	API         API         `toml:"api"`
	MQTT        MQTT        `toml:"mqtt"`
	DeviceWatch DeviceWatch `toml:"device_watch"`
	Logging     Logging     `toml:"logging"`
}

// Load reads the TOML file at path (if it exists) over the defaults, then
// applies .env and PORTUNUS_* environment overrides, normalizes and validates.
// It returns the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	// A missing .env is normal; anything else is worth failing on.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&cfg)

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = "portunus-kiosk.toml"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", abs)
	}
	return abs, true, nil
}

// CreateSample writes a sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

func (c Camera) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

func (c Admission) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c Admission) Pause() time.Duration {
	return time.Duration(c.PauseMS) * time.Millisecond
}

func (c Admission) CredentialRejectPause() time.Duration {
	return time.Duration(c.CredentialRejectPauseMS) * time.Millisecond
}

func (c Actuator) Pulse() time.Duration {
	return time.Duration(c.PulseMS) * time.Millisecond
}

func (c Delivery) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Delivery) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c Delivery) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Delivery) SendSpacing() time.Duration {
	return time.Duration(c.SendSpacingMS) * time.Millisecond
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Camera) ReopenBackoff() time.Duration    { return ms(c.ReopenBackoffMS) }
func (c Camera) StopTimeout() time.Duration      { return ms(c.StopTimeoutMS) }
func (c Recognition) StopTimeout() time.Duration { return ms(c.StopTimeoutMS) }
func (c Wiegand) InterBitTimeout() time.Duration { return ms(c.InterBitTimeoutMS) }
func (c Wiegand) PollInterval() time.Duration    { return ms(c.PollIntervalMS) }
func (c Delivery) StopTimeout() time.Duration    { return ms(c.StopTimeoutMS) }

func trimLower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
