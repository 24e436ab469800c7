package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/config"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
)

// Options configures the daemon process.
type Options struct {
	ConfigPath  string
	LogLevel    string // overrides logging.level when set
	Development bool
}

// ErrAlreadyRunning means another kiosk process holds the instance lock.
var ErrAlreadyRunning = errors.New("another portunus-kiosk instance is already running")

// Run loads configuration, takes the instance lock and runs the kiosk
// until SIGINT or SIGTERM. SIGHUP reloads the config file.
func Run(cmdCtx context.Context, opts Options) error {
	cfg, path, exists, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !exists {
		logger.Info("config file not found; using defaults", logging.String("path", path))
	}

	lock, err := acquireLock(cfg.Kiosk.LockPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release instance lock", logging.Error(err))
		}
	}()

	sessionID := uuid.NewString()
	logger = logger.With(logging.String(logging.FieldSessionID, sessionID))

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	holder := config.NewHolder(cfg, path)
	rt, err := New(signalCtx, holder, logger, sessionID, Hardware{})
	if err != nil {
		logger.Error("kiosk setup failed", logging.Error(err))
		return err
	}
	defer rt.Close()

	if err := rt.Start(signalCtx); err != nil {
		logger.Error("kiosk start failed", logging.Error(err))
		return err
	}

	for {
		select {
		case <-signalCtx.Done():
			logger.Info("portunus kiosk shutting down")
			return nil
		case <-hup:
			if err := rt.ReloadConfig(); err != nil {
				logger.Warn("config reload rejected; keeping current settings", logging.Error(err))
			}
		}
	}
}

// NewLogger builds the process logger from cfg.Logging.
func NewLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	paths := []string{"stdout"}
	if cfg.Logging.File != "" {
		paths = append(paths, cfg.Logging.File)
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: paths,
		Development: opts.Development || cfg.Kiosk.Env == "dev",
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
}

func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}
