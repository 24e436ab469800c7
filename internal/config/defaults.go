package config

// Default returns the repository defaults. They match the reference
// deployment: 640x480 at 10 fps, 0.55 tolerance, 5 s cooldown, 3 s relay
// pulse, relay on GPIO 17, LEDs on 27/22, Wiegand D0/D1 on 14/15.
func Default() Config {
	return Config{
		Kiosk: Kiosk{
			ID:       "kiosk-001",
			Env:      "dev",
			DBPath:   "./data/portunus-kiosk.db",
			LockPath: "./data/portunus-kiosk.lock",
		},
		Camera: Camera{
			Backend:         "gstreamer",
			Index:           0,
			FPS:             10,
			Width:           640,
			Height:          480,
			ReopenBackoffMS: 500,
			StopTimeoutMS:   2000,
		},
		Recognition: Recognition{
			Backend:        "dlib",
			ModelDir:       "./models",
			Tolerance:      0.55,
			MaxPerSecond:   10,
			LivenessFrames: 1,
			StopTimeoutMS:  2000,
		},
		Admission: Admission{
			CooldownSeconds:         5,
			PauseMS:                 3000,
			CredentialRejectPauseMS: 5000,
		},
		Wiegand: Wiegand{
			Enabled:           true,
			Chip:              "gpiochip0",
			D0Pin:             14,
			D1Pin:             15,
			InterBitTimeoutMS: 100,
			PollIntervalMS:    10,
		},
		Actuator: Actuator{
			Backend:     "gpio",
			Chip:        "gpiochip0",
			RelayPin:    17,
			GreenLEDPin: 27,
			RedLEDPin:   22,
			PulseMS:     3000,
		},
		Delivery: Delivery{
			Encoding:            "json",
			TimeoutSeconds:      10,
			RetryDelaySeconds:   30,
			PollIntervalSeconds: 30,
			BatchSize:           5,
			SendSpacingMS:       500,
			StopTimeoutMS:       5000,
			RetentionDays:       90,
			PruneIntervalHours:  6,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8090",
			GRPCAddr: "127.0.0.1:8091",
		},
		MQTT: MQTT{
			ClientID: "portunus-kiosk",
			Topic:    "portunus/kiosk/events",
			QoS:      1,
		},
		DeviceWatch: DeviceWatch{Enabled: true},
		Logging: Logging{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}
