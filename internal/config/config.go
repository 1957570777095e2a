package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Values come from config/default.yaml
// and can be overridden per-key by environment variables (env wins).
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Database struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Auth struct {
		Enabled         bool   `yaml:"enabled"`
		Secret          string `yaml:"secret"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`

	Vision struct {
		// Mode is "synthetic" (in-process deterministic engine) or "remote"
		// (NATS request-reply against the vision-service sidecar).
		Mode          string `yaml:"mode"`
		TimeoutMS     int    `yaml:"timeout_ms"`
		RequireRemote bool   `yaml:"require_remote"`
		ModelDir      string `yaml:"model_dir"`
	} `yaml:"vision"`

	Index struct {
		Dir       string `yaml:"dir"`
		Dimension int    `yaml:"dimension"`
	} `yaml:"index"`

	Images struct {
		Dir string `yaml:"dir"`
	} `yaml:"images"`

	Streams struct {
		MaxSimultaneous   int `yaml:"max_simultaneous"`
		MaxCamerasPerRoom int `yaml:"max_cameras_per_room"`
		ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
		MaxPendingTasks   int `yaml:"max_pending_tasks"`
	} `yaml:"streams"`

	Recognition Tunables `yaml:"recognition"`

	Presence struct {
		TimeoutSeconds     int `yaml:"timeout_seconds"`
		CleanupIntervalSec int `yaml:"cleanup_interval_sec"`
	} `yaml:"presence"`

	RateLimit struct {
		CheckinRate      int `yaml:"checkin_rate"`
		CheckinWindowSec int `yaml:"checkin_window_sec"`
	} `yaml:"rate_limit"`

	CameraURLKey string `yaml:"camera_url_key"`

	// path the config was loaded from; used by the watcher.
	path string
	mu   sync.RWMutex
	tun  Tunables
}

// Tunables is the recognition subsection. It is the hot-reloadable part of
// the config: the watcher re-reads the file and swaps only these values, so
// operators can tune matching behavior without restarting streams.
type Tunables struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	IntervalMS          int     `yaml:"interval_ms"`
	CooldownSeconds     int     `yaml:"cooldown_seconds"`
	FrameSkip           int     `yaml:"frame_skip"`
	MaxFacesPerFrame    int     `yaml:"max_faces_per_frame"`
	MinFaceSize         int     `yaml:"min_face_size"`
}

// Load reads the YAML file at path (missing file is fine, defaults apply),
// then layers environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.tun = cfg.Recognition
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Server.Addr = ":8000"
	c.Server.CORSOrigins = []string{"*"}

	c.Database.Host = "localhost"
	c.Database.Port = "5432"
	c.Database.User = "postgres"
	c.Database.Password = "postgres"
	c.Database.Name = "ev_presence"
	c.Database.SSLMode = "disable"

	c.Redis.Addr = "localhost:6379"
	c.NATS.URL = "nats://localhost:4222"

	c.Auth.Enabled = false
	c.Auth.Secret = "dev-secret-do-not-use-in-prod"
	c.Auth.TokenTTLMinutes = 720

	c.Vision.Mode = "synthetic"
	c.Vision.TimeoutMS = 2000
	c.Vision.ModelDir = "./models"

	c.Index.Dir = "./data/index"
	c.Index.Dimension = 512
	c.Images.Dir = "./images"

	c.Streams.MaxSimultaneous = 20
	c.Streams.MaxCamerasPerRoom = 10
	c.Streams.ConnectTimeoutSec = 30
	c.Streams.MaxPendingTasks = 50

	c.Recognition = Tunables{
		ConfidenceThreshold: 0.60,
		IntervalMS:          300,
		CooldownSeconds:     10,
		FrameSkip:           2,
		MaxFacesPerFrame:    10,
		MinFaceSize:         60,
	}

	c.Presence.TimeoutSeconds = 30
	c.Presence.CleanupIntervalSec = 10

	c.RateLimit.CheckinRate = 30
	c.RateLimit.CheckinWindowSec = 60
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("API_ADDR", c.Server.Addr)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Auth.Secret = getEnv("AUTH_SECRET", c.Auth.Secret)
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true" || v == "1"
	}
	c.Vision.Mode = getEnv("VISION_MODE", c.Vision.Mode)
	c.Vision.TimeoutMS = getEnvInt("VISION_TIMEOUT_MS", c.Vision.TimeoutMS)
	if v := os.Getenv("REQUIRE_REMOTE_ENGINE"); v != "" {
		c.Vision.RequireRemote = v == "true" || v == "1"
	}
	c.Vision.ModelDir = getEnv("VISION_MODEL_DIR", c.Vision.ModelDir)
	c.Index.Dir = getEnv("INDEX_DIR", c.Index.Dir)
	c.Index.Dimension = getEnvInt("EMBEDDING_DIMENSION", c.Index.Dimension)
	c.Images.Dir = getEnv("IMAGES_DIR", c.Images.Dir)
	c.CameraURLKey = getEnv("CAMERA_URL_KEY", c.CameraURLKey)

	c.Streams.MaxSimultaneous = getEnvInt("MAX_SIMULTANEOUS_STREAMS", c.Streams.MaxSimultaneous)
	c.Streams.MaxCamerasPerRoom = getEnvInt("MAX_CAMERAS_PER_ROOM", c.Streams.MaxCamerasPerRoom)
	c.Streams.ConnectTimeoutSec = getEnvInt("STREAM_CONNECT_TIMEOUT_SEC", c.Streams.ConnectTimeoutSec)
	c.Streams.MaxPendingTasks = getEnvInt("MAX_PENDING_TASKS", c.Streams.MaxPendingTasks)

	c.Recognition.ConfidenceThreshold = getEnvFloat("CONFIDENCE_THRESHOLD", c.Recognition.ConfidenceThreshold)
	c.Recognition.IntervalMS = getEnvInt("RECOGNITION_INTERVAL_MS", c.Recognition.IntervalMS)
	c.Recognition.CooldownSeconds = getEnvInt("COOLDOWN_SECONDS", c.Recognition.CooldownSeconds)
	c.Recognition.FrameSkip = getEnvInt("FRAME_SKIP", c.Recognition.FrameSkip)
	c.Recognition.MaxFacesPerFrame = getEnvInt("MAX_FACES_PER_FRAME", c.Recognition.MaxFacesPerFrame)
	c.Recognition.MinFaceSize = getEnvInt("MIN_FACE_SIZE", c.Recognition.MinFaceSize)

	c.Presence.TimeoutSeconds = getEnvInt("PRESENCE_TIMEOUT_SECONDS", c.Presence.TimeoutSeconds)
	c.Presence.CleanupIntervalSec = getEnvInt("PRESENCE_CLEANUP_INTERVAL", c.Presence.CleanupIntervalSec)
}

func (c *Config) validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", c.Index.Dimension)
	}
	if c.Recognition.FrameSkip < 1 {
		c.Recognition.FrameSkip = 1
	}
	if c.Streams.MaxPendingTasks < 1 {
		c.Streams.MaxPendingTasks = 1
	}
	if c.Vision.Mode != "synthetic" && c.Vision.Mode != "remote" {
		return fmt.Errorf("unknown vision mode %q", c.Vision.Mode)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.SSLMode)
}

// Snapshot returns the current recognition tunables. Safe for concurrent use;
// the dispatcher calls this on every frame.
func (c *Config) Snapshot() Tunables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tun
}

// Reload re-reads only the recognition section from the config file and swaps
// it in. Called by the watcher; a broken file keeps the previous values.
func (c *Config) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var raw struct {
		Recognition Tunables `yaml:"recognition"`
	}
	// Start from current values so a partial section only overrides what it names.
	raw.Recognition = c.Snapshot()
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Recognition.ConfidenceThreshold <= 0 || raw.Recognition.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold out of range: %v", raw.Recognition.ConfidenceThreshold)
	}
	if raw.Recognition.FrameSkip < 1 {
		raw.Recognition.FrameSkip = 1
	}

	c.mu.Lock()
	old := c.tun
	c.tun = raw.Recognition
	c.mu.Unlock()

	if old != raw.Recognition {
		log.Printf("[Config] Recognition tunables reloaded: threshold=%.2f interval=%dms cooldown=%ds skip=%d",
			raw.Recognition.ConfidenceThreshold, raw.Recognition.IntervalMS,
			raw.Recognition.CooldownSeconds, raw.Recognition.FrameSkip)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
