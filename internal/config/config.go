package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/auth"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/telegram"
)

// Config is the process configuration read from the environment
type Config struct {
	Host string
	Port int

	DBPath           string
	ModelsDir        string
	DetectorEndpoint string
	UploadDir        string
	SimulationDir    string
	// ThresholdsFile is an optional JSON file of analytics overrides
	ThresholdsFile string

	FFmpegPath string
	YTDLPPath  string

	MaxStreams          int
	MemoryCeilingGB     float64
	TemperatureCeilingC float64

	StreamFPS   int
	StreamWidth int
	JPEGQuality int

	Auth     auth.Config
	Telegram telegram.Config
	Debug    bool
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8000,
		DBPath:              "trafficmon.db",
		ModelsDir:           "models",
		DetectorEndpoint:    "grpc://localhost:50051",
		UploadDir:           "uploads",
		SimulationDir:       "simulations",
		FFmpegPath:          "ffmpeg",
		YTDLPPath:           "yt-dlp",
		MaxStreams:          6,
		MemoryCeilingGB:     14,
		TemperatureCeilingC: 85,
		StreamFPS:           24,
		StreamWidth:         1280,
		JPEGQuality:         85,
		Auth: auth.Config{
			Username:  "admin",
			JWTExpiry: auth.DefaultExpiry,
		},
		Telegram: telegram.DefaultConfig(),
	}
}

// Load reads the configuration from the process environment
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration through lookup, starting from Default
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	e := env{lookup: lookup}

	e.strVar("TRAFFICMON_HOST", &cfg.Host)
	e.intVar("TRAFFICMON_PORT", &cfg.Port)
	e.strVar("TRAFFICMON_DB_PATH", &cfg.DBPath)
	e.strVar("TRAFFICMON_MODELS_DIR", &cfg.ModelsDir)
	e.strVar("TRAFFICMON_DETECTOR", &cfg.DetectorEndpoint)
	e.strVar("TRAFFICMON_UPLOAD_DIR", &cfg.UploadDir)
	e.strVar("TRAFFICMON_SIMULATION_DIR", &cfg.SimulationDir)
	e.strVar("TRAFFICMON_THRESHOLDS", &cfg.ThresholdsFile)
	e.strVar("TRAFFICMON_FFMPEG", &cfg.FFmpegPath)
	e.strVar("TRAFFICMON_YTDLP", &cfg.YTDLPPath)
	e.intVar("TRAFFICMON_MAX_STREAMS", &cfg.MaxStreams)
	e.floatVar("TRAFFICMON_MEMORY_CEILING_GB", &cfg.MemoryCeilingGB)
	e.floatVar("TRAFFICMON_TEMP_CEILING_C", &cfg.TemperatureCeilingC)
	e.intVar("TRAFFICMON_STREAM_FPS", &cfg.StreamFPS)
	e.intVar("TRAFFICMON_STREAM_WIDTH", &cfg.StreamWidth)
	e.intVar("TRAFFICMON_JPEG_QUALITY", &cfg.JPEGQuality)
	e.boolVar("TRAFFICMON_DEBUG", &cfg.Debug)

	e.boolVar("AUTH_ENABLED", &cfg.Auth.Enabled)
	e.strVar("AUTH_USERNAME", &cfg.Auth.Username)
	e.strVar("AUTH_PASSWORD", &cfg.Auth.Password)
	e.strVar("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.durationVar("JWT_EXPIRY", &cfg.Auth.JWTExpiry)

	e.boolVar("TELEGRAM_ENABLED", &cfg.Telegram.Enabled)
	e.strVar("TELEGRAM_BOT_TOKEN", &cfg.Telegram.BotToken)
	e.strVar("TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	e.durationVar("TELEGRAM_COOLDOWN", &cfg.Telegram.Cooldown)
	severity := string(cfg.Telegram.MinSeverity)
	e.strVar("TELEGRAM_MIN_SEVERITY", &severity)
	cfg.Telegram.MinSeverity = analytics.Severity(strings.ToUpper(severity))

	if err := errors.Join(e.errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxStreams < 1 {
		return fmt.Errorf("max streams must be at least 1, got %d", c.MaxStreams)
	}
	if c.StreamFPS < 1 || c.StreamFPS > 60 {
		return fmt.Errorf("stream fps must be between 1 and 60, got %d", c.StreamFPS)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.StreamWidth < 0 {
		return fmt.Errorf("stream width must not be negative, got %d", c.StreamWidth)
	}
	if c.DetectorEndpoint == "" {
		return errors.New("detector endpoint is required")
	}
	return telegram.ValidateConfig(c.Telegram)
}

// Addr returns the listen address
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ManagerConfig builds the session manager limits
func (c Config) ManagerConfig() pipeline.ManagerConfig {
	mc := pipeline.DefaultManagerConfig()
	mc.MaxStreams = c.MaxStreams
	mc.MemoryCeilingGB = c.MemoryCeilingGB
	mc.TemperatureCeilingC = c.TemperatureCeilingC
	mc.Session.StreamWidth = c.StreamWidth
	mc.Session.JPEGQuality = c.JPEGQuality
	return mc
}

// env collects parse errors while reading variables
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) strVar(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *env) intVar(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *env) floatVar(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *env) boolVar(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *env) durationVar(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
