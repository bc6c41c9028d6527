package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete headcount configuration. Every section has working defaults,
// so an empty or missing file is valid.
type Config struct {
	Detector DetectorConfig `yaml:"detector"`
	Worker   WorkerConfig   `yaml:"worker"`
	Server   ServerConfig   `yaml:"server"`
	Preview  PreviewConfig  `yaml:"preview"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// DetectorConfig selects the model server and its inference parameters.
type DetectorConfig struct {
	Python     string  `yaml:"python"`
	Script     string  `yaml:"script"`
	Model      string  `yaml:"model"`
	Confidence float64 `yaml:"confidence"`
	Device     string  `yaml:"device"` // "", "cpu", "cuda", "mps", "0"...
}

// WorkerConfig controls the stdio worker and the client that drives it.
type WorkerConfig struct {
	Annotate       bool          `yaml:"annotate"`
	PreviewWidth   int           `yaml:"preview_width"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ServerConfig is the snapshot HTTP service.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// PreviewConfig is the local live preview for batch runs.
type PreviewConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig enables occupancy publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // "{court}" is replaced by the court id
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// DatabaseConfig enables PostgreSQL persistence when URL is set.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LogConfig selects logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Python:     "python3",
			Script:     "python/detector_server.py",
			Model:      "yolov8n.pt",
			Confidence: 0.3,
		},
		Worker: WorkerConfig{
			Annotate:       true,
			JPEGQuality:    80,
			RequestTimeout: 15 * time.Second,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 5 * 1024 * 1024,
		},
		Preview: PreviewConfig{Addr: "127.0.0.1:8090"},
		MQTT: MQTTConfig{
			ClientID: "headcount",
			Topic:    "courts/{court}/occupancy",
			QoS:      1,
			Retained: true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if url := DatabaseURLFromEnv(); url != "" {
		c.Database.URL = url
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
	if dev := os.Getenv("HEADCOUNT_DEVICE"); dev != "" {
		c.Detector.Device = dev
	}
}

// DatabaseURLFromEnv returns DATABASE_URL, or builds a connection string from the
// POSTGRES_* variables. It returns "" when neither is present.
func DatabaseURLFromEnv() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate checks ranges and enumerations.
func Validate(cfg *Config) error {
	if cfg.Detector.Confidence < 0 || cfg.Detector.Confidence > 1 {
		return fmt.Errorf("detector.confidence must be between 0.0 and 1.0")
	}
	if cfg.Detector.Model == "" {
		return fmt.Errorf("detector.model is required")
	}
	if cfg.Worker.PreviewWidth < 0 {
		return fmt.Errorf("worker.preview_width must be >= 0")
	}
	if cfg.Worker.JPEGQuality < 1 || cfg.Worker.JPEGQuality > 100 {
		return fmt.Errorf("worker.jpeg_quality must be between 1 and 100")
	}
	if cfg.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.request_timeout must be > 0")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if cfg.MQTT.Broker != "" && !strings.Contains(cfg.MQTT.Topic, "{court}") {
		return fmt.Errorf("mqtt.topic must contain {court}")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}
