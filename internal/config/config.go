package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

// DefaultDatabaseURL is used when neither DATABASE_URL nor POSTGRES_HOST is set.
const DefaultDatabaseURL = "sqlite://./bioface.db"

type Config struct {
	Database  DatabaseConfig
	Log       LogConfig
	Tracking  TrackingConfig
	Retention RetentionConfig
	HTTP      HTTPConfig
	MQTT      MQTTConfig
	Policy    Policy
}

type DatabaseConfig struct {
	URL string // sqlite://path, postgres://..., or memory://
}

type LogConfig struct {
	Level string // debug, info, warn, error
}

type TrackingConfig struct {
	FrameSkip     int           // process every Nth frame (default 2)
	MaxIdleFrames int           // frames a subject may go unseen before its session ends
	RefreshEvery  int           // frames between corpus snapshot refreshes
	WriteTimeout  time.Duration // bound on write-back calls from the frame loop
}

type RetentionConfig struct {
	Days int // events older than this are purged by cleanup (default 30)
}

type HTTPConfig struct {
	Addr string
}

type MQTTConfig struct {
	Broker      string // empty disables MQTT
	TopicPrefix string
}

// Policy is the content of policy.yaml.
type Policy struct {
	Resolver   match.Policy     `yaml:"resolver"`
	Stabilizer StabilizerPolicy `yaml:"stabilizer"`
}

type StabilizerPolicy struct {
	Identity WindowPolicy `yaml:"identity"`
	Emotion  WindowPolicy `yaml:"emotion"`
}

type WindowPolicy struct {
	WindowSize    int     `yaml:"window_size"`
	Consensus     int     `yaml:"consensus"`
	MinConfidence float64 `yaml:"min_confidence"`
}

func (w WindowPolicy) validate(name string) error {
	if w.WindowSize < 1 {
		return fmt.Errorf("%s.window_size must be >= 1, got %d", name, w.WindowSize)
	}
	if w.Consensus < 1 || w.Consensus > w.WindowSize {
		return fmt.Errorf("%s.consensus must be in [1, window_size], got %d", name, w.Consensus)
	}
	return nil
}

// Validate checks the resolver and both stabilizer sections.
func (p Policy) Validate() error {
	if err := p.Resolver.Validate(); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := p.Stabilizer.Identity.validate("stabilizer.identity"); err != nil {
		return err
	}
	return p.Stabilizer.Emotion.validate("stabilizer.emotion")
}

// DefaultPolicy decodes the embedded policy.yaml.
func DefaultPolicy() Policy {
	var p Policy
	if err := yaml.Unmarshal(policyYAML, &p); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded policy.yaml: " + err.Error())
	}
	return p
}

// LoadPolicyFile overlays the YAML file at path onto base.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("parse %s: %w", path, err)
	}
	return base, base.Validate()
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// databaseURL prefers DATABASE_URL, then builds a PostgreSQL URL from POSTGRES_*.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := envString("POSTGRES_PORT", "5432")
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return DefaultDatabaseURL
}

// Load reads the environment. Call godotenv first if a .env file should apply.
func Load() *Config {
	p := DefaultPolicy()
	p.Resolver.IncludeThreshold = envFloat("RECOGNITION_DISTANCE_THRESHOLD", p.Resolver.IncludeThreshold)
	p.Stabilizer.Emotion.MinConfidence = envFloat("EMOTION_CONFIDENCE_THRESHOLD", p.Stabilizer.Emotion.MinConfidence)

	return &Config{
		Database: DatabaseConfig{URL: databaseURL()},
		Log:      LogConfig{Level: envString("LOG_LEVEL", "info")},
		Tracking: TrackingConfig{
			FrameSkip:     envInt("FRAME_SKIP", 2),
			MaxIdleFrames: envInt("TRACK_MAX_IDLE_FRAMES", 30),
			RefreshEvery:  envInt("CORPUS_REFRESH_FRAMES", 50),
			WriteTimeout:  envDuration("WRITE_TIMEOUT", 250*time.Millisecond),
		},
		Retention: RetentionConfig{Days: envInt("DATA_RETENTION_DAYS", 30)},
		HTTP:      HTTPConfig{Addr: envString("HTTP_ADDR", ":8080")},
		MQTT: MQTTConfig{
			Broker:      os.Getenv("MQTT_BROKER"),
			TopicPrefix: strings.TrimSuffix(envString("MQTT_TOPIC_PREFIX", "bioface"), "/"),
		},
		Policy: p,
	}
}

// ParseLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
