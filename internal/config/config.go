package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when CONFIG_PATH is unset.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// StoreDriver is "postgres" or "memory".
	StoreDriver   string `yaml:"storeDriver"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// SessionStrategy is "redis", "jwt" or "memory".
	SessionStrategy   string `yaml:"sessionStrategy"`
	SessionTTL        string `yaml:"sessionTTL"`
	CookieSecure      bool   `yaml:"cookieSecure"`
	JWTPrivateKeyPath string `yaml:"jwtPrivateKeyPath"`
	JWTKeyID          string `yaml:"jwtKeyId"`
	JWTIssuer         string `yaml:"jwtIssuer"`
	JWTAudience       string `yaml:"jwtAudience"`

	SignupTTL      string `yaml:"signupTTL"`
	ResendInterval string `yaml:"resendInterval"`
	// CodeMode is "fixed" (always 123456) or "random".
	CodeMode string `yaml:"codeMode"`
	MinAge   int    `yaml:"minAge"`

	LLMProvider string `yaml:"llmProvider"`
	LLMBaseURL  string `yaml:"llmBaseURL"`
	LLMModel    string `yaml:"llmModel"`
	LLMAPIKey   string `yaml:"llmApiKey"`
	LLMTimeout  string `yaml:"llmTimeout"`
	// HistoryTurns is how many earlier turns accompany the new message.
	HistoryTurns int `yaml:"historyTurns"`

	// QueueBackend is "redis" or "local".
	QueueBackend     string `yaml:"queueBackend"`
	QueueStream      string `yaml:"queueStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`

	AuthRateLimitPerMinute int `yaml:"authRateLimitPerMinute"`
	ChatRateLimitPerMinute int `yaml:"chatRateLimitPerMinute"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxies     []string `yaml:"trustedProxies"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	ExportURLTTL   string `yaml:"exportURLTTL"`
}

// Durations holds the parsed duration settings with defaults applied.
type Durations struct {
	Session      time.Duration
	Signup       time.Duration
	Resend       time.Duration
	LLMTimeout   time.Duration
	ExportURLTTL time.Duration
}

// Load reads config from path (CONFIG_PATH, then config.yaml, when empty),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strOverrides := map[string]*string{
		"PORT":                 &cfg.Port,
		"LOG_LEVEL":            &cfg.LogLevel,
		"STORE_DRIVER":         &cfg.StoreDriver,
		"DATABASE_URL":         &cfg.DatabaseURL,
		"REDIS_ADDR":           &cfg.RedisAddr,
		"REDIS_PASSWORD":       &cfg.RedisPassword,
		"SESSION_STRATEGY":     &cfg.SessionStrategy,
		"JWT_PRIVATE_KEY_PATH": &cfg.JWTPrivateKeyPath,
		"LLM_PROVIDER":         &cfg.LLMProvider,
		"LLM_BASE_URL":         &cfg.LLMBaseURL,
		"LLM_MODEL":            &cfg.LLMModel,
		"LLM_API_KEY":          &cfg.LLMAPIKey,
		"MINIO_ENDPOINT":       &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":     &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":     &cfg.MinioSecretKey,
		"MINIO_BUCKET":         &cfg.MinioBucket,
	}
	for name, dst := range strOverrides {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	intOverrides := map[string]*int{
		"AUTH_RATE_LIMIT_PER_MINUTE": &cfg.AuthRateLimitPerMinute,
		"CHAT_RATE_LIMIT_PER_MINUTE": &cfg.ChatRateLimitPerMinute,
		"QUEUE_CONCURRENCY":          &cfg.QueueConcurrency,
		"CHAT_HISTORY_TURNS":         &cfg.HistoryTurns,
	}
	for name, dst := range intOverrides {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CookieSecure = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	setDefault := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	setDefault(&cfg.Port, "8080")
	setDefault(&cfg.LogLevel, "info")
	setDefault(&cfg.StoreDriver, "postgres")
	setDefault(&cfg.SessionStrategy, "redis")
	setDefault(&cfg.SignupTTL, "15m")
	setDefault(&cfg.ResendInterval, "60s")
	setDefault(&cfg.CodeMode, "fixed")
	setDefault(&cfg.LLMProvider, "mock")
	setDefault(&cfg.QueueBackend, "redis")
	setDefault(&cfg.QueueStream, "navid:jobs")
	setDefault(&cfg.QueueGroup, "title-workers")
	setDefault(&cfg.JWTIssuer, "navid-ai")
	setDefault(&cfg.JWTAudience, "navid-api")
	if cfg.MinAge == 0 {
		cfg.MinAge = 18
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.StoreDriver {
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres store (set DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	needRedis := false
	switch cfg.SessionStrategy {
	case "redis":
		needRedis = true
	case "jwt":
		needRedis = true
		if cfg.JWTPrivateKeyPath == "" {
			return errors.New("config: jwtPrivateKeyPath is required for jwt sessions (set JWT_PRIVATE_KEY_PATH)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown sessionStrategy %q", cfg.SessionStrategy)
	}
	switch cfg.QueueBackend {
	case "redis":
		needRedis = true
	case "local":
	default:
		return fmt.Errorf("config: unknown queueBackend %q", cfg.QueueBackend)
	}
	if needRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for redis sessions, jwt revocation or the redis queue")
	}
	if cfg.CodeMode != "fixed" && cfg.CodeMode != "random" {
		return fmt.Errorf("config: unknown codeMode %q", cfg.CodeMode)
	}
	if cfg.MinAge < 0 || cfg.HistoryTurns < 0 || cfg.QueueConcurrency < 0 {
		return errors.New("config: minAge, historyTurns and queueConcurrency must be >= 0")
	}
	if cfg.AuthRateLimitPerMinute < 0 || cfg.ChatRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if _, err := cfg.Durations(); err != nil {
		return err
	}
	return nil
}

// Durations parses every duration field, falling back to defaults for
// empty values.
func (c FileConfig) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"sessionTTL", c.SessionTTL, 7 * 24 * time.Hour, &d.Session},
		{"signupTTL", c.SignupTTL, 15 * time.Minute, &d.Signup},
		{"resendInterval", c.ResendInterval, 60 * time.Second, &d.Resend},
		{"llmTimeout", c.LLMTimeout, 60 * time.Second, &d.LLMTimeout},
		{"exportURLTTL", c.ExportURLTTL, 15 * time.Minute, &d.ExportURLTTL},
	}
	for _, f := range fields {
		v, err := parseDuration(f.name, f.raw, f.def)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}
	return d, nil
}

func parseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be positive", name)
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
