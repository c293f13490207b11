package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/contract-tables/constants"
)

// Config holds all application configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Backends []string       `yaml:"backends"`
	DocAI    DocAIConfig    `yaml:"docai"`
	OCR      OCRConfig      `yaml:"ocr"`
	LLM      LLMConfig      `yaml:"llm"`
	Redis    RedisConfig    `yaml:"redis"`
	Export   ExportConfig   `yaml:"export"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Count          int           `yaml:"count"`
	ItemDelay      time.Duration `yaml:"item_delay"`
	Budget         int           `yaml:"budget"` // 0 = unlimited
	MaxAttempts    int           `yaml:"max_attempts"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	IncludeFailed  bool          `yaml:"include_failed"`
}

// FetchConfig holds source download configuration
type FetchConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DocAIConfig holds document layout API configuration
type DocAIConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxPages    int           `yaml:"max_pages"`
	UseStorage  bool          `yaml:"use_storage"` // prefer gs:// references when present
	Qpdf        string        `yaml:"qpdf"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Pdftoppm    string `yaml:"pdftoppm"`
	DPI         int    `yaml:"dpi"`
	Language    string `yaml:"language"`
	TessdataDir string `yaml:"tessdata_dir"`
	MaxPages    int    `yaml:"max_pages"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// RedisConfig enables the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

// ExportConfig holds bulk export configuration
type ExportConfig struct {
	Dir   string      `yaml:"dir"`
	Minio MinioConfig `yaml:"minio"`
}

// MinioConfig enables artifact upload when Endpoint is set.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			DSN:             "data/contracts.db",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Worker: WorkerConfig{
			Count:          10,
			ItemDelay:      400 * time.Millisecond,
			MaxAttempts:    3,
			ProcessTimeout: 5 * time.Minute,
		},
		Fetch: FetchConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Backends: []string{constants.BackendDocAI},
		DocAI: DocAIConfig{
			Timeout:    120 * time.Second,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			MaxPages:   30,
			Qpdf:       "qpdf",
		},
		OCR: OCRConfig{
			Pdftoppm: "pdftoppm",
			DPI:      300,
			Language: "por",
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			Timeout:    120 * time.Second,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		Redis: RedisConfig{
			Key:    "contract-tables:backend",
			Limit:  120,
			Window: time.Minute,
		},
		Export: ExportConfig{Dir: "samples"},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// LoadConfig loads .env (if present), then the YAML file named by CONFIG_FILE
// (if set), then applies environment variable overrides.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, NewAppError(CodeConfig, "load .env", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewAppError(CodeConfig, fmt.Sprintf("read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return NewAppError(CodeConfig, fmt.Sprintf("parse config file %s", path), err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Worker.Count = getEnvAsInt("WORKERS", c.Worker.Count)
	c.Worker.ItemDelay = getEnvAsDuration("WORKER_ITEM_DELAY", c.Worker.ItemDelay)
	c.Worker.Budget = getEnvAsInt("WORKER_BUDGET", c.Worker.Budget)
	c.Worker.MaxAttempts = getEnvAsInt("WORKER_MAX_ATTEMPTS", c.Worker.MaxAttempts)
	c.Worker.ProcessTimeout = getEnvAsDuration("WORKER_PROCESS_TIMEOUT", c.Worker.ProcessTimeout)
	c.Worker.IncludeFailed = getEnvAsBool("WORKER_INCLUDE_FAILED", c.Worker.IncludeFailed)

	c.Fetch.Timeout = getEnvAsDuration("FETCH_TIMEOUT", c.Fetch.Timeout)
	c.Fetch.MaxRetries = getEnvAsInt("FETCH_MAX_RETRIES", c.Fetch.MaxRetries)
	c.Fetch.RetryDelay = getEnvAsDuration("FETCH_RETRY_DELAY", c.Fetch.RetryDelay)

	c.Backends = getEnvAsList("BACKENDS", c.Backends)

	c.DocAI.Endpoint = getEnv("DOCAI_ENDPOINT", c.DocAI.Endpoint)
	c.DocAI.AccessToken = getEnv("DOCAI_ACCESS_TOKEN", c.DocAI.AccessToken)
	c.DocAI.Timeout = getEnvAsDuration("DOCAI_TIMEOUT", c.DocAI.Timeout)
	c.DocAI.MaxRetries = getEnvAsInt("DOCAI_MAX_RETRIES", c.DocAI.MaxRetries)
	c.DocAI.RetryDelay = getEnvAsDuration("DOCAI_RETRY_DELAY", c.DocAI.RetryDelay)
	c.DocAI.MaxPages = getEnvAsInt("DOCAI_MAX_PAGES", c.DocAI.MaxPages)
	c.DocAI.UseStorage = getEnvAsBool("DOCAI_USE_STORAGE", c.DocAI.UseStorage)
	c.DocAI.Qpdf = getEnv("QPDF", c.DocAI.Qpdf)

	c.OCR.Pdftoppm = getEnv("PDFTOPPM", c.OCR.Pdftoppm)
	c.OCR.DPI = getEnvAsInt("OCR_DPI", c.OCR.DPI)
	c.OCR.Language = getEnv("OCR_LANGUAGE", c.OCR.Language)
	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.MaxPages = getEnvAsInt("OCR_MAX_PAGES", c.OCR.MaxPages)

	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("OPENAI_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout = getEnvAsDuration("OPENAI_TIMEOUT", c.LLM.Timeout)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.Limit = getEnvAsInt("RATE_LIMIT", c.Redis.Limit)
	c.Redis.Window = getEnvAsDuration("RATE_WINDOW", c.Redis.Window)

	c.Export.Dir = getEnv("EXPORT_DIR", c.Export.Dir)
	c.Export.Minio.Endpoint = getEnv("MINIO_ENDPOINT", c.Export.Minio.Endpoint)
	c.Export.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", c.Export.Minio.AccessKey)
	c.Export.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", c.Export.Minio.SecretKey)
	c.Export.Minio.Bucket = getEnv("MINIO_BUCKET", c.Export.Minio.Bucket)
	c.Export.Minio.UseSSL = getEnvAsBool("MINIO_USE_SSL", c.Export.Minio.UseSSL)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("database.dsn", c.Database.DSN, Required)
	v.Field("worker.count", c.Worker.Count, Positive)
	v.Field("worker.max_attempts", c.Worker.MaxAttempts, Positive)
	if v.HasErrors() {
		return NewAppError(CodeConfig, v.ErrorMessage(), ErrInvalidInput)
	}
	if len(c.Backends) == 0 {
		return NewAppError(CodeConfig, "at least one backend is required", ErrInvalidInput)
	}
	for _, b := range c.Backends {
		if _, ok := constants.KnownBackends[b]; !ok {
			return NewAppError(CodeConfig, fmt.Sprintf("unknown backend %q", b), ErrInvalidInput)
		}
		switch b {
		case constants.BackendDocAI:
			if c.DocAI.Endpoint == "" {
				return NewAppError(CodeConfig, "DOCAI_ENDPOINT is required for the docai backend", ErrInvalidInput)
			}
		case constants.BackendLLM:
			if c.LLM.APIKey == "" {
				return NewAppError(CodeConfig, "OPENAI_API_KEY is required for the llm backend", ErrInvalidInput)
			}
			if c.DocAI.Endpoint == "" {
				return NewAppError(CodeConfig, "the llm backend re-parses docai output; DOCAI_ENDPOINT is required", ErrInvalidInput)
			}
		}
	}
	return nil
}
