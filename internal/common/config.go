package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Uploads     UploadConfig    `toml:"uploads"`
	Queue       QueueConfig     `toml:"queue"`
	Cache       CacheConfig     `toml:"cache"`
	Jobs        JobsConfig      `toml:"jobs"`
	Worker      WorkerConfig    `toml:"worker"`
	Engine      EngineConfig    `toml:"engine"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Janitor     JanitorConfig   `toml:"janitor"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StorageConfig configures the Badger backing shared by the job registry,
// the work queue, and the result cache.
type StorageConfig struct {
	Path           string `toml:"path"`             // database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // delete database on startup for clean test runs
}

type UploadConfig struct {
	Dir             string   `toml:"dir"`               // blob store root
	MaxFileSizeMB   int      `toml:"max_file_size_mb"`  // submission cap
	BodyReadTimeout string   `toml:"body_read_timeout"` // e.g., "5m"
	HardMaxAge      string   `toml:"hard_max_age"`      // forced blob cleanup regardless of job state
	AllowedTypes    []string `toml:"allowed_types"`     // declared media types accepted for upload
}

type QueueConfig struct {
	Name              string `toml:"name"`               // queue name prefix in Badger
	PollInterval      string `toml:"poll_interval"`      // e.g., "250ms" - how often workers poll for messages
	ReserveTimeout    string `toml:"reserve_timeout"`    // how long a reserve call blocks when the queue is empty
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
}

type CacheConfig struct {
	TTLSeconds int `toml:"ttl_seconds"` // result cache entry lifetime
}

type JobsConfig struct {
	RetentionSeconds int `toml:"retention_seconds"` // registry retention past finished_at
	RetryLimit       int `toml:"retry_limit"`       // attempts before a job is marked Failed
}

type WorkerConfig struct {
	Concurrency       int    `toml:"concurrency"`         // execution slots per process
	JobsBeforeRestart int    `toml:"jobs_before_restart"` // slot self-recycle threshold
	TranscribeTimeout string `toml:"transcribe_timeout"`  // hard ceiling per job
	CancelPoll        string `toml:"cancel_poll"`         // registry poll interval for cancellation tombstones
	HeartbeatMaxAge   string `toml:"heartbeat_max_age"`   // staleness bound used by health checks
}

// EngineConfig describes the transcription engine instantiated at worker
// pool start. Type "command" shells out to an external transcriber binary;
// "mock" returns a canned transcript for tests and smoke runs.
type EngineConfig struct {
	Type      string `toml:"type"`      // "command" or "mock"
	Model     string `toml:"model"`     // tiny, base, small, medium, large-v3
	Device    string `toml:"device"`    // cpu or cuda
	Precision string `toml:"precision"` // int8, float16, float32
	Command   string `toml:"command"`   // transcriber binary for type="command"
}

type RateLimitConfig struct {
	SubmitPerMin int `toml:"submit_per_min"` // submission token refill rate per caller
	PollPerMin   int `toml:"poll_per_min"`   // polling token refill rate per caller
}

type JanitorConfig struct {
	BlobSweepInterval   string `toml:"blob_sweep_interval"`
	ReaperInterval      string `toml:"reaper_interval"`
	DepthSampleInterval string `toml:"depth_sample_interval"`
	OrphanSweepInterval string `toml:"orphan_sweep_interval"` // how often Processing jobs are checked for dead claimers
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in scriba.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Path: "./data",
		},
		Uploads: UploadConfig{
			Dir:             "./data/uploads",
			MaxFileSizeMB:   100,
			BodyReadTimeout: "5m",
			HardMaxAge:      "24h",
			AllowedTypes: []string{
				"audio/mpeg", "audio/mp3", "audio/wav", "audio/x-wav",
				"audio/wave", "audio/mp4", "audio/m4a", "audio/x-m4a",
				"audio/flac", "audio/x-flac", "audio/ogg", "audio/webm",
				"video/webm",
			},
		},
		Queue: QueueConfig{
			Name:              "scriba_jobs",
			PollInterval:      "250ms",
			ReserveTimeout:    "5s",
			VisibilityTimeout: "5m",
		},
		Cache: CacheConfig{
			TTLSeconds: 3600,
		},
		Jobs: JobsConfig{
			RetentionSeconds: 86400,
			RetryLimit:       3,
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			JobsBeforeRestart: 50,
			TranscribeTimeout: "10m",
			CancelPoll:        "2s",
			HeartbeatMaxAge:   "90s",
		},
		Engine: EngineConfig{
			Type:      "command",
			Model:     "base",
			Device:    "cpu",
			Precision: "int8",
			Command:   "whisper-transcribe",
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin: 10,
			PollPerMin:   60,
		},
		Janitor: JanitorConfig{
			BlobSweepInterval:   "10m",
			ReaperInterval:      "15m",
			DepthSampleInterval: "30s",
			OrphanSweepInterval: "1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// The plain-named variables are the deployment contract shared with the
// container images; SCRIBA_* variants cover the remaining settings.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCRIBA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SCRIBA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SCRIBA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("QUEUE_BACKEND_URL"); path != "" {
		config.Storage.Path = path
	}
	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		config.Uploads.Dir = dir
	}
	if mb := os.Getenv("MAX_FILE_SIZE_MB"); mb != "" {
		if v, err := strconv.Atoi(mb); err == nil && v > 0 {
			config.Uploads.MaxFileSizeMB = v
		}
	}
	if ttl := os.Getenv("CACHE_TTL_SECONDS"); ttl != "" {
		if v, err := strconv.Atoi(ttl); err == nil && v > 0 {
			config.Cache.TTLSeconds = v
		}
	}
	if retention := os.Getenv("JOB_RETENTION_SECONDS"); retention != "" {
		if v, err := strconv.Atoi(retention); err == nil && v > 0 {
			config.Jobs.RetentionSeconds = v
		}
	}
	if concurrency := os.Getenv("WORKER_CONCURRENCY"); concurrency != "" {
		if v, err := strconv.Atoi(concurrency); err == nil && v >= 0 {
			config.Worker.Concurrency = v
		}
	}
	if recycle := os.Getenv("WORKER_JOBS_BEFORE_RESTART"); recycle != "" {
		if v, err := strconv.Atoi(recycle); err == nil && v > 0 {
			config.Worker.JobsBeforeRestart = v
		}
	}
	if timeout := os.Getenv("TRANSCRIBE_TIMEOUT_SECONDS"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil && v > 0 {
			config.Worker.TranscribeTimeout = fmt.Sprintf("%ds", v)
		}
	}
	if r := os.Getenv("SUBMIT_RATE_PER_MIN"); r != "" {
		if v, err := strconv.Atoi(r); err == nil && v > 0 {
			config.RateLimit.SubmitPerMin = v
		}
	}
	if r := os.Getenv("POLL_RATE_PER_MIN"); r != "" {
		if v, err := strconv.Atoi(r); err == nil && v > 0 {
			config.RateLimit.PollPerMin = v
		}
	}

	if model := os.Getenv("MODEL_SIZE"); model != "" {
		config.Engine.Model = model
	}
	if device := os.Getenv("DEVICE"); device != "" {
		config.Engine.Device = device
	}
	if precision := os.Getenv("COMPUTE_TYPE"); precision != "" {
		config.Engine.Precision = precision
	}

	if level := os.Getenv("SCRIBA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SCRIBA_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// MaxFileSizeBytes returns the submission cap in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Uploads.MaxFileSizeMB) * 1024 * 1024
}

// CacheTTL returns the result cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// JobRetention returns the registry retention window past finished_at.
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.Jobs.RetentionSeconds) * time.Second
}

// Duration parses a duration config value, falling back to def when the
// value is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
