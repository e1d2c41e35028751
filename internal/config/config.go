package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

type Limits struct {
	RunTimeout    time.Duration `env:"RUN_TIMEOUT" env-default:"5s" env-description:"wall-clock deadline of the run stage"`
	BuildTimeout  time.Duration `env:"BUILD_TIMEOUT" env-default:"10s"`
	MaxOutputSize int64         `env:"MAX_OUTPUT_SIZE" env-default:"1048576" env-description:"bytes per output stream"`
	MemoryLimit   int64         `env:"MEMORY_LIMIT" env-default:"268435456"`
	MaxFileSize   int64         `env:"MAX_FILE_SIZE" env-default:"67108864"`
}

type Sandbox struct {
	Kind              string `env:"SANDBOX" env-default:"host" env-description:"host, container, isolate or docker"`
	ContainerPoolSize int    `env:"CONTAINER_POOL_SIZE" env-default:"0"`
	IsolateBoxes      int    `env:"ISOLATE_BOXES" env-default:"0"`
	IsolatePath       string `env:"ISOLATE_PATH" env-default:"isolate"`
	DockerImageC      string `env:"DOCKER_IMAGE_C" env-default:"gcc:13"`
	DockerImageCPP    string `env:"DOCKER_IMAGE_CPP" env-default:"gcc:13"`
	DockerImageJava   string `env:"DOCKER_IMAGE_JAVA" env-default:"eclipse-temurin:21"`
	DockerImagePython string `env:"DOCKER_IMAGE_PYTHON" env-default:"python:3.12-slim"`
}

type HTTP struct {
	Port            int     `env:"PORT" env-default:"8000"`
	RateLimitRPS    float64 `env:"RATE_LIMIT_RPS" env-default:"10"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST" env-default:"20"`
	MaxRequestBytes int64   `env:"MAX_REQUEST_BYTES" env-default:"1048576"`
	CORSOrigins     string  `env:"CORS_ALLOWED_ORIGINS" env-default:"http://localhost:3000,*.vercel.app"`
}

type RabbitMQ struct {
	Host          string `env:"RABBIT_HOST"`
	Port          int    `env:"RABBIT_PORT" env-default:"5672"`
	User          string `env:"RABBIT_USER" env-default:"guest"`
	Password      string `env:"RABBIT_PASSWORD" env-default:"guest"`
	RequestQueue  string `env:"RABBIT_REQUEST_QUEUE" env-default:"exec-req"`
	ResponseQueue string `env:"RABBIT_RESPONSE_QUEUE" env-default:"exec-resp"`
}

type SQS struct {
	RequestQueueURL  string `env:"SQS_REQUEST_QUEUE_URL"`
	ResponseQueueURL string `env:"SQS_RESPONSE_QUEUE_URL"`
	Region           string `env:"AWS_REGION" env-default:"eu-central-1"`
}

type NATS struct {
	URL     string `env:"NATS_URL"`
	Subject string `env:"NATS_SUBJECT" env-default:"rankode.jobs"`
}

type MinIO struct {
	Host     string `env:"MINIO_HOST"`
	Login    string `env:"MINIO_LOGIN"`
	Password string `env:"MINIO_PASSWORD"`
	Bucket   string `env:"MINIO_BUCKET" env-default:"inputs"`
	Secure   bool   `env:"MINIO_SECURE" env-default:"false"`
}

type Config struct {
	LogLevel       string        `env:"LOG_LEVEL" env-default:"warn"`
	LogFormat      string        `env:"LOG_FORMAT" env-default:"text"`
	WorkspaceDir   string        `env:"WORKSPACE_DIR"`
	CleanupGrace   time.Duration `env:"CLEANUP_GRACE" env-default:"2s"`
	SweepOlderThan time.Duration `env:"SWEEP_OLDER_THAN" env-default:"10m"`
	WorkersCount   int           `env:"WORKERS_COUNT" env-default:"0"`
	QueueSize      int           `env:"QUEUE_SIZE" env-default:"0"`
	MaxInputSize   int64         `env:"MAX_INPUT_SIZE" env-default:"8388608"`
	ToolchainsFile string        `env:"TOOLCHAINS_FILE"`

	Limits   Limits
	Sandbox  Sandbox
	HTTP     HTTP
	RabbitMQ RabbitMQ
	SQS      SQS
	NATS     NATS
	MinIO    MinIO
}

var sandboxKinds = []string{"host", "container", "isolate", "docker"}

// NewConfig reads .env when it exists and the process environment otherwise.
func NewConfig() (*Config, error) {
	return newConfig(".env")
}

func newConfig(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fill() error {
	if c.WorkersCount <= 0 {
		c.WorkersCount = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4 * c.WorkersCount
	}
	if c.Sandbox.ContainerPoolSize <= 0 {
		c.Sandbox.ContainerPoolSize = c.WorkersCount
	}
	if c.Sandbox.IsolateBoxes <= 0 {
		c.Sandbox.IsolateBoxes = c.WorkersCount
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Join(os.TempDir(), "rankode-exec")
	}

	valid := false
	for _, k := range sandboxKinds {
		if c.Sandbox.Kind == k {
			valid = true
		}
	}
	if !valid {
		return errors.Errorf("unknown sandbox %q, expected one of %s", c.Sandbox.Kind, strings.Join(sandboxKinds, ", "))
	}
	if c.Limits.RunTimeout <= 0 || c.Limits.BuildTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Limits.MaxOutputSize <= 0 {
		return errors.New("MAX_OUTPUT_SIZE must be positive")
	}
	return nil
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS into trimmed, non-empty entries.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.HTTP.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
