package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Worker   *workerConfig
	Queue    *queueConfig
	Sweeper  *sweeperConfig
	Cancel   *cancelConfig
	Datasets *datasetConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"paramopt"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address         string   `envconfig:"PARAMOPT_ADDRESS" default:":3443"`
	MetricsAddress  string   `envconfig:"PARAMOPT_METRICS_ADDRESS" default:":8080"`
	BaseUrl         string   `envconfig:"PARAMOPT_BASE_URL" default:"http://localhost:3443"`
	LogLevel        string   `envconfig:"PARAMOPT_LOG_LEVEL" default:"info"`
	MigrationFolder string   `envconfig:"PARAMOPT_MIGRATIONS_FOLDER" default:""`
	PresetsFile     string   `envconfig:"PARAMOPT_PRESETS_FILE" default:""`
	AllowedOrigins  []string `envconfig:"PARAMOPT_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	// PathPrefix is stripped from incoming paths when a gateway mounts the api under it.
	PathPrefix string `envconfig:"PARAMOPT_PATH_PREFIX" default:""`
	Kafka      kafkaConfig
}

type kafkaConfig struct {
	Brokers  []string `envconfig:"PARAMOPT_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"PARAMOPT_KAFKA_TOPIC" default:""`
	Version  string   `envconfig:"PARAMOPT_KAFKA_VERSION" default:""`
	ClientID string   `envconfig:"PARAMOPT_KAFKA_CLIENT_ID" default:"paramopt"`
}

type workerConfig struct {
	// Processes is the number of worker OS processes the supervisor keeps alive.
	Processes int `envconfig:"PARAMOPT_WORKER_PROCESSES" default:"1"`
	// ReservedCores are left to the host when sizing the parallel evaluation pool.
	ReservedCores           int           `envconfig:"PARAMOPT_WORKER_RESERVED_CORES" default:"1"`
	JobTimeout              time.Duration `envconfig:"PARAMOPT_WORKER_JOB_TIMEOUT" default:"24h"`
	HeartbeatInterval       time.Duration `envconfig:"PARAMOPT_WORKER_HEARTBEAT_INTERVAL" default:"10s"`
	ValidationTopN          int           `envconfig:"PARAMOPT_WORKER_VALIDATION_TOP_N" default:"3"`
	MaxGridSize             int           `envconfig:"PARAMOPT_MAX_GRID" default:"250000"`
	SurrogateInitialSamples int           `envconfig:"PARAMOPT_SURROGATE_INITIAL_SAMPLES" default:"8"`
	ProgressWritesPerSecond float64       `envconfig:"PARAMOPT_PROGRESS_WRITES_PER_SECOND" default:"4"`
	RetryAttempts           int           `envconfig:"PARAMOPT_RETRY_ATTEMPTS" default:"5"`
	RetryInitialInterval    time.Duration `envconfig:"PARAMOPT_RETRY_INITIAL_INTERVAL" default:"200ms"`
	Executable              string        `envconfig:"PARAMOPT_WORKER_EXECUTABLE" default:""`
}

type queueConfig struct {
	Name        string `envconfig:"PARAMOPT_QUEUE_NAME" default:"optimization"`
	MaxAttempts int    `envconfig:"PARAMOPT_QUEUE_MAX_ATTEMPTS" default:"1"`
}

type sweeperConfig struct {
	Enabled    bool          `envconfig:"PARAMOPT_SWEEPER_ENABLED" default:"true"`
	Schedule   string        `envconfig:"PARAMOPT_SWEEPER_SCHEDULE" default:"@every 1m"`
	StaleAfter time.Duration `envconfig:"PARAMOPT_SWEEPER_STALE_AFTER" default:"2m"`
}

type cancelConfig struct {
	// CPUThreshold is the percentage above which a candidate worker counts as busy.
	CPUThreshold float64       `envconfig:"PARAMOPT_CANCEL_CPU_THRESHOLD" default:"5"`
	SampleWindow time.Duration `envconfig:"PARAMOPT_CANCEL_SAMPLE_WINDOW" default:"500ms"`
	KillGrace    time.Duration `envconfig:"PARAMOPT_CANCEL_KILL_GRACE" default:"5s"`
}

type datasetConfig struct {
	Source    string `envconfig:"PARAMOPT_DATASET_SOURCE" default:"file"`
	Directory string `envconfig:"PARAMOPT_DATASET_DIR" default:"./data"`
	S3        s3Config
}

type s3Config struct {
	Endpoint  string `envconfig:"PARAMOPT_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"PARAMOPT_S3_BUCKET" default:"datasets"`
	AccessKey string `envconfig:"PARAMOPT_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"PARAMOPT_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"PARAMOPT_S3_USE_SSL" default:"true"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a configuration backed by an in-memory sqlite database.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type: "sqlite",
			Name: "file::memory:?cache=shared",
		},
		Service: &svcConfig{
			Address:        ":3443",
			MetricsAddress: ":8080",
			BaseUrl:        "http://localhost:3443",
			LogLevel:       "debug",
		},
		Worker: &workerConfig{
			Processes:               1,
			ReservedCores:           1,
			JobTimeout:              time.Hour,
			HeartbeatInterval:       time.Second,
			ValidationTopN:          3,
			MaxGridSize:             250000,
			SurrogateInitialSamples: 8,
			ProgressWritesPerSecond: 50,
			RetryAttempts:           3,
			RetryInitialInterval:    10 * time.Millisecond,
		},
		Queue: &queueConfig{
			Name:        "optimization",
			MaxAttempts: 1,
		},
		Sweeper: &sweeperConfig{
			Enabled:    true,
			Schedule:   "@every 1m",
			StaleAfter: 2 * time.Minute,
		},
		Cancel: &cancelConfig{
			CPUThreshold: 5,
			SampleWindow: 100 * time.Millisecond,
			KillGrace:    time.Second,
		},
		Datasets: &datasetConfig{
			Source:    "file",
			Directory: "./data",
		},
	}
}
