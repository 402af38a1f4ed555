// Package config loads the fragment processor's tunables from the
// environment. All keys are prefixed FRAGPROC_.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database  DatabaseConfig
	Ingest    IngestConfig
	Service   ServiceConfig
}

type DatabaseConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"fragproc"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

// IngestConfig carries every tunable named by the streaming fragment
// processor's configuration table.
type IngestConfig struct {
	MaxConcurrentJobs      int    `envconfig:"MAX_CONCURRENT_JOBS" default:"1"`
	NumWorkers             int    `envconfig:"NUM_WORKERS" default:"2"`
	FragmentMaxBytes       int64  `envconfig:"FRAGMENT_MAX_BYTES" default:"33554432"` // 32 MiB
	HeartbeatIntervalSec   int    `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"15"`
	HeartbeatTimeoutSec    int    `envconfig:"HEARTBEAT_TIMEOUT_SECONDS" default:"60"`
	MetricsLogIntervalSec  int    `envconfig:"METRICS_LOG_INTERVAL_SECONDS" default:"10"`
	FailFastThreshold      int64  `envconfig:"FAIL_FAST_THRESHOLD" default:"50000"`
	MemoryThresholdPercent int    `envconfig:"MEMORY_THRESHOLD_PERCENT" default:"75"`
	ContainerMemoryMB      int64  `envconfig:"CONTAINER_MEMORY_MB" default:"2048"`
	InstanceIndex          string `envconfig:"INSTANCE_INDEX" default:"0"`
	MinColumns             int    `envconfig:"MIN_COLUMNS" default:"12"`
	FieldOffsets           string `envconfig:"FIELD_OFFSETS" default:"currencies=3,provinces=10,products=11"`
}

type ServiceConfig struct {
	Address  string `envconfig:"ADDRESS" default:":8443"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	S3       S3Config
}

type S3Config struct {
	Endpoint  string `envconfig:"S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"S3_BUCKET" default:""`
	AccessKey string `envconfig:"S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
}

// New loads the singleton configuration from the environment.
func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("FRAGPROC", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// FieldOffsetMap parses the "category=index,category=index" configuration
// string into the map[string]int the validator expects.
func (c IngestConfig) FieldOffsetMap() (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(c.FieldOffsets) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.FieldOffsets, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid field offset entry %q", pair)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid field offset index %q: %w", pair, err)
		}
		out[strings.TrimSpace(kv[0])] = idx
	}
	return out, nil
}
