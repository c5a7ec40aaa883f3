// Package config defines the daemon's startup configuration: which workers
// run and with what settings, the extraction bounds, the intake limits and
// which queue, store and blob implementations back the deployment. Sections
// map one-to-one onto the constructors wired up in cmd.
package config

import (
	"fmt"
	"time"
)

// QueueKind selects the task queue implementation.
type QueueKind string

const (
	QueueKindMemory QueueKind = "memory"
	QueueKindRedis  QueueKind = "redis"
	QueueKindKafka  QueueKind = "kafka"
)

// StorageKind selects the task, report and file store implementation.
type StorageKind string

const (
	StorageKindMemory   StorageKind = "memory"
	StorageKindRedis    StorageKind = "redis"
	StorageKindPostgres StorageKind = "postgres"
)

// BlobKind selects where submitted bytes are kept.
type BlobKind string

const (
	BlobKindDisk  BlobKind = "disk"
	BlobKindMinio BlobKind = "minio"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Workers maps worker name to its settings. Names must match the
	// registered worker implementations; the extractor is configured here
	// like any other worker.
	Workers map[string]WorkerConfig `yaml:"workers"`

	Extraction ExtractionConfig `yaml:"extraction"`
	Intake     IntakeConfig     `yaml:"intake"`
	Queue      QueueConfig      `yaml:"queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Blob       BlobConfig       `yaml:"blob"`
}

// WorkerConfig is one worker's static settings.
type WorkerConfig struct {
	// Enabled gates the worker. Disabled workers still record reports so
	// convergence accounting stays exact.
	Enabled bool `yaml:"enabled"`

	// Timeout bounds one analysis call wall-clock. Zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// Replicas is how many concurrent consumers serve this worker's queue
	// group. Defaults to 1.
	Replicas int `yaml:"replicas"`

	// Options is passed to the worker factory uninterpreted.
	Options map[string]any `yaml:"options"`
}

// ExtractionConfig bounds the container worker.
type ExtractionConfig struct {
	// MaxFiles caps how many entries are unpacked from one container.
	MaxFiles int `yaml:"max_files"`

	// MaxFileBytes caps the decompressed size of a single entry.
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	// MaxIsError reports bound overruns as ERROR instead of ALERT.
	MaxIsError bool `yaml:"max_is_error"`

	// Passwords are tried against encrypted containers when a submission
	// does not carry its own.
	Passwords []string `yaml:"passwords"`

	// MaxDepth is the nesting ceiling; containers at this depth are
	// reported but not unpacked.
	MaxDepth int `yaml:"max_depth"`

	// MaxDescendants caps the tasks one submission may spawn across all
	// nesting levels.
	MaxDescendants int `yaml:"max_descendants"`

	// WorkDir hosts extraction scratch directories. Empty means the
	// system temp dir.
	WorkDir string `yaml:"work_dir"`
}

// IntakeConfig bounds the submission path.
type IntakeConfig struct {
	// MaxUploadBytes caps one submission's size. Zero means unbounded.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// RatePerSecond and RateBurst gate how fast submissions are accepted,
	// extracted children included. A zero rate disables the gate.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// QueueConfig selects and locates the task queue.
type QueueConfig struct {
	Kind  QueueKind        `yaml:"kind"`
	Redis RedisQueueConfig `yaml:"redis"`
	Kafka KafkaQueueConfig `yaml:"kafka"`
}

// RedisQueueConfig configures the Redis streams queue.
type RedisQueueConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// MaxLen approximately caps the stream length; Redis trims the oldest
	// entries past it.
	MaxLen int64 `yaml:"max_len"`
}

// KafkaQueueConfig configures the Kafka queue.
type KafkaQueueConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// StorageConfig selects and locates the task, report and file stores.
type StorageConfig struct {
	Kind     StorageKind    `yaml:"kind"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig locates the Redis instance backing the stores. It may be the
// same instance the queue uses; single-node deployments share one.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig locates the Postgres store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// BlobConfig selects where submitted bytes are stored.
type BlobConfig struct {
	Kind  BlobKind    `yaml:"kind"`
	Disk  DiskConfig  `yaml:"disk"`
	Minio MinioConfig `yaml:"minio"`
}

// DiskConfig configures the filesystem blob store.
type DiskConfig struct {
	// Root is the directory blobs are stored under.
	Root string `yaml:"root"`
}

// MinioConfig configures the object-store blob store.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SetDefaults fills unset fields with the values a single-node deployment
// uses: in-memory queue and stores, disk blobs, and extraction bounds that
// keep hostile archives contained.
func (c *Config) SetDefaults() {
	if c.Queue.Kind == "" {
		c.Queue.Kind = QueueKindMemory
	}
	if c.Queue.Redis.MaxLen == 0 {
		c.Queue.Redis.MaxLen = 5000
	}
	if c.Queue.Kafka.Topic == "" {
		c.Queue.Kafka.Topic = "tasks_queue"
	}
	if c.Queue.Kafka.ClientID == "" {
		c.Queue.Kafka.ClientID = "siftd"
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageKindMemory
	}
	if c.Blob.Kind == "" {
		c.Blob.Kind = BlobKindDisk
	}
	if c.Blob.Disk.Root == "" {
		c.Blob.Disk.Root = "./data/blobs"
	}
	if c.Extraction.MaxFiles == 0 {
		c.Extraction.MaxFiles = 100
	}
	if c.Extraction.MaxFileBytes == 0 {
		c.Extraction.MaxFileBytes = 100 << 20
	}
	if c.Extraction.MaxDepth == 0 {
		c.Extraction.MaxDepth = 3
	}
	if c.Extraction.MaxDescendants == 0 {
		c.Extraction.MaxDescendants = 100
	}
	for name, w := range c.Workers {
		if w.Replicas == 0 {
			w.Replicas = 1
			// The extractor must outnumber the nesting levels it can park
			// on (see Validate).
			if name == "extractor" {
				w.Replicas = c.Extraction.MaxDepth + 1
			}
			c.Workers[name] = w
		}
	}
}

// Validate checks field and cross-field consistency. Call it after
// SetDefaults; a defaulted configuration always validates.
func (c *Config) Validate() error {
	for name, w := range c.Workers {
		if w.Replicas < 1 {
			return fmt.Errorf("workers: %s: replicas must be at least 1", name)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("workers: %s: timeout must not be negative", name)
		}
	}

	// The extractor parks one replica per nesting level while it waits for
	// a child archive's workers; fewer replicas than levels can deadlock an
	// archive-of-archives.
	if w, ok := c.Workers["extractor"]; ok && w.Enabled && w.Replicas <= c.Extraction.MaxDepth {
		return fmt.Errorf("workers: extractor: replicas (%d) must exceed extraction max_depth (%d)",
			w.Replicas, c.Extraction.MaxDepth)
	}

	if c.Extraction.MaxDepth < 1 {
		return fmt.Errorf("extraction: max_depth must be at least 1")
	}
	if c.Extraction.MaxDescendants < 1 {
		return fmt.Errorf("extraction: max_descendants must be at least 1")
	}

	switch c.Queue.Kind {
	case QueueKindMemory:
	case QueueKindRedis:
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue: redis requires an addr")
		}
	case QueueKindKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue: kafka requires at least one broker")
		}
	default:
		return fmt.Errorf("queue: unknown kind %q", c.Queue.Kind)
	}

	switch c.Storage.Kind {
	case StorageKindMemory:
	case StorageKindRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage: redis requires an addr")
		}
	case StorageKindPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage: postgres requires a dsn")
		}
	default:
		return fmt.Errorf("storage: unknown kind %q", c.Storage.Kind)
	}

	switch c.Blob.Kind {
	case BlobKindDisk:
		if c.Blob.Disk.Root == "" {
			return fmt.Errorf("blob: disk requires a root directory")
		}
	case BlobKindMinio:
		if c.Blob.Minio.Endpoint == "" || c.Blob.Minio.Bucket == "" {
			return fmt.Errorf("blob: minio requires an endpoint and a bucket")
		}
	default:
		return fmt.Errorf("blob: unknown kind %q", c.Blob.Kind)
	}

	return nil
}
