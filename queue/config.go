package queue

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime tuning of the queue core.
type Config struct {
	PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"200ms"`
	HeartbeatInterval time.Duration `env:"QUEUE_HEARTBEAT_INTERVAL" envDefault:"5s"`
	SlotRecycleAfter  int           `env:"QUEUE_SLOT_RECYCLE_AFTER" envDefault:"1000"`
	IdleRecycleAfter  time.Duration `env:"QUEUE_IDLE_RECYCLE_AFTER" envDefault:"10m"`
	ShutdownTimeout   time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// SchedulerConfig holds the runtime tuning of the periodic dispatcher.
type SchedulerConfig struct {
	CheckInterval      time.Duration `env:"SCHEDULER_CHECK_INTERVAL" envDefault:"1s"`
	LeaseTTL           time.Duration `env:"SCHEDULER_LEASE_TTL" envDefault:"30s"`
	LeaseRenewInterval time.Duration `env:"SCHEDULER_LEASE_RENEW_INTERVAL" envDefault:"10s"`
}

// FileConfig is the static queue and routing configuration, loaded from a
// YAML file at startup. Reconfiguration happens only through Router.Reload,
// an atomic snapshot swap.
type FileConfig struct {
	DefaultQueue string            `yaml:"default_queue"`
	Queues       []QueueDefinition `yaml:"queues"`
	Routes       []RouteRule       `yaml:"routes"`
}

// LoadFileConfig parses the static configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue config %q: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse queue config %q: %w", path, err)
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = DefaultQueueName
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []QueueDefinition{{Name: cfg.DefaultQueue, Concurrency: 1}}
	}
	return &cfg, nil
}

// Router builds a validated router from the file configuration.
func (c *FileConfig) Router() (*Router, error) {
	return NewRouter(c.Queues, c.Routes, c.DefaultQueue)
}
