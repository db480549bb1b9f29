// Package config loads the dispatcher's YAML configuration file into the
// cluster and storage knobs the rest of the module needs. The
// read-file-then-yaml.Unmarshal-with-defaults shape is the same one used
// for MQTT broker/client YAML configs throughout the retrieval pack (see
// e.g. the simple-mqtt-network-lab backend config loader); the struct
// itself is shaped around spec.md's ClusterConfig plus the ambient storage
// and placement settings a runnable daemon needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robustmq/sharedispatch/model"
)

// Config is the top-level daemon configuration file shape.
type Config struct {
	NodeID string `yaml:"node_id"`

	Cluster   ClusterSection   `yaml:"cluster"`
	Storage   StorageSection   `yaml:"storage"`
	Placement PlacementSection `yaml:"placement"`
	Metrics   MetricsSection   `yaml:"metrics"`
}

// ClusterSection maps directly onto model.ClusterConfig.
type ClusterSection struct {
	MaxQoS                       uint8  `yaml:"max_qos"`
	MaxDeliveryAttemptsPerRecord int    `yaml:"max_delivery_attempts_per_record"`
	PubrelRetryLimit             int    `yaml:"pubrel_retry_limit"`
	PoisonPolicy                 string `yaml:"poison_policy"`
}

// StorageSection configures the durable log backend.
type StorageSection struct {
	// DataDir is where the bbolt database file is created.
	DataDir string `yaml:"data_dir"`
}

// PlacementSection configures the placement-center client.
type PlacementSection struct {
	Addr              string        `yaml:"addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MetricsSection configures the Prometheus exporter.
type MetricsSection struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the documented defaults, matching
// model.DefaultClusterConfig plus reasonable ambient settings.
func Default() Config {
	def := model.DefaultClusterConfig()
	return Config{
		NodeID: "",
		Cluster: ClusterSection{
			MaxQoS:                       uint8(def.MaxQoS),
			MaxDeliveryAttemptsPerRecord: def.MaxDeliveryAttemptsPerRecord,
			PubrelRetryLimit:             def.PubrelRetryLimit,
			PoisonPolicy:                 string(def.PoisonPolicy),
		},
		Storage:   StorageSection{DataDir: "./data"},
		Placement: PlacementSection{HeartbeatInterval: 10 * time.Second},
		Metrics:   MetricsSection{ListenAddr: ":9090"},
	}
}

// Load reads and parses the YAML file at path, starting from Default() so
// any field the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	switch model.PoisonPolicy(c.Cluster.PoisonPolicy) {
	case model.PoisonSkipOne, model.PoisonSkipBatch:
	default:
		return fmt.Errorf("cluster.poison_policy %q is not one of %q, %q", c.Cluster.PoisonPolicy, model.PoisonSkipOne, model.PoisonSkipBatch)
	}
	if c.Cluster.MaxQoS > uint8(model.ExactlyOnce) {
		return fmt.Errorf("cluster.max_qos %d exceeds %d", c.Cluster.MaxQoS, model.ExactlyOnce)
	}
	return nil
}

// ClusterConfig converts the YAML section into the model type the
// dispatcher and qosmachine packages consume.
func (c Config) ClusterConfig() model.ClusterConfig {
	return model.ClusterConfig{
		MaxQoS:                       model.QoS(c.Cluster.MaxQoS),
		MaxDeliveryAttemptsPerRecord: c.Cluster.MaxDeliveryAttemptsPerRecord,
		PubrelRetryLimit:             c.Cluster.PubrelRetryLimit,
		PoisonPolicy:                 model.PoisonPolicy(c.Cluster.PoisonPolicy),
	}
}
