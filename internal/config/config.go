// Package config loads and watches the read-only configuration snapshot described in
// spec.md §6. It stands in for the external configuration store: callers get an initial
// Snapshot from Load and may Watch for subsequent ones as the backing file changes.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/riverviewauto/daqagent/go/skerr"
)

// SubscriptionDef describes one OPC UA monitored item to create against a server.
type SubscriptionDef struct {
	NodeID             string `yaml:"nodeId"`
	DisplayName        string `yaml:"displayName"`
	BrowsePath         string `yaml:"browsePath"`
	SamplingIntervalMs int    `yaml:"samplingIntervalMs"`
	PublishingIntervalMs int  `yaml:"publishingIntervalMs"`
	QueueSize          uint32 `yaml:"queueSize"`
	DiscardOldest      bool   `yaml:"discardOldest"`
	Enabled            bool   `yaml:"enabled"`
}

// ServerConfig describes one OPC UA server endpoint and the subscriptions to establish
// against it.
type ServerConfig struct {
	ID                      string             `yaml:"id"`
	DisplayName             string             `yaml:"displayName"`
	EndpointURL             string             `yaml:"endpointUrl"`
	Enabled                 bool               `yaml:"enabled"`
	SessionTimeoutMs        *int               `yaml:"sessionTimeoutMs,omitempty"`
	KeepAliveIntervalMs     *int               `yaml:"keepAliveIntervalMs,omitempty"`
	Subscriptions           []SubscriptionDef  `yaml:"subscriptions"`
}

// Validate rejects a ServerConfig that violates the intake invariants spec.md §7
// requires (missing id, empty endpoint): no ServerRuntime should ever be created from an
// invalid config.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return skerr.Fmt("config: server config has empty id")
	}
	if c.EndpointURL == "" {
		return skerr.Fmt("config: server %q has empty endpoint url", c.ID)
	}
	return nil
}

// ManualOverride lets an operator force the coordinator's sink selection independent of
// health events.
type ManualOverride struct {
	ForceFallback bool `yaml:"forceFallback"`
	DryRun        bool `yaml:"dryRun"`
}

// Snapshot is the full read-only configuration surface spec.md §6 lists, plus the
// ambient logLevel/metricsTags fields.
type Snapshot struct {
	PrimaryConnectionString string `yaml:"primaryConnectionString"`
	PrimaryDatabase         string `yaml:"primaryDatabase"`
	PrimaryCollection       string `yaml:"primaryCollection"`

	QueueCapacity        int `yaml:"queueCapacity"`
	BatchSize            int `yaml:"batchSize"`
	BatchTimeoutMs       int `yaml:"batchTimeoutMs"`
	PrimaryWriteTimeoutS int `yaml:"primaryWriteTimeoutS"`

	HealthCheckIntervalS int `yaml:"healthCheckIntervalS"`
	HealthProbeTimeoutS  int `yaml:"healthProbeTimeoutS"`
	HealthFailureThreshold int `yaml:"healthFailureThreshold"`

	CircuitBreakerThreshold  int `yaml:"circuitBreakerThreshold"`
	CircuitBreakerCooldownS  int `yaml:"circuitBreakerCooldownS"`

	TTLDays int `yaml:"ttlDays"`

	DefaultSessionTimeoutMs    int `yaml:"defaultSessionTimeoutMs"`
	DefaultKeepAliveIntervalMs int `yaml:"defaultKeepAliveIntervalMs"`

	Servers []ServerConfig `yaml:"servers"`

	ManualOverride ManualOverride `yaml:"manualOverride"`

	FallbackDir          string `yaml:"fallbackDir"`
	ArchiveRetentionDays int    `yaml:"archiveRetentionDays"`

	LogLevel    string            `yaml:"logLevel"`
	MetricsTags map[string]string `yaml:"metricsTags"`
}

// BatchTimeout is BatchTimeoutMs as a time.Duration.
func (s Snapshot) BatchTimeout() time.Duration {
	return time.Duration(s.BatchTimeoutMs) * time.Millisecond
}

// PrimaryWriteTimeout is PrimaryWriteTimeoutS as a time.Duration.
func (s Snapshot) PrimaryWriteTimeout() time.Duration {
	return time.Duration(s.PrimaryWriteTimeoutS) * time.Second
}

// HealthCheckInterval is HealthCheckIntervalS as a time.Duration.
func (s Snapshot) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalS) * time.Second
}

// HealthProbeTimeout is HealthProbeTimeoutS as a time.Duration.
func (s Snapshot) HealthProbeTimeout() time.Duration {
	return time.Duration(s.HealthProbeTimeoutS) * time.Second
}

// CircuitBreakerCooldown is CircuitBreakerCooldownS as a time.Duration.
func (s Snapshot) CircuitBreakerCooldown() time.Duration {
	return time.Duration(s.CircuitBreakerCooldownS) * time.Second
}

// Load reads and parses a Snapshot from the YAML file at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "config: reading %s", path)
	}
	snap := &Snapshot{}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, skerr.Wrapf(err, "config: parsing %s", path)
	}
	for _, sc := range snap.Servers {
		if !sc.Enabled {
			continue
		}
		if err := sc.Validate(); err != nil {
			return nil, skerr.Wrapf(err, "config: validating server")
		}
	}
	return snap, nil
}

// Watcher polls a configuration file on an interval and publishes freshly parsed
// Snapshots whenever the file's modification time advances. It stands in for the
// external configuration store's change-notification interface (spec.md §1).
type Watcher struct {
	path     string
	interval time.Duration
	ch       chan *Snapshot
	done     chan struct{}
}

// NewWatcher returns a Watcher for path, polling every interval. Call Start to begin
// polling and Stop to release its goroutine.
func NewWatcher(path string, interval time.Duration) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		ch:       make(chan *Snapshot, 1),
		done:     make(chan struct{}),
	}
}

// Watch returns the channel on which fresh Snapshots are published.
func (w *Watcher) Watch() <-chan *Snapshot { return w.ch }

// Start begins polling path on a background goroutine until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop terminates the polling goroutine.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastModTime time.Time
	if info, err := os.Stat(w.path); err == nil {
		lastModTime = info.ModTime()
	}
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastModTime) {
				continue
			}
			lastModTime = info.ModTime()
			snap, err := Load(w.path)
			if err != nil {
				continue
			}
			select {
			case w.ch <- snap:
			default:
			}
		}
	}
}
