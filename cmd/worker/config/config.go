package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/node"
	"github.com/procurator/worker/lib/vms"
)

// ErrMissing is wrapped by Load for every unset required key.
var ErrMissing = errors.New("missing required configuration")

type Config struct {
	// Required, no defaults
	MetricsPollInterval time.Duration
	AutoRestart         bool
	VMArtifactsDir      string
	NetworkBridge       string
	VMSubnetBase        string

	Hypervisor            string
	QEMUBinary            string
	CloudHypervisorBinary string
	LibvirtURI            string

	StopTimeout           time.Duration
	MaxPollFailures       int
	MaxVMMemory           datasize.ByteSize
	RestartMaxAttempts    int
	RestartInitialBackoff time.Duration
	RestartMaxBackoff     time.Duration
	RestartResetAfter     time.Duration

	NodeQueueCapacity int
	// StatusAddr is the status API listen address; empty disables it
	StatusAddr string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelServiceName string
	OtelInsecure    bool
	WorkerID        string
	Env             string
	Version         string
}

// loader reads typed values and collects every problem it meets.
type loader struct {
	errs []error
}

// Load reads configuration from the environment, loading .env first if
// present. It reports every missing or malformed key at once.
func Load() (*Config, error) {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	l := &loader{}
	hostname, _ := os.Hostname()

	cfg := &Config{
		MetricsPollInterval: l.requireDuration("METRICS_POLL_INTERVAL"),
		AutoRestart:         l.requireBool("AUTO_RESTART"),
		VMArtifactsDir:      l.require("VM_ARTIFACTS_DIR"),
		NetworkBridge:       l.require("NETWORK_BRIDGE"),
		VMSubnetBase:        l.require("VM_SUBNET_BASE"),

		Hypervisor:            getEnv("HYPERVISOR", string(hypervisor.TypeQEMU)),
		QEMUBinary:            getEnv("QEMU_BINARY", ""),
		CloudHypervisorBinary: getEnv("CLOUD_HYPERVISOR_BINARY", ""),
		LibvirtURI:            getEnv("LIBVIRT_URI", "qemu:///system"),

		StopTimeout:           l.envDuration("STOP_TIMEOUT", vms.DefaultStopTimeout),
		MaxPollFailures:       l.envInt("MAX_POLL_FAILURES", vms.DefaultMaxPollFailures),
		MaxVMMemory:           l.envSize("MAX_VM_MEMORY", 64*datasize.GB),
		RestartMaxAttempts:    l.envInt("RESTART_MAX_ATTEMPTS", vms.DefaultRestartPolicy().MaxAttempts),
		RestartInitialBackoff: l.envDuration("RESTART_INITIAL_BACKOFF", vms.DefaultRestartPolicy().InitialInterval),
		RestartMaxBackoff:     l.envDuration("RESTART_MAX_BACKOFF", vms.DefaultRestartPolicy().MaxInterval),
		RestartResetAfter:     l.envDuration("RESTART_RESET_AFTER", vms.DefaultRestartPolicy().ResetAfter),

		NodeQueueCapacity: l.envInt("NODE_QUEUE_CAPACITY", node.DefaultQueueCapacity),
		StatusAddr:        getEnv("STATUS_ADDR", ""),

		OtelEnabled:     l.envBool("OTEL_ENABLED", false),
		OtelEndpoint:    getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName: getEnv("OTEL_SERVICE_NAME", "procurator-worker"),
		OtelInsecure:    l.envBool("OTEL_INSECURE", true),
		WorkerID:        getEnv("WORKER_ID", hostname),
		Env:             getEnv("ENV", "unset"),
		Version:         getEnv("VERSION", "dev"),
	}

	if cfg.MetricsPollInterval < 0 {
		l.errs = append(l.errs, fmt.Errorf("METRICS_POLL_INTERVAL must be positive, got %s", cfg.MetricsPollInterval))
	}
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// VMs returns the VM manager configuration.
func (c *Config) VMs() vms.Config {
	restart := vms.DefaultRestartPolicy()
	restart.MaxAttempts = c.RestartMaxAttempts
	restart.InitialInterval = c.RestartInitialBackoff
	restart.MaxInterval = c.RestartMaxBackoff
	restart.ResetAfter = c.RestartResetAfter

	return vms.Config{
		MetricsPollInterval: c.MetricsPollInterval,
		AutoRestart:         c.AutoRestart,
		VMArtifactsDir:      c.VMArtifactsDir,
		NetworkBridge:       c.NetworkBridge,
		VMSubnetBase:        c.VMSubnetBase,
		StopTimeout:         c.StopTimeout,
		MaxPollFailures:     c.MaxPollFailures,
		MaxVMMemory:         c.MaxVMMemory,
		Restart:             restart,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) require(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		l.errs = append(l.errs, fmt.Errorf("%w: %s", ErrMissing, key))
	}
	return value
}

func (l *loader) requireDuration(key string) time.Duration {
	value := l.require(key)
	if value == "" {
		return 0
	}
	return l.parseDuration(key, value)
}

func (l *loader) requireBool(key string) bool {
	value := l.require(key)
	if value == "" {
		return false
	}
	return l.parseBool(key, value)
}

func (l *loader) envDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		return l.parseDuration(key, value)
	}
	return defaultValue
}

func (l *loader) envBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return l.parseBool(key, value)
	}
	return defaultValue
}

func (l *loader) envInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, value, err))
			return defaultValue
		}
		return n
	}
	return defaultValue
}

func (l *loader) envSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	if value := os.Getenv(key); value != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(value)); err != nil {
			l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, value, err))
			return defaultValue
		}
		return size
	}
	return defaultValue
}

func (l *loader) parseDuration(key, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, value, err))
	}
	return d
}

func (l *loader) parseBool(key, value string) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, value, err))
	}
	return b
}
