package vms

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

// Config holds VmManager settings. The first five fields are required and
// have no defaults.
type Config struct {
	MetricsPollInterval time.Duration
	AutoRestart         bool
	VMArtifactsDir      string
	NetworkBridge       string
	VMSubnetBase        string

	// StopTimeout bounds graceful stops during Shutdown before the backend escalates to destroy.
	StopTimeout time.Duration

	// MaxPollFailures consecutive failed polls promote a VM to Failed.
	MaxPollFailures int

	// MaxVMMemory caps memoryMb from a VM spec. Zero disables the cap.
	MaxVMMemory datasize.ByteSize

	Restart RestartPolicy
}

// RestartPolicy bounds automatic restarts of one VM.
type RestartPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// ResetAfter is how long a VM must stay Running before its attempt
	// counter and backoff start over.
	ResetAfter time.Duration
}

const (
	DefaultStopTimeout     = 30 * time.Second
	DefaultMaxPollFailures = 3
)

// DefaultRestartPolicy returns the restart policy used when none is configured.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:         5,
		InitialInterval:     time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.1,
		ResetAfter:          10 * time.Minute,
	}
}

// withDefaults fills the optional fields.
func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = DefaultMaxPollFailures
	}
	def := DefaultRestartPolicy()
	if c.Restart.MaxAttempts <= 0 {
		c.Restart.MaxAttempts = def.MaxAttempts
	}
	if c.Restart.InitialInterval <= 0 {
		c.Restart.InitialInterval = def.InitialInterval
	}
	if c.Restart.MaxInterval <= 0 {
		c.Restart.MaxInterval = def.MaxInterval
	}
	if c.Restart.Multiplier < 1 {
		c.Restart.Multiplier = def.Multiplier
	}
	if c.Restart.RandomizationFactor < 0 || c.Restart.RandomizationFactor >= 1 {
		c.Restart.RandomizationFactor = def.RandomizationFactor
	}
	if c.Restart.ResetAfter <= 0 {
		c.Restart.ResetAfter = def.ResetAfter
	}
	return c
}

// Validate checks the required fields.
func (c Config) Validate() error {
	var problems []string
	if c.MetricsPollInterval <= 0 {
		problems = append(problems, "metrics poll interval must be > 0")
	}
	if c.VMArtifactsDir == "" {
		problems = append(problems, "vm artifacts dir is required")
	}
	if c.NetworkBridge == "" {
		problems = append(problems, "network bridge is required")
	}
	if c.VMSubnetBase == "" {
		problems = append(problems, "vm subnet base is required")
	} else if ip, _, err := net.ParseCIDR(c.VMSubnetBase); err != nil || ip.To4() == nil {
		problems = append(problems, fmt.Sprintf("vm subnet base %q is not an IPv4 CIDR", c.VMSubnetBase))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// checkArtifactsDir verifies dir is an existing, writable directory.
func checkArtifactsDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: artifacts dir: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: artifacts dir %s is not a directory", ErrInvalidConfig, dir)
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("%w: artifacts dir %s is not writable: %v", ErrInvalidConfig, dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}

// validateID rejects ids that cannot be used as a single path element.
func validateID(id ID) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	case filepath.Base(id) != id:
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
