// Package container manages jailed Alpine root filesystems and runs allow-
// listed shell commands inside them.
package container

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sandbox-engine/internal/sandbox"
)

// Architectures maps the supported architecture names to the suffix of the
// Alpine minirootfs archive.
var Architectures = map[string]string{
	"arm64":  "aarch64",
	"x86_64": "x86_64",
}

var (
	sizePattern = regexp.MustCompile(`(?i)^(\d+)([KMGT]?)B?$`)
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// LimitSpec holds resource limits as written by users, e.g. "512M".
type LimitSpec struct {
	Memory  string `json:"memory" yaml:"memory"`
	CPU     string `json:"cpu" yaml:"cpu"`
	Storage string `json:"storage" yaml:"storage"`
}

// Config describes a container to create. It is validated once by Create
// and not modified afterwards.
type Config struct {
	Name         string            `json:"name"`
	Architecture string            `json:"architecture"`
	Binds        []string          `json:"binds,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Networking   bool              `json:"networking"`
	AllowedHosts []string          `json:"allowed_hosts,omitempty"`
	Limits       LimitSpec         `json:"resource_limits"`
	Toolchains   []string          `json:"toolchains,omitempty"`
	WorkingDir   string            `json:"working_directory,omitempty"`
}

// ParseSize parses sizes like "512", "512M", "1GB" or "2g" into bytes.
// Units are powers of 1024.
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: Invalid memory limit format: %s", sandbox.ErrInvalidConfig, s)
	}
	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: Invalid memory limit format: %s", sandbox.ErrInvalidConfig, s)
	}
	shift := map[string]uint{"": 0, "K": 10, "M": 20, "G": 30, "T": 40}[strings.ToUpper(m[2])]
	if shift > 0 && value > (1<<63-1)>>shift {
		return 0, fmt.Errorf("%w: size out of range: %s", sandbox.ErrInvalidConfig, s)
	}
	return value << shift, nil
}

// ParseCPU parses a decimal core count.
func ParseCPU(s string) (float64, error) {
	cpu, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || cpu < 0 || math.IsNaN(cpu) || math.IsInf(cpu, 0) {
		return 0, fmt.Errorf("%w: Invalid CPU limit: %s", sandbox.ErrInvalidConfig, s)
	}
	return cpu, nil
}

// Validate checks cfg without touching the filesystem.
func (c Config) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: invalid container name %q", sandbox.ErrInvalidConfig, c.Name)
	}
	if _, ok := Architectures[c.Architecture]; !ok {
		return fmt.Errorf("%w: Unsupported architecture: %s", sandbox.ErrInvalidConfig, c.Architecture)
	}
	if _, err := c.ResourceLimits(sandbox.ResourceLimits{}); err != nil {
		return err
	}
	for _, b := range c.Binds {
		if _, _, err := parseBind(b); err != nil {
			return err
		}
	}
	if c.WorkingDir != "" && !strings.HasPrefix(c.WorkingDir, "/") {
		return fmt.Errorf("%w: working directory must be absolute: %s", sandbox.ErrInvalidConfig, c.WorkingDir)
	}
	return nil
}

// ResourceLimits resolves the limit strings over base. Empty strings keep
// the base value.
func (c Config) ResourceLimits(base sandbox.ResourceLimits) (sandbox.ResourceLimits, error) {
	limits := base
	var err error
	if c.Limits.Memory != "" {
		if limits.MemoryBytes, err = ParseSize(c.Limits.Memory); err != nil {
			return limits, err
		}
	}
	if c.Limits.CPU != "" {
		if limits.CPUCores, err = ParseCPU(c.Limits.CPU); err != nil {
			return limits, err
		}
	}
	if c.Limits.Storage != "" {
		if limits.StorageBytes, err = ParseSize(c.Limits.Storage); err != nil {
			return limits, err
		}
	}
	if err := limits.Validate(); err != nil {
		return limits, err
	}
	return limits, nil
}

// parseBind splits "host:container[:ro]".
func parseBind(b string) (string, string, error) {
	parts := strings.Split(b, ":")
	if len(parts) < 2 || len(parts) > 3 || !strings.HasPrefix(parts[0], "/") || !strings.HasPrefix(parts[1], "/") {
		return "", "", fmt.Errorf("%w: invalid bind %q, want /host:/container[:ro]", sandbox.ErrInvalidConfig, b)
	}
	if strings.Contains(parts[1], "..") {
		return "", "", fmt.Errorf("%w: bind target escapes rootfs: %s", sandbox.ErrInvalidConfig, b)
	}
	return parts[0], parts[1], nil
}

// ManagerConfig controls where containers live and how they are jailed.
type ManagerConfig struct {
	DataDir string
	// ImageDir holds alpine-minirootfs-<version>-<arch>.tar.gz archives.
	ImageDir      string
	AlpineVersion string
	// ImageURL, when set, is used to fetch a missing archive. It may
	// contain {version}, {branch} and {arch}.
	ImageURL string
	// ImageSHA256 maps an Alpine architecture name (x86_64, aarch64) to the
	// hex digest a downloaded archive must match. Without an entry the
	// digest is read from the mirror's <archive>.sha256 file.
	ImageSHA256 map[string]string

	Mode         Mode
	Limits       sandbox.ResourceLimits
	DNSServers   []string
	BlockedPorts []int

	CommandTimeout time.Duration
	InstallTimeout time.Duration
	PollSchedule   string

	// ServiceCommand starts the interactive service; {port} is replaced.
	ServiceCommand   string
	ServiceStartWait time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DataDir:          "/var/lib/sandbox-engine",
		ImageDir:         "/var/lib/sandbox-engine/images",
		AlpineVersion:    "3.18.4",
		ImageURL:         "https://dl-cdn.alpinelinux.org/alpine/v{branch}/releases/{arch}/alpine-minirootfs-{version}-{arch}.tar.gz",
		Mode:             ModeAuto,
		Limits:           sandbox.DefaultLimits(),
		DNSServers:       []string{"8.8.8.8", "1.1.1.1"},
		CommandTimeout:   30 * time.Second,
		InstallTimeout:   10 * time.Minute,
		PollSchedule:     "@every 5s",
		ServiceCommand:   "code-server --bind-addr 127.0.0.1:{port} --auth none --disable-telemetry /workspace",
		ServiceStartWait: 3 * time.Second,
	}
}
