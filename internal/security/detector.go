package security

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector looks for jail escape indicators in submitted code and
// commands, and for host information in produced output. Its findings never
// veto on their own; they are reported alongside results.
type EscapeDetector struct {
	patterns []DetectionPattern
	leaks    []leakMarker
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected indicators.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

type leakMarker struct {
	name   string
	substr string
	sev    Severity
}

func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
		leaks:    defaultLeakMarkers(),
	}
}

// AnalyzeCode checks code or a command line by line.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(code, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})
			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("escape indicator in submitted code")
		}
	}

	return detections
}

// AnalyzeOutput checks output for host data that should never be visible
// from inside a sandbox.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection
	for _, m := range d.leaks {
		if strings.Contains(output, m.substr) {
			detections = append(detections, Detection{
				Pattern:  m.name,
				Severity: m.sev.String(),
				Detail:   "suspicious content in output: " + m.name,
			})
		}
	}
	return detections
}

func defaultLeakMarkers() []leakMarker {
	return []leakMarker{
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
		{"private_key", "PRIVATE KEY-----", SeverityCritical},
		{"cloud_credentials", "AWS_SECRET_ACCESS_KEY", SeverityHigh},
		{"kubernetes_token", "/var/run/secrets/kubernetes.io", SeverityHigh},
		{"kernel_banner", "Linux version", SeverityMedium},
	}
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/(self|1)/(root|exe|fd|ns|maps|mem|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "cgroup_escape",
			Description: "Touching cgroup release hooks",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Reaching for a container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/podman`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "native_interop",
			Description: "Loading native code from the interpreter",
			Regex:       regexp.MustCompile(`\bctypes\b|\bcffi\b|CDLL\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "object_graph_walk",
			Description: "Walking the object graph to recover hidden builtins",
			Regex:       regexp.MustCompile(`__subclasses__|__globals__|__builtins__|__mro__|gi_frame|f_back`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for injection",
			Regex:       regexp.MustCompile(`(?i)\b(ptrace|process_vm_readv|process_vm_writev)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "symlink_race",
			Description: "Symlinking kernel pseudo filesystems into the workspace",
			Regex:       regexp.MustCompile(`ln\s+-sf?\s+/(proc|sys|dev)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
