package security

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
)

// Kind identifies which validation stage produced a check.
type Kind int

const (
	KindImportValidation Kind = iota
	KindCodeAnalysis
	KindResourceLimit
)

func (k Kind) String() string {
	switch k {
	case KindImportValidation:
		return "import_validation"
	case KindCodeAnalysis:
		return "code_analysis"
	case KindResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RiskLevel grades a finding. Only RiskHigh failures veto execution.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Check is the outcome of a single validation rule.
type Check struct {
	Kind      Kind      `json:"type"`
	Passed    bool      `json:"passed"`
	Details   string    `json:"details"`
	RiskLevel RiskLevel `json:"risk_level"`
}

const (
	DefaultComplexityThreshold = 50
	DefaultMaxCodeBytes        = 1 << 20
)

type codePattern struct {
	source string
	re     *regexp.Regexp
}

func compilePatterns(sources ...string) []codePattern {
	out := make([]codePattern, 0, len(sources))
	for _, src := range sources {
		out = append(out, codePattern{source: src, re: regexp.MustCompile(src)})
	}
	return out
}

const deniedModules = `(os|subprocess|socket|urllib|http|requests|ftplib|telnetlib|smtplib|threading|multiprocessing)`

var (
	blockedCodePatterns = compilePatterns(
		`\bimport\s+`+deniedModules+`\b`,
		`\bimport\s*\([^)]*\b`+deniedModules+`\b`,
		`\bimport[ \t]+[\w. \t]+,[\w. \t,]*\b`+deniedModules+`\b`,
		`\bfrom\s+`+deniedModules+`(\.\w+)*\s+import\b`,
		`__import__\s*\(`,
		`\bexec\s*\(`,
		`\beval\s*\(`,
		`\bcompile\s*\(`,
		`\bopen\s*\(`,
		`\bfile\s*\(`,
		`\binput\s*\(`,
		`\braw_input\s*\(`,
		`\.system\s*\(`,
		`\.popen\s*\(`,
		`\.call\s*\(`,
		`\.run\s*\(`,
		`\.__\w*__`,
		`\.(f_globals|f_locals|f_builtins|f_back|tb_frame|gi_frame|cr_frame|ag_frame)\b`,
	)

	suspiciousCodePatterns = compilePatterns(
		`while\s+True\s*:`,
		`for\s+.*\s+in\s+range\s*\(\s*\d{6,}`,
		`\*\s*\*\s*\d{3,}`,
		`\.join\s*\(.*\*\s*\d{4,}`,
	)

	complexityKeywords = regexp.MustCompile(`\b(if|elif|else|for|while|try|except|finally|and|or|not)\b`)
)

// Validator screens Python source before it reaches the interpreter and shell
// commands before they reach the jail. It holds no per-call state and is safe
// for concurrent use.
type Validator struct {
	complexityThreshold int
	maxCodeBytes        int
	commands            *CommandPolicy
	packages            map[string]bool
	detector            *EscapeDetector
}

// Option customizes a Validator.
type Option func(*Validator)

func WithComplexityThreshold(n int) Option {
	return func(v *Validator) { v.complexityThreshold = n }
}

func WithMaxCodeBytes(n int) Option {
	return func(v *Validator) { v.maxCodeBytes = n }
}

// WithAllowedPackages replaces the package allow-list.
func WithAllowedPackages(names ...string) Option {
	return func(v *Validator) {
		v.packages = make(map[string]bool, len(names))
		for _, n := range names {
			v.packages[NormalizePackage(n)] = true
		}
	}
}

// WithCommandPolicy replaces the default command policy.
func WithCommandPolicy(p *CommandPolicy) Option {
	return func(v *Validator) { v.commands = p }
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		complexityThreshold: DefaultComplexityThreshold,
		maxCodeBytes:        DefaultMaxCodeBytes,
		commands:            DefaultCommandPolicy(),
		detector:            NewEscapeDetector(),
	}
	WithAllowedPackages(DefaultAllowedPackages...)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every rule against code and returns the findings. The result
// is never empty: clean code yields a single passing low-risk check.
func (v *Validator) Validate(code string) []Check {
	var checks []Check

	if v.maxCodeBytes > 0 && len(code) > v.maxCodeBytes {
		checks = append(checks, Check{
			Kind:      KindResourceLimit,
			Passed:    false,
			Details:   fmt.Sprintf("Code size %d bytes exceeds limit of %d bytes", len(code), v.maxCodeBytes),
			RiskLevel: RiskHigh,
		})
		return checks
	}

	for _, p := range blockedCodePatterns {
		if p.re.MatchString(code) {
			checks = append(checks, Check{
				Kind:      KindImportValidation,
				Passed:    false,
				Details:   "Blocked pattern detected: " + p.source,
				RiskLevel: RiskHigh,
			})
		}
	}

	for _, p := range suspiciousCodePatterns {
		if p.re.MatchString(code) {
			checks = append(checks, Check{
				Kind:      KindCodeAnalysis,
				Passed:    false,
				Details:   "Suspicious pattern detected: " + p.source,
				RiskLevel: RiskMedium,
			})
		}
	}

	if score := Complexity(code); score > v.complexityThreshold {
		checks = append(checks, Check{
			Kind:      KindCodeAnalysis,
			Passed:    false,
			Details:   fmt.Sprintf("Code complexity too high: %d", score),
			RiskLevel: RiskMedium,
		})
	}

	for _, det := range v.detector.AnalyzeCode(code) {
		checks = append(checks, Check{
			Kind:      KindCodeAnalysis,
			Passed:    false,
			Details:   "Escape indicator detected: " + det.Detail,
			RiskLevel: RiskMedium,
		})
	}

	if len(checks) == 0 {
		return []Check{{
			Kind:      KindImportValidation,
			Passed:    true,
			Details:   "Code passed all security validations",
			RiskLevel: RiskLow,
		}}
	}

	if Vetoed(checks) {
		log.Warn().Int("findings", len(checks)).Msg("code rejected by security validation")
	}
	return checks
}

// Complexity is a cyclomatic-style score: one plus the number of branching
// keywords and boolean operators.
func Complexity(code string) int {
	return 1 + len(complexityKeywords.FindAllStringIndex(code, -1))
}

// Vetoed reports whether any check is a failed high-risk finding.
func Vetoed(checks []Check) bool {
	for _, c := range checks {
		if !c.Passed && c.RiskLevel == RiskHigh {
			return true
		}
	}
	return false
}

// Failures returns the failed checks of the given risk level.
func Failures(checks []Check, level RiskLevel) []Check {
	var out []Check
	for _, c := range checks {
		if !c.Passed && c.RiskLevel == level {
			out = append(out, c)
		}
	}
	return out
}

// IsCommandAllowed reports whether cmd passes the command policy.
func (v *Validator) IsCommandAllowed(cmd string) bool {
	return v.commands.Check(cmd) == nil
}

// CheckCommand returns a *CommandRejection naming the rule cmd violates, or nil.
func (v *Validator) CheckCommand(cmd string) error {
	if err := v.commands.Check(cmd); err != nil {
		return err
	}
	for _, det := range v.detector.AnalyzeCode(cmd) {
		log.Warn().Str("pattern", det.Pattern).Msg("allowed command carries escape indicator")
	}
	return nil
}

// AnalyzeOutput scans execution output for signs of host information leaking
// into the sandbox.
func (v *Validator) AnalyzeOutput(output string) []Detection {
	return v.detector.AnalyzeOutput(output)
}
