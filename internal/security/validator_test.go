package security

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateVetoes(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		code string
	}{
		{"import socket", "import socket\ns = socket.socket()"},
		{"import os", "import os"},
		{"from subprocess", "from subprocess import run"},
		{"from os.path", "from os.path import join"},
		{"dunder import", "m = __import__('os')"},
		{"exec", "exec('print(1)')"},
		{"eval", "x = eval('1+1')"},
		{"open", "f = open('/etc/passwd')"},
		{"system call", "lib.system('ls')"},
		{"dunder attribute", "print(obj.__dict__)"},
		{"parenthesized from import", "from logging import (os)"},
		{"from import list", "from logging import getLogger, os"},
		{"multiline from import", "from logging import (\n    getLogger,\n    os,\n)"},
		{"import list", "import json, os"},
		{"frame walk", "f = logging.currentframe().f_back"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := v.Validate(tt.code)
			if !Vetoed(checks) {
				t.Fatalf("Validate(%q) did not veto: %+v", tt.code, checks)
			}
			high := Failures(checks, RiskHigh)
			if len(high) == 0 {
				t.Fatal("expected at least one high-risk failure")
			}
			if high[0].Kind != KindImportValidation {
				t.Errorf("kind = %v, want import_validation", high[0].Kind)
			}
			if !strings.HasPrefix(high[0].Details, "Blocked pattern detected: ") {
				t.Errorf("details = %q", high[0].Details)
			}
		})
	}
}

func TestValidateClean(t *testing.T) {
	v := NewValidator()

	for _, code := range []string{
		"x = 1 + 1\nprint(x)",
		"import numpy as np\nprint(np.arange(3).sum())",
		"import matplotlib.pyplot as plt\nplt.plot([1,2,3],[4,5,6])",
		"import json, math\nprint(json.dumps({'os': math.pi}))",
		"from collections import (\n    Counter,\n    OrderedDict,\n)",
		"",
	} {
		checks := v.Validate(code)
		if len(checks) != 1 {
			t.Fatalf("Validate(%q) returned %d checks, want 1: %+v", code, len(checks), checks)
		}
		c := checks[0]
		if !c.Passed || c.RiskLevel != RiskLow {
			t.Errorf("Validate(%q) = %+v, want a passing low-risk check", code, c)
		}
	}
}

func TestValidateSuspiciousDoesNotVeto(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		code string
	}{
		{"infinite loop", "while True:\n    pass"},
		{"huge range", "for i in range(10000000):\n    pass"},
		{"large exponent", "x = 2 ** 100000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := v.Validate(tt.code)
			if Vetoed(checks) {
				t.Fatalf("medium findings must not veto: %+v", checks)
			}
			if len(Failures(checks, RiskMedium)) == 0 {
				t.Fatalf("expected a medium finding, got %+v", checks)
			}
		})
	}
}

func TestValidateComplexity(t *testing.T) {
	v := NewValidator(WithComplexityThreshold(5))
	code := strings.Repeat("if a and b:\n    pass\n", 4)

	checks := v.Validate(code)
	found := false
	for _, c := range checks {
		if strings.HasPrefix(c.Details, "Code complexity too high: ") {
			found = true
			if c.RiskLevel != RiskMedium || c.Kind != KindCodeAnalysis {
				t.Errorf("complexity check = %+v", c)
			}
		}
	}
	if !found {
		t.Fatalf("expected complexity finding, got %+v", checks)
	}

	if got := Complexity("if a or not b:\n    pass\nelse:\n    pass"); got != 5 {
		t.Errorf("Complexity = %d, want 5", got)
	}
}

func TestValidateOversized(t *testing.T) {
	v := NewValidator(WithMaxCodeBytes(16))
	checks := v.Validate(strings.Repeat("x", 17))
	if len(checks) != 1 || checks[0].Kind != KindResourceLimit || !Vetoed(checks) {
		t.Fatalf("oversized code = %+v", checks)
	}
}

func TestCheckJSON(t *testing.T) {
	raw, err := json.Marshal(Check{Kind: KindCodeAnalysis, Details: "d", RiskLevel: RiskMedium})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"code_analysis","passed":false,"details":"d","risk_level":"medium"}`
	if string(raw) != want {
		t.Errorf("json = %s, want %s", raw, want)
	}
}

func TestIsPackageAllowed(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		want bool
	}{
		{"numpy", true},
		{"Pandas==2.1.0", true},
		{"scikit_learn", true},
		{"paramiko", false},
		{"requests", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := v.IsPackageAllowed(tt.name); got != tt.want {
			t.Errorf("IsPackageAllowed(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}

	custom := NewValidator(WithAllowedPackages("requests"))
	if !custom.IsPackageAllowed("requests") || custom.IsPackageAllowed("numpy") {
		t.Error("WithAllowedPackages did not replace the allow-list")
	}
}
