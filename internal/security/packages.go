package security

import "strings"

// DefaultAllowedPackages lists the packages the interpreter may install at
// runtime: numerical, data, plotting and text processing libraries.
var DefaultAllowedPackages = []string{
	"numpy", "pandas", "matplotlib", "scipy", "pillow", "seaborn", "plotly",
	"bokeh", "scikit-learn", "statsmodels", "sympy", "networkx",
	"beautifulsoup4", "lxml", "openpyxl", "xlrd", "pyyaml", "regex",
	"python-dateutil", "pytz", "tabulate", "nltk", "textblob",
}

// IsPackageAllowed reports whether name is on the install allow-list.
func (v *Validator) IsPackageAllowed(name string) bool {
	return v.packages[NormalizePackage(name)]
}

// NormalizePackage lowercases a requirement and strips any version specifier
// so "Pandas==2.1" and "pandas" compare equal.
func NormalizePackage(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexAny(name, "<>=!~[; "); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "_", "-")
}
