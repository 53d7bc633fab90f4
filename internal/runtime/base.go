// Package runtime describes the toolchains that can be provisioned into a
// container rootfs and how code for each is launched.
package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Toolchain defines how a language or tool set is installed into an Alpine
// rootfs and how scripts for it are started.
type Toolchain interface {
	// Name returns the toolchain identifier (e.g., "python", "node").
	Name() string

	// Packages returns the apk packages the toolchain needs.
	Packages() []string

	// PostInstall returns shell commands run after the apk packages are in place.
	PostInstall() []string

	// Probe returns a command that exits zero when the toolchain is usable.
	Probe() string

	// Command returns the command and args that execute the script at path.
	// Tool sets without an interpreter return nil.
	Command(path string) []string
}

// Registry maps toolchain names to their definitions.
type Registry struct {
	toolchains map[string]Toolchain
}

// NewRegistry creates a registry with all supported toolchains.
func NewRegistry() *Registry {
	r := &Registry{
		toolchains: make(map[string]Toolchain),
	}
	r.Register(&PythonToolchain{})
	r.Register(&NodeToolchain{})
	r.Register(&GoToolchain{})
	r.Register(&ShellToolchain{})
	r.Register(&DevToolsToolchain{})
	r.Register(&BuildToolchain{})
	r.Register(&CodeServerToolchain{})
	return r
}

func (r *Registry) Register(tc Toolchain) {
	r.toolchains[tc.Name()] = tc
}

func (r *Registry) Get(name string) (Toolchain, error) {
	tc, ok := r.toolchains[name]
	if !ok {
		return nil, fmt.Errorf("unsupported toolchain: %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return tc, nil
}

// Names returns all registered toolchain names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.toolchains))
	for name := range r.toolchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstallPlan returns the ordered shell commands that provision the named
// toolchains: one index refresh, one deduplicated apk add, then each
// toolchain's post-install steps in request order.
func (r *Registry) InstallPlan(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var packages []string
	var post []string
	for _, name := range names {
		tc, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		for _, pkg := range tc.Packages() {
			if !seen[pkg] {
				seen[pkg] = true
				packages = append(packages, pkg)
			}
		}
		post = append(post, tc.PostInstall()...)
	}

	plan := []string{"apk update"}
	if len(packages) > 0 {
		plan = append(plan, "apk add --no-cache "+strings.Join(packages, " "))
	}
	return append(plan, post...), nil
}
