package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"sandbox-engine/internal/sandbox"
	"sandbox-engine/pkg/seccomp"
)

const (
	bundleConfig  = "config.json"
	seccompConfig = "seccomp.json"
)

// runtimeSpec builds the OCI runtime spec for a container so its directory
// can be handed to runc or crun as a bundle.
func runtimeSpec(id string, cfg Config, limits sandbox.ResourceLimits) *specs.Spec {
	workDir := cfg.WorkingDir
	if workDir == "" {
		workDir = workspaceDir
	}

	env := sandbox.SanitizedEnv(sandboxHome, cfg.Environment)
	spec := &specs.Spec{
		Version:  specs.Version,
		Hostname: cfg.Name,
		Root: &specs.Root{
			Path: "rootfs",
		},
		Process: &specs.Process{
			Terminal: false,
			Args:     []string{"/bin/sh", "-l"},
			Env:      env,
			Cwd:      workDir,
		},
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc", Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		},
		Annotations: map[string]string{
			"org.sandbox-engine.instance": id,
		},
	}

	for _, b := range cfg.Binds {
		src, dst, err := parseBind(b)
		if err != nil {
			continue
		}
		opts := []string{"rbind", "nosuid", "nodev"}
		if readOnlyBind(b) {
			opts = append(opts, "ro")
		}
		spec.Mounts = append(spec.Mounts, specs.Mount{Destination: dst, Type: "bind", Source: src, Options: opts})
	}

	sandbox.ApplyResourceLimits(spec, limits)
	sandbox.ApplySecurityProfile(spec, sandbox.NewSecurityProfile(cfg.Networking))
	return spec
}

// writeBundle writes config.json and a standalone seccomp.json next to the
// rootfs directory.
func writeBundle(dir, id string, cfg Config, limits sandbox.ResourceLimits) error {
	spec := runtimeSpec(id, cfg, limits)

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, bundleConfig), data, 0o644); err != nil {
		return fmt.Errorf("write runtime spec: %w", err)
	}

	profile, err := seccomp.MarshalProfile(spec.Linux.Seccomp)
	if err != nil {
		return fmt.Errorf("marshal seccomp profile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, seccompConfig), profile, 0o644); err != nil {
		return fmt.Errorf("write seccomp profile: %w", err)
	}
	return nil
}

func readOnlyBind(b string) bool {
	return len(b) > 3 && b[len(b)-3:] == ":ro"
}

// mountBinds bind-mounts the configured host paths into the rootfs. Only
// used in chroot mode where the process has the privileges to mount.
func mountBinds(rootfs string, binds []string) ([]string, error) {
	var mounted []string
	for _, b := range binds {
		src, dst, err := parseBind(b)
		if err != nil {
			return mounted, err
		}
		target := filepath.Join(rootfs, filepath.Clean(dst))
		if err := os.MkdirAll(target, 0o755); err != nil {
			return mounted, fmt.Errorf("create bind target %s: %w", dst, err)
		}
		if err := bindMount(src, target, readOnlyBind(b)); err != nil {
			return mounted, fmt.Errorf("bind %s: %w", b, err)
		}
		mounted = append(mounted, target)
	}
	return mounted, nil
}

// unmountAll releases targets deepest first.
func unmountAll(targets []string) error {
	sorted := append([]string(nil), targets...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	var errs []error
	for _, t := range sorted {
		if err := unmount(t); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
