package container

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
)

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

func writeArchive(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
			if e.typeflag == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     mode,
			Size:     int64(len(e.body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

// minimalRootfs is an archive whose /bin/sh points at the host shell, which
// is enough for mode none.
func minimalRootfs() []tarEntry {
	return []tarEntry{
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/sh", typeflag: tar.TypeSymlink, linkname: "/bin/sh"},
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/passwd", typeflag: tar.TypeReg, body: "root:x:0:0:root:/root:/bin/sh\n"},
		{name: "etc/group", typeflag: tar.TypeReg, body: "root:x:0:root\nwheel:x:10:root\n"},
		{name: "tmp/", typeflag: tar.TypeDir, mode: 0o1777},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	cfg := ManagerConfig{
		DataDir:          dir,
		ImageDir:         filepath.Join(dir, "images"),
		AlpineVersion:    "3.18.4",
		Mode:             ModeNone,
		// No pids limit: RLIMIT_NPROC counts every process of the test user.
		Limits: sandbox.ResourceLimits{
			MemoryBytes:  512 * sandbox.MiB,
			CPUCores:     1,
			StorageBytes: sandbox.GiB,
			CPUSeconds:   60,
		},
		CommandTimeout:   10 * time.Second,
		PollSchedule:     "@every 1h",
		ServiceStartWait: 500 * time.Millisecond,
	}
	writeArchive(t, filepath.Join(cfg.ImageDir, ImageName(cfg.AlpineVersion, "x86_64")), minimalRootfs())

	m, err := NewManager(cfg, security.NewValidator(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func createContainer(t *testing.T, m *Manager, name string) *Instance {
	t.Helper()
	inst, err := m.Create(context.Background(), Config{Name: name, Architecture: "x86_64"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inst
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512M", 512 * sandbox.MiB, false},
		{"512MB", 512 * sandbox.MiB, false},
		{"1g", sandbox.GiB, false},
		{"1GB", sandbox.GiB, false},
		{"64k", 64 << 10, false},
		{"", 0, true},
		{"lots", 0, true},
		{"1.5G", 0, true},
		{"-1M", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				if !errors.Is(err, sandbox.ErrInvalidConfig) {
					t.Fatalf("ParseSize(%q) err = %v, want ErrInvalidConfig", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", Config{Name: "dev", Architecture: "arm64", Limits: LimitSpec{Memory: "1G", CPU: "2"}}, ""},
		{"memory over ceiling", Config{Name: "dev", Architecture: "x86_64", Limits: LimitSpec{Memory: "2GB"}}, "Memory limit exceeds maximum allowed (1GB)"},
		{"cpu over ceiling", Config{Name: "dev", Architecture: "x86_64", Limits: LimitSpec{CPU: "4"}}, "CPU limit exceeds maximum allowed (2 cores)"},
		{"bad memory", Config{Name: "dev", Architecture: "x86_64", Limits: LimitSpec{Memory: "huge"}}, "Invalid memory limit format: huge"},
		{"cpu NaN", Config{Name: "dev", Architecture: "x86_64", Limits: LimitSpec{CPU: "NaN"}}, "Invalid CPU limit: NaN"},
		{"cpu infinite", Config{Name: "dev", Architecture: "x86_64", Limits: LimitSpec{CPU: "+Inf"}}, "Invalid CPU limit: +Inf"},
		{"architecture", Config{Name: "dev", Architecture: "mips"}, "Unsupported architecture: mips"},
		{"name", Config{Name: "../etc", Architecture: "x86_64"}, "invalid container name"},
		{"bind", Config{Name: "dev", Architecture: "x86_64", Binds: []string{"relative:/data"}}, "invalid bind"},
		{"working dir", Config{Name: "dev", Architecture: "x86_64", WorkingDir: "workspace"}, "must be absolute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, sandbox.ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "AUTO": ModeAuto, "chroot": ModeChroot, "landlock": ModeLandlock, "none": ModeNone} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("docker"); !errors.Is(err, sandbox.ErrInvalidConfig) {
		t.Errorf("ParseMode(docker) err = %v", err)
	}
	if ModeAuto.Resolve() == ModeAuto {
		t.Error("Resolve left auto unresolved")
	}
}

func TestExtractRootfsRejectsEscapes(t *testing.T) {
	tests := []struct {
		name  string
		entry tarEntry
	}{
		{"parent traversal", tarEntry{name: "../evil", typeflag: tar.TypeReg, body: "x"}},
		{"nested traversal", tarEntry{name: "etc/../../evil", typeflag: tar.TypeReg, body: "x"}},
		{"absolute", tarEntry{name: "/etc/evil", typeflag: tar.TypeReg, body: "x"}},
		{"hard link out", tarEntry{name: "link", typeflag: tar.TypeLink, linkname: "../../etc/passwd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "image.tar.gz")
			writeArchive(t, archive, []tarEntry{tt.entry})

			dest := filepath.Join(dir, "rootfs")
			err := ExtractRootfs(archive, dest)
			if !errors.Is(err, sandbox.ErrExtractionFailed) {
				t.Fatalf("err = %v, want ErrExtractionFailed", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "evil")); err == nil {
				t.Error("entry escaped the destination")
			}
		})
	}
}

func TestExtractRootfsDoesNotWriteThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	if err := os.Mkdir(outside, 0o755); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(dir, "image.tar.gz")
	writeArchive(t, archive, []tarEntry{
		{name: "escape", typeflag: tar.TypeSymlink, linkname: outside},
		{name: "escape/pwned", typeflag: tar.TypeReg, body: "x"},
	})

	if err := ExtractRootfs(archive, filepath.Join(dir, "rootfs")); err == nil {
		t.Fatal("expected extraction to fail")
	}
	if _, err := os.Stat(filepath.Join(outside, "pwned")); err == nil {
		t.Fatal("file written through symlink outside rootfs")
	}
}

func TestExtractRootfsDropsSetuid(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "image.tar.gz")
	writeArchive(t, archive, []tarEntry{
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/tool", typeflag: tar.TypeReg, body: "#!/bin/sh\n", mode: 0o4755},
		{name: "tmp/", typeflag: tar.TypeDir, mode: 0o1777},
	})
	dest := filepath.Join(dir, "rootfs")
	if err := ExtractRootfs(archive, dest); err != nil {
		t.Fatalf("ExtractRootfs: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "bin", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSetuid != 0 {
		t.Error("setuid bit survived extraction")
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	tmp, err := os.Stat(filepath.Join(dest, "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if tmp.Mode()&os.ModeSticky == 0 {
		t.Error("sticky bit dropped from tmp")
	}
}

func TestBootstrap(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "etc", "group"), []byte("root:x:0:root\nwheel:x:10:root\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	warnings := bootstrap(rootfs, []string{"9.9.9.9"})
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	// A second run changes nothing.
	if warnings := bootstrap(rootfs, []string{"9.9.9.9"}); len(warnings) != 0 {
		t.Fatalf("second run warnings = %v", warnings)
	}

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(rootfs, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return string(data)
	}

	if got := read("etc/resolv.conf"); got != "nameserver 9.9.9.9\n" {
		t.Errorf("resolv.conf = %q", got)
	}
	if got := read("etc/profile.d/path.sh"); !strings.Contains(got, "export PATH=") {
		t.Errorf("path.sh = %q", got)
	}
	if got := read("etc/passwd"); strings.Count(got, "developer:x:1000:1000:") != 1 {
		t.Errorf("passwd = %q", got)
	}
	if got := read("etc/group"); !strings.Contains(got, "wheel:x:10:root,developer\n") {
		t.Errorf("group = %q", got)
	}
	if got := read("etc/sudoers"); strings.Count(got, "%wheel ALL=(ALL) NOPASSWD: ALL") != 1 {
		t.Errorf("sudoers = %q", got)
	}
	if link, err := os.Readlink(filepath.Join(rootfs, "etc", "localtime")); err != nil || link != "/usr/share/zoneinfo/UTC" {
		t.Errorf("localtime -> %q, %v", link, err)
	}
	for _, d := range workspaceSubdirs {
		if info, err := os.Stat(filepath.Join(rootfs, "workspace", d)); err != nil || !info.IsDir() {
			t.Errorf("workspace/%s missing", d)
		}
	}
	if info, err := os.Stat(filepath.Join(rootfs, "tmp")); err != nil || info.Mode()&os.ModeSticky == 0 {
		t.Errorf("tmp not sticky: %v", err)
	}
}

func TestBootstrapReplacesSymlinkedResolvConf(t *testing.T) {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "host-resolv.conf")
	if err := os.WriteFile(target, []byte("host\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(rootfs, "etc", "resolv.conf")); err != nil {
		t.Fatal(err)
	}

	bootstrap(rootfs, []string{"1.1.1.1"})

	if data, _ := os.ReadFile(target); string(data) != "host\n" {
		t.Errorf("host file modified: %q", data)
	}
}

func TestRuntimeSpec(t *testing.T) {
	cfg := Config{
		Name:         "dev",
		Architecture: "x86_64",
		Binds:        []string{"/srv/data:/data:ro"},
		Environment:  map[string]string{"FOO": "bar"},
	}
	limits := sandbox.ResourceLimits{MemoryBytes: 256 * sandbox.MiB, CPUCores: 1, PidsLimit: 64}
	spec := runtimeSpec("container_1", cfg, limits)

	if spec.Root.Path != "rootfs" {
		t.Errorf("root = %q", spec.Root.Path)
	}
	if spec.Process.Cwd != workspaceDir {
		t.Errorf("cwd = %q", spec.Process.Cwd)
	}
	if *spec.Linux.Resources.Memory.Limit != 256*sandbox.MiB {
		t.Errorf("memory limit = %d", *spec.Linux.Resources.Memory.Limit)
	}
	if spec.Process.User.UID != sandbox.SandboxUID {
		t.Errorf("uid = %d", spec.Process.User.UID)
	}

	var netns bool
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace {
			netns = true
		}
	}
	if !netns {
		t.Error("network namespace missing with networking disabled")
	}

	var bind *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/data" {
			bind = &spec.Mounts[i]
		}
	}
	if bind == nil || bind.Source != "/srv/data" || !strings.Contains(strings.Join(bind.Options, ","), "ro") {
		t.Errorf("bind mount = %+v", bind)
	}
}

func TestWriteBundle(t *testing.T) {
	dir := t.TempDir()
	if err := writeBundle(dir, "container_1", Config{Name: "dev", Architecture: "x86_64"}, sandbox.DefaultLimits()); err != nil {
		t.Fatalf("writeBundle: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, bundleConfig))
	if err != nil {
		t.Fatal(err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("config.json: %v", err)
	}
	if spec.Linux == nil || spec.Linux.Seccomp == nil {
		t.Fatal("seccomp profile missing from bundle")
	}
	if _, err := os.Stat(filepath.Join(dir, seccompConfig)); err != nil {
		t.Errorf("seccomp.json: %v", err)
	}
}

func TestProcessSpecModes(t *testing.T) {
	c := jailCommand{
		rootfs:  "/data/containers/dev/rootfs",
		workDir: "/workspace",
		command: "ls",
		env:     map[string]string{"A": "1"},
	}

	chroot, err := ModeChroot.processSpec(c)
	if err != nil {
		t.Fatal(err)
	}
	if chroot.Chroot != c.rootfs || chroot.Dir != "/workspace" {
		t.Errorf("chroot spec = %+v", chroot)
	}
	if chroot.Credential == nil || chroot.Credential.Uid != sandbox.SandboxUID {
		t.Errorf("chroot credential = %+v", chroot.Credential)
	}
	if chroot.Cloneflags == 0 {
		t.Error("chroot without networking should unshare the network")
	}

	c.privileged = true
	c.networking = true
	priv, _ := ModeChroot.processSpec(c)
	if priv.Credential != nil || priv.Cloneflags != 0 {
		t.Errorf("privileged spec = %+v", priv)
	}

	none, err := ModeNone.processSpec(c)
	if err != nil {
		t.Fatal(err)
	}
	if none.Dir != "/data/containers/dev/rootfs/workspace" || none.Chroot != "" {
		t.Errorf("none spec = %+v", none)
	}

	ll, err := ModeLandlock.processSpec(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(ll.Args) != 1 || ll.Args[0] != TrampolineArg {
		t.Fatalf("landlock args = %v", ll.Args)
	}
	var encoded string
	for _, kv := range ll.Env {
		if v, ok := strings.CutPrefix(kv, PayloadEnv+"="); ok {
			encoded = v
		}
	}
	payload, err := decodePayload(encoded)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if payload.Command[0] != "/bin/sh" || payload.WorkDir != none.Dir || !payload.Networking {
		t.Errorf("payload = %+v", payload)
	}

	if _, err := ModeAuto.processSpec(c); !errors.Is(err, sandbox.ErrInvalidConfig) {
		t.Errorf("auto mode err = %v", err)
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	for _, in := range []string{"", "%%%", "e30="} {
		if _, err := decodePayload(in); err == nil {
			t.Errorf("decodePayload(%q) succeeded", in)
		}
	}
}

func TestCreateRejectsOversizedMemory(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), Config{Name: "big", Architecture: "x86_64", Limits: LimitSpec{Memory: "2GB"}})
	if !errors.Is(err, sandbox.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if _, err := os.Stat(filepath.Join(m.cfg.DataDir, "containers", "big")); !os.IsNotExist(err) {
		t.Errorf("container directory created for rejected config: %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("rejected container registered")
	}
}

func TestCreateDuplicateName(t *testing.T) {
	m := newTestManager(t)
	createContainer(t, m, "dev")

	_, err := m.Create(context.Background(), Config{Name: "dev", Architecture: "x86_64"})
	if !errors.Is(err, sandbox.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateMissingImage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), Config{Name: "arm", Architecture: "arm64"})
	if !errors.Is(err, sandbox.ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
	// The name is free again after a failed create.
	if err := m.reserve("arm"); err != nil {
		t.Errorf("name still reserved: %v", err)
	}
}

func TestEnsureImageVerifiesChecksum(t *testing.T) {
	src := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	writeArchive(t, src, minimalRootfs())
	archive, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(archive)
	good := hex.EncodeToString(sum[:])
	bad := strings.Repeat("0", 64)

	tests := []struct {
		name    string
		pinned  string
		sidecar string
		wantErr bool
	}{
		{"pinned digest", good, "", false},
		{"sidecar digest", "", good + "  alpine-minirootfs.tar.gz\n", false},
		{"pinned mismatch", bad, good, true},
		{"sidecar mismatch", "", bad + "  alpine-minirootfs.tar.gz\n", true},
		{"sidecar missing", "", "", true},
		{"sidecar malformed", "", "not-a-digest\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, ".sha256") {
					if tt.sidecar == "" {
						http.NotFound(w, r)
						return
					}
					_, _ = w.Write([]byte(tt.sidecar))
					return
				}
				_, _ = w.Write(archive)
			}))
			t.Cleanup(srv.Close)

			m := &Manager{cfg: ManagerConfig{
				ImageDir:      t.TempDir(),
				AlpineVersion: "3.18.4",
				ImageURL:      srv.URL + "/v{branch}/alpine-minirootfs-{version}-{arch}.tar.gz",
			}}
			if tt.pinned != "" {
				m.cfg.ImageSHA256 = map[string]string{"x86_64": tt.pinned}
			}

			local, err := m.ensureImage(context.Background(), "x86_64")
			if tt.wantErr {
				if !errors.Is(err, sandbox.ErrExtractionFailed) {
					t.Fatalf("err = %v, want ErrExtractionFailed", err)
				}
				entries, _ := os.ReadDir(m.cfg.ImageDir)
				if len(entries) != 0 {
					t.Errorf("image dir not empty after failure: %v", entries)
				}
				return
			}
			if err != nil {
				t.Fatalf("ensureImage: %v", err)
			}
			got, err := os.ReadFile(local)
			if err != nil || string(got) != string(archive) {
				t.Errorf("stored archive differs (err=%v)", err)
			}
		})
	}
}

func TestCreateReusesExtractedRootfs(t *testing.T) {
	m := newTestManager(t)
	// Without an image a fresh extraction would fail, so success means the
	// existing root was reused.
	if err := os.RemoveAll(m.cfg.ImageDir); err != nil {
		t.Fatal(err)
	}
	rootfs := filepath.Join(m.cfg.DataDir, "containers", "dev", "rootfs")
	if err := os.MkdirAll(filepath.Join(rootfs, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/bin/sh", filepath.Join(rootfs, "bin", "sh")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(rootfs, "workspace"), 0o755); err != nil {
		t.Fatal(err)
	}
	notes := filepath.Join(rootfs, "workspace", "notes.txt")
	if err := os.WriteFile(notes, []byte("kept"), 0o644); err != nil {
		t.Fatal(err)
	}

	inst := createContainer(t, m, "dev")

	if data, err := os.ReadFile(notes); err != nil || string(data) != "kept" {
		t.Errorf("workspace file = %q, %v; want it preserved", data, err)
	}
	if target, err := os.Readlink(filepath.Join(rootfs, "bin", "sh")); err != nil || target != "/bin/sh" {
		t.Errorf("bin/sh = %q, %v", target, err)
	}
	res, err := m.Run(context.Background(), inst.ID, "pwd", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("pwd exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
}

func TestCreateLayout(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")

	if !strings.HasPrefix(inst.ID, "container_") {
		t.Errorf("id = %q", inst.ID)
	}
	if inst.Status != StatusRunning || inst.StartTime.IsZero() {
		t.Errorf("instance = %+v", inst)
	}
	if inst.WorkingDirectory != workspaceDir || inst.Mode != ModeNone {
		t.Errorf("instance = %+v", inst)
	}
	if inst.Networking.Enabled {
		t.Error("networking enabled without being requested")
	}
	found := false
	for _, w := range inst.Warnings {
		if w == unconfinedWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want the unconfined note", inst.Warnings)
	}
	dir := filepath.Join(m.cfg.DataDir, "containers", "dev")
	for _, name := range []string{"rootfs/bin/sh", "rootfs/workspace/scripts", "rootfs/etc/resolv.conf", bundleConfig} {
		if _, err := os.Lstat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if inst.Resources.Memory.Limit != 512*sandbox.MiB {
		t.Errorf("memory limit = %d", inst.Resources.Memory.Limit)
	}
}

func TestRunPolicy(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")
	ctx := context.Background()

	res, err := m.Run(ctx, inst.ID, "rm -rf /", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 1 || res.Stdout != "" || !strings.Contains(res.Stderr, "recursive_root_delete") {
		t.Errorf("rejected result = %+v", res)
	}

	res, err = m.Run(ctx, inst.ID, "ls -la", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ls -la exit = %d, stderr = %q", res.ExitCode, res.Stderr)
	}
	for _, d := range workspaceSubdirs {
		if !strings.Contains(res.Stdout, d) {
			t.Errorf("ls output missing %s: %q", d, res.Stdout)
		}
	}
}

func TestRunEnvironmentAndExitCode(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")

	res, err := m.Run(context.Background(), inst.ID, `echo "$GREETING"; false`, RunOptions{Env: map[string]string{"GREETING": "hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" || res.ExitCode != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTimeout(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")

	start := time.Now()
	res, err := m.Run(context.Background(), inst.ID, `sh -c "sleep 5"`, RunOptions{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout did not kill the command")
	}
	if res.ExitCode != -1 || !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("result = %+v", res)
	}

	// The container is still usable.
	res, err = m.Run(context.Background(), inst.ID, "pwd", RunOptions{})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("run after timeout: %+v, %v", res, err)
	}
}

func TestLifecycle(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")
	ctx := context.Background()

	res, err := m.Run(ctx, inst.ID, "pwd", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stdout, "workspace") {
		t.Errorf("pwd = %q", res.Stdout)
	}

	if err := m.Stop(ctx, inst.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, err := m.Get(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusStopped {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := m.Run(ctx, inst.ID, "pwd", RunOptions{}); !errors.Is(err, sandbox.ErrNotRunning) {
		t.Fatalf("Run after stop err = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(inst.RootfsPath); err != nil {
		t.Errorf("rootfs removed by stop: %v", err)
	}

	if err := m.Remove(ctx, inst.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(inst.RootfsPath)); !os.IsNotExist(err) {
		t.Errorf("container dir still present: %v", err)
	}
	if _, err := m.Get(inst.ID); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("Get after remove err = %v", err)
	}
}

func TestRunUnknownContainer(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Run(context.Background(), "container_missing", "ls", RunOptions{}); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStopCancelsInFlightRun(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")

	done := make(chan *CommandResult, 1)
	go func() {
		res, _ := m.Run(context.Background(), inst.ID, `sh -c "sleep 10"`, RunOptions{})
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Busy(inst.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := m.Stop(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res != nil && res.ExitCode != -1 {
			t.Errorf("result after stop = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run survived stop")
	}
}

func TestStartInteractiveServiceValidatesPort(t *testing.T) {
	m := newTestManager(t)
	inst := createContainer(t, m, "dev")

	for _, port := range []int{0, 80, 1023, 70000} {
		if _, err := m.StartInteractiveService(context.Background(), inst.ID, port); !errors.Is(err, sandbox.ErrInvalidRequest) {
			t.Errorf("port %d err = %v, want ErrInvalidRequest", port, err)
		}
	}
}

func TestResourceWarningObserver(t *testing.T) {
	m := newTestManager(t)
	var got []string
	m.onWarning = func(id, resource string, _ accounting.ResourceUsage) { got = append(got, resource) }
	inst := createContainer(t, m, "dev")

	e, err := m.lookup(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	e.usage.SetLimits(100, 1, 0)
	e.usage.SetCPURate(0.95)
	m.checkHighWater(e)

	if len(got) != 1 || got[0] != "cpu" {
		t.Errorf("warnings = %v", got)
	}
}
