package container

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"sandbox-engine/internal/sandbox"
)

const (
	sandboxUser  = "developer"
	sandboxHome  = "/home/developer"
	workspaceDir = "/workspace"
)

var (
	baseDirs         = []string{"workspace", "projects", "data", "tmp", "var/log", "bin", "etc/profile.d", "home/developer"}
	workspaceSubdirs = []string{"scripts", "notebooks", "data", "results"}
)

type bootstrapStep struct {
	name string
	fn   func(root *os.Root) error
}

// bootstrap prepares a freshly extracted rootfs: directories, DNS, shell
// profile, timezone, the unprivileged user and the workspace skeleton. Every
// step is attempted; failures are returned as warnings.
func bootstrap(rootfs string, dns []string) []string {
	root, err := os.OpenRoot(rootfs)
	if err != nil {
		return []string{fmt.Sprintf("bootstrap skipped: %v", err)}
	}
	defer root.Close()

	steps := []bootstrapStep{
		{"directories", makeBaseDirs},
		{"resolv.conf", func(r *os.Root) error { return writeResolvConf(r, dns) }},
		{"profile", writeProfile},
		{"timezone", linkTimezone},
		{"user", addUser},
		{"sudoers", writeSudoers},
		{"workspace", makeWorkspace},
	}

	var warnings []string
	for _, step := range steps {
		if err := step.fn(root); err != nil {
			warnings = append(warnings, fmt.Sprintf("Setup step %s failed: %v", step.name, err))
		}
	}
	return warnings
}

func makeBaseDirs(root *os.Root) error {
	for _, d := range baseDirs {
		if err := root.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return root.Chmod("tmp", 0o777|fs.ModeSticky)
}

// replaceFile writes data at name, replacing a symlink rather than writing
// through it.
func replaceFile(root *os.Root, name string, data []byte, perm fs.FileMode) error {
	if info, err := root.Lstat(name); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := root.Remove(name); err != nil {
			return err
		}
	}
	return root.WriteFile(name, data, perm)
}

func writeResolvConf(root *os.Root, dns []string) error {
	var b strings.Builder
	for _, ns := range dns {
		fmt.Fprintf(&b, "nameserver %s\n", ns)
	}
	return replaceFile(root, "etc/resolv.conf", []byte(b.String()), 0o644)
}

func writeProfile(root *os.Root) error {
	profile := "export PATH=" + sandbox.DefaultPath + "\n" +
		"export TERM=xterm-256color\n" +
		"export LANG=C.UTF-8\n"
	return replaceFile(root, "etc/profile.d/path.sh", []byte(profile), 0o644)
}

func linkTimezone(root *os.Root) error {
	_ = root.Remove("etc/localtime")
	return root.Symlink("/usr/share/zoneinfo/UTC", "etc/localtime")
}

// addUser registers the unprivileged account in passwd, group and shadow and
// adds it to wheel. Existing entries are left alone.
func addUser(root *os.Root) error {
	uid, gid := sandbox.SandboxUID, sandbox.SandboxGID
	if err := appendLine(root, "etc/passwd", sandboxUser+":",
		fmt.Sprintf("%s:x:%d:%d:%s:%s:/bin/sh", sandboxUser, uid, gid, sandboxUser, sandboxHome)); err != nil {
		return err
	}
	if err := appendLine(root, "etc/group", sandboxUser+":", fmt.Sprintf("%s:x:%d:", sandboxUser, gid)); err != nil {
		return err
	}
	// Locked password; the account is entered by uid, never by login.
	if err := appendLine(root, "etc/shadow", sandboxUser+":", sandboxUser+":!::0:::::"); err != nil {
		return err
	}
	if err := addToGroup(root, "wheel", sandboxUser); err != nil {
		return err
	}
	chownTree(root, "home/developer", uid, gid)
	return nil
}

func appendLine(root *os.Root, name, prefix, line string) error {
	data, err := root.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, l := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(l, prefix) {
			return nil
		}
	}
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	data = append(data, line+"\n"...)
	return replaceFile(root, name, data, 0o644)
}

func addToGroup(root *os.Root, group, user string) error {
	data, err := root.ReadFile("etc/group")
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for i, l := range lines {
		fields := strings.Split(l, ":")
		if len(fields) != 4 || fields[0] != group {
			continue
		}
		members := strings.Split(fields[3], ",")
		for _, m := range members {
			if m == user {
				return nil
			}
		}
		if fields[3] == "" {
			fields[3] = user
		} else {
			fields[3] += "," + user
		}
		lines[i] = strings.Join(fields, ":")
		return replaceFile(root, "etc/group", []byte(strings.Join(lines, "\n")), 0o644)
	}
	return appendLine(root, "etc/group", group+":", fmt.Sprintf("%s:x:10:%s", group, user))
}

func writeSudoers(root *os.Root) error {
	return appendLine(root, "etc/sudoers", "%wheel", "%wheel ALL=(ALL) NOPASSWD: ALL")
}

func makeWorkspace(root *os.Root) error {
	for _, d := range workspaceSubdirs {
		if err := root.MkdirAll("workspace/"+d, 0o755); err != nil {
			return err
		}
	}
	chownTree(root, "workspace", sandbox.SandboxUID, sandbox.SandboxGID)
	return nil
}

// chownTree hands name and its direct children to uid:gid. Without
// privileges this is a no-op.
func chownTree(root *os.Root, name string, uid, gid int) {
	if os.Geteuid() != 0 {
		return
	}
	_ = root.Lchown(name, uid, gid)
	dir, err := root.Open(name)
	if err != nil {
		return
	}
	defer dir.Close()
	entries, err := dir.ReadDir(-1)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = root.Lchown(name+"/"+e.Name(), uid, gid)
	}
}
