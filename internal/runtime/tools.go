package runtime

// DevToolsToolchain installs editors and everyday command line tools.
type DevToolsToolchain struct{}

func (d *DevToolsToolchain) Name() string { return "devtools" }

func (d *DevToolsToolchain) Packages() []string {
	return []string{"bash", "curl", "wget", "git", "vim", "nano", "htop"}
}

func (d *DevToolsToolchain) PostInstall() []string { return nil }

func (d *DevToolsToolchain) Probe() string { return "git --version" }

func (d *DevToolsToolchain) Command(string) []string { return nil }

// BuildToolchain installs a C toolchain for native extensions.
type BuildToolchain struct{}

func (b *BuildToolchain) Name() string { return "build" }

func (b *BuildToolchain) Packages() []string { return []string{"build-base", "cmake"} }

func (b *BuildToolchain) PostInstall() []string { return nil }

func (b *BuildToolchain) Probe() string { return "gcc --version" }

func (b *BuildToolchain) Command(string) []string { return nil }

// CodeServerToolchain installs the browser IDE served by interactive
// services.
type CodeServerToolchain struct{}

func (c *CodeServerToolchain) Name() string { return "code-server" }

func (c *CodeServerToolchain) Packages() []string {
	return []string{"nodejs", "npm", "build-base", "python3", "libstdc++", "krb5-dev"}
}

func (c *CodeServerToolchain) PostInstall() []string {
	return []string{"npm install --global --unsafe-perm code-server"}
}

func (c *CodeServerToolchain) Probe() string { return "code-server --version" }

func (c *CodeServerToolchain) Command(string) []string { return nil }
