package runtime

// ShellToolchain provides bash on top of busybox sh.
type ShellToolchain struct{}

func (s *ShellToolchain) Name() string { return "shell" }

func (s *ShellToolchain) Packages() []string { return []string{"bash"} }

func (s *ShellToolchain) PostInstall() []string { return nil }

func (s *ShellToolchain) Probe() string { return "bash --version" }

func (s *ShellToolchain) Command(path string) []string {
	return []string{
		"/bin/sh",
		"-e", // Exit on error
		"-u", // Treat unset variables as error
		path,
	}
}
