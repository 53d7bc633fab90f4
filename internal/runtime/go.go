package runtime

// GoToolchain provisions the Go compiler.
type GoToolchain struct{}

func (g *GoToolchain) Name() string { return "go" }

func (g *GoToolchain) Packages() []string { return []string{"go"} }

func (g *GoToolchain) PostInstall() []string { return nil }

func (g *GoToolchain) Probe() string { return "go version" }

func (g *GoToolchain) Command(path string) []string {
	return []string{"go", "run", path}
}
