package runtime

// NodeToolchain provisions Node.js and npm.
type NodeToolchain struct{}

func (n *NodeToolchain) Name() string { return "node" }

func (n *NodeToolchain) Packages() []string { return []string{"nodejs", "npm"} }

func (n *NodeToolchain) PostInstall() []string { return nil }

func (n *NodeToolchain) Probe() string { return "node --version" }

func (n *NodeToolchain) Command(path string) []string {
	return []string{
		"node",
		"--max-old-space-size=256", // Limit V8 heap
		"--disallow-code-generation-from-strings",
		path,
	}
}
