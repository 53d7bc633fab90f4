package runtime

// PythonToolchain provisions CPython with the scientific stack.
type PythonToolchain struct{}

func (p *PythonToolchain) Name() string { return "python" }

func (p *PythonToolchain) Packages() []string {
	return []string{"python3", "py3-pip", "py3-numpy", "py3-pandas", "py3-matplotlib"}
}

func (p *PythonToolchain) PostInstall() []string {
	return []string{"pip3 install --break-system-packages --no-cache-dir scipy seaborn jupyter"}
}

func (p *PythonToolchain) Probe() string { return "python3 --version" }

func (p *PythonToolchain) Command(path string) []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		path,
	}
}
