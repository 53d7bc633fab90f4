package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	timeout    string
	sandboxID  string
	workDir    string
	arch       string
	memory     string
	cpu        string
	storage    string
	networking bool
	instanceID string
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "CLI client for sandbox-engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Execute Python code
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute Python code in a sandbox, creating it if needed",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "30s", "Execution timeout")
	execCmd.Flags().StringVarP(&sandboxID, "sandbox", "s", "cli", "Sandbox ID")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a Python file in a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "30s", "Execution timeout")
	execFileCmd.Flags().StringVarP(&sandboxID, "sandbox", "s", "cli", "Sandbox ID")
	root.AddCommand(execFileCmd)

	// Run a command in a container
	runCmd := &cobra.Command{
		Use:   "run [container] [command]",
		Short: "Run a shell command in a container",
		Args:  cobra.ExactArgs(2),
		RunE:  runCommand,
	}
	runCmd.Flags().StringVar(&timeout, "timeout", "5m", "Command timeout")
	runCmd.Flags().StringVar(&workDir, "workdir", "", "Working directory inside the container")
	root.AddCommand(runCmd)

	containersCmd := &cobra.Command{
		Use:   "containers",
		Short: "Manage containers",
	}
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create and start a container",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreateContainer,
	}
	createCmd.Flags().StringVar(&arch, "arch", "x86_64", "Architecture (x86_64, arm64)")
	createCmd.Flags().StringVar(&memory, "memory", "", "Memory limit, e.g. 512M")
	createCmd.Flags().StringVar(&cpu, "cpu", "", "CPU cores, e.g. 1.5")
	createCmd.Flags().StringVar(&storage, "storage", "", "Storage limit, e.g. 1G")
	createCmd.Flags().BoolVar(&networking, "network", false, "Allow outbound network access")
	containersCmd.AddCommand(createCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List sandboxes and containers",
			RunE: func(_ *cobra.Command, _ []string) error {
				return call(http.MethodGet, "/v1/instances", nil)
			},
		},
		&cobra.Command{
			Use:   "stop [id]",
			Short: "Stop a container",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodPost, "/v1/containers/"+url.PathEscape(args[0])+"/stop", nil)
			},
		},
		&cobra.Command{
			Use:   "rm [id]",
			Short: "Destroy a sandbox or container",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodDelete, "/v1/instances/"+url.PathEscape(args[0]), nil)
			},
		},
	)
	root.AddCommand(containersCmd)

	root.AddCommand(&cobra.Command{
		Use:   "metrics [id]",
		Short: "Show resource usage of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/instances/"+url.PathEscape(args[0])+"/metrics", nil)
		},
	})

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show feature usage counts",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := "/v1/usage"
			if instanceID != "" {
				path += "?instance_id=" + url.QueryEscape(instanceID)
			}
			return call(http.MethodGet, path, nil)
		},
	}
	usageCmd.Flags().StringVar(&instanceID, "instance", "", "Only count this instance")
	root.AddCommand(usageCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/v1/executions", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(_ *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		// Read from stdin
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(string(data))
}

func executeCode(code string) error {
	// A 409 means the sandbox already exists, which is fine.
	status, _, err := send(http.MethodPost, "/v1/sandboxes", map[string]any{"id": sandboxID})
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return fmt.Errorf("creating sandbox %s: status %d", sandboxID, status)
	}

	_, result, err := send(http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sandboxID)+"/execute", map[string]any{
		"code":    code,
		"timeout": timeout,
	})
	if err != nil {
		return err
	}
	return printAndExit(result)
}

func runCommand(_ *cobra.Command, args []string) error {
	_, result, err := send(http.MethodPost, "/v1/containers/"+url.PathEscape(args[0])+"/run", map[string]any{
		"command":  args[1],
		"timeout":  timeout,
		"work_dir": workDir,
	})
	if err != nil {
		return err
	}
	return printAndExit(result)
}

func runCreateContainer(_ *cobra.Command, args []string) error {
	return call(http.MethodPost, "/v1/containers", map[string]any{
		"name":         args[0],
		"architecture": arch,
		"networking":   networking,
		"resource_limits": map[string]string{
			"memory":  memory,
			"cpu":     cpu,
			"storage": storage,
		},
	})
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

// call sends a request and pretty-prints the JSON reply.
func call(method, path string, payload any) error {
	_, result, err := send(method, path, payload)
	if err != nil {
		return err
	}
	if result != nil {
		formatted, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(formatted))
	}
	return nil
}

func send(method, path string, payload any) (int, any, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil, nil
	}
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, result, nil
}

func printAndExit(result any) error {
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Exit with the sandbox exit code
	if m, ok := result.(map[string]any); ok {
		if exitCode, ok := m["exit_code"].(float64); ok && exitCode != 0 {
			os.Exit(int(exitCode))
		}
	}
	return nil
}
