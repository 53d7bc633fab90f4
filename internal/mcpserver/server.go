// Package mcpserver exposes the sandbox engine as Model Context Protocol
// tools so agent hosts can drive sandboxes over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/container"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/orchestrator"
)

// Engine is the part of the orchestrator the tools call.
type Engine interface {
	CreateLanguageSandbox(ctx context.Context, id string) (*orchestrator.InstanceInfo, error)
	CreateContainer(ctx context.Context, cfg container.Config) (*container.Instance, error)
	Execute(ctx context.Context, id, code string, opts interpreter.Options) (*interpreter.Result, error)
	Run(ctx context.Context, id, command string, opts container.RunOptions) (*container.CommandResult, error)
	GetResourceMetrics(id string) (accounting.ResourceUsage, error)
}

// Server wraps an MCP server bound to one engine.
type Server struct {
	engine Engine
	mcp    *server.MCPServer
	logger zerolog.Logger
}

// New registers the sandbox tools.
func New(engine Engine, version string) *Server {
	s := &Server{
		engine: engine,
		mcp:    server.NewMCPServer("sandbox-engine", version, server.WithToolCapabilities(false)),
		logger: log.With().Str("component", "mcp").Logger(),
	}

	s.mcp.AddTool(mcp.NewTool("create_sandbox",
		mcp.WithDescription("Create a persistent Python sandbox and return its instance info"),
		mcp.WithString("instance_id", mcp.Description("Sandbox ID; generated when empty")),
	), s.handleCreateSandbox)

	s.mcp.AddTool(mcp.NewTool("execute_python",
		mcp.WithDescription("Run Python code in a sandbox. Variables persist between calls."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Sandbox ID")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source to execute")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Execution timeout; 0 uses the sandbox default")),
		mcp.WithBoolean("skip_artifacts", mcp.Description("Do not capture plots or dataframes")),
	), s.handleExecutePython)

	s.mcp.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run a shell command inside a container"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Container ID")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line passed to /bin/sh -c")),
		mcp.WithString("work_dir", mcp.Description("Working directory inside the container")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Command timeout; 0 uses the default")),
	), s.handleRunCommand)

	s.mcp.AddTool(mcp.NewTool("create_container",
		mcp.WithDescription("Create and start an Alpine container"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Container name")),
		mcp.WithString("architecture", mcp.Description("x86_64 or arm64"), mcp.Enum("x86_64", "arm64")),
		mcp.WithBoolean("networking", mcp.Description("Allow outbound network access")),
		mcp.WithString("memory", mcp.Description("Memory limit such as 512M")),
		mcp.WithString("cpu", mcp.Description("CPU cores such as 1.5")),
		mcp.WithString("storage", mcp.Description("Storage limit such as 1G")),
	), s.handleCreateContainer)

	s.mcp.AddTool(mcp.NewTool("get_resource_metrics",
		mcp.WithDescription("Report memory, CPU, storage and network usage of an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Sandbox or container ID")),
	), s.handleResourceMetrics)

	return s
}

// ServeStdio serves MCP over stdin and stdout until EOF.
func (s *Server) ServeStdio() error {
	s.logger.Info().Msg("starting MCP server on stdio")
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) handleCreateSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.engine.CreateLanguageSandbox(ctx, req.GetString("instance_id", ""))
	return s.result("create_sandbox", info, err)
}

func (s *Server) handleExecutePython(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.engine.Execute(ctx, id, code, interpreter.Options{
		Timeout:       seconds(req.GetFloat("timeout_seconds", 0)),
		SkipArtifacts: req.GetBool("skip_artifacts", false),
	})
	return s.result("execute_python", res, err)
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.engine.Run(ctx, id, command, container.RunOptions{
		WorkDir: req.GetString("work_dir", ""),
		Timeout: seconds(req.GetFloat("timeout_seconds", 0)),
	})
	return s.result("run_command", res, err)
}

func (s *Server) handleCreateContainer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inst, err := s.engine.CreateContainer(ctx, container.Config{
		Name:         name,
		Architecture: req.GetString("architecture", "x86_64"),
		Networking:   req.GetBool("networking", false),
		Limits: container.LimitSpec{
			Memory:  req.GetString("memory", ""),
			CPU:     req.GetString("cpu", ""),
			Storage: req.GetString("storage", ""),
		},
	})
	return s.result("create_container", inst, err)
}

func (s *Server) handleResourceMetrics(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	usage, err := s.engine.GetResourceMetrics(id)
	return s.result("get_resource_metrics", usage, err)
}

// result renders v as JSON text. Engine errors become tool errors so the
// calling model sees them instead of a protocol failure.
func (s *Server) result(tool string, v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		s.logger.Warn().Err(err).Str("tool", tool).Msg("tool call failed")
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err)), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
