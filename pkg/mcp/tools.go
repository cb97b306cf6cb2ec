package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRun starts an execution from an inline definition or a named flow.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.definitionFrom(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	wait := req.GetBool("wait", false)

	id, err := s.registry.Start(ctx, def, inputs)
	if err != nil {
		return toolError("start failed", err), nil
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, id)

	if !wait {
		return marshalResult(map[string]any{
			"execution_id": id,
			"flow":         def.Name,
			"status":       schema.ExecutionStatusRunning,
		})
	}

	handle, err := s.registry.Wait(ctx, id)
	if err != nil {
		return toolError("wait failed", err), nil
	}
	return marshalResult(handle)
}

// handleStatus returns the handle of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	handle, err := s.registry.Status(id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(handle)
}

// handleCancel requests cancellation of a running execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if err := s.registry.Cancel(id, reason); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": id,
	})
}

// handleList lists running and retained executions, oldest first.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flow := req.GetString("flow", "")
	status := schema.ExecutionStatus(req.GetString("status", ""))

	handles := s.registry.List(flow)
	if status != "" {
		filtered := make([]*engine.Handle, 0, len(handles))
		for _, h := range handles {
			if h.Status == status {
				filtered = append(filtered, h)
			}
		}
		handles = filtered
	}

	return marshalResult(map[string]any{
		"executions": handles,
		"count":      len(handles),
	})
}

// --- Internal helpers ---

// definitionFrom decodes the inline definition or resolves the named flow.
func (s *Server) definitionFrom(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if src := req.GetString("definition", ""); src != "" {
		def, err := schema.ParseDefinition([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("invalid definition: %v", err)
		}
		return def, nil
	}

	name := req.GetString("flow", "")
	if name == "" {
		return nil, fmt.Errorf("one of definition or flow is required")
	}
	if s.loader == nil {
		return nil, fmt.Errorf("flow %q: no flows directory configured", name)
	}
	def, err := s.loader.Resolve(name, "")
	if err != nil {
		return nil, fmt.Errorf("flow lookup failed: %v", err)
	}
	return def, nil
}

// captureSession maps the execution to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders err as an error result. FlowErrors are returned as JSON
// so clients can read the code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if fe, ok := schema.AsFlowError(err); ok {
		if data, mErr := json.Marshal(map[string]any{"error": fe}); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
