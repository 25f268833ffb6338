package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"scadloop/internal/database"
	"scadloop/internal/lineage"
	"scadloop/internal/loop"
	"scadloop/internal/metrics"
)

// Server exposes the compilation pipeline over stdio JSON-RPC
type Server struct {
	manager   *loop.Manager
	store     *lineage.Store
	output    *database.OutputDB
	histogram *metrics.Histogram
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a server around an already-wired pipeline
func NewServer(manager *loop.Manager, store *lineage.Store, output *database.OutputDB) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		manager: manager,
		store:   store,
		output:  output,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Serve processes newline-delimited JSON-RPC requests until stdin closes
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(stdout, nil, -32700, "Parse error", err.Error())
			continue
		}

		response := s.handleRequest(&req)

		responseJSON, err := json.Marshal(response)
		if err != nil {
			slog.Error("failed to marshal response", "error", err)
			continue
		}

		fmt.Fprintln(stdout, string(responseJSON))
	}

	return scanner.Err()
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolCall(req)
	default:
		return s.errorResponse(req.ID, -32601, "Method not found", req.Method)
	}
}

// handleInitialize handles initialization request
func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "scadloop",
				"version": "1.0.0",
			},
		},
	}
}

// handleToolsList handles tools/list request
func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	// Progressive disclosure: a single tool with an action parameter
	tools := []map[string]interface{}{
		{
			"name":        "scadloop",
			"description": "Validate, compile and version AI-generated 3D model scripts with automatic repair and fallback",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{
						"type": "string",
						"enum": []string{
							"submit_design", "refine_design", "get_design",
							"get_version", "list_versions", "abandon_design",
							"list_actions", "get_stats",
						},
						"description": "Action to perform. Use 'list_actions' to see all available actions with descriptions.",
					},
					"params": map[string]interface{}{
						"type":        "object",
						"description": "Action-specific parameters. See 'list_actions' for per-action fields.",
					},
				},
				"required": []string{"action", "params"},
			},
		},
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": tools,
		},
	}
}

// handleToolCall handles tools/call request
func (s *Server) handleToolCall(req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	if params.Name != "scadloop" {
		return s.errorResponse(req.ID, -32602, "Unknown tool", params.Name)
	}

	action, ok := params.Arguments["action"].(string)
	if !ok {
		return s.errorResponse(req.ID, -32602, "Missing action parameter", nil)
	}

	actionParams, ok := params.Arguments["params"].(map[string]interface{})
	if !ok {
		actionParams = make(map[string]interface{})
	}

	result, err := s.dispatchAction(action, actionParams)
	if err != nil {
		return s.errorResponse(req.ID, -32000, "Action failed", err.Error())
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return s.errorResponse(req.ID, -32000, "Action failed", err.Error())
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": string(resultJSON),
				},
			},
		},
	}
}

// Shutdown cancels any in-flight jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return nil
}

// sendError sends an error response
func (s *Server) sendError(stdout io.Writer, id interface{}, code int, message, data string) {
	response := s.errorResponse(id, code, message, data)
	responseJSON, _ := json.Marshal(response)
	fmt.Fprintln(stdout, string(responseJSON))
}

// errorResponse creates an error response
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
