package rpc

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scadloop/internal/database"
	"scadloop/internal/lineage"
	"scadloop/internal/loop"
	"scadloop/internal/metrics"
	"scadloop/internal/regen"
	"scadloop/internal/sandbox"
	"scadloop/internal/validate"
)

const sphereScript = "radius = 10;\nsphere(r = radius);\n"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	compiler := filepath.Join(t.TempDir(), "fake-compiler")
	body := "#!/bin/sh\nprintf 'solid ok\\n' > \"$2\"\n"
	if err := os.WriteFile(compiler, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write fake compiler: %v", err)
	}
	engine := sandbox.NewEngine(compiler).WithWorkRoot(t.TempDir())
	manager := loop.NewManager(validate.NewDefault(), engine, regen.Declined{})

	db, err := database.New().InitOutputDB(filepath.Join(t.TempDir(), "output.db"))
	if err != nil {
		t.Fatalf("failed to init output db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewServer(manager, lineage.NewStore(), database.NewOutputDB(db)).
		WithHistogram(metrics.NewHistogram(db))
}

// call runs one request line through Serve and decodes the response.
func call(t *testing.T, s *Server, line string) *JSONRPCResponse {
	t.Helper()
	var out bytes.Buffer
	if err := s.Serve(strings.NewReader(line+"\n"), &out); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	var resp JSONRPCResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("bad response %q: %v", out.String(), err)
	}
	return &resp
}

// callTool performs a tools/call and decodes the JSON payload from the
// text content block.
func callTool(t *testing.T, s *Server, action string, params map[string]interface{}) (map[string]interface{}, *RPCError) {
	t.Helper()
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name": "scadloop",
			"arguments": map[string]interface{}{
				"action": action,
				"params": params,
			},
		},
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	resp := call(t, s, string(line))
	if resp.Error != nil {
		return nil, resp.Error
	}

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("bad tool payload %q: %v", text, err)
	}
	return payload, nil
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("unexpected protocol version: %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "scadloop" {
		t.Errorf("unexpected server name: %v", info["name"])
	}
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})
	if len(tools) != 1 {
		t.Fatalf("expected a single tool, got %d", len(tools))
	}
	tool := tools[0].(map[string]interface{})
	if tool["name"] != "scadloop" {
		t.Errorf("unexpected tool name: %v", tool["name"])
	}
}

func TestParseError(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{not json`)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestUnknownTool(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"other","arguments":{}}}`)
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected invalid-params, got %+v", resp.Error)
	}
}

func TestUnknownAction(t *testing.T) {
	s := newTestServer(t)
	_, rpcErr := callTool(t, s, "explode_design", nil)
	if rpcErr == nil || rpcErr.Code != -32000 {
		t.Fatalf("expected action failure, got %+v", rpcErr)
	}
}

func TestSubmitRefineAndInspectDesign(t *testing.T) {
	s := newTestServer(t)

	payload, rpcErr := callTool(t, s, "submit_design", map[string]interface{}{
		"script":      sphereScript,
		"description": "a sphere",
	})
	if rpcErr != nil {
		t.Fatalf("submit_design failed: %+v", rpcErr)
	}
	lineageID := payload["lineage_id"].(string)
	if payload["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", payload["version"])
	}
	result := payload["result"].(map[string]interface{})
	if result["kind"] != "success" {
		t.Fatalf("expected a successful compile, got %v", result["kind"])
	}

	payload, rpcErr = callTool(t, s, "refine_design", map[string]interface{}{
		"lineage_id": lineageID,
		"script":     "radius = 12;\nsphere(r = radius);\n",
	})
	if rpcErr != nil {
		t.Fatalf("refine_design failed: %+v", rpcErr)
	}
	if payload["version"].(float64) != 2 {
		t.Errorf("expected version 2, got %v", payload["version"])
	}
	versionID := payload["version_id"].(string)

	payload, rpcErr = callTool(t, s, "list_versions", map[string]interface{}{
		"lineage_id": lineageID,
	})
	if rpcErr != nil {
		t.Fatalf("list_versions failed: %+v", rpcErr)
	}
	if payload["count"].(float64) != 2 {
		t.Errorf("expected 2 versions, got %v", payload["count"])
	}

	payload, rpcErr = callTool(t, s, "get_version", map[string]interface{}{
		"lineage_id": lineageID,
		"version_id": versionID,
	})
	if rpcErr != nil {
		t.Fatalf("get_version failed: %+v", rpcErr)
	}
	if payload["artifact_base64"] == nil {
		t.Error("expected the compiled artifact in get_version")
	}

	payload, rpcErr = callTool(t, s, "abandon_design", map[string]interface{}{
		"lineage_id": lineageID,
	})
	if rpcErr != nil {
		t.Fatalf("abandon_design failed: %+v", rpcErr)
	}
	if payload["abandoned"] != true {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if _, rpcErr = callTool(t, s, "get_design", map[string]interface{}{
		"lineage_id": lineageID,
	}); rpcErr == nil {
		t.Error("get_design must fail after abandon")
	}
}

func TestSubmitRequiresScript(t *testing.T) {
	s := newTestServer(t)
	_, rpcErr := callTool(t, s, "submit_design", map[string]interface{}{
		"file_type": "stl",
	})
	if rpcErr == nil || !strings.Contains(rpcErr.Data.(string), "missing script") {
		t.Fatalf("expected missing-script error, got %+v", rpcErr)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)

	if err := s.histogram.RecordLatency(metrics.OpCompile, 42); err != nil {
		t.Fatalf("RecordLatency failed: %v", err)
	}

	payload, rpcErr := callTool(t, s, "get_stats", nil)
	if rpcErr != nil {
		t.Fatalf("get_stats failed: %+v", rpcErr)
	}
	ops := payload["operations"].(map[string]interface{})
	if _, ok := ops[metrics.OpCompile]; !ok {
		t.Errorf("expected compile stats, got %+v", ops)
	}
}

func TestListActions(t *testing.T) {
	s := newTestServer(t)
	payload, rpcErr := callTool(t, s, "list_actions", nil)
	if rpcErr != nil {
		t.Fatalf("list_actions failed: %+v", rpcErr)
	}
	actions := payload["actions"].([]interface{})
	if len(actions) < 7 {
		t.Errorf("expected at least 7 actions, got %d", len(actions))
	}
}

func TestSubmitReportsAttemptHistory(t *testing.T) {
	s := newTestServer(t)

	bad := "radius = 10;\nheight = 40;\nscale([1, 1, height/radius]) sphere(r = radius);\n"
	payload, rpcErr := callTool(t, s, "submit_design", map[string]interface{}{
		"script": bad,
	})
	if rpcErr != nil {
		t.Fatalf("submit_design failed: %+v", rpcErr)
	}

	result := payload["result"].(map[string]interface{})
	if result["kind"] != "template_fallback" {
		t.Fatalf("invalid script with no repairer must fall back, got %v", result["kind"])
	}

	// No repairer: three rejected validation attempts, then the fallback
	attempts := payload["attempts"].([]interface{})
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempt entries, got %d", len(attempts))
	}
	first := attempts[0].(map[string]interface{})
	if first["kind"] != "validation_failed" {
		t.Errorf("first attempt must be validation_failed, got %v", first["kind"])
	}
	violation := first["violation"].(map[string]interface{})
	if violation["category"] != "scale_ratio" {
		t.Errorf("attempt entry must carry the violation category, got %v", violation["category"])
	}
	last := attempts[len(attempts)-1].(map[string]interface{})
	if last["kind"] != "template_fallback" {
		t.Errorf("last attempt entry must be the fallback, got %v", last["kind"])
	}
}
