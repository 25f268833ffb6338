package rpc

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"scadloop/internal/lineage"
	"scadloop/internal/loop"
	"scadloop/internal/metrics"
)

// dispatchAction routes actions to appropriate handlers
func (s *Server) dispatchAction(action string, params map[string]interface{}) (interface{}, error) {
	switch action {
	case "submit_design":
		return s.handleSubmitDesign(params)
	case "refine_design":
		return s.handleRefineDesign(params)
	case "get_design":
		return s.handleGetDesign(params)
	case "get_version":
		return s.handleGetVersion(params)
	case "list_versions":
		return s.handleListVersions(params)
	case "abandon_design":
		return s.handleAbandonDesign(params)
	case "list_actions":
		return s.handleListActions(params)
	case "get_stats":
		return s.handleGetStats(params)
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

// WithHistogram enables the get_stats action.
func (s *Server) WithHistogram(h *metrics.Histogram) *Server {
	s.histogram = h
	return s
}

// handleSubmitDesign starts a new lineage and runs its first version
// through the pipeline
func (s *Server) handleSubmitDesign(params map[string]interface{}) (interface{}, error) {
	req, err := submitRequest(params)
	if err != nil {
		return nil, err
	}

	job, result, err := s.runJob(req)
	if err != nil {
		return nil, err
	}

	lin := s.store.Start(result.Script)
	versionID := lin.Latest().ID
	if err := s.store.ApplyResult(lin.ID, versionID, result); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}

	return map[string]interface{}{
		"lineage_id": lin.ID,
		"version_id": versionID,
		"version":    1,
		"job_id":     job.ID,
		"result":     resultSummary(result),
		"attempts":   attemptSummaries(job),
	}, nil
}

// handleRefineDesign appends a new version to an existing lineage and
// runs it through the pipeline
func (s *Server) handleRefineDesign(params map[string]interface{}) (interface{}, error) {
	lineageID, ok := params["lineage_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing lineage_id")
	}

	req, err := submitRequest(params)
	if err != nil {
		return nil, err
	}

	lin, err := s.store.Get(lineageID)
	if err != nil {
		return nil, err
	}
	parentID := lin.Latest().ID
	if pid, ok := params["parent_version_id"].(string); ok {
		parentID = pid
	}

	job, result, err := s.runJob(req)
	if err != nil {
		return nil, err
	}

	ver, err := s.store.Append(lineageID, result.Script, parentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ApplyResult(lineageID, ver.ID, result); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}

	return map[string]interface{}{
		"lineage_id": lineageID,
		"version_id": ver.ID,
		"version":    ver.Number,
		"job_id":     job.ID,
		"result":     resultSummary(result),
		"attempts":   attemptSummaries(job),
	}, nil
}

// handleGetDesign returns the full version history of a lineage
func (s *Server) handleGetDesign(params map[string]interface{}) (interface{}, error) {
	lineageID, ok := params["lineage_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing lineage_id")
	}

	lin, err := s.store.Get(lineageID)
	if err != nil {
		return nil, err
	}

	versions := make([]map[string]interface{}, 0, len(lin.Versions))
	for _, v := range lin.Versions {
		versions = append(versions, versionSummary(v, false))
	}

	return map[string]interface{}{
		"lineage_id": lin.ID,
		"versions":   versions,
	}, nil
}

// handleGetVersion returns one version including its artifact
func (s *Server) handleGetVersion(params map[string]interface{}) (interface{}, error) {
	lineageID, ok := params["lineage_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing lineage_id")
	}
	versionID, ok := params["version_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing version_id")
	}

	ver, err := s.store.Version(lineageID, versionID)
	if err != nil {
		return nil, err
	}

	return versionSummary(ver, true), nil
}

// handleListVersions returns version ids and numbers without scripts or
// artifacts
func (s *Server) handleListVersions(params map[string]interface{}) (interface{}, error) {
	lineageID, ok := params["lineage_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing lineage_id")
	}

	lin, err := s.store.Get(lineageID)
	if err != nil {
		return nil, err
	}

	versions := make([]map[string]interface{}, 0, len(lin.Versions))
	for _, v := range lin.Versions {
		entry := map[string]interface{}{
			"version":    v.Number,
			"version_id": v.ID,
			"is_latest":  v.IsLatest,
			"pending":    v.Pending(),
		}
		if v.ParentID != "" {
			entry["parent_version_id"] = v.ParentID
		}
		versions = append(versions, entry)
	}

	return map[string]interface{}{
		"lineage_id": lin.ID,
		"count":      len(versions),
		"versions":   versions,
	}, nil
}

// handleAbandonDesign drops a lineage from the store
func (s *Server) handleAbandonDesign(params map[string]interface{}) (interface{}, error) {
	lineageID, ok := params["lineage_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing lineage_id")
	}

	if err := s.store.Abandon(lineageID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"lineage_id": lineageID,
		"abandoned":  true,
	}, nil
}

// handleListActions describes every action and its parameters
func (s *Server) handleListActions(params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"actions": []map[string]interface{}{
			{
				"name":        "submit_design",
				"description": "Validate and compile a script, starting a new design lineage",
				"params":      "script (required), file_type (default stl), params (name->number overrides), description",
			},
			{
				"name":        "refine_design",
				"description": "Compile a revised script as the next version of an existing lineage",
				"params":      "lineage_id (required), script (required), file_type, params, description, parent_version_id",
			},
			{
				"name":        "get_design",
				"description": "Return the full version history of a lineage",
				"params":      "lineage_id (required)",
			},
			{
				"name":        "get_version",
				"description": "Return one version including its compiled artifact",
				"params":      "lineage_id (required), version_id (required)",
			},
			{
				"name":        "list_versions",
				"description": "Return version numbers and ids only",
				"params":      "lineage_id (required)",
			},
			{
				"name":        "abandon_design",
				"description": "Drop a lineage and all its versions",
				"params":      "lineage_id (required)",
			},
			{
				"name":        "get_stats",
				"description": "Return latency percentiles per pipeline stage over the last hour",
				"params":      "none",
			},
		},
	}, nil
}

// handleGetStats returns latency percentiles from the output database
func (s *Server) handleGetStats(params map[string]interface{}) (interface{}, error) {
	if s.histogram == nil {
		return nil, fmt.Errorf("latency histogram not configured")
	}

	percentiles, err := s.histogram.GetAllPercentiles(60)
	if err != nil {
		return nil, fmt.Errorf("failed to read histogram: %w", err)
	}

	stats := make(map[string]interface{}, len(percentiles))
	for op, p := range percentiles {
		stats[op] = map[string]interface{}{
			"p50_ms": p.P50,
			"p95_ms": p.P95,
			"p99_ms": p.P99,
			"count":  p.Count,
		}
	}
	return map[string]interface{}{"operations": stats}, nil
}

// runJob submits a job, blocks for its terminal result and publishes the
// artifact
func (s *Server) runJob(req loop.SubmitRequest) (*loop.Job, loop.JobResult, error) {
	job, results, err := s.manager.Submit(s.ctx, req, func(ev loop.Event) {
		slog.Debug("job progress",
			"job_id", ev.JobID,
			"state", ev.State,
			"attempt", ev.Attempt,
			"progress", ev.Progress)
	})
	if err != nil {
		return nil, loop.JobResult{}, err
	}

	result := <-results

	if s.output != nil && result.Terminal() {
		if err := s.output.PublishResult(result.Script.Hash(), job.ID, string(result.Kind), result.Artifact, result.Log); err != nil {
			slog.Error("failed to publish result", "job_id", job.ID, "error", err)
		}
	}

	return job, result, nil
}

// submitRequest extracts the common job-submission fields
func submitRequest(params map[string]interface{}) (loop.SubmitRequest, error) {
	scriptText, ok := params["script"].(string)
	if !ok {
		return loop.SubmitRequest{}, fmt.Errorf("missing script")
	}

	fileType, ok := params["file_type"].(string)
	if !ok {
		fileType = "stl"
	}

	req := loop.SubmitRequest{
		Script:   scriptText,
		FileType: fileType,
	}

	if desc, ok := params["description"].(string); ok {
		req.Description = desc
	}

	if raw, ok := params["params"].(map[string]interface{}); ok {
		req.Params = make(map[string]float64, len(raw))
		for name, value := range raw {
			num, ok := value.(float64)
			if !ok {
				return loop.SubmitRequest{}, fmt.Errorf("param %s is not a number", name)
			}
			req.Params[name] = num
		}
	}

	return req, nil
}

// attemptSummaries condenses the per-attempt outcomes of a finished job.
// Failed attempts surface their violation or failure classification so a
// caller can see why a job regenerated or fell back to a template.
func attemptSummaries(job *loop.Job) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(job.AttemptResults))
	for i, r := range job.AttemptResults {
		entry := map[string]interface{}{
			"attempt": i + 1,
			"kind":    string(r.Kind),
		}
		if r.Violation != nil {
			entry["violation"] = map[string]interface{}{
				"category": string(r.Violation.Category),
				"message":  r.Violation.Message,
			}
		}
		if r.FailureKind != "" {
			entry["failure_kind"] = string(r.FailureKind)
		}
		out = append(out, entry)
	}
	return out
}

// resultSummary serializes a terminal job result without the raw artifact
func resultSummary(r loop.JobResult) map[string]interface{} {
	out := map[string]interface{}{
		"kind":     string(r.Kind),
		"terminal": r.Terminal(),
		"script":   r.Script.Text(),
	}
	if len(r.Artifact) > 0 {
		out["artifact_bytes"] = len(r.Artifact)
	}
	if r.Log != "" {
		out["log"] = r.Log
	}
	if r.Violation != nil {
		out["violation"] = map[string]interface{}{
			"category": string(r.Violation.Category),
			"message":  r.Violation.Message,
			"fixes":    r.Violation.SuggestedFixes,
		}
	}
	if r.FailureKind != "" {
		out["failure_kind"] = string(r.FailureKind)
	}
	return out
}

// versionSummary serializes a lineage version, optionally with the
// artifact base64-encoded
func versionSummary(v lineage.Version, includeArtifact bool) map[string]interface{} {
	out := map[string]interface{}{
		"version":    v.Number,
		"version_id": v.ID,
		"is_latest":  v.IsLatest,
		"pending":    v.Pending(),
		"script":     v.Script.Text(),
	}
	if v.ParentID != "" {
		out["parent_version_id"] = v.ParentID
	}
	if v.Result != nil {
		out["result"] = resultSummary(*v.Result)
		if includeArtifact && len(v.Result.Artifact) > 0 {
			out["artifact_base64"] = base64.StdEncoding.EncodeToString(v.Result.Artifact)
		}
	}
	return out
}
