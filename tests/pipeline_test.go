package tests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scadloop/internal/lineage"
	"scadloop/internal/loop"
	"scadloop/internal/regen"
	"scadloop/internal/sandbox"
	"scadloop/internal/script"
	"scadloop/internal/validate"
)

// recordingRepairer delegates to fn and remembers every request.
type recordingRepairer struct {
	requests []regen.RepairRequest
	fn       func(regen.RepairRequest) (*script.Script, error)
}

func (r *recordingRepairer) Repair(ctx context.Context, req regen.RepairRequest) (*script.Script, error) {
	r.requests = append(r.requests, req)
	if r.fn == nil {
		return nil, nil
	}
	return r.fn(req)
}

func fakeEngine(t *testing.T, body string) *sandbox.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-compiler")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake compiler: %v", err)
	}
	return sandbox.NewEngine(path).WithWorkRoot(t.TempDir())
}

func submit(t *testing.T, m *loop.Manager, req loop.SubmitRequest) loop.JobResult {
	t.Helper()
	_, results, err := m.Submit(context.Background(), req, func(loop.Event) {})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return <-results
}

// TestRepairedScriptReachesLineage walks the full path: a script with a
// scale expression that divides user parameters fails validation, the
// repairer rewrites it, the rewrite compiles and its result lands on a
// lineage version.
func TestRepairedScriptReachesLineage(t *testing.T) {
	bad := "radius = 10;\nheight = 40;\nscale([1, 1, height/radius]) sphere(r = radius);\n"
	fixed := script.New("radius = 10;\nscale([1, 1, 1.2]) sphere(r = radius);\n")

	repairer := &recordingRepairer{fn: func(req regen.RepairRequest) (*script.Script, error) {
		return &fixed, nil
	}}
	engine := fakeEngine(t, `printf 'solid repaired\n' > "$2"`)
	manager := loop.NewManager(validate.NewDefault(), engine, repairer)

	result := submit(t, manager, loop.SubmitRequest{Script: bad, FileType: "stl"})

	if result.Kind != loop.ResultSuccess {
		t.Fatalf("expected success after repair, got %s (%s)", result.Kind, result.Log)
	}
	if !strings.Contains(string(result.Artifact), "solid repaired") {
		t.Errorf("unexpected artifact: %q", result.Artifact)
	}
	if len(repairer.requests) != 1 {
		t.Fatalf("expected exactly one repair request, got %d", len(repairer.requests))
	}
	// Repair requests always carry the first-attempt script
	if repairer.requests[0].OriginalScript.Text() != bad {
		t.Errorf("repair request must carry the original script")
	}

	store := lineage.NewStore()
	lin := store.Start(result.Script)
	versionID := lin.Latest().ID
	if err := store.ApplyResult(lin.ID, versionID, result); err != nil {
		t.Fatalf("ApplyResult failed: %v", err)
	}

	ver, err := store.Version(lin.ID, versionID)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if ver.Pending() {
		t.Error("version must not be pending after the result is applied")
	}
	if ver.Script.Text() != fixed.Text() {
		t.Error("lineage must record the repaired script, not the rejected one")
	}
	if ver.Result.Kind != loop.ResultSuccess {
		t.Errorf("unexpected recorded result: %s", ver.Result.Kind)
	}
}

// TestDeclinedRepairFallsBackToTemplate verifies that an invalid script
// with no repairer help ends in the deterministic template fallback.
func TestDeclinedRepairFallsBackToTemplate(t *testing.T) {
	bad := "radius = 10;\nheight = 40;\nscale([1, 1, height/radius]) cylinder(h = height, r = radius);\n"

	engine := fakeEngine(t, `printf 'solid template\n' > "$2"`)
	manager := loop.NewManager(validate.NewDefault(), engine, regen.Declined{})

	result := submit(t, manager, loop.SubmitRequest{
		Script:      bad,
		FileType:    "stl",
		Description: "a tall cup",
	})

	if result.Kind != loop.ResultTemplateFallback {
		t.Fatalf("expected template fallback, got %s (%s)", result.Kind, result.Log)
	}
	if !result.Terminal() {
		t.Error("template fallback must be terminal")
	}
	if len(result.Artifact) == 0 {
		t.Error("fallback must still produce an artifact")
	}
	// The substituted script must itself pass validation
	if v := validate.NewDefault().Check(result.Script); v != nil {
		t.Errorf("template script must validate cleanly, got %+v", v)
	}
}

// TestCrashingCompilerStillTerminates covers the path where every
// compile, including the template's, dies with a runtime fault. The job
// must still hand back a terminal fallback carrying the template source.
func TestCrashingCompilerStillTerminates(t *testing.T) {
	engine := fakeEngine(t, `kill -11 $$`)
	manager := loop.NewManager(validate.NewDefault(), engine, regen.Declined{})

	good := "radius = 10;\nsphere(r = radius);\n"
	result := submit(t, manager, loop.SubmitRequest{Script: good, FileType: "stl"})

	if result.Kind != loop.ResultTemplateFallback {
		t.Fatalf("expected template fallback, got %s", result.Kind)
	}
	if !result.Terminal() {
		t.Error("fallback must be terminal even when its compile crashes")
	}
	if string(result.Artifact) != result.Script.Text() {
		t.Error("artifact must be the template source when its compile fails")
	}
}

// TestRepeatedFaultsBlockResubmission checks the registry-backed refusal
// of a script that keeps faulting the compiler.
func TestRepeatedFaultsBlockResubmission(t *testing.T) {
	registry, err := sandbox.NewRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	defer registry.Close()

	engine := fakeEngine(t, `kill -11 $$`).WithRegistry(registry)
	req := sandbox.Request{
		ScriptText: "sphere(r = 10);\n",
		FileType:   sandbox.FileTypeSTL,
		ScriptHash: script.New("sphere(r = 10);\n").Hash(),
	}

	for i := 0; i < 3; i++ {
		if _, failure := engine.Compile(context.Background(), req); failure == nil {
			t.Fatal("crashing compiler cannot succeed")
		}
	}

	_, failure := engine.Compile(context.Background(), req)
	if failure == nil || failure.Kind != sandbox.FailureRuntimeFault {
		t.Fatalf("expected a refusal, got %+v", failure)
	}
	if !strings.Contains(failure.Log, "refused") {
		t.Errorf("refusal must say so without re-running the compiler, got %q", failure.Log)
	}
}
