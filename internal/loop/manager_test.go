package loop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scadloop/internal/database"
	"scadloop/internal/metrics"
	"scadloop/internal/regen"
	"scadloop/internal/sandbox"
	"scadloop/internal/script"
	"scadloop/internal/validate"
)

// fakeRepairer records every request and delegates to fn.
type fakeRepairer struct {
	requests []regen.RepairRequest
	fn       func(regen.RepairRequest) (*script.Script, error)
}

func (f *fakeRepairer) Repair(ctx context.Context, req regen.RepairRequest) (*script.Script, error) {
	f.requests = append(f.requests, req)
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(req)
}

func testEngine(t *testing.T, compilerBody string) *sandbox.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-compiler")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+compilerBody+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake compiler: %v", err)
	}
	return sandbox.NewEngine(path).WithWorkRoot(t.TempDir())
}

func runJob(t *testing.T, m *Manager, req SubmitRequest) (JobResult, []Event) {
	t.Helper()
	var events []Event
	_, results, err := m.Submit(context.Background(), req, func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return <-results, events
}

const goodScript = "radius = 10;\nsphere(r = radius);\n"
const badScript = "radius = 10;\nheight = 40;\nscale([1, 1, height/radius]) sphere(r = radius);\n"

func TestRunSucceedsFirstAttempt(t *testing.T) {
	engine := testEngine(t, `printf 'solid ok\n' > "$2"`)
	m := NewManager(validate.NewDefault(), engine, regen.Declined{})

	result, events := runJob(t, m, SubmitRequest{Script: goodScript, FileType: "stl"})

	if result.Kind != ResultSuccess {
		t.Fatalf("expected %s, got %s", ResultSuccess, result.Kind)
	}
	if !strings.Contains(string(result.Artifact), "solid ok") {
		t.Errorf("unexpected artifact: %q", result.Artifact)
	}

	last := events[len(events)-1]
	if last.State != StateDone || last.Progress != 1.0 || last.Attempt != 1 {
		t.Errorf("unexpected final event: %+v", last)
	}
	for _, ev := range events {
		if ev.State == StateRequestingRegeneration {
			t.Error("no regeneration should happen on a clean first attempt")
		}
	}
}

func TestRunRegeneratesAfterValidationFailure(t *testing.T) {
	engine := testEngine(t, `printf 'solid ok\n' > "$2"`)
	fixed := script.New(goodScript)
	repairer := &fakeRepairer{fn: func(regen.RepairRequest) (*script.Script, error) {
		return &fixed, nil
	}}
	m := NewManager(validate.NewDefault(), engine, repairer)

	result, events := runJob(t, m, SubmitRequest{Script: badScript, FileType: "stl"})

	if result.Kind != ResultSuccess {
		t.Fatalf("expected %s after regeneration, got %s", ResultSuccess, result.Kind)
	}
	if result.Script.Text() != goodScript {
		t.Errorf("result must carry the repaired script")
	}
	if len(repairer.requests) != 1 {
		t.Fatalf("expected 1 repair request, got %d", len(repairer.requests))
	}
	if !strings.Contains(repairer.requests[0].ErrorMessage, "division") {
		t.Errorf("diagnostic must describe the violation, got %q", repairer.requests[0].ErrorMessage)
	}

	sawRegen := false
	for _, ev := range events {
		if ev.State == StateRequestingRegeneration {
			sawRegen = true
		}
	}
	if !sawRegen {
		t.Error("observer must see the regeneration state")
	}

	last := events[len(events)-1]
	if last.State != StateDone || last.Attempt != 2 {
		t.Errorf("success should land on attempt 2, got %+v", last)
	}
}

func TestRepairerAlwaysReceivesOriginalScript(t *testing.T) {
	engine := testEngine(t, `printf 'solid ok\n' > "$2"`)
	stillBad := script.New("scale([1, 1, a/b]) sphere(r = 5);")
	repairer := &fakeRepairer{fn: func(regen.RepairRequest) (*script.Script, error) {
		return &stillBad, nil
	}}
	m := NewManager(validate.NewDefault(), engine, repairer)

	result, _ := runJob(t, m, SubmitRequest{Script: badScript, FileType: "stl"})

	if result.Kind != ResultTemplateFallback {
		t.Fatalf("expected %s, got %s", ResultTemplateFallback, result.Kind)
	}
	// The final attempt never regenerates; two requests for three attempts
	if len(repairer.requests) != 2 {
		t.Fatalf("expected 2 repair requests, got %d", len(repairer.requests))
	}
	for i, req := range repairer.requests {
		if req.OriginalScript.Text() != badScript {
			t.Errorf("request %d must carry the original first-attempt script, got %q",
				i, req.OriginalScript.Text())
		}
	}
}

func TestRunExhaustsToTemplateFallback(t *testing.T) {
	engine := testEngine(t, `printf 'solid template\n' > "$2"`)
	m := NewManager(validate.NewDefault(), engine, regen.Declined{})

	result, events := runJob(t, m, SubmitRequest{
		Script:      badScript,
		FileType:    "stl",
		Description: "a juggling ball",
	})

	if result.Kind != ResultTemplateFallback {
		t.Fatalf("expected %s, got %s", ResultTemplateFallback, result.Kind)
	}
	if !result.Terminal() {
		t.Error("template fallback must be a terminal success")
	}
	if !strings.Contains(result.Script.Text(), "sphere(") {
		t.Errorf("ball description should pick the sphere template, got:\n%s", result.Script.Text())
	}
	if !strings.Contains(string(result.Artifact), "solid template") {
		t.Errorf("fallback must compile the template, got %q", result.Artifact)
	}

	sawExhausted := false
	validations := 0
	for _, ev := range events {
		if ev.State == StateExhausted {
			sawExhausted = true
		}
		if ev.State == StateValidating && ev.Progress == 0 {
			validations++
		}
	}
	if !sawExhausted {
		t.Error("observer must see the exhausted state")
	}
	if validations != MaxAttempts {
		t.Errorf("expected exactly %d validation attempts, got %d", MaxAttempts, validations)
	}
}

func TestFallbackSurvivesCompilerFailure(t *testing.T) {
	engine := testEngine(t, `echo "broken compiler" >&2
exit 1`)
	m := NewManager(validate.NewDefault(), engine, regen.Declined{})

	result, _ := runJob(t, m, SubmitRequest{Script: goodScript, FileType: "stl"})

	if result.Kind != ResultTemplateFallback {
		t.Fatalf("expected %s, got %s", ResultTemplateFallback, result.Kind)
	}
	// With even the template failing to compile, the template source itself
	// is the artifact so the job still terminates without a fatal error
	if string(result.Artifact) != result.Script.Text() {
		t.Errorf("artifact must fall back to the template source")
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	engine := testEngine(t, `exit 0`)
	m := NewManager(validate.NewDefault(), engine, regen.Declined{})

	if _, _, err := m.Submit(context.Background(), SubmitRequest{Script: "  ", FileType: "stl"}, nil); err == nil {
		t.Error("empty script must be rejected at submission")
	}
	if _, _, err := m.Submit(context.Background(), SubmitRequest{Script: goodScript, FileType: "exe"}, nil); err == nil {
		t.Error("unsupported file type must be rejected at submission")
	}
}

func TestProgressResetsPerAttempt(t *testing.T) {
	engine := testEngine(t, `echo "nope" >&2
exit 1`)
	m := NewManager(validate.NewDefault(), engine, regen.Declined{})

	_, events := runJob(t, m, SubmitRequest{Script: goodScript, FileType: "stl"})

	// Each attempt opens with a zero-progress validating event
	starts := 0
	for _, ev := range events {
		if ev.State == StateValidating && ev.Progress == 0 {
			starts++
		}
	}
	if starts != MaxAttempts {
		t.Errorf("expected %d attempt starts, got %d", MaxAttempts, starts)
	}
}

func TestAttemptResultsRecordEachOutcome(t *testing.T) {
	engine := testEngine(t, `printf 'solid ok\n' > "$2"`)
	fixed := script.New(goodScript)
	repairer := &fakeRepairer{fn: func(regen.RepairRequest) (*script.Script, error) {
		return &fixed, nil
	}}
	m := NewManager(validate.NewDefault(), engine, repairer)

	job, results, err := m.Submit(context.Background(), SubmitRequest{Script: badScript, FileType: "stl"}, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	final := <-results

	if len(job.AttemptResults) != 2 {
		t.Fatalf("expected 2 attempt results, got %d", len(job.AttemptResults))
	}
	first := job.AttemptResults[0]
	if first.Kind != ResultValidationFailed {
		t.Errorf("first attempt must be %s, got %s", ResultValidationFailed, first.Kind)
	}
	if first.Violation == nil || first.Violation.Category != validate.CategoryScaleRatio {
		t.Errorf("validation failure must carry its violation, got %+v", first.Violation)
	}
	if first.Script.Text() != badScript {
		t.Error("failed attempt must record the script it rejected")
	}
	last := job.AttemptResults[1]
	if last.Kind != ResultSuccess || last.Script.Text() != final.Script.Text() {
		t.Errorf("final attempt entry must match the delivered result, got %+v", last)
	}
}

func TestAttemptResultsOnExhaustion(t *testing.T) {
	engine := testEngine(t, `echo "nope" >&2
exit 1`)
	m := NewManager(validate.NewDefault(), engine, regen.Declined{})

	job, results, err := m.Submit(context.Background(), SubmitRequest{Script: goodScript, FileType: "stl"}, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	final := <-results

	// Three compile failures plus the fallback entry
	if len(job.AttemptResults) != MaxAttempts+1 {
		t.Fatalf("expected %d attempt results, got %d", MaxAttempts+1, len(job.AttemptResults))
	}
	for i := 0; i < MaxAttempts; i++ {
		r := job.AttemptResults[i]
		if r.Kind != ResultCompileFailed {
			t.Errorf("attempt %d must be %s, got %s", i+1, ResultCompileFailed, r.Kind)
		}
		if r.FailureKind != sandbox.FailureNonZeroExit {
			t.Errorf("attempt %d must record the failure classification, got %s", i+1, r.FailureKind)
		}
		if !strings.Contains(r.Log, "nope") {
			t.Errorf("attempt %d must carry the compiler log, got %q", i+1, r.Log)
		}
	}
	if job.AttemptResults[MaxAttempts].Kind != final.Kind {
		t.Errorf("last entry must be the delivered fallback, got %s", job.AttemptResults[MaxAttempts].Kind)
	}
}

func TestLatencyRecordedUnderOperationNames(t *testing.T) {
	db, err := database.New().InitOutputDB(filepath.Join(t.TempDir(), "output.db"))
	if err != nil {
		t.Fatalf("failed to init output db: %v", err)
	}
	defer db.Close()
	histogram := metrics.NewHistogram(db)

	engine := testEngine(t, `printf 'solid ok\n' > "$2"`)
	fixed := script.New(goodScript)
	repairer := &fakeRepairer{fn: func(regen.RepairRequest) (*script.Script, error) {
		return &fixed, nil
	}}
	m := NewManager(validate.NewDefault(), engine, repairer).
		WithLatencyHistogram(histogram)

	runJob(t, m, SubmitRequest{Script: badScript, FileType: "stl"})

	all, err := histogram.GetAllPercentiles(60)
	if err != nil {
		t.Fatalf("GetAllPercentiles failed: %v", err)
	}
	// The job validated twice, regenerated once and compiled once, so every
	// operation the histogram reads back must have been recorded under the
	// name the readers query by
	for _, op := range []string{metrics.OpValidate, metrics.OpCompile, metrics.OpRegenerate} {
		if _, ok := all[op]; !ok {
			t.Errorf("no latency recorded under %q, got %v", op, all)
		}
	}
}
