package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scadloop/internal/database"
	"scadloop/internal/metrics"
	"scadloop/internal/regen"
	"scadloop/internal/sandbox"
	"scadloop/internal/script"
	"scadloop/internal/validate"

	"github.com/google/uuid"
)

// Manager is the retry/regeneration orchestrator. Each submitted job runs
// through the state machine in Run; submissions are independent background
// tasks and a new job never blocks on an outstanding one.
type Manager struct {
	validator *validate.Validator
	engine    *sandbox.Engine
	repairer  regen.Repairer
	catalog   *Catalog

	lifecycle *database.LifecycleDB
	latency   *metrics.Histogram
}

// NewManager creates an orchestrator over the given collaborators
func NewManager(validator *validate.Validator, engine *sandbox.Engine, repairer regen.Repairer) *Manager {
	return &Manager{
		validator: validator,
		engine:    engine,
		repairer:  repairer,
		catalog:   NewCatalog(),
	}
}

// WithLifecycle enables job/attempt persistence
func (m *Manager) WithLifecycle(lifecycle *database.LifecycleDB) *Manager {
	m.lifecycle = lifecycle
	return m
}

// WithLatencyHistogram enables latency recording
func (m *Manager) WithLatencyHistogram(latency *metrics.Histogram) *Manager {
	m.latency = latency
	return m
}

// Submit creates a job from the request and runs it as a background task.
// The observer receives every transition; the eventual JobResult is
// delivered through the returned channel.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest, obs Observer) (*Job, <-chan JobResult, error) {
	job, err := m.newJob(req)
	if err != nil {
		return nil, nil, err
	}

	results := make(chan JobResult, 1)
	go func() {
		results <- m.Run(ctx, job, obs)
	}()
	return job, results, nil
}

func (m *Manager) newJob(req SubmitRequest) (*Job, error) {
	s := script.New(req.Script)
	if s.IsEmpty() {
		return nil, fmt.Errorf("empty script")
	}
	fileType := sandbox.FileType(req.FileType)
	if !fileType.Valid() {
		return nil, fmt.Errorf("unsupported file type %q", req.FileType)
	}

	job := &Job{
		ID:             uuid.New().String(),
		Script:         s,
		OriginalScript: s,
		FileType:       fileType,
		Params:         req.Params,
		Description:    req.Description,
	}
	if m.lifecycle != nil {
		if err := m.lifecycle.CreateJob(job.ID, req.Description, req.FileType); err != nil {
			slog.Warn("failed to persist job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	return job, nil
}

// Run drives one job through the state machine synchronously:
// Validating -> Compiling -> terminal, with regeneration between failed
// attempts and the template fallback after exhaustion. It always returns
// a terminal-success result (Success or TemplateFallback); per-attempt
// failures surface through the observer and the lifecycle store.
func (m *Manager) Run(ctx context.Context, job *Job, obs Observer) JobResult {
	emit := func(state JobState, progress float64, errText string) {
		if obs == nil {
			return
		}
		obs(Event{
			JobID:    job.ID,
			State:    state,
			Attempt:  job.Attempt,
			Progress: progress,
			Err:      errText,
		})
	}

	current := job.Script
	lastError := ""

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		job.Attempt = attempt
		job.Script = current

		// Progress restarts from zero on every attempt.
		emit(StateValidating, 0, "")

		start := time.Now()
		violation := m.validator.CheckBound(current, job.Params)
		m.observeLatency(metrics.OpValidate, start)

		if violation != nil {
			lastError = violation.Error()
			job.AttemptResults = append(job.AttemptResults, JobResult{
				Kind:      ResultValidationFailed,
				Script:    current,
				Violation: violation,
			})
			m.recordAttempt(job, "validation_failed", violation.Message)
			emit(StateValidating, 0.2, violation.Error())
			current = m.regenerate(ctx, job, emit, violation.Message, violation.DiagnosticLines(), current)
			continue
		}

		emit(StateCompiling, 0.4, "")
		start = time.Now()
		artifact, failure := m.engine.Compile(ctx, sandbox.Request{
			ScriptText: current.Text(),
			Libraries:  current.Libraries(),
			FileType:   job.FileType,
			Params:     job.Params,
			ScriptHash: current.Hash(),
		})
		m.observeLatency(metrics.OpCompile, start)

		if failure == nil {
			result := JobResult{
				Kind:     ResultSuccess,
				Script:   current,
				Artifact: artifact.Bytes,
				Log:      artifact.Log,
			}
			job.AttemptResults = append(job.AttemptResults, result)
			m.recordAttempt(job, "success", "")
			emit(StateDone, 1.0, "")
			return result
		}

		lastError = fmt.Sprintf("compile failed (%s)", failure.Kind)
		job.AttemptResults = append(job.AttemptResults, JobResult{
			Kind:        ResultCompileFailed,
			Script:      current,
			FailureKind: failure.Kind,
			Log:         failure.Log,
		})
		m.recordAttempt(job, string(failure.Kind), failure.Log)
		emit(StateCompiling, 0.6, lastError)
		current = m.regenerate(ctx, job, emit, lastError, diagnosticTail(failure.Log), current)
	}

	emit(StateExhausted, 0, lastError)
	return m.fallback(ctx, job, emit)
}

// regenerate asks the collaborator for a fixed script. The request always
// carries the original first-attempt script plus the latest diagnostic, so
// repeated partial fixes never compound. A declined or failed regeneration
// consumes the attempt and the current script carries into the next cycle
// unchanged.
func (m *Manager) regenerate(ctx context.Context, job *Job, emit func(JobState, float64, string), errMsg string, diagnostics []string, current script.Script) script.Script {
	if job.Attempt >= MaxAttempts {
		return current
	}

	emit(StateRequestingRegeneration, 0.8, "")
	start := time.Now()
	fixed, err := m.repairer.Repair(ctx, regen.RepairRequest{
		OriginalScript:  job.OriginalScript,
		ErrorMessage:    errMsg,
		DiagnosticLines: diagnostics,
	})
	m.observeLatency(metrics.OpRegenerate, start)

	if err != nil {
		slog.Warn("regeneration unavailable, attempt consumed",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.String("error", err.Error()))
		return current
	}
	if fixed == nil {
		slog.Info("regeneration declined, attempt consumed",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt))
		return current
	}
	return *fixed
}

// fallback selects and compiles the deterministic template. The template
// passes validation by construction; if even its compile fails, the
// template script itself is returned as the artifact so the job still
// terminates successfully.
func (m *Manager) fallback(ctx context.Context, job *Job, emit func(JobState, float64, string)) JobResult {
	tmpl := m.catalog.Select(job.Description)
	result := JobResult{Kind: ResultTemplateFallback, Script: tmpl}

	artifact, failure := m.engine.Compile(ctx, sandbox.Request{
		ScriptText: tmpl.Text(),
		Libraries:  tmpl.Libraries(),
		FileType:   job.FileType,
		ScriptHash: tmpl.Hash(),
	})
	if failure == nil {
		result.Artifact = artifact.Bytes
		result.Log = artifact.Log
	} else {
		slog.Warn("template fallback compile failed, returning template source",
			slog.String("job_id", job.ID),
			slog.String("kind", string(failure.Kind)))
		result.Artifact = []byte(tmpl.Text())
		result.Log = failure.Log
	}

	job.AttemptResults = append(job.AttemptResults, result)
	m.recordAttempt(job, "template_fallback", "")
	emit(StateDone, 1.0, "")
	return result
}

// Validator exposes the configured validator for callers that need a
// pre-flight check without starting a job
func (m *Manager) Validator() *validate.Validator {
	return m.validator
}

// Catalog exposes the fallback catalog
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

func (m *Manager) recordAttempt(job *Job, outcome, detail string) {
	if m.lifecycle == nil {
		return
	}
	if err := m.lifecycle.RecordAttempt(job.ID, job.Attempt, outcome, detail); err != nil {
		slog.Warn("failed to persist attempt",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) observeLatency(operation string, start time.Time) {
	if m.latency == nil {
		return
	}
	if err := m.latency.RecordLatency(operation, int(time.Since(start).Milliseconds())); err != nil {
		slog.Warn("failed to record latency", slog.String("operation", operation), slog.String("error", err.Error()))
	}
}

// diagnosticTail returns the last few non-empty log lines, enough context
// for the regeneration collaborator without shipping the whole log.
func diagnosticTail(log string) []string {
	const maxLines = 10
	var lines []string
	start := 0
	for i := 0; i <= len(log); i++ {
		if i == len(log) || log[i] == '\n' {
			if line := log[start:i]; len(line) > 0 {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}
