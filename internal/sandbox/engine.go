package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 64 * 1024

	// Marker the compiler prints when the result is not a renderable solid
	// (non-manifold or 2D-only). One re-invocation with a 2D export format
	// is attempted before declaring failure.
	notRenderableMarker = "not a 3D object"
)

// LibraryFetcher resolves a referenced external library to its bytes.
// Fetch failures are logged and the library is simply not staged; the
// compiler then fails later with a clearer error of its own.
type LibraryFetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Request is one compilation unit handed to the engine.
type Request struct {
	ScriptText string
	Libraries  []string
	FileType   FileType
	Params     map[string]float64
	ScriptHash string
}

// Engine owns at most one compiler instance at a time. Its documented
// policy is fresh-instance-per-job: any existing instance is terminated
// and a new one created before each compile. That trades tens of
// milliseconds of startup latency for reliability and must be preserved.
type Engine struct {
	compilerPath string
	workRoot     string
	timeout      time.Duration
	maxOutput    int
	fetcher      LibraryFetcher
	registry     *Registry

	mu      sync.Mutex
	current *Handle
}

// NewEngine creates an engine invoking the given compiler binary
func NewEngine(compilerPath string) *Engine {
	return &Engine{
		compilerPath: compilerPath,
		workRoot:     os.TempDir(),
		timeout:      defaultTimeout,
		maxOutput:    defaultMaxOutput,
	}
}

// WithWorkRoot sets the directory instance workspaces are created under
func (e *Engine) WithWorkRoot(root string) *Engine {
	e.workRoot = root
	return e
}

// WithTimeout sets the watchdog deadline for one invocation
func (e *Engine) WithTimeout(timeout time.Duration) *Engine {
	e.timeout = timeout
	return e
}

// WithFetcher sets the library fetch collaborator
func (e *Engine) WithFetcher(fetcher LibraryFetcher) *Engine {
	e.fetcher = fetcher
	return e
}

// WithRegistry attaches the script-hash compile registry
func (e *Engine) WithRegistry(registry *Registry) *Engine {
	e.registry = registry
	return e
}

// Compile runs one job through a fresh compiler instance. Exactly one of
// the return values is non-nil. The instance is exclusive: concurrent
// calls serialize on the engine; true parallelism needs independent
// engines, which this one does not provide.
func (e *Engine) Compile(ctx context.Context, req Request) (*Artifact, *Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry != nil && req.ScriptHash != "" {
		if e.registry.KnownCrasher(req.ScriptHash) {
			return nil, &Failure{
				Kind: FailureRuntimeFault,
				Log:  "script refused: this exact script has repeatedly faulted the compiler and is blocked from re-entering the sandbox",
			}
		}
	}

	// Fresh instance per job: tear down whatever is left over first.
	if e.current != nil {
		e.current.Dispose()
		e.current = nil
	}
	handle, err := newHandle(e.workRoot)
	if err != nil {
		return nil, &Failure{Kind: FailureRuntimeFault, Log: err.Error()}
	}
	e.current = handle
	defer func() {
		handle.Dispose()
		e.current = nil
	}()

	if err := handle.stageScript(req.ScriptText); err != nil {
		return nil, &Failure{Kind: FailureRuntimeFault, Log: err.Error()}
	}
	e.stageLibraries(ctx, handle, req.Libraries)

	start := time.Now()
	artifact, failure := e.invokeWithFallback(ctx, handle, req)
	e.recordOutcome(req.ScriptHash, failure, time.Since(start))
	return artifact, failure
}

// stageLibraries fetches and stages each referenced library. A failed
// fetch is logged and skipped, never fatal here.
func (e *Engine) stageLibraries(ctx context.Context, handle *Handle, libraries []string) {
	for _, name := range libraries {
		if e.fetcher == nil {
			slog.Warn("no library fetcher configured, library not staged", slog.String("library", name))
			continue
		}
		data, err := e.fetcher.Fetch(ctx, name)
		if err != nil {
			slog.Warn("library fetch failed, not staged",
				slog.String("library", name),
				slog.String("error", err.Error()))
			continue
		}
		if err := handle.stageLibrary(name, data); err != nil {
			slog.Warn("library staging failed",
				slog.String("library", name),
				slog.String("error", err.Error()))
		}
	}
}

// invokeWithFallback runs the compiler once, and once more with the 2D
// export format if the first pass reports a non-renderable solid. Logs
// from both passes are merged.
func (e *Engine) invokeWithFallback(ctx context.Context, handle *Handle, req Request) (*Artifact, *Failure) {
	artifact, failure, notRenderable := e.invoke(ctx, handle, req, req.FileType)
	if !notRenderable || req.FileType == fallback2D {
		return artifact, failure
	}

	firstLog := failureLog(artifact, failure)
	slog.Info("compiler reported non-renderable solid, retrying with 2D export",
		slog.String("file_type", string(req.FileType)))

	artifact, failure, _ = e.invoke(ctx, handle, req, fallback2D)
	if artifact != nil {
		artifact.Log = mergeLogs(firstLog, artifact.Log)
	} else if failure != nil {
		failure.Log = mergeLogs(firstLog, failure.Log)
	}
	return artifact, failure
}

// invoke performs one blocking compiler call under the watchdog.
func (e *Engine) invoke(ctx context.Context, handle *Handle, req Request, ft FileType) (*Artifact, *Failure, bool) {
	outPath := handle.outputPath(ft)
	args := []string{"-o", outPath, "--export-format", string(ft)}
	for _, name := range sortedParamNames(req.Params) {
		args = append(args, "-D", name+"="+strconv.FormatFloat(req.Params[name], 'f', -1, 64))
	}
	args = append(args, handle.inputPath())

	cmd := exec.Command(e.compilerPath, args...)
	cmd.Dir = handle.workDir
	// Own process group so the whole instance can be killed out-of-band.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr limitedBuffer
	stdout.limit = e.maxOutput
	stderr.limit = e.maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &Failure{
			Kind: FailureRuntimeFault,
			Log:  fmt.Sprintf("failed to start compiler: %v", err),
		}, false
	}
	handle.adopt(cmd)

	// The call itself is blocking and not preemptible. The watchdog only
	// detects overrun; the hard stop is the out-of-band process-group kill.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	watchdog := time.NewTimer(e.timeout)
	defer watchdog.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-watchdog.C:
		timedOut = true
		handle.Kill()
		waitErr = <-done
	case <-ctx.Done():
		timedOut = true
		handle.Kill()
		waitErr = <-done
	}

	log := mergeLogs(stdout.String(), stderr.String())
	if timedOut {
		return nil, &Failure{
			Kind: FailureTimeout,
			Log:  mergeLogs(log, fmt.Sprintf("watchdog: compiler exceeded %s deadline, instance killed", e.timeout)),
		}, false
	}

	notRenderable := strings.Contains(log, notRenderableMarker)

	if waitErr != nil {
		var exitCode int
		signaled := false
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
				signaled = status.Signaled()
			}
		} else {
			return nil, &Failure{
				Kind: FailureRuntimeFault,
				Log:  mergeLogs(log, waitErr.Error()),
			}, notRenderable
		}
		if signaled {
			if strings.TrimSpace(stderr.String()) == "" {
				// Empty stderr on a fault is itself diagnostic: the sandbox
				// died below the compiler's own error reporting.
				log = mergeLogs(log, "sandbox-level fault: the compiler process died without reporting an error; no specific cause is available")
			}
			return nil, &Failure{Kind: FailureRuntimeFault, Log: log}, notRenderable
		}
		return nil, &Failure{
			Kind: FailureNonZeroExit,
			Log:  mergeLogs(log, fmt.Sprintf("compiler exited with code %d", exitCode)),
		}, notRenderable
	}

	if notRenderable {
		return nil, &Failure{Kind: FailureNonZeroExit, Log: log}, true
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &Failure{
			Kind: FailureRuntimeFault,
			Log:  mergeLogs(log, fmt.Sprintf("compiler exited cleanly but produced no readable output: %v", err)),
		}, false
	}
	return &Artifact{Bytes: data, Log: log}, nil, false
}

func (e *Engine) recordOutcome(hash string, failure *Failure, elapsed time.Duration) {
	if e.registry == nil || hash == "" {
		return
	}
	var err error
	if failure == nil {
		err = e.registry.RecordSuccess(hash, elapsed)
	} else {
		err = e.registry.RecordFailure(hash, failure.Kind, elapsed)
	}
	if err != nil {
		slog.Warn("failed to record compile outcome", slog.String("error", err.Error()))
	}
}

func sortedParamNames(params map[string]float64) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mergeLogs(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

func failureLog(artifact *Artifact, failure *Failure) string {
	if artifact != nil {
		return artifact.Log
	}
	if failure != nil {
		return failure.Log
	}
	return ""
}

// limitedBuffer caps captured output so a runaway compiler cannot exhaust
// memory through its log stream.
type limitedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (lb *limitedBuffer) Write(p []byte) (n int, err error) {
	if lb.Len()+len(p) > lb.limit {
		remaining := lb.limit - lb.Len()
		if remaining > 0 {
			lb.Buffer.Write(p[:remaining])
		}
		lb.truncated = true
		return len(p), nil
	}
	return lb.Buffer.Write(p)
}
