package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// Handle is one compiler instance: an isolated workspace directory plus
// the process currently running in it, if any. The runtime is observed to
// corrupt its internal state after one invocation in some configurations,
// so a Handle is single-job by contract: the engine creates a fresh one
// per compile and disposes it at the job boundary. Reusing handles across
// jobs is the leading cause of unexplained post-first-compile faults.
type Handle struct {
	workDir string
	staged  map[string]bool

	mu   sync.Mutex
	proc *os.Process
	dead bool
}

const (
	inputFileName  = "input.scad"
	outputFileName = "output"
	libraryDirName = "libraries"
)

// newHandle creates a fresh instance workspace under root
func newHandle(root string) (*Handle, error) {
	workDir, err := os.MkdirTemp(root, "sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox workspace: %w", err)
	}
	if err := os.Mkdir(filepath.Join(workDir, libraryDirName), 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to create library directory: %w", err)
	}
	return &Handle{
		workDir: workDir,
		staged:  make(map[string]bool),
	}, nil
}

// inputPath is the fixed script path inside the workspace
func (h *Handle) inputPath() string {
	return filepath.Join(h.workDir, inputFileName)
}

// outputPath is the artifact path for the given export format
func (h *Handle) outputPath(ft FileType) string {
	return filepath.Join(h.workDir, outputFileName+"."+string(ft))
}

// libraryPath returns where a named library is staged inside this instance
func (h *Handle) libraryPath(name string) string {
	return filepath.Join(h.workDir, libraryDirName, filepath.Base(name))
}

// stageScript writes the script text to the fixed input path
func (h *Handle) stageScript(text string) error {
	if err := os.WriteFile(h.inputPath(), []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to stage script: %w", err)
	}
	return nil
}

// stageLibrary unpacks library bytes into the instance library directory.
// Staging is idempotent per name within one handle.
func (h *Handle) stageLibrary(name string, data []byte) error {
	if h.staged[name] {
		return nil
	}
	if err := os.WriteFile(h.libraryPath(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to stage library %s: %w", name, err)
	}
	h.staged[name] = true
	return nil
}

// adopt records the running compiler process so Kill can reach it
func (h *Handle) adopt(cmd *exec.Cmd) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = cmd.Process
}

// Kill terminates the instance's process group out-of-band. The compiler
// call itself is blocking and not preemptible, so this is the only way to
// enforce a hard deadline: the watchdog classifies the overrun, Kill
// removes the execution context.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead || h.proc == nil {
		return
	}
	h.dead = true
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-h.proc.Pid, syscall.SIGKILL); err != nil {
		slog.Warn("failed to kill sandbox process group",
			slog.Int("pid", h.proc.Pid),
			slog.String("error", err.Error()))
	}
}

// Dispose kills any running process and removes the workspace. Safe to
// call more than once.
func (h *Handle) Dispose() {
	h.Kill()
	if h.workDir != "" {
		if err := os.RemoveAll(h.workDir); err != nil {
			slog.Warn("failed to remove sandbox workspace",
				slog.String("dir", h.workDir),
				slog.String("error", err.Error()))
		}
		h.workDir = ""
	}
}
