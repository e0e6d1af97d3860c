// Package validator is the shared core of the per-project validators.
//
// It owns the pieces every project validator needs: a bounded worker pool
// over the project's queue, an external workflow runner with a hard timeout,
// an execution-trace parser, and the record commit sequence (create
// suppressed, publish, unsuppress). Project-specific behaviour plugs in
// through the Project interface.
package validator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/climb-tre/conduit/internal/config"
)

// Sentinel errors for workflow execution.
var (
	// ErrWorkflowTimeout is returned when the workflow exceeds its hard timeout.
	ErrWorkflowTimeout = errors.New("workflow exceeded execution timeout")

	// ErrExecutableEmpty is returned when no workflow executable is configured.
	ErrExecutableEmpty = errors.New("workflow executable cannot be empty")

	// ErrPipelineEmpty is returned when no workflow pipeline is configured.
	ErrPipelineEmpty = errors.New("workflow pipeline cannot be empty")
)

const (
	defaultWorkflowTimeout = 3 * time.Hour
	cleanupTimeout         = 60 * time.Second
)

type (
	// WorkflowConfig describes how to invoke the project's external workflow.
	WorkflowConfig struct {
		// Executable is the workflow engine binary.
		Executable string

		// Pipeline is the workflow repository or path passed to the engine.
		Pipeline string

		// Revision pins the pipeline version. Optional.
		Revision string

		// Profile selects the engine's execution profile. Optional.
		Profile string

		// ConfigFile is an extra engine configuration file. Optional.
		ConfigFile string

		// WorkRoot is the directory run working directories are created under.
		WorkRoot string

		// Timeout is the hard per-run execution limit.
		Timeout time.Duration
	}

	// Workflow runs the external pipeline subprocess.
	Workflow struct {
		cfg WorkflowConfig
	}

	// WorkflowResult is the outcome of one workflow run.
	WorkflowResult struct {
		ExitCode int
		Duration time.Duration
		Stdout   []byte
		TimedOut bool
	}
)

// LoadWorkflowConfig loads workflow configuration from environment variables.
func LoadWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		Executable: config.GetEnvStr("WORKFLOW_EXECUTABLE", "nextflow"),
		Pipeline:   config.GetEnvStr("WORKFLOW_PIPELINE", ""),
		Revision:   config.GetEnvStr("WORKFLOW_REVISION", ""),
		Profile:    config.GetEnvStr("WORKFLOW_PROFILE", ""),
		ConfigFile: config.GetEnvStr("WORKFLOW_CONFIG_FILE", ""),
		WorkRoot:   config.GetEnvStr("WORKFLOW_WORK_ROOT", os.TempDir()),
		Timeout:    config.GetEnvDuration("WORKFLOW_TIMEOUT", defaultWorkflowTimeout),
	}
}

// Validate checks if the workflow configuration is valid.
func (c WorkflowConfig) Validate() error {
	if c.Executable == "" {
		return ErrExecutableEmpty
	}

	if c.Pipeline == "" {
		return ErrPipelineEmpty
	}

	return nil
}

// NewWorkflow creates a workflow runner from configuration.
func NewWorkflow(cfg WorkflowConfig) (*Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWorkflowTimeout
	}

	return &Workflow{cfg: cfg}, nil
}

// WorkDir creates and returns the working directory for one run.
func (w *Workflow) WorkDir(runID string) (string, error) {
	dir := filepath.Join(w.cfg.WorkRoot, runID)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	return dir, nil
}

// Run executes the workflow with the given --key value parameters in the
// given working directory. The subprocess runs in its own process group so
// the whole tree is killed on timeout. Stdout is captured for the cleanup
// step, which needs the engine's run name.
func (w *Workflow) Run(ctx context.Context, workDir string, params map[string]string) (WorkflowResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	args := []string{"run", w.cfg.Pipeline}

	if w.cfg.Revision != "" {
		args = append(args, "-r", w.cfg.Revision)
	}

	if w.cfg.Profile != "" {
		args = append(args, "-profile", w.cfg.Profile)
	}

	if w.cfg.ConfigFile != "" {
		args = append(args, "-c", w.cfg.ConfigFile)
	}

	for _, key := range sortedKeys(params) {
		args = append(args, "--"+key, params[key])
	}

	cmd := exec.CommandContext(runCtx, w.cfg.Executable, args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	result := WorkflowResult{
		Duration: duration,
		Stdout:   stdout.Bytes(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1

		return result, fmt.Errorf("%w after %s", ErrWorkflowTimeout, duration.Round(time.Second))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()

		return result, nil
	}

	if err != nil {
		return result, fmt.Errorf("failed to run workflow: %w", err)
	}

	return result, nil
}

// Cleanup removes a finished run's engine state and working directory. The
// engine's own clean command needs the run name, which appears bracketed on
// the "Launching" line of the run's stdout.
func (w *Workflow) Cleanup(workDir string, stdout []byte) error {
	var errs []error

	if runName := parseRunName(stdout); runName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, w.cfg.Executable, "clean", "-f", runName)
		cmd.Dir = workDir

		if err := cmd.Run(); err != nil {
			errs = append(errs, fmt.Errorf("failed to clean run %s: %w", runName, err))
		}
	}

	if err := os.RemoveAll(workDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove work directory: %w", err))
	}

	return errors.Join(errs...)
}

// parseRunName extracts the engine-assigned run name from the bracketed
// token on the Launching line, e.g. "Launching `pipeline` [agitated_colden]".
func parseRunName(stdout []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Launching") {
			continue
		}

		open := strings.Index(line, "[")
		end := strings.Index(line, "]")

		if open >= 0 && end > open {
			return line[open+1 : end]
		}
	}

	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
