// Package supervisor launches validated artifacts as detached headless
// subprocesses. It confirms each child survives a fixed startup grace
// period, then hands the instance record to the registry; ongoing health
// monitoring is an operational concern, not handled here.
package supervisor

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/loomlabs/loom/internal/models"
)

// LaunchError reports a child that exited during the startup grace period.
// Output carries the captured stdout/stderr for the next fix attempt.
type LaunchError struct {
	Output string
}

func (e *LaunchError) Error() string {
	if e.Output == "" {
		return "application failed to start (process terminated immediately)"
	}
	return fmt.Sprintf("application failed to start: %s", e.Output)
}

type Supervisor struct {
	pythonBin string
	grace     time.Duration
	build     func(artifactPath string, port int) *exec.Cmd
}

func New(pythonBin string, grace time.Duration) *Supervisor {
	s := &Supervisor{pythonBin: pythonBin, grace: grace}
	s.build = s.streamlitCommand
	return s
}

func (s *Supervisor) streamlitCommand(artifactPath string, port int) *exec.Cmd {
	cmd := exec.Command(s.pythonBin, "-m", "streamlit", "run", artifactPath,
		"--server.port", strconv.Itoa(port),
		"--server.headless", "true",
		"--browser.gatherUsageStats", "false",
	)
	cmd.Dir = filepath.Dir(filepath.Dir(artifactPath))
	return cmd
}

// Launch spawns the artifact bound to port, waits out the grace period and
// checks the child is still alive. The child runs in its own process group
// so it can be stopped as a unit and so it outlives this invocation.
func (s *Supervisor) Launch(artifactPath string, port int) (*models.RunningInstance, error) {
	cmd := s.build(artifactPath, port)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn process: %w", err)
	}
	startedAt := time.Now()

	slog.Info("launched instance, waiting for startup",
		"pid", cmd.Process.Pid, "port", port, "grace", s.grace)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil, &LaunchError{Output: output.String()}
	case <-time.After(s.grace):
	}

	return &models.RunningInstance{
		Port:         port,
		PID:          cmd.Process.Pid,
		StartedAt:    startedAt,
		ArtifactPath: artifactPath,
	}, nil
}

// Stop kills the process group recorded for an instance.
func (s *Supervisor) Stop(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether the process with the given pid still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
