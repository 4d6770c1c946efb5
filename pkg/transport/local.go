package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// localTransport runs commands as local child processes.
type localTransport struct {
	settings *Settings
}

// newLocal creates a local-process transport.
func newLocal(s *Settings) Transport {
	return &localTransport{settings: s}
}

// Kind returns KindLocal.
func (t *localTransport) Kind() string {
	return KindLocal
}

// Execute runs the command under /bin/sh -c.
func (t *localTransport) Execute(ctx context.Context, command string, timeout time.Duration) (*RawResult, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Host: t.settings.Host, Command: command, Timeout: timeout}
	}

	result := &RawResult{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		Duration: duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// The shell itself could not be started.
		return nil, &UnreachableError{Host: t.settings.Host, Err: err}
	}

	return result, nil
}

// Upload writes content to a local path.
func (t *localTransport) Upload(_ context.Context, content []byte, remotePath string, mode os.FileMode) error {
	if dir := filepath.Dir(remotePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(remotePath, content, mode)
}

// Close is a no-op for local transports.
func (t *localTransport) Close() error {
	return nil
}
