package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultCommandTimeout bounds one shell command.
const DefaultCommandTimeout = 30 * time.Second

// DefaultMaxOutput caps captured output.
const DefaultMaxOutput = 64 << 10

// RunOutput is the captured result of one shell command.
type RunOutput struct {
	Output    string
	ExitCode  int
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// ShellRunner runs commands through /bin/sh in their own process group.
type ShellRunner struct {
	Shell     string
	WorkDir   string
	MaxOutput int
	Env       []string
}

// Run executes command until it exits or ctx is done. A non-zero exit is not
// an error; it is reported in ExitCode. Errors mean the command could not be
// started.
func (r *ShellRunner) Run(ctx context.Context, command string) (RunOutput, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = r.WorkDir
	cmd.Env = append(os.Environ(), r.Env...)
	configureProcessGroup(cmd)

	buf := &cappedBuffer{limit: limit}
	cmd.Stdout = buf
	cmd.Stderr = buf

	start := time.Now()
	err := cmd.Run()
	out := RunOutput{
		Output:    buf.String(),
		Truncated: buf.truncated,
		Duration:  time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, fmt.Errorf("executing command: %w", err)
		}
		out.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			out.TimedOut = true
		}
	}
	return out, nil
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
