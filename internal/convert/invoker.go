package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dunamismax/mdflow/internal/domain"
)

const (
	progressPrefix     = "PROGRESS:"
	maxDiagnosticBytes = 64 << 10
	truncatedMarker    = "\n...(truncated)"
	defaultWaitDelay   = 2 * time.Second
)

// Invoker runs one conversion of inputPath and reports progress notices as they
// arrive. A non-zero exit is reported through Outcome, not as an error.
type Invoker interface {
	Invoke(ctx context.Context, inputPath string, settings domain.Settings, onProgress func(domain.Progress)) (Outcome, error)
}

type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

func (o Outcome) Succeeded() bool {
	return o.ExitCode == 0 && strings.TrimSpace(o.Stdout) != ""
}

type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ProcessInvoker runs Command Args... <inputPath> <settingsJSON>.
type ProcessInvoker struct {
	Command   string
	Args      []string
	WaitDelay time.Duration
}

func (p ProcessInvoker) Invoke(ctx context.Context, inputPath string, settings domain.Settings, onProgress func(domain.Progress)) (Outcome, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal settings: %w", err)
	}

	args := make([]string, 0, len(p.Args)+2)
	args = append(args, p.Args...)
	args = append(args, inputPath, string(settingsJSON))

	cmd := exec.CommandContext(ctx, p.Command, args...)
	killProcessGroup(cmd)
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	var stdout bytes.Buffer
	stderr := newStderrWriter(onProgress)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, &LaunchError{Command: p.Command, Err: err}
	}

	waitErr := cmd.Wait()
	stderr.flush()

	outcome := Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.diagnostics(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return outcome, fmt.Errorf("conversion interrupted: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr), errors.Is(waitErr, exec.ErrWaitDelay):
		return outcome, nil
	default:
		return outcome, fmt.Errorf("wait for conversion: %w", waitErr)
	}
}

// stderrWriter splits worker stderr into progress notices and capped diagnostic text.
type stderrWriter struct {
	onProgress func(domain.Progress)
	pending    []byte
	diag       bytes.Buffer
	truncated  bool
}

func newStderrWriter(onProgress func(domain.Progress)) *stderrWriter {
	return &stderrWriter{onProgress: onProgress}
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.line(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	// An unterminated line past the cap can only be diagnostic text.
	if len(w.pending) > maxDiagnosticBytes {
		w.appendDiagnostic(string(w.pending))
		w.pending = nil
	}
	return len(p), nil
}

func (w *stderrWriter) flush() {
	if len(w.pending) > 0 {
		w.line(w.pending)
		w.pending = nil
	}
}

func (w *stderrWriter) line(raw []byte) {
	text := strings.TrimRight(string(raw), "\r")
	if rest, ok := strings.CutPrefix(strings.TrimSpace(text), progressPrefix); ok {
		var progress domain.Progress
		if err := json.Unmarshal([]byte(rest), &progress); err == nil && progress != nil {
			if w.onProgress != nil && len(progress) > 0 {
				w.onProgress(progress)
			}
			return
		}
	}
	w.appendDiagnostic(text + "\n")
}

func (w *stderrWriter) appendDiagnostic(s string) {
	if w.truncated {
		return
	}
	room := maxDiagnosticBytes - w.diag.Len()
	if len(s) > room {
		w.diag.WriteString(s[:room])
		w.truncated = true
		return
	}
	w.diag.WriteString(s)
}

func (w *stderrWriter) diagnostics() string {
	if w.truncated {
		return w.diag.String() + truncatedMarker
	}
	return w.diag.String()
}
