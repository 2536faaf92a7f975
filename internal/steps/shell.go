package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rendis/pms/internal/delegate"
	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/internal/isolation"
	"github.com/rendis/pms/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell task handler.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	// Dir is the working directory used when a task names none.
	Dir string
	// Policy limits the directories tasks may run in.
	Policy isolation.Policy
	// Isolator wraps every command; nil means a ProcessGroupIsolator.
	Isolator isolation.Isolator
}

const shellSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "args": {"type": ["array", "null"], "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

type shellParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Shell   bool              `json:"shell,omitempty"`
}

// ShellHandler runs a command and reports stdout, stderr and the exit code.
// A non-zero exit fails the task with an APPLICATION failure.
func ShellHandler(cfg ShellConfig) delegate.Handler {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewProcessGroupIsolator()
	}
	return func(ctx context.Context, task engine.TaskRequest) (schema.ResponseData, error) {
		var p shellParams
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeValidation, "shell: decode task: %s", err.Error()).WithCause(err)
		}
		if p.Command == "" {
			return schema.ResponseData{}, schema.NewError(schema.ErrCodeValidation, "shell: missing required param 'command'")
		}

		timeout := cfg.DefaultTimeout
		if task.Timeout > 0 {
			timeout = task.Timeout
		}
		if p.Timeout != "" {
			if d, err := time.ParseDuration(p.Timeout); err == nil {
				timeout = d
			}
		}
		dir := cfg.Dir
		if p.Cwd != "" {
			dir = p.Cwd
		}
		if err := cfg.Policy.CheckDir(dir); err != nil {
			return schema.ResponseData{
				Status: schema.StatusFailed,
				Failure: &schema.FailureInfo{
					Message: err.Error(),
					Types:   []schema.FailureType{schema.FailureAuthorization},
				},
			}, nil
		}

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var cmd *exec.Cmd
		if p.Shell {
			full := p.Command
			if len(p.Args) > 0 {
				full = p.Command + " " + strings.Join(p.Args, " ")
			}
			cmd = exec.Command("/bin/sh", "-c", full)
		} else {
			cmd = exec.Command(p.Command, p.Args...)
		}
		cmd.Dir = dir
		if len(p.Env) > 0 {
			cmd.Env = os.Environ()
			for _, k := range slices.Sorted(maps.Keys(p.Env)) {
				cmd.Env = append(cmd.Env, k+"="+p.Env[k])
			}
		}
		if p.Stdin != "" {
			cmd.Stdin = strings.NewReader(p.Stdin)
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &limitedWriter{w: &stdout, limit: cfg.MaxOutputSize}
		cmd.Stderr = &limitedWriter{w: &stderr, limit: cfg.MaxOutputSize}
		cmd, err := cfg.Isolator.Wrap(execCtx, cmd)
		if err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeExecution, "shell: %v", err).WithCause(err)
		}

		start := time.Now()
		runErr := cmd.Run()
		durationMs := time.Since(start).Milliseconds()

		exitCode, killed := 0, false
		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeExecution, "shell: %v", runErr).WithCause(runErr)
			}
			exitCode = exitErr.ExitCode()
			killed = errors.Is(execCtx.Err(), context.DeadlineExceeded)
		}

		// stdout is parsed when it holds JSON so later nodes can address
		// into it.
		raw := stdout.String()
		var parsed any = raw
		if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
			var v any
			if err := json.Unmarshal(stdout.Bytes(), &v); err == nil {
				parsed = v
			}
		}
		payload, err := json.Marshal(map[string]any{
			"stdout":      parsed,
			"stdout_raw":  raw,
			"stderr":      stderr.String(),
			"exit_code":   exitCode,
			"duration_ms": durationMs,
			"killed":      killed,
		})
		if err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeExecution, "shell: marshal output").WithCause(err)
		}

		data := schema.ResponseData{Status: schema.StatusSucceeded, Payload: payload}
		switch {
		case killed:
			data.Status = schema.StatusFailed
			data.Failure = &schema.FailureInfo{
				Message: fmt.Sprintf("%s killed after %s", p.Command, timeout),
				Types:   []schema.FailureType{schema.FailureTimeout},
			}
		case exitCode != 0:
			data.Status = schema.StatusFailed
			data.Failure = &schema.FailureInfo{
				Message: fmt.Sprintf("%s exited with code %d", p.Command, exitCode),
				Types:   []schema.FailureType{schema.FailureApplication},
			}
		}
		return data, nil
	}
}

// limitedWriter discards bytes beyond limit. Write always reports the full
// length so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
