package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultExecTimeoutSec = 60
	maxExecTimeoutSec     = 600
)

// RegisterExecTool adds terminal.exec, a bounded shell runner. Commands
// classified dangerous are refused before anything is started.
func RegisterExecTool(r *Registry, workDir string) error {
	return r.Register(Tool{
		Name:        "terminal.exec",
		Description: "Run a shell command in the workspace and return its combined output.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"timeout_sec":{"type":"integer","description":"Optional timeout, default 60, max 600."}},"required":["command"]}`),
		Mutating:    true,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return runCommand(ctx, workDir, args)
		},
	})
}

func runCommand(ctx context.Context, workDir string, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	if command == "" {
		return "", NewToolError(ErrorCodeInvalidArgs, "command is required")
	}
	if ClassifyCommandRisk(command) == CommandRiskDangerous {
		return "", NewToolError(ErrorCodePermissionDenied, "command refused by safety policy")
	}

	timeoutSec := intArg(args, "timeout_sec", defaultExecTimeoutSec)
	if timeoutSec <= 0 {
		timeoutSec = defaultExecTimeoutSec
	}
	if timeoutSec > maxExecTimeoutSec {
		timeoutSec = maxExecTimeoutSec
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// New process group so cancellation reaches the whole pipeline,
	// not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", NewToolError(ErrorCodeTimeout, "command timed out after %ds", timeoutSec)
		}
		if ctx.Err() != nil {
			return "", NewToolError(ErrorCodeCanceled, "command canceled")
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			if out == "" {
				out = "(no output)"
			}
			return fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), out), nil
		}
		return "", NewToolError(ErrorCodeUnknown, "run command: %v", err)
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}
