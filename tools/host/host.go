// Package host runs shell commands for agents, directly on the host or
// inside a docker sandbox. Plain commands execute immediately; commands that
// reach for sudo or systemctl, or that name a protected path, consume a
// one-time admin approval first and are refused entirely under lockdown.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	atoll "github.com/nevindra/atoll"
)

const (
	defaultTimeoutSec = 30
	maxTimeoutSec     = 300
	maxOutputChars    = 4000
)

// DefaultProtectedPaths are the roots whose files only change with a
// host.exec.protected_path approval.
var DefaultProtectedPaths = []string{"/etc", "/boot", "/root"}

// Tool executes shell commands through a Runner with approval gating.
type Tool struct {
	runner    Runner
	approvals *atoll.Approvals
	system    *atoll.System
	protected []string
	logger    *slog.Logger
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// Option configures the host tool.
type Option func(*Tool)

// WithApprovals wires the approval service consumed by privileged commands.
// Without it every privileged command is refused.
func WithApprovals(a *atoll.Approvals) Option {
	return func(t *Tool) { t.approvals = a }
}

// WithSystem wires lockdown checks and host-exec outcome reporting.
func WithSystem(s *atoll.System) Option {
	return func(t *Tool) { t.system = s }
}

// WithProtectedPaths replaces the default protected roots.
func WithProtectedPaths(paths ...string) Option {
	return func(t *Tool) { t.protected = paths }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the host tool over runner.
func New(runner Runner, opts ...Option) *Tool {
	t := &Tool{runner: runner, protected: DefaultProtectedPaths}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = nopLogger
	}
	return t
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{{
		Name:        "host_exec",
		Description: "Execute a shell command on the host and return its output. Commands using sudo or systemctl, or touching protected system paths, require a one-time approval granted by an admin with /approve.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30, max 300)"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (atoll.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return atoll.ToolResult{Error: "command is required"}, nil
	}

	if action := Classify(command, t.protected); action != "" {
		if res, ok := t.authorize(ctx, action); !ok {
			return res, nil
		}
	}

	timeout := defaultTimeoutSec * time.Second
	if params.Timeout > 0 {
		sec := params.Timeout
		if sec > maxTimeoutSec {
			sec = maxTimeoutSec
		}
		timeout = time.Duration(sec) * time.Second
	}

	res, err := t.runner.Run(ctx, command, timeout)
	t.reportOutcome(ctx, err == nil)

	output := res.Output
	if len(output) > maxOutputChars {
		output = output[:maxOutputChars] + "\n... (truncated)"
	}
	if err != nil {
		return atoll.ToolResult{Content: output, Error: err.Error()}, nil
	}
	if res.ExitCode != 0 {
		return atoll.ToolResult{Content: output, Error: fmt.Sprintf("exit status %d", res.ExitCode)}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return atoll.ToolResult{Content: output}, nil
}

// authorize gates one privileged command: lockdown first, then a single-use
// approval for the calling actor. The bool is false when the command must
// not run.
func (t *Tool) authorize(ctx context.Context, action string) (atoll.ToolResult, bool) {
	if t.system != nil {
		if err := t.system.Guard(ctx); err != nil {
			return atoll.ToolResult{Error: err.Error()}, false
		}
	}
	inv, ok := atoll.InvocationFrom(ctx)
	if !ok {
		return atoll.ToolResult{Error: "caller identity unavailable"}, false
	}
	if t.approvals == nil {
		return atoll.ToolResult{Error: action + " requires approval, and approvals are not configured"}, false
	}
	if _, err := t.approvals.Consume(ctx, action, inv.ActorID); err != nil {
		var required *atoll.ErrApprovalRequired
		if errors.As(err, &required) {
			return atoll.ToolResult{Error: fmt.Sprintf("%s requires a one-time approval; an admin can grant it with /approve %s", action, action)}, false
		}
		return atoll.ToolResult{Error: err.Error()}, false
	}
	return atoll.ToolResult{}, true
}

func (t *Tool) reportOutcome(ctx context.Context, ok bool) {
	if t.system == nil {
		return
	}
	if _, err := t.system.ReportHostExec(ctx, ok); err != nil {
		t.logger.Warn("host exec report failed", "error", err)
	}
}

// Classify maps a command line to the approval action it needs, or "" for an
// unprivileged command. sudo outranks systemctl outranks protected paths, so
// one approval covers the whole line.
func Classify(command string, protected []string) string {
	tokens := strings.Fields(command)
	for i, tok := range tokens {
		tokens[i] = strings.Trim(tok, `"'`)
	}
	for _, tok := range tokens {
		if tok == "sudo" {
			return atoll.ApprovalHostExecSudo
		}
	}
	for _, tok := range tokens {
		if tok == "systemctl" {
			return atoll.ApprovalHostExecSystemctl
		}
	}
	for _, tok := range tokens {
		p := strings.TrimLeft(tok, "<>")
		if !strings.HasPrefix(p, "/") {
			continue
		}
		p = path.Clean(p)
		for _, root := range protected {
			if p == root || strings.HasPrefix(p, root+"/") {
				return atoll.ApprovalHostExecProtectedPath
			}
		}
	}
	return ""
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
