// Package fsops gives agents file access confined to a workspace directory.
// Paths are relative to the workspace root; anything resolving outside it is
// refused.
package fsops

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	atoll "github.com/nevindra/atoll"
)

const (
	maxReadChars   = 8000
	maxListEntries = 200
)

// Tool provides file read, write, and list within the workspace.
type Tool struct {
	workspace string
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// New creates the file tool rooted at workspace.
func New(workspace string) *Tool {
	return &Tool{workspace: filepath.Clean(workspace)}
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{
		{
			Name:        "fs_read",
			Description: "Read a file from the workspace. Returns the content, truncated to 8000 chars if large.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
		},
		{
			Name:        "fs_write",
			Description: "Write content to a file in the workspace, creating parent directories as needed. Overwrites existing files.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "fs_list",
			Description: "List files and directories under a workspace path. Directories carry a trailing slash.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace (default: workspace root)"}},"required":[]}`),
		},
	}
}

func (t *Tool) Execute(_ context.Context, name string, args json.RawMessage) (atoll.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	rel := params.Path
	if rel == "" && name == "fs_list" {
		rel = "."
	}
	resolved, err := t.resolve(rel)
	if err != nil {
		return atoll.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "fs_read":
		return t.read(resolved)
	case "fs_write":
		return t.write(resolved, params.Content)
	case "fs_list":
		return t.list(resolved, rel)
	default:
		return atoll.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

// resolve maps a workspace-relative path to an absolute one, refusing
// absolute inputs and anything that escapes the root.
func (t *Tool) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspace, path)
	rel, err := filepath.Rel(t.workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (atoll.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return atoll.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return atoll.ToolResult{Content: content}, nil
}

func (t *Tool) write(path, content string) (atoll.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return atoll.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return atoll.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return atoll.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) list(path, rel string) (atoll.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return atoll.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	if len(entries) == 0 {
		return atoll.ToolResult{Content: "(empty directory)"}, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	truncated := false
	if len(entries) > maxListEntries {
		entries = entries[:maxListEntries]
		truncated = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", rel)
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "  %s/\n", e.Name())
			continue
		}
		if info, err := e.Info(); err == nil {
			fmt.Fprintf(&b, "  %s (%d bytes)\n", e.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "  %s\n", e.Name())
		}
	}
	if truncated {
		b.WriteString("  ... (truncated)\n")
	}
	return atoll.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}
