// Package toolset implements the worker's filesystem and shell tools.
// Every path is confined to the task's worktree root, and Edit, or a
// Write over an existing file, on a path the agent hasn't Read first is
// rejected, stopping an agent from blindly clobbering a file it never
// looked at. Write may create a new file without a prior Read.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// Result is the outcome of one tool call, fed back to the model as a
// tool_result block.
type Result struct {
	Content string
	IsError bool
}

// Registry is the boundary the worker's agent loop calls through to
// execute a model-requested tool.
type Registry interface {
	Definitions() []anthropic.ToolUnionParam
	Execute(ctx context.Context, name string, input json.RawMessage) Result
}

// errOutsideRoot is embedded in the result content (not returned as a
// Go error — tool failures are reported to the model, not the caller)
// when a path escapes the confined root.
const errOutsideRoot = "path escapes the task worktree root"

// FSTools is a Registry confined to root, enforcing read-before-write
// and a per-call timeout on shell commands.
type FSTools struct {
	root           string
	bashTimeout    time.Duration
	maxOutputBytes int

	mu        sync.Mutex
	readFiles map[string]bool
}

// New creates an FSTools confined to root.
func New(root string) *FSTools {
	return &FSTools{
		root:           root,
		bashTimeout:    2 * time.Minute,
		maxOutputBytes: 30_000,
		readFiles:      make(map[string]bool),
	}
}

func (t *FSTools) Definitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{OfTool: &anthropic.ToolParam{
			Name:        "Read",
			Description: anthropic.String("Read a file from the worktree. Returns contents with line numbers."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"file_path": map[string]any{"type": "string", "description": "Path to the file to read, relative to the worktree root or absolute within it"},
					"offset":    map[string]any{"type": "integer", "description": "1-indexed line to start from (optional)"},
					"limit":     map[string]any{"type": "integer", "description": "Maximum lines to return (optional)"},
				},
				Required: []string{"file_path"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "Write",
			Description: anthropic.String("Write content to a file, creating parent directories as needed. Overwriting an existing file requires reading it first."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"file_path": map[string]any{"type": "string", "description": "Path to write"},
					"content":   map[string]any{"type": "string", "description": "File content"},
				},
				Required: []string{"file_path", "content"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "Edit",
			Description: anthropic.String("Replace old_string with new_string in a file. old_string must be unique unless replace_all is set."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"file_path":   map[string]any{"type": "string"},
					"old_string":  map[string]any{"type": "string"},
					"new_string":  map[string]any{"type": "string"},
					"replace_all": map[string]any{"type": "boolean"},
				},
				Required: []string{"file_path", "old_string", "new_string"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "Bash",
			Description: anthropic.String("Run a shell command inside the worktree."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"command":     map[string]any{"type": "string"},
					"timeout_ms":  map[string]any{"type": "integer"},
					"description": map[string]any{"type": "string"},
				},
				Required: []string{"command"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "Glob",
			Description: anthropic.String("Find files matching a glob pattern under the worktree."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
				},
				Required: []string{"pattern"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "Grep",
			Description: anthropic.String("Search file contents with ripgrep."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
					"glob":    map[string]any{"type": "string"},
				},
				Required: []string{"pattern"},
			},
		}},
	}
}

func (t *FSTools) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	switch name {
	case "Read":
		return t.execRead(input)
	case "Write":
		return t.execWrite(input)
	case "Edit":
		return t.execEdit(input)
	case "Bash":
		return t.execBash(ctx, input)
	case "Glob":
		return t.execGlob(input)
	case "Grep":
		return t.execGrep(ctx, input)
	default:
		return Result{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}
	}
}

// resolve confines path to t.root, returning an error result if it
// would escape.
func (t *FSTools) resolve(path string) (string, *Result) {
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Clean(filepath.Join(t.root, path))
	}
	rel, err := filepath.Rel(t.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Result{Content: errOutsideRoot, IsError: true}
	}
	return full, nil
}

func (t *FSTools) execRead(input json.RawMessage) Result {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}
	}
	path, errResult := t.resolve(params.FilePath)
	if errResult != nil {
		return *errResult
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Result{Content: fmt.Sprintf("failed to read file: %v", err), IsError: true}
	}

	t.mu.Lock()
	t.readFiles[path] = true
	t.mu.Unlock()

	lines := strings.Split(string(content), "\n")
	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return Result{Content: "offset beyond end of file", IsError: true}
		}
	}
	end := len(lines)
	if params.Limit > 0 && start+params.Limit < end {
		end = start + params.Limit
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return Result{Content: b.String()}
}

func (t *FSTools) execWrite(input json.RawMessage) Result {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}
	}
	path, errResult := t.resolve(params.FilePath)
	if errResult != nil {
		return *errResult
	}

	if _, err := os.Stat(path); err == nil {
		t.mu.Lock()
		read := t.readFiles[path]
		t.mu.Unlock()
		if !read {
			return Result{Content: "file exists; Read it before overwriting with Write", IsError: true}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{Content: fmt.Sprintf("failed to create directory: %v", err), IsError: true}
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return Result{Content: fmt.Sprintf("failed to write file: %v", err), IsError: true}
	}
	t.mu.Lock()
	t.readFiles[path] = true
	t.mu.Unlock()
	return Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.FilePath)}
}

func (t *FSTools) execEdit(input json.RawMessage) Result {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}
	}
	path, errResult := t.resolve(params.FilePath)
	if errResult != nil {
		return *errResult
	}

	t.mu.Lock()
	read := t.readFiles[path]
	t.mu.Unlock()
	if !read {
		return Result{Content: "file must be Read before Edit", IsError: true}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Result{Content: fmt.Sprintf("failed to read file: %v", err), IsError: true}
	}
	contentStr := string(content)
	count := strings.Count(contentStr, params.OldString)
	if count == 0 {
		return Result{Content: "old_string not found in file", IsError: true}
	}
	if !params.ReplaceAll && count > 1 {
		return Result{Content: fmt.Sprintf("old_string found %d times; must be unique or use replace_all", count), IsError: true}
	}

	var newContent string
	if params.ReplaceAll {
		newContent = strings.ReplaceAll(contentStr, params.OldString, params.NewString)
	} else {
		newContent = strings.Replace(contentStr, params.OldString, params.NewString, 1)
	}
	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		return Result{Content: fmt.Sprintf("failed to write file: %v", err), IsError: true}
	}
	return Result{Content: "edit applied"}
}

func (t *FSTools) execBash(ctx context.Context, input json.RawMessage) Result {
	var params struct {
		Command   string `json:"command"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}
	}

	timeout := t.bashTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", params.Command)
	cmd.Dir = t.root
	output, err := cmd.CombinedOutput()
	result := truncate(string(output), t.maxOutputBytes)
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return Result{Content: fmt.Sprintf("command timed out after %v:\n%s", timeout, result), IsError: true}
		}
		return Result{Content: fmt.Sprintf("%s\nerror: %v", result, err), IsError: true}
	}
	return Result{Content: result}
}

func (t *FSTools) execGlob(input json.RawMessage) Result {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}
	}
	searchPath := t.root
	if params.Path != "" {
		resolved, errResult := t.resolve(params.Path)
		if errResult != nil {
			return *errResult
		}
		searchPath = resolved
	}

	var matches []string
	_ = filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if matched, _ := filepath.Match(filepath.Base(params.Pattern), d.Name()); matched {
			rel, _ := filepath.Rel(searchPath, path)
			matches = append(matches, rel)
		}
		return nil
	})
	if len(matches) == 0 {
		return Result{Content: "no files matched"}
	}
	return Result{Content: strings.Join(matches, "\n")}
}

func (t *FSTools) execGrep(ctx context.Context, input json.RawMessage) Result {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}
	}
	searchPath := t.root
	if params.Path != "" {
		resolved, errResult := t.resolve(params.Path)
		if errResult != nil {
			return *errResult
		}
		searchPath = resolved
	}

	args := []string{"--color=never", "-n"}
	if params.Glob != "" {
		args = append(args, "--glob", params.Glob)
	}
	args = append(args, params.Pattern, searchPath)

	cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, "rg", args...)
	output, _ := cmd.CombinedOutput()

	result := truncate(string(output), t.maxOutputBytes)
	if result == "" {
		return Result{Content: "no matches found"}
	}
	return Result{Content: result}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (output truncated)"
}

var _ Registry = (*FSTools)(nil)
