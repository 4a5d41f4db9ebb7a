package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RegisterCoreTools registers the built-in tool set on a Registry. The
// tools delegate to the session's ExecutionEnvironment; the policy engine
// consults the declared traits.
func RegisterCoreTools(reg *Registry) {
	registerRead(reg)
	registerWrite(reg)
	registerEdit(reg)
	registerBash(reg)
	registerGrep(reg)
	registerGlob(reg)
	registerLs(reg)
}

func parseArgs(raw json.RawMessage) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func registerRead(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Read",
		Description: "Read a file. Returns line-numbered content.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "Path to the file, relative to the project root."},
				"offset": map[string]any{"type": "integer", "description": "1-based line number to start from."},
				"limit":  map[string]any{"type": "integer", "description": "Maximum lines to read. Default: 2000."},
			},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
		ReadOnly: true,
		Paths:    []string{"path"},
		Execute: func(_ context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			path := stringArg(args, "path")
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			limit := intArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			return env.ReadFile(path, intArg(args, "offset"), limit)
		},
	})
}

func registerWrite(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Write",
		Description: "Write content to a file, creating it and any parent directories.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path to write, relative to the project root."},
				"content": map[string]any{"type": "string", "description": "Full file content."},
			},
			"required":             []any{"path", "content"},
			"additionalProperties": false,
		},
		Mutates: true,
		Paths:   []string{"path"},
		Execute: func(_ context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			path := stringArg(args, "path")
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			content := stringArg(args, "content")
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})
}

func registerEdit(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Edit",
		Description: "Replace an exact string in a file. old_string must occur exactly once unless replace_all is set.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "description": "Path to the file to edit."},
				"old_string":  map[string]any{"type": "string", "description": "Exact text to find."},
				"new_string":  map[string]any{"type": "string", "description": "Replacement text."},
				"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence."},
			},
			"required":             []any{"path", "old_string", "new_string"},
			"additionalProperties": false,
		},
		Mutates: true,
		Paths:   []string{"path"},
		Execute: func(_ context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			path := stringArg(args, "path")
			oldStr := stringArg(args, "old_string")
			newStr := stringArg(args, "new_string")
			if path == "" || oldStr == "" {
				return "", fmt.Errorf("path and old_string are required")
			}
			content, err := env.ReadFileRaw(path)
			if err != nil {
				return "", err
			}
			replaceAll, _ := args["replace_all"].(bool)
			count := strings.Count(content, oldStr)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", path)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string occurs %d times in %s; pass replace_all or disambiguate", count, path)
			}
			updated := strings.Replace(content, oldStr, newStr, -1)
			if !replaceAll {
				updated = strings.Replace(content, oldStr, newStr, 1)
			}
			if err := env.WriteFile(path, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Edited %s (%d replacement(s))", path, count), nil
		},
	})
}

func registerBash(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Bash",
		Description: "Run a shell command in the project root. Returns combined output and exit code.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command line to execute."},
			},
			"required":             []any{"command"},
			"additionalProperties": false,
		},
		Shell: true,
		Execute: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			command := stringArg(args, "command")
			if command == "" {
				return "", fmt.Errorf("command is required")
			}
			result, err := env.Shell(ctx, command)
			if err != nil {
				return "", err
			}
			out := result.Output()
			if result.ExitCode != 0 {
				out += fmt.Sprintf("\n[exit code %d]", result.ExitCode)
			}
			return out, nil
		},
	})
}

func registerGrep(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Grep",
		Description: "Search file contents for a regular expression.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern":          map[string]any{"type": "string", "description": "Regular expression to search for."},
				"path":             map[string]any{"type": "string", "description": "Directory to search. Default: project root."},
				"glob":             map[string]any{"type": "string", "description": "Glob filter on file names."},
				"case_insensitive": map[string]any{"type": "boolean"},
			},
			"required":             []any{"pattern"},
			"additionalProperties": false,
		},
		ReadOnly: true,
		Execute: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			pattern := stringArg(args, "pattern")
			if pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			ci, _ := args["case_insensitive"].(bool)
			return env.Grep(ctx, pattern, stringArg(args, "path"), GrepOptions{
				GlobFilter:      stringArg(args, "glob"),
				CaseInsensitive: ci,
				MaxResults:      200,
			})
		},
	})
}

func registerGlob(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Glob",
		Description: "Find files matching a glob pattern.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. src/*.go."},
				"path":    map[string]any{"type": "string", "description": "Directory to match under. Default: project root."},
			},
			"required":             []any{"pattern"},
			"additionalProperties": false,
		},
		ReadOnly: true,
		Execute: func(_ context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			pattern := stringArg(args, "pattern")
			if pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			matches, err := env.Glob(pattern, stringArg(args, "path"))
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

func registerLs(reg *Registry) {
	_ = reg.Register(Tool{
		Name:        "Ls",
		Description: "List a directory.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory to list. Default: project root."},
			},
			"additionalProperties": false,
		},
		ReadOnly: true,
		Paths:    []string{"path"},
		Execute: func(_ context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			args, err := parseArgs(raw)
			if err != nil {
				return "", err
			}
			path := stringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := env.ListDirectory(path)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			if sb.Len() == 0 {
				return "(empty)", nil
			}
			return sb.String(), nil
		},
	})
}
