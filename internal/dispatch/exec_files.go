package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
)

const (
	defaultReadBytes = 64 * 1024
	maxGlobFiles     = 20
)

// execFileRead reads one file by path or a set by doublestar glob. Each
// file is truncated to max_bytes.
func execFileRead(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	maxBytes := pint(act.Params, "max_bytes", defaultReadBytes)
	if maxBytes <= 0 {
		maxBytes = defaultReadBytes
	}

	if path := pstr(act.Params, "path"); path != "" {
		content, truncated, err := readCapped(path, maxBytes)
		if err != nil {
			return failure(act, err)
		}
		out := content
		if truncated {
			out += fmt.Sprintf("\n[truncated at %d bytes]", maxBytes)
		}
		return successData(act, out, map[string]any{"path": path})
	}

	pattern := pstr(act.Params, "pattern")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return failure(act, fault.Wrap(fault.InvalidParam, err, "file_read: bad pattern %q", pattern))
	}
	if len(matches) == 0 {
		return failure(act, fault.New(fault.NotFound, "file_read: no files match %q", pattern))
	}
	clipped := false
	if len(matches) > maxGlobFiles {
		matches = matches[:maxGlobFiles]
		clipped = true
	}

	var b strings.Builder
	read := 0
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		content, truncated, err := readCapped(m, maxBytes)
		if err != nil {
			fmt.Fprintf(&b, "=== %s ===\n[unreadable: %v]\n", m, err)
			continue
		}
		fmt.Fprintf(&b, "=== %s (%d bytes) ===\n%s\n", m, info.Size(), content)
		if truncated {
			fmt.Fprintf(&b, "[truncated at %d bytes]\n", maxBytes)
		}
		read++
	}
	if clipped {
		fmt.Fprintf(&b, "[more files matched; showing first %d]\n", maxGlobFiles)
	}
	return successData(act, strings.TrimRight(b.String(), "\n"), map[string]any{"files": read})
}

func readCapped(path string, maxBytes int) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, fault.New(fault.NotFound, "file_read: %s does not exist", path)
		}
		return "", false, fault.Wrap(fault.ActionCrashed, err, "file_read: %s", path)
	}
	if len(data) > maxBytes {
		return string(data[:maxBytes]), true, nil
	}
	return string(data), false, nil
}

// execFileWrite creates or replaces a file, creating parent directories.
// With append, the content is added to the end instead.
func execFileWrite(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	path := pstr(act.Params, "path")
	content := pstr(act.Params, "content")

	abs, err := filepath.Abs(path)
	if err != nil {
		return failure(act, fault.Wrap(fault.InvalidParam, err, "file_write: resolve %q", path))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "file_write: create dirs for %s", abs))
	}

	if pbool(act.Params, "append") {
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return failure(act, fault.Wrap(fault.ActionCrashed, err, "file_write: open %s", abs))
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return failure(act, fault.Wrap(fault.ActionCrashed, err, "file_write: append %s", abs))
		}
		return successData(act, fmt.Sprintf("appended %d bytes to %s", len(content), abs),
			map[string]any{"path": abs})
	}

	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "file_write: %s", abs))
	}
	return successData(act, fmt.Sprintf("wrote %d bytes to %s", len(content), abs),
		map[string]any{"path": abs})
}
