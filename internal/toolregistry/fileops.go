package toolregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"okcvm/pkg/tool"
)

type readFileInput struct {
	Path string `json:"path"`
}

type readFileOutput struct {
	Content string `json:"content"`
}

// ReadFileHandler reads a file through the calling client's Workspace
// Manager, so path confinement is enforced the same way for every tool.
func ReadFileHandler() tool.Handler {
	return func(cc tool.CallContext, raw json.RawMessage) (json.RawMessage, error) {
		var in readFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode read_file input: %w", err)
		}
		full, err := cc.Resolve(in.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read_file: %w", err)
		}
		return json.Marshal(readFileOutput{Content: string(data)})
	}
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileHandler writes a file through the Workspace Manager's confined
// resolver, creating parent directories as needed.
func WriteFileHandler() tool.Handler {
	return func(cc tool.CallContext, raw json.RawMessage) (json.RawMessage, error) {
		var in writeFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode write_file input: %w", err)
		}
		full, err := cc.Resolve(in.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("write_file: %w", err)
		}
		if err := os.WriteFile(full, []byte(in.Content), 0644); err != nil {
			return nil, fmt.Errorf("write_file: %w", err)
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type listFilesInput struct {
	Path string `json:"path"`
}

type listFilesOutput struct {
	Entries []string `json:"entries"`
}

// ListFilesHandler lists one directory level under the workspace.
func ListFilesHandler() tool.Handler {
	return func(cc tool.CallContext, raw json.RawMessage) (json.RawMessage, error) {
		var in listFilesInput
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode list_files input: %w", err)
			}
		}
		if in.Path == "" {
			in.Path = "."
		}
		full, err := cc.Resolve(in.Path)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, fmt.Errorf("list_files: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return json.Marshal(listFilesOutput{Entries: names})
	}
}
