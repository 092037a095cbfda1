package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a task list. Format is "json" or "yaml";
// empty means infer from the file extension (default json).
func Load(path, format string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task list: %w", err)
	}

	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			format = "yaml"
		default:
			format = "json"
		}
	}

	var list List
	switch format {
	case "json":
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("invalid task list JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("invalid task list YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported task list format %q", format)
	}

	if err := list.Validate(); err != nil {
		return nil, err
	}
	return &list, nil
}

// Canonical returns the deterministic JSON serialization of the list.
// Loading and re-serializing a canonical list is a byte-for-byte fixed
// point.
func Canonical(list *List) ([]byte, error) {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes the list canonically via a temp sibling and rename, so a
// crash mid-write never leaves a truncated task list.
func Save(path string, list *List) error {
	data, err := Canonical(list)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to stage task list: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace task list: %w", err)
	}
	return nil
}
