// Package scan probes the environment for the external tools a run
// depends on before any session is created.
package scan

import (
	"os/exec"
	"sort"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
)

// Check is the probe result for one tool.
type Check struct {
	Tool  string
	Path  string // resolved absolute path when found
	Found bool
}

// Run resolves every required tool on PATH. It returns all check
// results plus a tool-missing error if any probe failed, so callers can
// report the full picture before exiting.
func Run(cfg *config.Config, log *logger.Logger) ([]Check, error) {
	required := map[string]bool{"sh": true, "git": true}
	for _, rc := range cfg.Agents {
		if rc.Command != "" {
			required[rc.Command] = true
		}
	}

	tools := make([]string, 0, len(required))
	for tool := range required {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var checks []Check
	var missing string
	for _, tool := range tools {
		path, err := exec.LookPath(tool)
		found := err == nil
		if !found {
			missing = tool
			log.Warn("required tool not found", zap.String("tool", tool))
		} else {
			log.Debug("tool resolved", zap.String("tool", tool), zap.String("path", path))
		}
		checks = append(checks, Check{Tool: tool, Path: path, Found: found})
	}

	if missing != "" {
		return checks, ralpherrors.ToolMissing(missing)
	}
	return checks, nil
}
