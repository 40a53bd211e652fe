package triage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOverrideDir compiles every .rego file under dir as an override policy.
// A missing directory is not an error; overrides are optional.
func (e *Engine) LoadOverrideDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		e.logger.Debug().Str("policy_dir", dir).Msg("No triage policy directory")
		return nil
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		if err := e.LoadOverride(ctx, name, string(content)); err != nil {
			return err
		}
		return nil
	})
}
