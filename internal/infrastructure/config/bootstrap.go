package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Bootstrap ensures ~/.playingpack exists and carries a default
// config.yaml. Existing files are never overwritten, so user edits
// survive restarts and upgrades.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	for _, dir := range []string{root, filepath.Join(root, "cache")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	path := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		logger.Debug("Config home OK", zap.String("home", root))
		return nil
	}

	defaults := map[string]any{
		"server": map[string]any{
			"host": "0.0.0.0",
			"port": 8787,
			"mode": "local",
		},
		"proxy": map[string]any{
			"upstream":   "https://api.openai.com",
			"cache_mode": "read-write",
			"intervene":  true,
		},
		"cache": map[string]any{
			"dir": filepath.Join(root, "cache"),
		},
		"database": map[string]any{
			"enabled": true,
			"dsn":     filepath.Join(root, "playingpack.db"),
		},
		"log": map[string]any{
			"level":  "info",
			"format": "json",
			"output": "stdout",
		},
	}

	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	logger.Info("Default config written", zap.String("path", path))
	return nil
}
