// Package setup initializes a fetchd data directory and loads its config.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fetchd/internal/model"
	atomicyaml "github.com/msageha/fetchd/internal/yaml"
	"github.com/msageha/fetchd/templates"
)

const ConfigFile = "config.yaml"

// Run initializes dataDir: the state, lock and log directories, the download
// root and a config.yaml generated from the embedded template.
func Run(dataDir string) error {
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, ConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	// Create directory structure
	for _, d := range []string{"state", "locks", "logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.Root, 0755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}

	if err := atomicyaml.AtomicWrite(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// DefaultConfig decodes the embedded template.
func DefaultConfig() (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, ConfigFile)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	return cfg, nil
}

func generateConfig(dataDir string) (model.Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return cfg, err
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = filepath.Join(dataDir, "downloads")
	}
	return cfg, nil
}

// LoadConfig reads dataDir/config.yaml over the template defaults. A missing
// file yields the defaults unchanged.
func LoadConfig(dataDir string) (model.Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(filepath.Join(dataDir, ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, Validate(cfg)
}

// Validate rejects settings the daemon cannot run with.
func Validate(cfg model.Config) error {
	var errs []error
	if cfg.Workers.Count < 0 || cfg.Workers.Count > 64 {
		errs = append(errs, fmt.Errorf("workers.count must be 1-64, got %d", cfg.Workers.Count))
	}
	if cfg.Storage.Reserve < 0 {
		errs = append(errs, errors.New("storage.reserve must not be negative"))
	}
	if cfg.Storage.WarningThreshold > 0 && cfg.Storage.WarningThreshold < cfg.Storage.Reserve {
		errs = append(errs, fmt.Errorf("storage.warning_threshold (%s) is below storage.reserve (%s)",
			cfg.Storage.WarningThreshold, cfg.Storage.Reserve))
	}
	if cfg.Retry.Multiplier != 0 && cfg.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %g", cfg.Retry.Multiplier))
	}
	if cfg.Admission.MaxSkips < 0 {
		errs = append(errs, errors.New("admission.max_skips must not be negative"))
	}
	return errors.Join(errs...)
}
