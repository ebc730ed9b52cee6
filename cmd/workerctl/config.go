package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cryguy/webworker"
)

type config struct {
	Name          string
	Kind          webworker.WorkerKind
	Side          bool
	CloseOnIdle   bool
	Grace         time.Duration
	Timeout       time.Duration
	Journal       string
	MemoryLimitMB int
	ModuleRoot    string
	LogLevel      string
}

func defaultConfig() config {
	opts := webworker.DefaultOptions()
	return config{
		Kind:     opts.Kind,
		Grace:    opts.GracePeriod,
		LogLevel: "info",
	}
}

type fileConfig struct {
	Name          string `toml:"name"`
	Kind          string `toml:"kind"`
	Side          bool   `toml:"side"`
	CloseOnIdle   bool   `toml:"close_on_idle"`
	Grace         string `toml:"grace"`
	Timeout       string `toml:"timeout"`
	Journal       string `toml:"journal"`
	MemoryLimitMB int    `toml:"memory_limit_mb"`
	ModuleRoot    string `toml:"module_root"`
	LogLevel      string `toml:"log_level"`
}

// loadConfig overlays the keys present in the TOML file at path onto cfg.
func loadConfig(path string, cfg config) (config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load workerctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load workerctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("kind") {
		kind, err := webworker.ParseWorkerKind(strings.TrimSpace(raw.Kind))
		if err != nil {
			return config{}, fmt.Errorf("parse kind: %w", err)
		}
		cfg.Kind = kind
	}
	if meta.IsDefined("side") {
		cfg.Side = raw.Side
	}
	if meta.IsDefined("close_on_idle") {
		cfg.CloseOnIdle = raw.CloseOnIdle
	}
	if meta.IsDefined("grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Grace))
		if err != nil {
			return config{}, fmt.Errorf("parse grace: %w", err)
		}
		cfg.Grace = d
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("journal") {
		cfg.Journal = strings.TrimSpace(raw.Journal)
	}
	if meta.IsDefined("memory_limit_mb") {
		cfg.MemoryLimitMB = raw.MemoryLimitMB
	}
	if meta.IsDefined("module_root") {
		cfg.ModuleRoot = strings.TrimSpace(raw.ModuleRoot)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return cfg, nil
}
