// Package config loads ETB node configuration: INI files with an [etb]
// section whose keys mirror the command-line flag names with dashes
// replaced by underscores. Read order is user-home config, then
// current-directory config, then command-line flags; later sources win.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// FileName is the configuration file looked up in the home and working
// directories.
const FileName = "etb_conf"

// Config holds every node setting.
type Config struct {
	Host        string
	Port        int
	Log         string
	WrappersDir string
	RuleFiles   []string
	WorkDir     string

	Workers       int
	RemoteTimeout time.Duration
	RemoteRetries int
	PingInterval  time.Duration
	Debug         bool
}

// Default returns the node defaults.
func Default() *Config {
	return &Config{
		Host:          "127.0.0.1",
		Port:          26532,
		Log:           "etb.log",
		WorkDir:       ".",
		Workers:       8,
		RemoteTimeout: 30 * time.Second,
		RemoteRetries: 3,
		PingInterval:  30 * time.Second,
	}
}

// Load builds the configuration from the default values overlaid with the
// home-directory and working-directory config files, in that order. Missing
// files are skipped; malformed ones are errors.
func Load() (*Config, error) {
	cfg := Default()
	if home, err := os.UserHomeDir(); err == nil {
		if err := cfg.MergeFile(filepath.Join(home, "."+FileName)); err != nil {
			return nil, err
		}
	}
	if err := cfg.MergeFile(FileName); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile overlays the [etb] section of the named file. A missing file is
// not an error.
func (c *Config) MergeFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sec := f.Section("etb")
	if k := sec.Key("host"); k.String() != "" {
		c.Host = k.String()
	}
	if k := sec.Key("port"); k.String() != "" {
		c.Port = k.MustInt(c.Port)
	}
	if k := sec.Key("log"); k.String() != "" {
		c.Log = k.String()
	}
	if k := sec.Key("wrappers_dir"); k.String() != "" {
		c.WrappersDir = k.String()
	}
	if k := sec.Key("rule_files"); k.String() != "" {
		c.RuleFiles = splitList(k.String())
	}
	if k := sec.Key("work_dir"); k.String() != "" {
		c.WorkDir = k.String()
	}
	if k := sec.Key("workers"); k.String() != "" {
		c.Workers = k.MustInt(c.Workers)
	}
	if k := sec.Key("remote_timeout"); k.String() != "" {
		c.RemoteTimeout = k.MustDuration(c.RemoteTimeout)
	}
	if k := sec.Key("remote_retries"); k.String() != "" {
		c.RemoteRetries = k.MustInt(c.RemoteRetries)
	}
	if k := sec.Key("ping_interval"); k.String() != "" {
		c.PingInterval = k.MustDuration(c.PingInterval)
	}
	if k := sec.Key("debug"); k.String() != "" {
		c.Debug = k.MustBool(c.Debug)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
