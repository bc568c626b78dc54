package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/checklist/internal/paths"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// configFile holds the structure written to config.yaml.
type configFile struct {
	Backend      string         `yaml:"backend"`
	DataDir      string         `yaml:"data_dir,omitempty"`
	AppID        string         `yaml:"app_id,omitempty"`
	LogLevel     string         `yaml:"log_level"`
	ArchiveDelay string         `yaml:"archive_delay"`
	Sync         syncConfigFile `yaml:"sync"`
}

type syncConfigFile struct {
	Listen   string   `yaml:"listen,omitempty"`
	Peers    []string `yaml:"peers,omitempty"`
	Interval string   `yaml:"interval"`
	Compress bool     `yaml:"compress"`
}

func newInitCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize checklist storage",
		Long:  "Create the configuration and data directories, write a default\nconfig.yaml if there is none, and open the replica once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, e)
		},
	}
}

func runInit(cmd *cobra.Command, e *env) error {
	s := e.settings

	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		return sysError(fmt.Errorf("create config directory: %w", err))
	}
	path := paths.ConfigFile(s.configDir)
	if err := writeConfigIfMissing(path, s.config, s.logLevel); err != nil {
		return sysError(fmt.Errorf("write config: %w", err))
	}

	sess, err := e.open(cmd.Context(), false)
	if err != nil {
		return err
	}
	sess.close(e)

	fmt.Fprintf(cmd.OutOrStdout(), "Checklist initialized in %s\n", s.config.DataDir)
	return nil
}

// writeConfigIfMissing creates config.yaml from cfg if the file does not
// exist. An existing file is left untouched. The token is never written.
func writeConfigIfMissing(path string, cfg types.Config, logLevel string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	out := configFile{
		Backend:      cfg.Backend,
		DataDir:      cfg.DataDir,
		AppID:        cfg.AppID,
		LogLevel:     logLevel,
		ArchiveDelay: cfg.ArchiveDelay.String(),
		Sync: syncConfigFile{
			Listen:   cfg.Sync.Listen,
			Peers:    cfg.Sync.Peers,
			Interval: cfg.Sync.Interval.String(),
			Compress: cfg.Sync.Compress,
		},
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
