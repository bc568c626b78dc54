package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/checklist/internal/paths"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	envPrefix = "CHECKLIST"
)

// Keys of config.yaml.
const (
	cfgKeyBackend      = "backend"
	cfgKeyDataDir      = "data_dir"
	cfgKeyAppID        = "app_id"
	cfgKeyToken        = "token"
	cfgKeyLogLevel     = "log_level"
	cfgKeyArchiveDelay = "archive_delay"
	cfgKeySyncListen   = "sync.listen"
	cfgKeySyncPeers    = "sync.peers"
	cfgKeySyncInterval = "sync.interval"
	cfgKeySyncCompress = "sync.compress"
)

const defaultLogLevel = "warn"

// settings is everything a command needs from configuration.
type settings struct {
	configDir string
	config    types.Config
	logLevel  string
}

// newViper returns a viper instance with defaults and environment bindings.
// Values resolve as flag > environment > config.yaml > default.
func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	v.SetDefault(cfgKeyArchiveDelay, types.DefaultArchiveDelay)
	v.SetDefault(cfgKeySyncInterval, types.DefaultSyncInterval)
	v.SetDefault(cfgKeySyncCompress, true)

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	// CHECKLIST_SYNC_LISTEN and friends.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Credentials also come from the variables existing app deployments
	// already export.
	_ = v.BindEnv(cfgKeyAppID, "CHECKLIST_APP_ID", "DITTO_APP_ID")
	_ = v.BindEnv(cfgKeyToken, "CHECKLIST_TOKEN", "DITTO_PLAYGROUND_TOKEN")
	return v
}

// loadSettings reads config.yaml from configDir, applies environment
// overrides, and resolves the data directory. A missing config.yaml is not
// an error.
func loadSettings(configDir, dataDirFlag, logLevelFlag string) (settings, error) {
	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	dataDir, err := paths.ResolveDataDir(dataDirFlag, v.GetString(cfgKeyDataDir))
	if err != nil {
		return settings{}, fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := types.Config{
		Backend:      v.GetString(cfgKeyBackend),
		DataDir:      dataDir,
		AppID:        v.GetString(cfgKeyAppID),
		Token:        v.GetString(cfgKeyToken),
		ArchiveDelay: v.GetDuration(cfgKeyArchiveDelay),
		Sync: types.SyncConfig{
			Listen:   v.GetString(cfgKeySyncListen),
			Peers:    v.GetStringSlice(cfgKeySyncPeers),
			Interval: v.GetDuration(cfgKeySyncInterval),
			Compress: v.GetBool(cfgKeySyncCompress),
		},
	}
	if err := cfg.Validate(); err != nil {
		return settings{}, fmt.Errorf("invalid config: %w", err)
	}

	level := logLevelFlag
	if level == "" {
		level = v.GetString(cfgKeyLogLevel)
	}
	return settings{configDir: configDir, config: cfg, logLevel: level}, nil
}
