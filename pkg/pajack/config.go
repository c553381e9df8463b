package pajack

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/pajack/pkg/pajack/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	configPath string
	fileLoaded bool
	overrides  map[string]any

	lock    sync.Mutex
	current Config
}

type Config struct {
	ChannelBudget int `mapstructure:"channel_budget"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	InternalRestart bool `mapstructure:"internal_restart"`
	AllowReload     bool `mapstructure:"allow_reload"`

	MasterSinkName   string `mapstructure:"master_sink_name"`
	MasterSinkModule string `mapstructure:"master_sink_module"`
	MasterSinkArgs   string `mapstructure:"master_sink_args"`
	RemapModule      string `mapstructure:"remap_module"`
	SlotNamePrefix   string `mapstructure:"slot_name_prefix"`
	ChannelMap       string `mapstructure:"channel_map"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`

	Server     string `mapstructure:"server"`
	ClientName string `mapstructure:"client_name"`

	TeardownOnExit bool   `mapstructure:"teardown_on_exit"`
	HTTPListen     string `mapstructure:"http_listen"`
	Notify         bool   `mapstructure:"notify"`
	PidFile        string `mapstructure:"pid_file"`
}

const (
	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	ConfigKeyChannelBudget   = "channel_budget"
	ConfigKeyLogLevel        = "log_level"
	ConfigKeyLogFile         = "log_file"
	ConfigKeyInternalRestart = "internal_restart"
	ConfigKeyAllowReload     = "allow_reload"

	configKeyMasterSinkName    = "master_sink_name"
	configKeyMasterSinkModule  = "master_sink_module"
	configKeyMasterSinkArgs    = "master_sink_args"
	configKeyRemapModule       = "remap_module"
	configKeySlotNamePrefix    = "slot_name_prefix"
	configKeyChannelMap        = "channel_map"
	configKeyReconcileInterval = "reconcile_interval"
	configKeyLivenessInterval  = "liveness_interval"
	configKeyRequestTimeout    = "request_timeout"
	configKeyServer            = "server"
	configKeyClientName        = "client_name"
	configKeyTeardownOnExit    = "teardown_on_exit"
	configKeyHTTPListen        = "http_listen"
	configKeyNotify            = "notify"
	configKeyPidFile           = "pid_file"
)

var channelMapStyles = []string{channelMapStyleAux, channelMapStyleDefault}

// NewConfig creates a config manager. path may be empty to look for config.yaml in the
// working directory; overrides (usually from command line flags) beat file values.
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string, overrides map[string]any) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configPath:         path,
		overrides:          overrides,
	}

	userConfig := viper.New()
	userConfig.SetConfigType(configType)

	if path != "" {
		userConfig.SetConfigFile(path)
	} else {
		userConfig.SetConfigName(userConfigName)
		userConfig.AddConfigPath(userConfigPath)
	}

	userConfig.SetDefault(ConfigKeyChannelBudget, 12)
	userConfig.SetDefault(ConfigKeyLogLevel, "debug")
	userConfig.SetDefault(ConfigKeyLogFile, "")
	userConfig.SetDefault(ConfigKeyInternalRestart, true)
	userConfig.SetDefault(ConfigKeyAllowReload, false)
	userConfig.SetDefault(configKeyMasterSinkName, "jack_out")
	userConfig.SetDefault(configKeyMasterSinkModule, "module-jack-sink")
	userConfig.SetDefault(configKeyMasterSinkArgs, "")
	userConfig.SetDefault(configKeyRemapModule, "module-remap-sink")
	userConfig.SetDefault(configKeySlotNamePrefix, "remap_sink")
	userConfig.SetDefault(configKeyChannelMap, channelMapStyleAux)
	userConfig.SetDefault(configKeyReconcileInterval, "10s")
	userConfig.SetDefault(configKeyLivenessInterval, "5s")
	userConfig.SetDefault(configKeyRequestTimeout, "3s")
	userConfig.SetDefault(configKeyServer, "")
	userConfig.SetDefault(configKeyClientName, "pajack")
	userConfig.SetDefault(configKeyTeardownOnExit, true)
	userConfig.SetDefault(configKeyHTTPListen, "")
	userConfig.SetDefault(configKeyNotify, false)
	userConfig.SetDefault(configKeyPidFile, "")

	for key, value := range overrides {
		userConfig.Set(key, value)
	}

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// SetLogger swaps the logger, used once the real logger exists (it depends on the config)
func (cc *ConfigManager) SetLogger(logger *zap.SugaredLogger) {
	cc.logger = logger.Named("config")
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	if cc.configPath != "" && !util.FileExists(cc.configPath) {
		return fmt.Errorf("config file %s does not exist", cc.configPath)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError

		// only an explicitly given file has to exist
		if errors.As(err, &notFound) && cc.configPath == "" {
			cc.logger.Debugw("No config file found, using defaults", "error", err)
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!", "Please make sure the config file is valid YAML.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.fileLoaded = true
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	for _, key := range cc.pinnedKeys() {
		cc.logger.Warnw("Config file value ignored, pinned by a command line flag",
			"key", key,
			"value", cc.overrides[key])
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"channelBudget", current.ChannelBudget,
		"masterSink", current.MasterSinkName,
		"internalRestart", current.InternalRestart,
		"allowReload", current.AllowReload)

	return nil
}

// Current returns a copy of the active configuration
func (cc *ConfigManager) Current() Config {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	return cc.current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !cc.fileLoaded {
		cc.logger.Debug("No config file loaded, not watching for changes")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.userConfig.ConfigFileUsed())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()

		// many editors write twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	case <-time.After(time.Second):
		cc.logger.Debug("Config watcher not running, nothing to stop")
	}
}

func (cc *ConfigManager) populateFromVipers() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if err := next.Validate(); err != nil {
		return err
	}

	cc.lock.Lock()
	cc.current = next
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

// Validate checks values that would otherwise only fail once devices are being loaded
func (c Config) Validate() error {
	if !ValidChannelBudget(c.ChannelBudget) {
		return fmt.Errorf("%s %d: %w", ConfigKeyChannelBudget, c.ChannelBudget, ErrInvalidChannelBudget)
	}

	if !funk.ContainsString(channelMapStyles, c.ChannelMap) {
		return fmt.Errorf("%s must be one of %v, got %q", configKeyChannelMap, channelMapStyles, c.ChannelMap)
	}

	if c.MasterSinkName == "" || c.SlotNamePrefix == "" {
		return fmt.Errorf("%s and %s must not be empty", configKeyMasterSinkName, configKeySlotNamePrefix)
	}

	if c.ReconcileInterval <= 0 || c.LivenessInterval <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("%s, %s and %s must be positive", configKeyReconcileInterval, configKeyLivenessInterval, configKeyRequestTimeout)
	}

	return nil
}

// Layout is the device layout the provisioner should build
func (c Config) Layout() DeviceLayout {
	return DeviceLayout{
		MasterSinkName:   c.MasterSinkName,
		MasterSinkModule: c.MasterSinkModule,
		MasterSinkArgs:   c.MasterSinkArgs,
		RemapModule:      c.RemapModule,
		SlotNamePrefix:   c.SlotNamePrefix,
		ChannelMapStyle:  c.ChannelMap,
	}
}

// pinnedKeys lists keys set in the config file that a flag overrides; edits to them
// have no effect until the flag is dropped
func (cc *ConfigManager) pinnedKeys() []string {
	if !cc.fileLoaded {
		return nil
	}

	var pinned []string
	for key := range cc.overrides {
		if cc.userConfig.InConfig(key) {
			pinned = append(pinned, key)
		}
	}

	sort.Strings(pinned)

	return pinned
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
