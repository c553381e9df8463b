package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/MixyLabs/pajack/pkg/pajack"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	configPath      string
	numChannels     int
	logFile         string
	logLevel        string
	internalRestart bool
	allowReloading  bool
	verbose         bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to the config file (default: ./config.yaml if present)")
	flag.IntVar(&numChannels, "num-channels", 12, "number of channels on the shared sink, must be even")
	flag.IntVar(&numChannels, "c", 12, "shorthand for --num-channels")
	flag.StringVar(&logFile, "log", "", "file to write logs to (default: stderr)")
	flag.StringVar(&logLevel, "loglevel", "debug", "log level: debug, info, warn, error or critical")
	flag.BoolVar(&internalRestart, "internal-restart", true, "reconnect the event feed once after a failure before giving up")
	flag.BoolVar(&allowReloading, "allow-reloading", false, "allow re-provisioning slots at runtime (audio drops out while it happens)")
	flag.BoolVar(&allowReloading, "r", false, "shorthand for --allow-reloading")
	flag.BoolVar(&verbose, "verbose", false, "force debug logging")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

// explicitly set flags win over the config file
func flagOverrides() map[string]any {
	overrides := map[string]any{}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "num-channels", "c":
			overrides[pajack.ConfigKeyChannelBudget] = numChannels
		case "log":
			overrides[pajack.ConfigKeyLogFile] = logFile
		case "loglevel":
			overrides[pajack.ConfigKeyLogLevel] = logLevel
		case "internal-restart":
			overrides[pajack.ConfigKeyInternalRestart] = internalRestart
		case "allow-reloading", "r":
			overrides[pajack.ConfigKeyAllowReload] = allowReloading
		}
	})

	if verbose {
		overrides[pajack.ConfigKeyLogLevel] = "debug"
	}

	return overrides
}

func main() {
	bootstrap := zap.NewNop().Sugar()

	notifier, err := pajack.NewToastNotifier(bootstrap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create notifier: %v\n", err)
		os.Exit(2)
	}

	configMan, err := pajack.NewConfig(bootstrap, notifier, configPath, flagOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config: %v\n", err)
		os.Exit(2)
	}

	if err := configMan.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	conf := configMan.Current()

	logger, err := pajack.NewLogger(conf.LogLevel, conf.LogFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	configMan.SetLogger(logger)

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if !conf.InternalRestart {
		named.Debug("Internal restart disabled, the first event feed failure is fatal")
	}

	p, err := pajack.NewPajack(logger, configMan, notifier)
	if err != nil {
		named.Fatalw("Failed to create pajack object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		p.SetVersion(fmt.Sprintf("%s-%s", buildType, identifier))
	}

	if err := p.Run(); err != nil {
		named.Errorw("Exiting after unrecoverable failure", "error", err)
		notifier.Notify("pajack stopped", err.Error())
		_ = logger.Sync()
		os.Exit(1)
	}

	named.Info("Clean shutdown")
	_ = logger.Sync()
}
