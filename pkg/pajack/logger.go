package pajack

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MixyLabs/pajack/pkg/pajack/util"
)

const logDirectory = "logs"

// critical and fatal both sit above error; DPanic only panics in development loggers
var logLevels = map[string]zapcore.Level{
	"debug":    zapcore.DebugLevel,
	"info":     zapcore.InfoLevel,
	"warn":     zapcore.WarnLevel,
	"warning":  zapcore.WarnLevel,
	"error":    zapcore.ErrorLevel,
	"critical": zapcore.DPanicLevel,
	"fatal":    zapcore.DPanicLevel,
}

// ParseLogLevel maps an operator-facing level name to a zap level
func ParseLogLevel(name string) (zapcore.Level, bool) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return zapcore.DebugLevel, false
	}

	return level, true
}

// NewLogger builds the process logger. destination is a file path, or empty for stderr.
// Unknown levels fall back to debug.
func NewLogger(level string, destination string) (*zap.SugaredLogger, error) {
	zapLevel, known := ParseLogLevel(level)

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Encoding = "console"
	loggerConfig.Sampling = nil
	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	loggerConfig.EncoderConfig.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("%-20s", name))
	}

	if destination != "" {
		if dir := filepath.Dir(destination); dir != "." {
			if err := util.EnsureDirExists(dir); err != nil {
				return nil, fmt.Errorf("ensure log dir exists: %w", err)
			}
		}

		loggerConfig.OutputPaths = []string{destination}
		loggerConfig.ErrorOutputPaths = []string{destination}
	} else {
		loggerConfig.OutputPaths = []string{"stderr"}
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	sugar := logger.Sugar()

	if !known {
		names := funk.Keys(logLevels).([]string)
		sort.Strings(names)

		sugar.Warnw("Log level not recognized, defaulting to debug", "level", level, "known", names)
	}

	return sugar, nil
}
