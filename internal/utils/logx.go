package utils

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the node logger. With an empty logPath everything goes to
// stdout; otherwise info, error and debug lines are split into separate files
// under logPath/<nodeID>/.
func NewLogger(nodeID, logPath, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var core zapcore.Core
	if logPath == "" {
		core = zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lvl)
	} else {
		dir := filepath.Join(logPath, nodeID)
		if err := os.MkdirAll(dir, 0744); err != nil {
			return nil, fmt.Errorf("failed to create log dir %s: %w", dir, err)
		}

		infoOut := zapcore.AddSync(openLogFile(filepath.Join(dir, "info.log")))
		errorOut := zapcore.AddSync(openLogFile(filepath.Join(dir, "error.log")))
		dbgOut := zapcore.AddSync(openLogFile(filepath.Join(dir, "debug.log")))

		infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return lvl.Enabled(l) && l >= zapcore.InfoLevel && l < zapcore.ErrorLevel
		})
		errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
		dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return lvl.Enabled(l) && l == zapcore.DebugLevel })

		core = zapcore.NewTee(
			zapcore.NewCore(encoder, infoOut, infoLv),
			zapcore.NewCore(encoder, errorOut, errLv),
			zapcore.NewCore(encoder, dbgOut, dbgLv),
		)
	}

	// A flood of malformed datagrams must not turn into a flood of lines.
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	return zap.New(core).With(zap.String("node", nodeID)), nil
}

func openLogFile(path string) *os.File {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return os.Stdout
	}
	return f
}
