// Package logging wires up the global arbor logger, grounded on the
// teacher's internal/common logger setup: a singleton accessed through
// GetLogger, explicit InitLogger for process startup, and SetupLogger to
// build the singleton from config.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"

	"github.com/ternarybob/pdfjobs/internal/config"
)

var (
	globalLogger arbor.ILogger
	mu           sync.RWMutex
)

// GetLogger returns the process-wide logger. Before SetupLogger has run it
// returns a fallback console logger so packages (and tests) can log safely
// regardless of initialization order.
func GetLogger() arbor.ILogger {
	mu.RLock()
	if globalLogger != nil {
		defer mu.RUnlock()
		return globalLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(writerConfig("", models.LogWriterTypeConsole, ""))
		globalLogger.Warn().Msg("using fallback logger - SetupLogger was not called during startup")
	}
	return globalLogger
}

// InitLogger installs logger as the process-wide singleton.
func InitLogger(logger arbor.ILogger) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = logger
}

// SetupLogger builds the process-wide logger from cfg: a file writer when
// "file" is listed in Output, a console writer when "stdout"/"console" is,
// falling back to console if neither is configured.
func SetupLogger(cfg *config.Config) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFile, hasConsole := false, false
	for _, o := range cfg.Logging.Output {
		switch o {
		case "file":
			hasFile = true
		case "stdout", "console":
			hasConsole = true
		}
	}

	if hasFile {
		execPath, err := os.Executable()
		if err != nil {
			logger = logger.WithConsoleWriter(writerConfig(cfg.Logging.TimeFormat, models.LogWriterTypeConsole, ""))
			logger.Warn().Err(err).Msg("failed to resolve executable path, disabling file logging")
		} else {
			logsDir := filepath.Join(filepath.Dir(execPath), "logs")
			if err := os.MkdirAll(logsDir, 0755); err != nil {
				tmp := logger.WithConsoleWriter(writerConfig(cfg.Logging.TimeFormat, models.LogWriterTypeConsole, ""))
				tmp.Warn().Err(err).Str("logs_dir", logsDir).Msg("failed to create logs directory")
			} else {
				logFile := filepath.Join(logsDir, "pdfjobsd.log")
				logger = logger.WithFileWriter(writerConfig(cfg.Logging.TimeFormat, models.LogWriterTypeFile, logFile))
			}
		}
	}

	if hasConsole || !hasFile {
		logger = logger.WithConsoleWriter(writerConfig(cfg.Logging.TimeFormat, models.LogWriterTypeConsole, ""))
	}

	logger = logger.WithLevelFromString(cfg.Logging.Level)

	InitLogger(logger)
	return logger
}

func writerConfig(timeFormat string, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	if timeFormat == "" {
		timeFormat = "15:04:05.000"
	}
	return models.WriterConfiguration{
		Type:       writerType,
		FileName:   filename,
		TimeFormat: timeFormat,
		MaxSize:    100 * 1024 * 1024,
		MaxBackups: 3,
	}
}
