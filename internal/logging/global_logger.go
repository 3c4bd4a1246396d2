package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "llm-failover.log"

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// SetupBaseLogger routes stdout logging and gin's writers through this package.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		SetOutput(os.Stdout)
		SetLevel(slog.LevelInfo)
		SetReportCaller(true)

		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = Writer()
		gin.DefaultErrorWriter = WriterLevel(slog.LevelError)
		gin.DebugPrintFunc = func(format string, values ...any) {
			Debugf(format, values...)
		}

		RegisterExitHandler(closeLogOutputs)
	})
}

// ConfigureLogOutput switches between stdout and a rotating file in logDir.
// An empty logDir resolves to $WRITABLE_PATH/logs or ./logs.
func ConfigureLogOutput(loggingToFile bool, logDir string) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	if !loggingToFile {
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		SetOutput(os.Stdout)
		return nil
	}

	if logDir == "" {
		logDir = "logs"
		if base := writablePath(); base != "" {
			logDir = filepath.Join(base, "logs")
		}
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	if logWriter != nil {
		_ = logWriter.Close()
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     14,
	}
	SetOutput(io.MultiWriter(logWriter))
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	closeLogOutputs()
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}
