// Package log is the process wide logger of the zenflow binary.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
)

var logger = hclog.Default()

// Init configures the default hclog logger. Named component loggers created afterwards inherit it.
func Init(level string) {
	logger = hclog.New(&hclog.LoggerOptions{
		Name:   "zenflow",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
	hclog.SetDefault(logger)
}

func Logger() hclog.Logger {
	return logger
}

func Info(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...), contextFields(ctx)...)
}

func Debugf(ctx context.Context, format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), contextFields(ctx)...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), contextFields(ctx)...)
}

func contextFields(ctx context.Context) []any {
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		return []any{"execution", key}
	}
	return nil
}
