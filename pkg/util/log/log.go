package log

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide logger used by binaries. Libraries take a
// log.Logger explicitly and fall back to a nop logger, so nothing is logged
// until InitLogger is called.
var Logger = log.NewNopLogger()

// Config holds the logging options.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.LogLevel.RegisterFlags(f)
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
}

func (cfg *Config) Validate() error {
	switch cfg.LogFormat {
	case "", "logfmt", "json":
		return nil
	}
	return fmt.Errorf("unsupported log format %q", cfg.LogFormat)
}

// InitLogger initialises the global Logger from the config and returns it.
func InitLogger(cfg *Config) log.Logger {
	Logger = NewLogger(cfg, os.Stderr)
	return Logger
}

// NewLogger builds a leveled logger writing to w.
func NewLogger(cfg *Config, w io.Writer) log.Logger {
	var logger log.Logger
	if cfg.LogFormat == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	if cfg.LogLevel.Option == nil {
		_ = cfg.LogLevel.Set("info")
	}
	logger = level.NewFilter(logger, cfg.LogLevel.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}
	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	errStr := fmt.Sprintf("%+v", err)
	fmt.Fprintln(os.Stderr, errStr)

	logger.Log("err", errStr)
	os.Exit(1)
}
