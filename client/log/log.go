package log

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/gammadia/dasklaunch/client/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes
var Base = slog.Default()

// Init configures Base from the log flags. Logs go to w, which is stderr for the CLI: stdout
// is kept for the output of the commands.
func Init(w io.Writer) error {
	level := viper.GetString(flags.LogLevel)
	if viper.GetBool(flags.Verbose) && !viper.IsSet(flags.LogLevel) {
		level = slog.LevelDebug.String()
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	options := slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     logLevel,
	}

	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		Base = slog.New(slog.NewJSONHandler(w, &options))
	case "text":
		Base = slog.New(slog.NewTextHandler(w, &options))
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	return nil
}

func With(args ...any) *slog.Logger {
	return Base.With(args...)
}
