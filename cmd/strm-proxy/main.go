// Command strm-proxy fronts an Emby server and redirects .strm playback to
// signed 123pan download links.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error). Defaults to service.log_level from the config."`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

type cli struct {
	Globals

	Version kong.VersionFlag `help:"Print the version and exit."`

	Serve        ServeCmd        `cmd:"" default:"withargs" help:"Run the proxy and service listeners."`
	ImportLegacy ImportLegacyCmd `cmd:"" name:"import-legacy" help:"Import item_path_db.json and user_history.json into the data store."`
	Sign         SignCmd         `cmd:"" help:"Sign a 123pan custom-domain URL."`
	Map          MapCmd          `cmd:"" help:"Show how a media path maps onto the drive."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("strm-proxy"),
		kong.Description("Emby reverse proxy that turns .strm playback into direct 123pan links."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := kctx.Run(&c.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// logger builds the process logger. fallback is used when --log-level was
// not given.
func (g *Globals) logger(fallback string) (*slog.Logger, error) {
	name := g.LogLevel
	if name == "" {
		name = fallback
	}

	var level slog.Level
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", name)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "", "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: "15:04:05.000"})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}
