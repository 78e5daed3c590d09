// Package config declares the daemon's CLI-configurable settings, parsed by
// github.com/alecthomas/kong, grounded on the teacher's server.Config field
// list but populated from kong tags instead of the teacher's flag.String
// calls.
package config

import (
	"fmt"
	"log/slog"

	"github.com/alecthomas/kong"

	"github.com/tahifi/tacaman/queue"
	"github.com/tahifi/tacaman/stats"
)

// Config holds every daemon-wide setting populated from the command line.
type Config struct {
	CacheRoot string `required:"" help:"Root directory of the content-addressed cache tree."`

	UpperKeys    int `default:"10000" help:"Upper watermark for distinct stream keys."`
	UpperSources int `default:"10000" help:"Upper watermark for distinct sources."`
	UpperObjects int `default:"30000" help:"Upper watermark for distinct converted objects."`

	LowerLimitPercentage int `default:"60" help:"Percentage of the upper watermark GC drains down to."`

	OutputFormats []string `default:"png:120x120,png:200x200,jpg:400x400" help:"Ordered <format_spec>:<dimensions> list the recipe converts each source into."`
	Niceness      int      `default:"19" help:"nice(1) level the recipe runs its convert invocations at, in [0,19]."`
	RecipeShell   string   `default:"/bin/sh" help:"Shell used to execute a generated recipe script."`

	HistoryDBPath string `default:"history.db" help:"Path to the bbolt-backed run-history ledger."`

	ListenAddress string `default:":8080" help:"Address the ambient HTTP surface listens on."`

	OTLPEndpoint     string `help:"OTLP gRPC endpoint metrics are exported to. Empty disables OTLP export."`
	EnablePrometheus bool   `default:"true" help:"Serve a Prometheus exposition at /metrics."`

	LogFormat string `default:"text" enum:"text,json" help:"Log output format."`
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"Minimum log level."`
}

// Parse parses args (typically os.Args[1:]) into a Config, exiting the
// process on --help the way kong.Parse normally does.
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("tacaman"), kong.Description("Cover-art cache daemon."))
	if err != nil {
		return nil, fmt.Errorf("config: building parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing arguments: %w", err)
	}
	return &cfg, nil
}

// UpperLimits returns the configured watermark triple.
func (c *Config) UpperLimits() stats.Limits {
	return stats.Limits{Keys: c.UpperKeys, Sources: c.UpperSources, Objects: c.UpperObjects}
}

// Formats parses OutputFormats' "<spec>:<dimensions>" entries into the
// queue package's Format list, falling back to queue.DefaultFormats if none
// were configured.
func (c *Config) Formats() ([]queue.Format, error) {
	if len(c.OutputFormats) == 0 {
		return queue.DefaultFormats(), nil
	}
	formats := make([]queue.Format, 0, len(c.OutputFormats))
	for _, entry := range c.OutputFormats {
		spec, dims, ok := splitFormatEntry(entry)
		if !ok {
			return nil, fmt.Errorf("config: invalid output format %q, want <spec>:<dimensions>", entry)
		}
		formats = append(formats, queue.Format{Spec: spec, Dimensions: dims})
	}
	return formats, nil
}

func splitFormatEntry(entry string) (spec, dims string, ok bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == ':' {
			return entry[:i], entry[i+1:], entry[:i] != "" && entry[i+1:] != ""
		}
	}
	return "", "", false
}

// LogLevelValue maps LogLevel's string form to an slog.Level.
func (c *Config) LogLevelValue() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: invalid log level %q", c.LogLevel)
	}
}
