// Signinbridge connects Sign In App visitor accounts to Home Assistant.
//
// It signs accounts in and out on request (Home Assistant events, MQTT
// buttons, the local HTTP API or the command line), polls each
// account's presence status and publishes it to Home Assistant through
// MQTT discovery. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); accounts
// live in a SQLite database under the configured data directory.
//
// Usage:
//
//	signinbridge serve                          Run the bridge
//	signinbridge init [dir]                     Write a starter config.yaml
//	signinbridge connect [flags] <code>         Add an account from a companion code
//	signinbridge sites <account>                List the sites an account can use
//	signinbridge reconfigure [flags] <account>  Change site ids, location source or accuracy
//	signinbridge remove <account>               Remove an account
//	signinbridge accounts                       List configured accounts
//	signinbridge sign-in [-device ref] <office|remote>
//	signinbridge sign-out [-device ref] [office|remote]
//	signinbridge version                        Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/signinbridge/internal/buildinfo"
	"github.com/nugget/signinbridge/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globals are the flags accepted before the command name.
type globals struct {
	configPath string
	outputFmt  string // "text" or "json"
}

// run is the real entry point. ctx bounds the process lifetime; stdout
// receives command output and serve's logs; stderr receives one-shot
// command logs. args is os.Args[1:].
//
// Global flags are parsed by hand so run can be called concurrently
// from tests; each subcommand parses its own flags with a private
// [flag.FlagSet].
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var g globals
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			g.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			g.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			g.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			g.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			g.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if g.outputFmt == "" {
		g.outputFmt = "text"
	}
	if g.outputFmt != "text" && g.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", g.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, g.configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "connect":
		return runConnect(ctx, stdout, stderr, g, cmdArgs)
	case "sites":
		return runSites(ctx, stdout, stderr, g, cmdArgs)
	case "reconfigure":
		return runReconfigure(ctx, stdout, stderr, g, cmdArgs)
	case "remove":
		return runRemove(ctx, stdout, stderr, g, cmdArgs)
	case "accounts":
		return runAccounts(ctx, stdout, stderr, g)
	case "sign-in":
		return runAction(ctx, stdout, stderr, g, "sign_in", cmdArgs)
	case "sign-out":
		return runAction(ctx, stdout, stderr, g, "sign_out", cmdArgs)
	case "version":
		return runVersion(stdout, g.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "signinbridge - Sign In App presence for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: signinbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Run the bridge")
	fmt.Fprintln(w, "  init [dir]             Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  connect <code>         Add an account from a companion app code")
	fmt.Fprintln(w, "  sites <account>        List the sites an account can use")
	fmt.Fprintln(w, "  reconfigure <account>  Change site ids, location source or accuracy")
	fmt.Fprintln(w, "  remove <account>       Remove an account")
	fmt.Fprintln(w, "  accounts               List configured accounts")
	fmt.Fprintln(w, "  sign-in <site>         Sign in at office or remote")
	fmt.Fprintln(w, "  sign-out [site]        Sign out (site auto-detected when omitted)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/signinbridge/config.yaml, /etc/signinbridge/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loggerFor builds the logger described by cfg.
func loggerFor(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// loadConfigOrDefault is loadConfig for the account commands, which
// also work without any config file when none was named.
func loadConfigOrDefault(explicit string) (*config.Config, error) {
	cfg, _, err := loadConfig(explicit)
	if err == nil {
		return cfg, nil
	}
	if explicit != "" {
		return nil, err
	}
	if _, findErr := config.FindConfig(""); findErr == nil {
		// A config file exists but is invalid.
		return nil, err
	}
	return config.Default(), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
