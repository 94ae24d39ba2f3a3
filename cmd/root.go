package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/config"
	"github.com/marcus/cacheagent/internal/coordinator"
)

var (
	version    string
	configPath string
	jsonOutput bool

	cfg    *config.Config
	logger *slog.Logger
)

// SetVersion sets the version string. A "dev" build falls back to the
// module or VCS version recorded in the binary.
func SetVersion(v string) {
	info, _ := debug.ReadBuildInfo()
	version = buildVersion(v, info)
	rootCmd.Version = version
}

// buildVersion prefers an explicit version, then the module version, then
// devel+<revision>[+dirty]
func buildVersion(v string, info *debug.BuildInfo) string {
	if (v != "" && v != "dev") || info == nil {
		return v
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return v
	}
	out := "devel+" + rev[:min(len(rev), 12)]
	if settings["vcs.modified"] == "true" {
		out += "+dirty"
	}
	return out
}

var rootCmd = &cobra.Command{
	Use:   "cacheagent",
	Short: "Offline config and product cache for managed clients",
	Long: `cacheagent keeps a local copy of this client's configuration and of the
software packages it is about to install, so pending actions can run while
the config server is unreachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.ApplyFlags(cmd.Flags()); err != nil {
			return err
		}
		cfg = loaded
		logger = newLogger(os.Stderr, cfg.Global.LogLevel, cfg.Global.LogFormat)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine readable output")
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddGroup(
		&cobra.Group{ID: "service", Title: "Service Commands:"},
		&cobra.Group{ID: "cache", Title: "Cache Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("inspect")
	rootCmd.SetCompletionCommandGroupID("inspect")
}

// newLogger builds the process logger the way the service expects it:
// leveled, text for humans, json for collectors
func newLogger(w io.Writer, levelName, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// openCoordinator connects to the config server and opens both caches
func openCoordinator() (*coordinator.Coordinator, error) {
	if err := cfg.RequireService(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	client := backend.New(cfg.Service.URL, cfg.Global.HostID, cfg.Global.HostKey, cfg.ServiceTimeout())
	return coordinator.Open(cfg, client, logger)
}
