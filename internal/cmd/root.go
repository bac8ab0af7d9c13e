package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/config"
	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory"
	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/otel"
)

// resolvedVersion returns Version unless it is "dev" and Go build info
// contains a real module version (e.g. from go install ...@latest).
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// tracer is the package-level tracer for all CLI commands
var tracer = otel.Tracer("github.com/Joeromance84/echo-nexus-agi-sub003/internal/cmd")

var (
	// otelShutdown holds the OTel shutdown function, called from Execute()
	otelShutdown func(context.Context) error

	// Version info injected via ldflags at build time
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	// Global flags
	cfgFile   string
	dataDir   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "echo-memory",
	Short: "Persistent multi-tier memory for autonomous agents",
	Long: `echo-memory is a persistent memory subsystem for long-running agents.

It keeps experiences across four tiers:
- Episodic: raw events and observations
- Semantic: derived knowledge and facts
- Procedural: skills with reinforcement levels
- Working: ephemeral in-process scratch space

Records above the sensitivity threshold are encrypted at rest, and a
background consolidation engine promotes, reinforces, synthesizes, and
evicts records on a fixed schedule.`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		// Initialize OpenTelemetry when --otel, -v, or ECHO_OTEL_ENABLED=true
		otelEnabled := otelFlag || verbose || os.Getenv("ECHO_OTEL_ENABLED") == "true"
		shutdown, err := otel.Setup("echo-memory", resolvedVersion(), otelEnabled)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown

		return nil
	},
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// All structured logs go to stderr so stdout stays clean for piping
	// (e.g. echo-memory stats | jq).
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./echo.config.yaml or ~/.echo_memory/echo.config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "base directory for tier databases and the key file (default: ~/.echo_memory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stdout)")

	// Bind to viper
	_ = viper.BindPFlag(config.KeyDataDir, rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("otel", rootCmd.PersistentFlags().Lookup("otel"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search in ~/.echo_memory/ and current directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.echo_memory")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("echo.config")
		viper.SetConfigType("yaml")
	}

	// Environment variables with ECHO_ prefix
	viper.SetEnvPrefix("ECHO")
	viper.AutomaticEnv()

	// Read config (ignore errors - file may not exist yet)
	_ = viper.ReadInConfig()
}

// openManager builds a Manager from the resolved configuration. Every
// command that touches the stores goes through here so flag, env, and
// file precedence stays uniform.
func openManager() (*memory.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return memory.NewManager(cfg)
}

// closeManager shuts the manager down with its configured grace period.
func closeManager(mgr *memory.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("memory_manager_shutdown_failed")
	}
}

// Execute runs the root command and flushes OTel on exit
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
