package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/app"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/server"
)

// shutdownTimeout bounds draining HTTP requests and stopping background work
const shutdownTimeout = 10 * time.Second

// configPaths collects repeated -config flags; later files override earlier ones
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

// defaultConfigLocations are tried in order when no -config flag is given
var defaultConfigLocations = []string{"reqflow.toml", "deployments/local/reqflow.toml"}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	logLevel     = flag.String("log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	printConfig  = flag.Bool("print-config", false, "Print the resolved configuration with secrets masked, then exit")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (repeatable)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	common.LoadVersionFromFile()
	if *showVersion || *showVersionV {
		fmt.Printf("reqflow version %s\n", common.GetFullVersion())
		return 0
	}

	config, err := resolveConfig()
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", configFiles).Err(err).Msg("Configuration rejected")
		return 1
	}

	if *printConfig {
		data, err := config.Redacted().EncodeTOML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		os.Stdout.Write(data)
		return 0
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("llm_provider", string(config.LLM.Provider)).
		Str("stages_mode", config.Stages.Mode).
		Str("progress_path", config.Storage.Badger.Path).
		Str("sqlite_path", config.Storage.SQLite.Path).
		Msg("Configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start background services")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(application)
	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		serverErr <- srv.Start()
	})

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not drain cleanly")
	}

	return exitCode
}

// resolveConfig applies defaults, files, environment and then flags, and validates the result
func resolveConfig() (*common.Config, error) {
	if len(configFiles) == 0 {
		for _, path := range defaultConfigLocations {
			if _, err := os.Stat(path); err == nil {
				configFiles = append(configFiles, path)
				break
			}
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		return nil, err
	}

	port := *serverPort
	if *serverPortP != 0 {
		port = *serverPortP
	}
	common.ApplyFlagOverrides(config, port, *serverHost, *logLevel)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
