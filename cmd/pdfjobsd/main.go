// Command pdfjobsd runs the URL-to-PDF job coordination service: the API
// Facade's HTTP listener and the single Worker process against a shared
// SQLite job store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/pdfjobs/internal/app"
	"github.com/ternarybob/pdfjobs/internal/common"
	"github.com/ternarybob/pdfjobs/internal/config"
	"github.com/ternarybob/pdfjobs/internal/logging"
)

// configPaths allows multiple -config flags, later files overriding earlier
// ones.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (repeatable; later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("pdfjobsd version %s\n", common.GetVersion())
		os.Exit(0)
	}

	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	if len(configFiles) == 0 {
		if _, err := os.Stat("pdfjobsd.toml"); err == nil {
			configFiles = append(configFiles, "pdfjobsd.toml")
		}
	}

	cfg, err := config.LoadFromFiles(configFiles...)
	if err != nil {
		tmp := logging.GetLogger()
		tmp.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	if *serverPort != 0 {
		cfg.Server.Port = *serverPort
	}
	if *serverHost != "" {
		cfg.Server.Host = *serverHost
	}

	logger := logging.SetupLogger(cfg)
	common.PrintBanner(cfg, logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pdfjobsd")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start pdfjobsd")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	common.PrintShutdownBanner(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown reported an error")
	}
	logger.Info().Msg("pdfjobsd stopped")
}
