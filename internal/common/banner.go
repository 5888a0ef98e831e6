package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"

	"github.com/ternarybob/pdfjobs/internal/config"
)

// PrintBanner displays the application startup banner, grounded on the
// teacher's internal/common.PrintBanner: a visual banner to stdout plus a
// structured startup log line through Arbor.
func PrintBanner(cfg *config.Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetFullVersion()
	serviceURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("PDFJOBSD")
	b.PrintCenteredText("URL-to-PDF Job Service")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 18)
	b.PrintKeyValue("Environment", cfg.Environment, 18)
	b.PrintKeyValue("Service URL", serviceURL, 18)
	b.PrintKeyValue("SQLite path", cfg.Storage.SQLitePath, 18)
	b.PrintKeyValue("Artifacts dir", cfg.Storage.ArtifactsDir, 18)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", cfg.Environment).
		Str("service_url", serviceURL).
		Str("sqlite_path", cfg.Storage.SQLitePath).
		Str("artifacts_dir", cfg.Storage.ArtifactsDir).
		Int("cleanup_interval_s", cfg.Cleanup.IntervalSeconds).
		Int("cleanup_file_age_s", cfg.Cleanup.FileAgeSeconds).
		Msg("pdfjobsd started")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("PDFJOBSD")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("pdfjobsd shutting down")
}
