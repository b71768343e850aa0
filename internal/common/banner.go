package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the effective storage layout
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("Corpus", GetVersion())

	logger.Info().
		Str("version", GetBuildInfo().String()).
		Str("environment", config.Environment).
		Str("badger_path", config.Storage.Badger.Path).
		Str("files_dir", config.Storage.Files.Dir).
		Str("pipelines_dir", config.Pipelines.Dir).
		Msg("Corpus starting")
}
