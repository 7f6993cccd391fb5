package logutil

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogger sets up the global logger for command line use. Library code
// only ever logs through the logger it was given, which defaults to log.Logger.
func ConfigureLogger(verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Sample(LevelSampler{Level: level}).
		With().Caller().Logger()
}
