package logging

import "github.com/rs/zerolog/log"

// Printf-style helpers over the process logger. Callers import this
// package as logs and keep messages in "pkg.Type.method key=value" form.

func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}

// Logf writes an unleveled line that is emitted regardless of level.
func Logf(format string, args ...any) {
	log.Log().Msgf(format, args...)
}
