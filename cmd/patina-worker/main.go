// patina-worker is the sandbox worker subprocess. It speaks the
// newline-delimited JSON protocol on stdin/stdout and logs to stderr;
// the host owns its lifetime through the watchdog.
package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/sandbox/worker"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("PATINA_WORKER_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	} else {
		logger = logger.Level(zerolog.WarnLevel)
	}

	rt := worker.NewRuntime(os.Stdin, os.Stdout, logger)
	if err := rt.Serve(); err != nil {
		logger.Error().Err(err).Msg("worker terminated")
		os.Exit(1)
	}
}
