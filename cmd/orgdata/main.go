package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ruslano69/orgdata/pkg/etl"
)

const version = "0.4.0"

// Коды завершения
const (
	exitError      = 1
	exitJobFailure = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := NewRootCmd(ctx, os.Stdout, os.Stderr)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("orgdata failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if etl.IsJobFailure(err) {
		return exitJobFailure
	}
	return exitError
}
