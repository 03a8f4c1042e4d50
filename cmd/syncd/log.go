package main

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Per-subsystem loggers: one named logger per major component so
// verbosity can, in principle, be tuned per subsystem.
var (
	backend *btclog.Backend

	srvrLog  btclog.Logger
	sessLog  btclog.Logger
	reconnLog btclog.Logger
	mainLog  btclog.Logger

	logRotator *rotator.Rotator
)

// initLogRotator wires a rotating file writer from jrick/logrotate
// into a btclog.Backend, the standard dcrd/btcd-ecosystem logging
// convention.
func initLogRotator(logDir string, maxSizeKB int64) error {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "syncd.log")
	r, err := rotator.New(logFile, maxSizeKB, false, 3)
	if err != nil {
		return err
	}
	logRotator = r

	backend = btclog.NewBackend(r)
	srvrLog = backend.Logger("SRVR")
	sessLog = backend.Logger("SESS")
	reconnLog = backend.Logger("RECN")
	mainLog = backend.Logger("SYNC")
	return nil
}

func setLogLevels(verbose bool) {
	level := btclog.LevelInfo
	if verbose {
		level = btclog.LevelDebug
	}
	for _, l := range []btclog.Logger{srvrLog, sessLog, reconnLog, mainLog} {
		l.SetLevel(level)
	}
}
