package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/coreos/go-systemd/daemon"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/syncnet/syncd/channel"
	"github.com/syncnet/syncd/channel/wschannel"
	"github.com/syncnet/syncd/registry"
	"github.com/syncnet/syncd/session"
	"github.com/syncnet/syncd/store/sqlstore"
)

var shutdownChannel = make(chan struct{})

// syncdMain is the true entry point: defers registered here run even
// when the process later os.Exit()s from a top-level error.
func syncdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.LogDir, cfg.LogMaxSizeKB); err != nil {
		return err
	}
	defer logRotator.Close()
	setLogLevels(cfg.Verbose)

	mainLog.Infof("starting syncd, node-id=%s", cfg.NodeID)

	storeCfg := sqlstore.Config{
		NodeID: cfg.NodeID,
		Clock:  clock.NewDefaultClock(),
		Tables: []sqlstore.TableSchema{
			{Name: "notes", Columns: []string{"title", "body"}},
			{Name: "tags", Columns: []string{"note_id", "label"}},
		},
	}

	var st *sqlstore.Store
	if cfg.StorePG {
		st, err = sqlstore.OpenPostgres(cfg.StoreDSN, storeCfg)
	} else {
		st, err = sqlstore.OpenSQLite(cfg.StoreDSN, storeCfg)
	}
	if err != nil {
		return fmt.Errorf("syncd: opening store: %w", err)
	}
	defer st.Close()

	reg := registry.New(registry.Config{
		Store: st,
		Upgrade: func(w http.ResponseWriter, r *http.Request) (channel.Adapter, error) {
			return wschannel.Upgrade(w, r)
		},
		PingInterval: cfg.pingInterval(),
		SessionHooks: metricsHooks(),
		OnUpgradeError: func(err error, r *http.Request) {
			srvrLog.Warnf("upgrade failed from %s: %v", r.RemoteAddr, err)
		},
		Logger:  sessLog,
		Verbose: cfg.Verbose,
	})
	defer reg.Stop()

	syncMux := http.NewServeMux()
	syncMux.HandleFunc("/sync", reg.Accept)

	adminMux := newAdminMux(reg)

	go func() {
		srvrLog.Infof("sync endpoint listening on %s", cfg.ListenAddr)
		if err := http.ListenAndServe(cfg.ListenAddr, syncMux); err != nil {
			srvrLog.Errorf("sync listener stopped: %v", err)
		}
	}()
	go func() {
		srvrLog.Infof("admin surface listening on %s", cfg.AdminAddr)
		if err := http.ListenAndServe(cfg.AdminAddr, adminMux); err != nil {
			srvrLog.Errorf("admin listener stopped: %v", err)
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		mainLog.Debugf("systemd notify unavailable: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-shutdownChannel:
	}

	mainLog.Info("shutdown complete")
	return nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := syncdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

var _ session.Logger = sessLog
