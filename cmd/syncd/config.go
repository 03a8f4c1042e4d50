package main

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// config is one flat struct parsed by go-flags; no config value
// affects the synchronization protocol itself, only the transport and
// persistence it runs over.
type config struct {
	ListenAddr   string `long:"listenaddr" description:"host:port the sync WebSocket endpoint listens on" default:"localhost:8088"`
	AdminAddr    string `long:"adminaddr" description:"host:port the admin HTTP surface listens on" default:"localhost:8090"`
	StoreDSN     string `long:"storedsn" description:"sqlite path or postgres DSN for the backing store" default:":memory:"`
	StorePG      bool   `long:"storepostgres" description:"treat storedsn as a postgres DSN instead of a sqlite path"`
	NodeID       string `long:"nodeid" description:"this store's stable node identity" required:"true"`
	PingSeconds  int    `long:"pingseconds" description:"WebSocket ping interval in seconds, 0 disables heartbeats" default:"20"`
	LogDir       string `long:"logdir" description:"directory rotated log files are written to" default:"./logs"`
	LogMaxSizeKB int64  `long:"logmaxsizekb" description:"log file size in KB that triggers rotation" default:"10240"`
	Verbose      bool   `long:"verbose" short:"v" description:"dump every wire frame via spew in the session logs"`
}

func (c *config) pingInterval() time.Duration {
	if c.PingSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PingSeconds) * time.Second
}

// loadConfig parses the command line into a single flat go-flags
// struct; no ini-file layer, since this daemon carries no chain or
// wallet subsystems that would need one.
func loadConfig() (*config, error) {
	cfg := config{}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("syncd: --nodeid is required")
	}
	return &cfg, nil
}
