// synccli is a thin HTTP client over a syncd instance's admin surface,
// generalizing cmd/lncli's cli.App/cli.Command structure from an
// RPC client to a plain net/http client.
package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[synccli] %v\n", err)
	os.Exit(1)
}

func adminURL(ctx *cli.Context, path string) string {
	return "http://" + ctx.GlobalString("adminserver") + path
}

type peerInfo struct {
	NodeID         string `json:"node_id"`
	ConnectedSince string `json:"connected_since"`
	RemoteAddr     string `json:"remote_addr"`
}

var peersCommand = cli.Command{
	Name:  "peers",
	Usage: "list or count connected peers",
	Subcommands: []cli.Command{
		{
			Name:   "count",
			Usage:  "print the number of connected peers",
			Action: peersCount,
		},
	},
	Action: peersList,
}

func peersList(ctx *cli.Context) error {
	resp, err := http.Get(adminURL(ctx, "/peers"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synccli: %s: %s", resp.Status, body)
	}

	var peers []peerInfo
	if err := json.Unmarshal(body, &peers); err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Printf("%s\tconnected-since=%s\tremote-addr=%s\n", p.NodeID, p.ConnectedSince, p.RemoteAddr)
	}
	return nil
}

func peersCount(ctx *cli.Context) error {
	resp, err := http.Get(adminURL(ctx, "/peers/count"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Println(out.Count)
	return nil
}

var disconnectCommand = cli.Command{
	Name:      "disconnect",
	Usage:     "disconnect a peer, or every peer",
	ArgsUsage: "node-id",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "all",
			Usage: "disconnect every connected peer",
		},
		cli.IntFlag{
			Name:  "code",
			Value: 1000,
			Usage: "WebSocket close code to send",
		},
		cli.StringFlag{
			Name:  "reason",
			Value: "requested by synccli",
			Usage: "close reason to send",
		},
	},
	Action: disconnect,
}

func disconnect(ctx *cli.Context) error {
	query := url.Values{}
	query.Set("code", strconv.Itoa(ctx.Int("code")))
	query.Set("reason", ctx.String("reason"))

	var path string
	if ctx.Bool("all") {
		path = "/peers/disconnect-all?" + query.Encode()
	} else {
		nodeID := ctx.Args().First()
		if nodeID == "" {
			return fmt.Errorf("synccli: disconnect requires a node-id or --all")
		}
		path = "/peers/" + url.PathEscape(nodeID) + "/disconnect?" + query.Encode()
	}

	resp, err := http.Post(adminURL(ctx, path), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("synccli: %s: %s", resp.Status, body)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "synccli"
	app.Version = "0.1"
	app.Usage = "control plane for a syncd instance"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "adminserver",
			Value: "localhost:8090",
			Usage: "host:port of the syncd admin surface",
		},
	}
	app.Commands = []cli.Command{
		peersCommand,
		disconnectCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
