package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncnet/syncd/channel"
	"github.com/syncnet/syncd/registry"
)

// newAdminMux builds the admin HTTP surface: peer listing/count and
// targeted/bulk disconnect, plus a /metrics endpoint for the
// prometheus collectors registered in metrics.go. No external web
// framework — rpcserver.go talks gRPC, which this repo does not carry
// forward since the sync protocol itself is WebSocket/JSON.
func newAdminMux(reg *registry.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/peers" {
			handlePeerSubpath(reg, w, r)
			return
		}
		writeJSON(w, toWirePeers(reg.Peers()))
	})

	mux.HandleFunc("/peers/", func(w http.ResponseWriter, r *http.Request) {
		handlePeerSubpath(reg, w, r)
	})

	mux.HandleFunc("/peers/count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"count": reg.Count()})
	})

	mux.HandleFunc("/peers/disconnect-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		code, reason := closeParams(r)
		reg.DisconnectAll(code, reason)
		w.WriteHeader(http.StatusOK)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// handlePeerSubpath serves POST /peers/{nodeId}/disconnect, the one
// admin route with a path parameter; net/http's ServeMux here has no
// pattern matching for it, so it's parsed by hand.
func handlePeerSubpath(reg *registry.Registry, w http.ResponseWriter, r *http.Request) {
	const suffix = "/disconnect"
	path := r.URL.Path[len("/peers/"):]
	if len(path) <= len(suffix) || path[len(path)-len(suffix):] != suffix {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeID := path[:len(path)-len(suffix)]
	code, reason := closeParams(r)
	reg.Disconnect(nodeID, code, reason)
	w.WriteHeader(http.StatusOK)
}

func closeParams(r *http.Request) (int, string) {
	code := channel.CloseNormal
	if v := r.URL.Query().Get("code"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			code = n
		}
	}
	reason := r.URL.Query().Get("reason")
	return code, reason
}

type wirePeer struct {
	NodeID         string `json:"node_id"`
	ConnectedSince string `json:"connected_since"`
	RemoteAddr     string `json:"remote_addr"`
}

func toWirePeers(peers []registry.PeerInfo) []wirePeer {
	out := make([]wirePeer, len(peers))
	for i, p := range peers {
		out[i] = wirePeer{
			NodeID:         p.NodeID,
			ConnectedSince: p.ConnectedSince.UTC().Format("2006-01-02T15:04:05.000Z"),
			RemoteAddr:     p.RemoteAddr,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
