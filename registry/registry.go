// Package registry owns the server-side set of live Sessions: count,
// a snapshot listing of peers, disconnect by node-id and bulk
// disconnect, and the acceptor path that upgrades an inbound transport
// connection into a Session. There is no call that looks up a single
// Session by node-id.
// Generalizes server.go's queryHandler goroutine and its
// addPeer/removePeer/listPeersMsg request-struct-over-channel pattern
// from an int32-keyed peer map to a node-id-keyed session map.
package registry

import (
	"net/http"
	"sync"
	"time"

	"github.com/syncnet/syncd/channel"
	"github.com/syncnet/syncd/session"
	"github.com/syncnet/syncd/store"
)

// UpgradeFunc promotes an inbound HTTP request to a channel.Adapter,
// generalizing server.go's brontide.NewListener accept step to an
// HTTP-upgrade transport such as wschannel.
type UpgradeFunc func(w http.ResponseWriter, r *http.Request) (channel.Adapter, error)

// Config constructs a Registry.
type Config struct {
	Store   store.Adapter
	Upgrade UpgradeFunc

	// PingInterval configures each accepted channel's heartbeat. Must
	// be non-zero to evict stale peers, since a stale peer continues
	// to hold a live change-stream subscription.
	PingInterval time.Duration

	// SessionHooks supplies the validate/map/handshake-data hooks
	// forwarded to every accepted Session; OnConnect/OnDisconnect are
	// wrapped by the Registry, which updates the session set and then
	// calls the supplied hook.
	SessionHooks session.Hooks

	// OnConnecting is invoked before upgrade; returning an error
	// rejects the connection without ever constructing a Session.
	OnConnecting func(r *http.Request) error

	// OnUpgradeError is invoked when Upgrade fails; the acceptor
	// continues serving subsequent requests regardless.
	OnUpgradeError func(err error, r *http.Request)

	Logger  session.Logger
	Verbose bool
}

// PeerInfo describes one connected Session for the admin surface.
type PeerInfo struct {
	NodeID         string
	ConnectedSince time.Time
	RemoteAddr     string
}

type entry struct {
	sess       *session.Session
	nodeID     string
	connected  time.Time
	remoteAddr string
}

// Registry owns the live session set via a single queryHandler
// goroutine, directly generalizing server.go's queryHandler: every
// mutation and query is a request struct sent over a channel, so the
// map itself is never touched from any other goroutine.
type Registry struct {
	cfg Config

	newSession  chan *entry
	doneSession chan *entry

	listReq       chan listMsg
	countReq      chan countMsg
	disconnectReq chan disconnectMsg
	disconnectAll chan disconnectAllMsg

	quit chan struct{}
	wg   sync.WaitGroup
}

type listMsg struct{ resp chan []PeerInfo }
type countMsg struct{ resp chan int }
type disconnectMsg struct {
	nodeID string
	code   int
	reason string
	done   chan struct{}
}
type disconnectAllMsg struct {
	code   int
	reason string
	done   chan struct{}
}

// New constructs a Registry and starts its queryHandler goroutine.
func New(cfg Config) *Registry {
	r := &Registry{
		cfg:           cfg,
		newSession:    make(chan *entry),
		doneSession:   make(chan *entry),
		listReq:       make(chan listMsg),
		countReq:      make(chan countMsg),
		disconnectReq: make(chan disconnectMsg),
		disconnectAll: make(chan disconnectAllMsg),
		quit:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.queryHandler()
	return r
}

// Stop signals the queryHandler to exit and waits for it.
func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// Accept handles one inbound HTTP request as a new sync connection:
// onConnecting hook, upgrade to a channel, construct a server-role
// Session. On upgrade failure, invoke onUpgradeError and return
// without creating a Session, matching server.go's listener loop that
// continues accepting after one failed handshake.
func (r *Registry) Accept(w http.ResponseWriter, req *http.Request) {
	if r.cfg.OnConnecting != nil {
		if err := r.cfg.OnConnecting(req); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	ch, err := r.cfg.Upgrade(w, req)
	if err != nil {
		if r.cfg.OnUpgradeError != nil {
			r.cfg.OnUpgradeError(err, req)
		}
		return
	}
	ch.SetPingInterval(r.cfg.PingInterval)

	e := &entry{connected: time.Now(), remoteAddr: req.RemoteAddr}

	hooks := r.cfg.SessionHooks
	userOnConnect := hooks.OnConnect
	userOnDisconnect := hooks.OnDisconnect
	hooks.OnConnect = func(remoteNodeID string, remoteData interface{}) {
		e.nodeID = remoteNodeID
		r.newSession <- e
		if userOnConnect != nil {
			userOnConnect(remoteNodeID, remoteData)
		}
	}
	hooks.OnDisconnect = func(remoteNodeID string, code int, reason string) {
		r.doneSession <- e
		if userOnDisconnect != nil {
			userOnDisconnect(remoteNodeID, code, reason)
		}
	}

	e.sess = session.New(session.Config{
		Store:    r.cfg.Store,
		Channel:  ch,
		IsClient: false,
		Hooks:    hooks,
		Logger:   r.cfg.Logger,
		Verbose:  r.cfg.Verbose,
	})
}

// queryHandler is the sole mutator of the registry's session set,
// generalizing server.go's queryHandler.
func (r *Registry) queryHandler() {
	defer r.wg.Done()

	sessions := make(map[*entry]struct{})
	byNode := make(map[string]map[*entry]struct{})

	addToIndex := func(e *entry) {
		sessions[e] = struct{}{}
		if byNode[e.nodeID] == nil {
			byNode[e.nodeID] = make(map[*entry]struct{})
		}
		byNode[e.nodeID][e] = struct{}{}
	}
	removeFromIndex := func(e *entry) {
		delete(sessions, e)
		if m, ok := byNode[e.nodeID]; ok {
			delete(m, e)
			if len(m) == 0 {
				delete(byNode, e.nodeID)
			}
		}
	}

	for {
		select {
		case e := <-r.newSession:
			addToIndex(e)

		case e := <-r.doneSession:
			removeFromIndex(e)

		case msg := <-r.listReq:
			out := make([]PeerInfo, 0, len(sessions))
			for e := range sessions {
				out = append(out, PeerInfo{NodeID: e.nodeID, ConnectedSince: e.connected, RemoteAddr: e.remoteAddr})
			}
			msg.resp <- out

		case msg := <-r.countReq:
			msg.resp <- len(sessions)

		case msg := <-r.disconnectReq:
			var matched []*session.Session
			for e := range byNode[msg.nodeID] {
				matched = append(matched, e.sess)
			}
			go closeAndSignal(matched, msg.code, msg.reason, msg.done)

		case msg := <-r.disconnectAll:
			matched := make([]*session.Session, 0, len(sessions))
			for e := range sessions {
				matched = append(matched, e.sess)
			}
			go closeAndSignal(matched, msg.code, msg.reason, msg.done)

		case <-r.quit:
			return
		}
	}
}

func closeAndSignal(sessions []*session.Session, code int, reason string, done chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			defer wg.Done()
			s.Close(code, reason)
		}()
	}
	wg.Wait()
	close(done)
}

// Count returns the current number of live sessions.
func (r *Registry) Count() int {
	resp := make(chan int, 1)
	r.countReq <- countMsg{resp}
	return <-resp
}

// Peers returns a snapshot of every live session.
func (r *Registry) Peers() []PeerInfo {
	resp := make(chan []PeerInfo, 1)
	r.listReq <- listMsg{resp}
	return <-resp
}

// Disconnect closes every session whose remote node-id matches nodeID
// and blocks until they have all terminated.
func (r *Registry) Disconnect(nodeID string, code int, reason string) {
	done := make(chan struct{})
	r.disconnectReq <- disconnectMsg{nodeID: nodeID, code: code, reason: reason, done: done}
	<-done
}

// DisconnectAll closes every live session and blocks until they have
// all terminated.
func (r *Registry) DisconnectAll(code int, reason string) {
	done := make(chan struct{})
	r.disconnectAll <- disconnectAllMsg{code: code, reason: reason, done: done}
	<-done
}
