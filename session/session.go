// Package session implements one bidirectional synchronization
// conversation over one channel.Adapter: the handshake procedure,
// initial catch-up, live forwarding, and the incoming-merge pipeline.
// Concurrency follows peer.go's readHandler/writeHandler/queueHandler
// trio: one goroutine drains the channel's incoming stream, one drains
// an outgoing send queue, one drains the store's change-stream
// subscription, all joined by a sync.WaitGroup and torn down through a
// single quit channel plus an atomic closed flag.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-errors/errors"

	"github.com/syncnet/syncd/channel"
	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
	"github.com/syncnet/syncd/wire"
)

// sendQueueLen mirrors peer.go's outgoingQueueLen: enough headroom
// that a catch-up burst doesn't stall the producer against a slow
// transport.
const sendQueueLen = 64

// ValidateFunc decides whether a record should be merged. It may do
// asynchronous work (e.g. a signature check); returning an error closes
// neither the record's table nor the Session — the record is simply
// dropped and the error logged.
type ValidateFunc func(ctx context.Context, table string, record store.Record) (bool, error)

// MapFunc is a pure per-record transform applied after validation,
// e.g. decryption.
type MapFunc func(table string, record store.Record) store.Record

// Hooks are the optional callbacks a Session invokes. Exactly one of
// ClientHandshakeData/ServerHandshakeData is meaningful, selected by
// Config.IsClient; the other is ignored.
type Hooks struct {
	ValidateRecord       ValidateFunc
	MapIncomingChangeset MapFunc

	OnConnect           func(remoteNodeID string, remoteData interface{})
	OnDisconnect        func(remoteNodeID string, code int, reason string)
	OnChangesetReceived func(remoteNodeID string, counts map[string]int)
	OnChangesetSent     func(remoteNodeID string, counts map[string]int)

	// OnMergeError is invoked when store.Merge returns an error; the
	// connection stays open regardless (the peer replays on reconnect
	// via high-water mark).
	OnMergeError func(remoteNodeID string, err error)

	// ClientHandshakeData builds the outgoing handshake's opaque
	// payload for a client-role Session; it takes no arguments.
	ClientHandshakeData func() interface{}

	// ServerHandshakeData builds the outgoing handshake's opaque
	// payload for a server-role Session, having already seen the
	// remote's node-id and payload.
	ServerHandshakeData func(remoteNodeID string, remoteData interface{}) interface{}

	// ChangesetBuilder, if set, replaces the direct Store.GetChangeset
	// call used to build both the catch-up and live-forwarding
	// changesets, letting a caller inject its own filtering or
	// enrichment ahead of the wire.
	ChangesetBuilder func(ctx context.Context, filter store.Filter) (store.Changeset, error)
}

// Config constructs a Session.
type Config struct {
	Store    store.Adapter
	Channel  channel.Adapter
	IsClient bool

	// Tables restricts synchronization to this subset; nil means all
	// tables the store reports via AllTables.
	Tables map[string]struct{}

	Hooks   Hooks
	Verbose bool
	Logger  Logger
}

// Logger is the narrow logging surface a Session needs; btclog.Logger
// satisfies it directly.
type Logger interface {
	Debugf(format string, params ...interface{})
	Infof(format string, params ...interface{})
	Warnf(format string, params ...interface{})
	Errorf(format string, params ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Session is one bidirectional synchronization conversation.
type Session struct {
	cfg Config
	log Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendQueue chan string

	quit chan struct{}
	wg   sync.WaitGroup

	closed     int32 // atomic
	remoteOnce sync.Once
	remoteSet  chan struct{}

	mu                 sync.Mutex
	remoteNodeID       string
	remoteData         interface{}
	remoteLastModified hlc.HLC
	handshakeSeen      bool
	handshakeSent bool
	subscription  store.ChangeSubscription
}

// New constructs and starts a Session. It subscribes to the channel's
// incoming stream immediately (via the internal read loop) and begins
// the role-appropriate handshake in the background.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		sendQueue: make(chan string, sendQueueLen),
		quit:      make(chan struct{}),
		remoteSet: make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	s.wg.Add(1)
	go s.runHandshake()

	return s
}

// RemoteNodeID returns the remote peer's node-id and true once the
// incoming handshake has completed; ("", false) before that.
func (s *Session) RemoteNodeID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteNodeID, s.handshakeSeen
}

// Close closes the channel and cancels the live subscription.
// Idempotent; onDisconnect fires exactly once, only if the handshake
// had completed.
func (s *Session) Close(code int, reason string) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	sub := s.subscription
	s.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}

	close(s.quit)
	s.cancel()
	err := s.cfg.Channel.Close(code, reason)
	s.wg.Wait()

	s.mu.Lock()
	remote, seen := s.remoteNodeID, s.handshakeSeen
	s.mu.Unlock()
	if seen && s.cfg.Hooks.OnDisconnect != nil {
		s.cfg.Hooks.OnDisconnect(remote, code, reason)
	}
	return err
}

// send enqueues a frame, generalizing peer.go's queueMsg: the write
// loop is the sole writer to the channel, so callers never block on
// transport I/O directly.
func (s *Session) send(text string) {
	s.logWireFrame(text, false)
	select {
	case s.sendQueue <- text:
	case <-s.quit:
	}
}

// readLoop is this Session's sole reader of the channel's incoming
// stream, directly generalizing peer.go's readHandler.
func (s *Session) readLoop() {
	defer s.wg.Done()

	dec := wire.NewDecoder()
	ch := s.cfg.Channel
	for {
		select {
		case text, ok := <-ch.Incoming():
			if !ok {
				return
			}
			s.handleFrame(dec, text)
		case err, ok := <-ch.Errors():
			if ok {
				s.log.Warnf("session: transport error: %v", err)
			}
		case <-ch.Closed():
			info := ch.CloseInfo()
			go s.Close(info.Code, info.Reason)
			return
		case <-s.quit:
			return
		}
	}
}

func (s *Session) handleFrame(dec *wire.Decoder, text string) {
	s.logWireFrame(text, true)

	h, cs, err := dec.DecodeFrame(text)
	if err != nil {
		s.log.Errorf("session: malformed frame, closing: %v", err)
		go s.Close(channel.CloseProtocolError, "malformed frame")
		return
	}

	if cs == nil {
		s.onHandshakeReceived(h)
		return
	}
	s.onChangesetReceived(cs)
}

// logWireFrame generalizes peer.go's logWireMessage: in verbose mode,
// dump the raw frame via spew rather than just its length.
func (s *Session) logWireFrame(text string, read bool) {
	if !s.cfg.Verbose {
		return
	}
	prefix := "readFrame from"
	if !read {
		prefix = "writeFrame to"
	}
	s.mu.Lock()
	remote := s.remoteNodeID
	s.mu.Unlock()
	s.log.Debugf("session: %s %s: %s", prefix, remote, spew.Sdump(text))
}

// writeLoop is this Session's sole writer, generalizing peer.go's
// writeHandler: drain the send queue and hand each frame to the
// channel in order.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case text := <-s.sendQueue:
			if err := s.cfg.Channel.Send(text); err != nil {
				s.log.Warnf("session: send failed: %v", err)
			}
		case <-s.quit:
			return
		}
	}
}

// onHandshakeReceived records the remote's node-id/last-modified/data
// and unblocks whichever role is awaiting it exactly once.
func (s *Session) onHandshakeReceived(h wire.Handshake) {
	s.mu.Lock()
	s.remoteNodeID = h.NodeID
	s.remoteData = h.Data
	s.remoteLastModified = h.LastModified
	s.handshakeSeen = true
	s.mu.Unlock()

	s.remoteOnce.Do(func() { close(s.remoteSet) })
}

func (s *Session) awaitRemoteHandshake() wire.Handshake {
	select {
	case <-s.remoteSet:
	case <-s.quit:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.Handshake{NodeID: s.remoteNodeID, LastModified: s.remoteLastModified, Data: s.remoteData}
}

// runHandshake drives the role-appropriate handshake, then the
// subscribe-before-catchup sequence, then blocks serving live
// forwarding until the Session closes.
func (s *Session) runHandshake() {
	defer s.wg.Done()

	var remote wire.Handshake
	if s.cfg.IsClient {
		remote = s.runClientHandshake()
	} else {
		remote = s.runServerHandshake()
	}

	select {
	case <-s.quit:
		return
	default:
	}

	if s.cfg.Hooks.OnConnect != nil {
		s.cfg.Hooks.OnConnect(remote.NodeID, remote.Data)
	}

	s.runCatchUpAndLive(remote)
}

func (s *Session) localNodeID() string { return s.cfg.Store.NodeID() }

func (s *Session) runClientHandshake() wire.Handshake {
	lm, err := s.cfg.Store.LastModified(s.ctx, store.Filter{ExceptNodeID: s.localNodeID()})
	if err != nil {
		s.log.Errorf("session: computing client last-modified: %v", err)
		lm = hlc.Zero(s.localNodeID())
	}

	var data interface{}
	if s.cfg.Hooks.ClientHandshakeData != nil {
		data = s.cfg.Hooks.ClientHandshakeData()
	}
	s.sendHandshake(lm, data)

	return s.awaitRemoteHandshake()
}

func (s *Session) runServerHandshake() wire.Handshake {
	remote := s.awaitRemoteHandshake()

	lm, err := s.cfg.Store.LastModified(s.ctx, store.Filter{OnlyNodeID: remote.NodeID})
	if err != nil {
		s.log.Errorf("session: computing server last-modified: %v", err)
		lm = hlc.Zero(s.localNodeID())
	}

	var data interface{}
	if s.cfg.Hooks.ServerHandshakeData != nil {
		data = s.cfg.Hooks.ServerHandshakeData(remote.NodeID, remote.Data)
	}
	s.sendHandshake(lm, data)

	return remote
}

func (s *Session) sendHandshake(lm hlc.HLC, data interface{}) {
	text, err := wire.EncodeHandshake(wire.Handshake{
		NodeID:       s.localNodeID(),
		LastModified: lm,
		Data:         data,
	})
	if err != nil {
		s.log.Errorf("session: encoding handshake: %v", err)
		return
	}

	s.mu.Lock()
	s.handshakeSent = true
	s.mu.Unlock()
	s.send(text)
}

// roleFilter returns the node-id filter each role applies to outgoing
// changesets: the client only ever sends what it authored itself; the
// server sends everything except what that client already authored.
func (s *Session) roleFilter(remoteNodeID string) store.Filter {
	if s.cfg.IsClient {
		return store.Filter{OnlyNodeID: s.localNodeID()}
	}
	return store.Filter{ExceptNodeID: remoteNodeID}
}

// runCatchUpAndLive subscribes to the store's change stream before
// issuing the catch-up query, so no write committed in between is
// lost (duplicates are harmless; merge is idempotent). It then serves
// live forwarding for the remainder of the Session's life.
func (s *Session) runCatchUpAndLive(remote wire.Handshake) {
	sub, err := s.cfg.Store.Subscribe(s.ctx)
	if err != nil {
		s.log.Errorf("session: subscribing to change stream: %v", err)
		go s.Close(channel.CloseAbnormal, "subscribe failed")
		return
	}

	s.mu.Lock()
	s.subscription = sub
	s.mu.Unlock()

	s.sendCatchUp(remote)

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			s.forwardLive(remote.NodeID, evt)
		case <-s.quit:
			return
		}
	}
}

// buildChangeset defers to Hooks.ChangesetBuilder when set, otherwise
// reads straight from the store.
func (s *Session) buildChangeset(filter store.Filter) (store.Changeset, error) {
	if s.cfg.Hooks.ChangesetBuilder != nil {
		return s.cfg.Hooks.ChangesetBuilder(s.ctx, filter)
	}
	return s.cfg.Store.GetChangeset(s.ctx, filter)
}

func (s *Session) sendCatchUp(remote wire.Handshake) {
	filter := s.roleFilter(remote.NodeID)
	filter.OnlyTables = s.cfg.Tables
	filter.HasModifiedAfter = true
	filter.ModifiedAfter = remote.LastModified

	cs, err := s.buildChangeset(filter)
	if err != nil {
		s.log.Errorf("session: building catch-up changeset: %v", err)
		return
	}
	if cs.Empty() {
		return
	}
	s.transmit(cs)
}

func (s *Session) forwardLive(remoteNodeID string, evt store.ChangeEvent) {
	if s.cfg.Tables != nil && !anyTableAllowed(evt.Tables, s.cfg.Tables) {
		return
	}

	filter := s.roleFilter(remoteNodeID)
	filter.OnlyTables = s.cfg.Tables
	filter.HasModifiedOn = true
	filter.ModifiedOn = evt.HLC

	cs, err := s.buildChangeset(filter)
	if err != nil {
		s.log.Errorf("session: building live changeset: %v", err)
		return
	}
	if cs.Empty() {
		return
	}

	if s.cfg.Hooks.OnChangesetSent != nil {
		s.cfg.Hooks.OnChangesetSent(remoteNodeID, cs.Counts())
	}
	s.transmit(cs)
}

func anyTableAllowed(changed map[string]struct{}, allowed map[string]struct{}) bool {
	for t := range changed {
		if _, ok := allowed[t]; ok {
			return true
		}
	}
	return false
}

func (s *Session) transmit(cs store.Changeset) {
	text, err := wire.EncodeChangeset(cs)
	if err != nil {
		s.log.Errorf("session: encoding changeset: %v", err)
		return
	}
	s.send(text)
}

// onChangesetReceived runs the incoming-merge pipeline: node-id
// rewrite, validation, mapping, the onChangesetReceived hook, then
// merge. Merge failures are logged; the connection stays open so the
// peer can simply replay on reconnect via high-water mark.
func (s *Session) onChangesetReceived(cs store.Changeset) {
	local := s.localNodeID()

	s.mu.Lock()
	remote := s.remoteNodeID
	s.mu.Unlock()

	filtered := make(store.Changeset, len(cs))
	for table, rows := range cs {
		out := make(store.TableChangeset, 0, len(rows))
		for _, rec := range rows {
			rec = rewriteNodeID(rec, local)

			if s.cfg.Hooks.ValidateRecord != nil {
				ok, err := s.cfg.Hooks.ValidateRecord(s.ctx, table, rec)
				if err != nil {
					s.log.Warnf("session: validating record in %q: %v", table, err)
					continue
				}
				if !ok {
					continue
				}
			}

			if s.cfg.Hooks.MapIncomingChangeset != nil {
				rec = s.cfg.Hooks.MapIncomingChangeset(table, rec)
			}

			out = append(out, rec)
		}
		if len(out) > 0 {
			filtered[table] = out
		}
	}
	if filtered.Empty() {
		return
	}

	if s.cfg.Hooks.OnChangesetReceived != nil {
		s.cfg.Hooks.OnChangesetReceived(remote, filtered.Counts())
	}

	if err := s.cfg.Store.Merge(s.ctx, filtered); err != nil {
		wrapped := errors.Wrap(err, 1)
		s.log.Errorf("session: merge failed: %v", wrapped)
		if s.cfg.Hooks.OnMergeError != nil {
			s.cfg.Hooks.OnMergeError(remote, wrapped)
		}
	}
}

// rewriteNodeID sets modified.nodeId to local while preserving the
// record's time components, per the §3 invariant: an incoming
// record's HLC is only coherent against the local store's index once
// its node-id leaf matches the local node-id.
func rewriteNodeID(rec store.Record, local string) store.Record {
	h, ok := rec.Modified()
	if !ok {
		return rec
	}
	out := make(store.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	out["modified"] = h.WithNodeID(local)
	return out
}
