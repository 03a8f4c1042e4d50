// Package reconnect implements the client-side Session lifecycle
// controller: a mutex-guarded {Disconnected, Connecting, Connected}
// state machine, driven from dial goroutines and time.AfterFunc
// callbacks, with a doubling backoff timer, generalizing the
// exponential-backoff reconnect loop other retrieved examples build
// directly on time.After/time.AfterFunc (no fabricated connmgr-style
// dependency — no such package was retrieved in this pack).
package reconnect

import (
	"sync"
	"time"

	"github.com/syncnet/syncd/channel"
	"github.com/syncnet/syncd/session"
	"github.com/syncnet/syncd/store"
)

// State is the Controller's externally visible lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	minBackoff = 2 * time.Second
	maxBackoff = 10 * time.Second
)

// DialFunc opens a new client-role channel to the configured peer.
type DialFunc func() (channel.Adapter, error)

// Config constructs a Controller.
type Config struct {
	Store Store
	Dial  DialFunc

	// SessionHooks supplies the validate/map/handshake-data hooks
	// forwarded to every Session the Controller constructs;
	// OnConnect/OnDisconnect are wrapped by the Controller itself to
	// drive its own state machine.
	SessionHooks session.Hooks

	Logger  session.Logger
	Verbose bool
}

// Store is the subset of store.Adapter the Controller threads through
// to each Session it constructs.
type Store = store.Adapter

// Controller owns a single Session at a time plus its three-state
// connection lifecycle, broadcast to subscribers over a fan-out list
// of plain channels rather than a generic pub/sub library.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	state      State
	onlineMode bool
	backoff    time.Duration
	sess       *session.Session
	timer      *time.Timer
	subs       []chan State
	generation uint64
}

// New constructs a Controller in the Disconnected state. Connect must
// be called explicitly to begin dialing.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg,
		state:   Disconnected,
		backoff: minBackoff,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives subsequent state
// transitions. The channel buffers up to 8 transitions; while a
// subscriber's buffer is full, further transitions are dropped for
// that subscriber rather than blocking the Controller.
func (c *Controller) Subscribe() <-chan State {
	ch := make(chan State, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Connect is a no-op unless the current state is Disconnected. It sets
// onlineMode, transitions to Connecting, and attempts to open the
// channel in the background.
func (c *Controller) Connect() {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.onlineMode = true
	c.generation++
	gen := c.generation
	c.setState(Connecting)
	c.mu.Unlock()

	go c.attemptDial(gen)
}

func (c *Controller) attemptDial(gen uint64) {
	ch, err := c.cfg.Dial()

	c.mu.Lock()
	if gen != c.generation || !c.onlineMode {
		c.mu.Unlock()
		if ch != nil {
			ch.Close(channel.CloseGoingAway, "superseded")
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.scheduleReconnect(gen)
		return
	}
	c.mu.Unlock()

	hooks := c.cfg.SessionHooks
	userOnConnect := hooks.OnConnect
	userOnDisconnect := hooks.OnDisconnect
	hooks.OnConnect = func(remoteNodeID string, remoteData interface{}) {
		c.onSessionConnect(gen)
		if userOnConnect != nil {
			userOnConnect(remoteNodeID, remoteData)
		}
	}
	hooks.OnDisconnect = func(remoteNodeID string, code int, reason string) {
		c.onSessionDisconnect(gen)
		if userOnDisconnect != nil {
			userOnDisconnect(remoteNodeID, code, reason)
		}
	}

	sess := session.New(session.Config{
		Store:    c.cfg.Store,
		Channel:  ch,
		IsClient: true,
		Hooks:    hooks,
		Logger:   c.cfg.Logger,
		Verbose:  c.cfg.Verbose,
	})

	c.mu.Lock()
	if gen != c.generation || !c.onlineMode {
		c.mu.Unlock()
		sess.Close(channel.CloseGoingAway, "superseded")
		return
	}
	c.sess = sess
	c.mu.Unlock()
}

func (c *Controller) onSessionConnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.backoff = minBackoff
	c.setState(Connected)
}

func (c *Controller) onSessionDisconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.setState(Disconnected)
	online := c.onlineMode
	c.mu.Unlock()

	if online {
		c.scheduleReconnect(gen)
	}
}

// scheduleReconnect arms a timer for the current backoff, then doubles
// it (capped at maxBackoff) for next time: 2, 4, 8, 10, 10, ... seconds.
func (c *Controller) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.onlineMode {
		c.mu.Unlock()
		return
	}
	delay := c.backoff
	c.backoff = minDuration(c.backoff*2, maxBackoff)
	c.setState(Connecting)
	c.timer = time.AfterFunc(delay, func() { c.attemptDial(gen) })
	c.mu.Unlock()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// setState updates state and broadcasts it to every subscriber.
// Callers must hold c.mu.
func (c *Controller) setState(s State) {
	c.state = s
	for _, sub := range c.subs {
		select {
		case sub <- s:
		default:
		}
	}
}

// Disconnect clears onlineMode, cancels any pending reconnect timer,
// resets backoff, and closes the current Session if any. Terminal:
// Connect must be called again to resume.
func (c *Controller) Disconnect(code int, reason string) {
	c.mu.Lock()
	c.onlineMode = false
	c.generation++
	c.backoff = minBackoff
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sess := c.sess
	c.sess = nil
	c.setState(Disconnected)
	c.mu.Unlock()

	if sess != nil {
		sess.Close(code, reason)
	}
}
