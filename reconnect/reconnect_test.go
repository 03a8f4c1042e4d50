package reconnect

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/syncnet/syncd/channel"
	"github.com/syncnet/syncd/channel/pipe"
	"github.com/syncnet/syncd/session"
	"github.com/syncnet/syncd/store/sqlstore"
)

func newTestStore(t *testing.T, nodeID string) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(":memory:", sqlstore.Config{
		NodeID: nodeID,
		Clock:  clock.NewDefaultClock(),
		Tables: []sqlstore.TableSchema{{Name: "notes", Columns: []string{"title"}}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectReachesConnected(t *testing.T) {
	clientStore := newTestStore(t, "client")
	serverStore := newTestStore(t, "server")

	var dialCount int32
	ctrl := New(Config{
		Store: clientStore,
		Dial: func() (channel.Adapter, error) {
			atomic.AddInt32(&dialCount, 1)
			clientEnd, serverEnd := pipe.New()
			session.New(session.Config{Store: serverStore, Channel: serverEnd, IsClient: false})
			return clientEnd, nil
		},
	})

	states := ctrl.Subscribe()
	ctrl.Connect()

	require.Eventually(t, func() bool { return ctrl.State() == Connected }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&dialCount))

	seen := drain(states, 2, time.Second)
	require.Contains(t, seen, Connecting)
	require.Contains(t, seen, Connected)
}

func TestFailedDialRetriesWithBackoff(t *testing.T) {
	clientStore := newTestStore(t, "client")
	serverStore := newTestStore(t, "server")

	var attempts int32
	ctrl := New(Config{
		Store: clientStore,
		Dial: func() (channel.Adapter, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				return nil, errDialFailed
			}
			clientEnd, serverEnd := pipe.New()
			session.New(session.Config{Store: serverStore, Channel: serverEnd, IsClient: false})
			return clientEnd, nil
		},
	})

	ctrl.Connect()
	require.Eventually(t, func() bool { return ctrl.State() == Connected }, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestDisconnectIsTerminal(t *testing.T) {
	clientStore := newTestStore(t, "client")
	serverStore := newTestStore(t, "server")

	ctrl := New(Config{
		Store: clientStore,
		Dial: func() (channel.Adapter, error) {
			clientEnd, serverEnd := pipe.New()
			session.New(session.Config{Store: serverStore, Channel: serverEnd, IsClient: false})
			return clientEnd, nil
		},
	})

	ctrl.Connect()
	require.Eventually(t, func() bool { return ctrl.State() == Connected }, 2*time.Second, 5*time.Millisecond)

	ctrl.Disconnect(1000, "shutdown")
	require.Equal(t, Disconnected, ctrl.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, Disconnected, ctrl.State())
}

func drain(ch <-chan State, n int, timeout time.Duration) []State {
	out := make([]State, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case s := <-ch:
			out = append(out, s)
		case <-deadline:
			return out
		}
	}
	return out
}

type dialError string

func (e dialError) Error() string { return string(e) }

const errDialFailed = dialError("dial failed")
