package registry

import (
	"net/http"
	"net/http/httptest"
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

func TestAcceptRegistersAndDisconnectRemoves(t *testing.T) {
	serverStore := newTestStore(t, "server")
	clientStore := newTestStore(t, "client")

	serverChannel, clientChannel := pipe.New()

	reg := New(Config{
		Store: serverStore,
		Upgrade: func(http.ResponseWriter, *http.Request) (channel.Adapter, error) {
			return serverChannel, nil
		},
		PingInterval: 20 * time.Second,
	})
	defer reg.Stop()

	reg.Accept(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync", nil))

	clientSession := session.New(session.Config{
		Store:    clientStore,
		Channel:  clientChannel,
		IsClient: true,
	})
	defer clientSession.Close(1000, "test done")

	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	peers := reg.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "client", peers[0].NodeID)
	require.NotEmpty(t, peers[0].RemoteAddr)

	reg.Disconnect("client", 1000, "bye")
	require.Equal(t, 0, reg.Count())
}

func TestDisconnectAll(t *testing.T) {
	serverStore := newTestStore(t, "server")
	clientStore := newTestStore(t, "client")

	serverChannel, clientChannel := pipe.New()

	reg := New(Config{
		Store: serverStore,
		Upgrade: func(http.ResponseWriter, *http.Request) (channel.Adapter, error) {
			return serverChannel, nil
		},
		PingInterval: 20 * time.Second,
	})
	defer reg.Stop()

	reg.Accept(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync", nil))
	clientSession := session.New(session.Config{Store: clientStore, Channel: clientChannel, IsClient: true})
	defer clientSession.Close(1000, "done")

	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	reg.DisconnectAll(1000, "shutdown")
	require.Equal(t, 0, reg.Count())
}

func TestOnConnectingRejectsBeforeUpgrade(t *testing.T) {
	serverStore := newTestStore(t, "server")
	upgraded := false

	reg := New(Config{
		Store: serverStore,
		Upgrade: func(http.ResponseWriter, *http.Request) (channel.Adapter, error) {
			upgraded = true
			return nil, nil
		},
		OnConnecting: func(*http.Request) error { return errRejected },
	})
	defer reg.Stop()

	rec := httptest.NewRecorder()
	reg.Accept(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))

	require.False(t, upgraded)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

type rejectError string

func (e rejectError) Error() string { return string(e) }

const errRejected = rejectError("rejected")
