package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/syncnet/syncd/channel/pipe"
	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
	"github.com/syncnet/syncd/store/sqlstore"
)

func newPairedStore(t *testing.T, nodeID string) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(":memory:", sqlstore.Config{
		NodeID: nodeID,
		Clock:  clock.NewDefaultClock(),
		Tables: []sqlstore.TableSchema{
			{Name: "notes", Columns: []string{"title", "body"}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// connectCounter records onConnect/onDisconnect/onChangesetReceived
// invocations behind a mutex so tests can poll them without racing the
// Session's own goroutines.
type connectCounter struct {
	mu          sync.Mutex
	connected   bool
	remoteID    string
	disconnect  bool
	disconnects int
	received    int
}

func (c *connectCounter) hooks() Hooks {
	return Hooks{
		OnConnect: func(remoteNodeID string, _ interface{}) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.connected = true
			c.remoteID = remoteNodeID
		},
		OnDisconnect: func(string, int, string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.disconnect = true
			c.disconnects++
		},
		OnChangesetReceived: func(_ string, counts map[string]int) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.received += counts["notes"]
		},
	}
}

func (c *connectCounter) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *connectCounter) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func TestHandshakeAndCatchUpConverge(t *testing.T) {
	ctx := context.Background()

	clientStore := newPairedStore(t, "client")
	serverStore := newPairedStore(t, "server")

	// Seed the client's store with a record it authored, before the
	// Session pair exists, so catch-up has something to carry across.
	seedHLC := hlc.HLC{WallTime: time.Now().UTC(), Logical: 1, NodeID: "client"}
	require.NoError(t, clientStore.Merge(ctx, store.Changeset{
		"notes": {{"id": "n1", "node_id": "client", "modified": seedHLC, "title": "hello"}},
	}))

	clientChannel, serverChannel := pipe.New()

	clientHooks := &connectCounter{}
	serverHooks := &connectCounter{}

	clientSession := New(Config{
		Store:    clientStore,
		Channel:  clientChannel,
		IsClient: true,
		Hooks:    clientHooks.hooks(),
	})
	defer clientSession.Close(1000, "test done")

	serverSession := New(Config{
		Store:    serverStore,
		Channel:  serverChannel,
		IsClient: false,
		Hooks:    serverHooks.hooks(),
	})
	defer serverSession.Close(1000, "test done")

	require.Eventually(t, clientHooks.isConnected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, serverHooks.isConnected, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := serverStore.GetChangeset(ctx, store.Filter{
			OnlyNodeID:       "client",
			HasModifiedAfter: true,
			ModifiedAfter:    hlc.Zero("client"),
		})
		return err == nil && len(got["notes"]) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLiveForwardingDeliversSubsequentWrites(t *testing.T) {
	ctx := context.Background()

	clientStore := newPairedStore(t, "client")
	serverStore := newPairedStore(t, "server")
	clientChannel, serverChannel := pipe.New()

	clientSession := New(Config{Store: clientStore, Channel: clientChannel, IsClient: true})
	defer clientSession.Close(1000, "done")
	serverSession := New(Config{Store: serverStore, Channel: serverChannel, IsClient: false})
	defer serverSession.Close(1000, "done")

	require.Eventually(t, func() bool {
		_, ok := clientSession.RemoteNodeID()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	h := hlc.HLC{WallTime: time.Now().UTC(), Logical: 1, NodeID: "client"}
	require.NoError(t, clientStore.Merge(ctx, store.Changeset{
		"notes": {{"id": "live1", "node_id": "client", "modified": h, "title": "fresh"}},
	}))

	require.Eventually(t, func() bool {
		got, err := serverStore.GetChangeset(ctx, store.Filter{
			OnlyNodeID:       "client",
			HasModifiedAfter: true,
			ModifiedAfter:    hlc.Zero("client"),
		})
		return err == nil && len(got["notes"]) == 1 && got["notes"][0]["id"] == "live1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseFiresDisconnectExactlyOnceAfterHandshake(t *testing.T) {
	clientStore := newPairedStore(t, "client")
	serverStore := newPairedStore(t, "server")
	clientChannel, serverChannel := pipe.New()

	clientHooks := &connectCounter{}
	clientSession := New(Config{Store: clientStore, Channel: clientChannel, IsClient: true, Hooks: clientHooks.hooks()})
	serverSession := New(Config{Store: serverStore, Channel: serverChannel, IsClient: false})
	defer serverSession.Close(1000, "done")

	require.Eventually(t, clientHooks.isConnected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, clientSession.Close(1000, "bye"))
	require.NoError(t, clientSession.Close(1000, "bye again"))

	clientHooks.mu.Lock()
	disconnected := clientHooks.disconnect
	disconnectCount := clientHooks.disconnects
	clientHooks.mu.Unlock()
	require.True(t, disconnected)
	require.Equal(t, 1, disconnectCount)
}

func TestValidateRecordDropsRejectedRows(t *testing.T) {
	ctx := context.Background()

	clientStore := newPairedStore(t, "client")
	serverStore := newPairedStore(t, "server")

	h := hlc.HLC{WallTime: time.Now().UTC(), Logical: 1, NodeID: "client"}
	require.NoError(t, clientStore.Merge(ctx, store.Changeset{
		"notes": {{"id": "rejected", "node_id": "client", "modified": h, "title": "nope"}},
	}))

	clientChannel, serverChannel := pipe.New()

	clientSession := New(Config{Store: clientStore, Channel: clientChannel, IsClient: true})
	defer clientSession.Close(1000, "done")

	serverHooks := &connectCounter{}
	serverSession := New(Config{
		Store:    serverStore,
		Channel:  serverChannel,
		IsClient: false,
		Hooks: Hooks{
			OnConnect:           serverHooks.hooks().OnConnect,
			OnChangesetReceived: serverHooks.hooks().OnChangesetReceived,
			ValidateRecord: func(_ context.Context, _ string, rec store.Record) (bool, error) {
				return rec["id"] != "rejected", nil
			},
		},
	})
	defer serverSession.Close(1000, "done")

	require.Eventually(t, serverHooks.isConnected, 2*time.Second, 5*time.Millisecond)

	// Give the catch-up pipeline time to run and confirm the rejected
	// row never reaches the server's store.
	time.Sleep(200 * time.Millisecond)

	got, err := serverStore.GetChangeset(ctx, store.Filter{
		OnlyNodeID:       "client",
		HasModifiedAfter: true,
		ModifiedAfter:    hlc.Zero("client"),
	})
	require.NoError(t, err)
	require.Empty(t, got["notes"])
	require.Equal(t, 0, serverHooks.receivedCount())
}
