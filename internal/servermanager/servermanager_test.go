package servermanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverviewauto/daqagent/go/eventbus"
	"github.com/riverviewauto/daqagent/internal/config"
	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/opcuaclient"
	"github.com/riverviewauto/daqagent/internal/servermanager"
)

func TestNew_HasNoSessions(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	require.Empty(t, m.Sessions())
}

func TestAddServer_RejectsDuplicateID(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	cfg := config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://a:4840"}

	_, err := m.AddServer(cfg)
	require.NoError(t, err)

	_, err = m.AddServer(cfg)
	require.Error(t, err)
}

func TestSession_ReturnsRegisteredSession(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	cfg := config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://a:4840"}
	_, err := m.AddServer(cfg)
	require.NoError(t, err)

	sess, ok := m.Session("srv-1")
	require.True(t, ok)
	require.Equal(t, "srv-1", sess.ServerID())

	_, ok = m.Session("missing")
	require.False(t, ok)
}

func TestRemoveServer_DeregistersSession(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	cfg := config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://a:4840"}
	_, err := m.AddServer(cfg)
	require.NoError(t, err)

	require.NoError(t, m.RemoveServer(context.Background(), "srv-1"))
	_, ok := m.Session("srv-1")
	require.False(t, ok)

	// Removing an already-absent server is a no-op, not an error.
	require.NoError(t, m.RemoveServer(context.Background(), "srv-1"))
}

func TestAggregateState_EmptyManagerIsConnected(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	require.Equal(t, opcuaclient.Connected, m.AggregateState())
}

func TestAggregateState_WorstStateWins(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	_, err := m.AddServer(config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://a:4840"})
	require.NoError(t, err)
	_, err = m.AddServer(config.ServerConfig{ID: "srv-2", EndpointURL: "opc.tcp://b:4840"})
	require.NoError(t, err)

	// Both sessions start Disconnected (never connected in this test, no real server
	// available); AggregateState should reflect that rather than the vacuous Connected
	// default.
	require.Equal(t, opcuaclient.Disconnected, m.AggregateState())
}

func TestConnectAll_CalledTwice_IsIdempotent(t *testing.T) {
	m := servermanager.New(ingressqueue.New(10), eventbus.New(), 4)
	configs := []config.ServerConfig{
		{ID: "srv-1", EndpointURL: "opc.tcp://a:4840", Enabled: true},
	}

	// Connect itself fails against this fake endpoint; ConnectAll's own error return is
	// not asserted here, only the registration side effects are.
	_ = m.ConnectAll(context.Background(), configs)
	require.Len(t, m.Sessions(), 1)
	first, ok := m.Session("srv-1")
	require.True(t, ok)

	err := m.ConnectAll(context.Background(), configs)
	require.Len(t, m.Sessions(), 1, "a second ConnectAll with the same configs must not create a duplicate session")
	second, ok := m.Session("srv-1")
	require.True(t, ok)
	require.Same(t, first, second, "the same Session must be reused across ConnectAll calls for an already-registered server")
	if err != nil {
		require.NotContains(t, err.Error(), "already registered", "ConnectAll must not surface registration-conflict errors for an already-known server")
	}
}

func TestServerStateChangedEvent_ForwardedOnSessionStateChange(t *testing.T) {
	bus := eventbus.New()
	m := servermanager.New(ingressqueue.New(10), bus, 4)

	received := make(chan servermanager.ServerStateChangedEvent, 1)
	bus.SubscribeAsync(servermanager.ServerStateChangedEventChannel, func(e interface{}) {
		received <- e.(servermanager.ServerStateChangedEvent)
	})

	_, err := m.AddServer(config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://a:4840"})
	require.NoError(t, err)

	sess, ok := m.Session("srv-1")
	require.True(t, ok)

	// Exercise the state-change callback wiring directly; a real Connect requires a live
	// OPC UA endpoint which this unit test does not have.
	sess.Connect(context.Background()) //nolint:errcheck

	select {
	case ev := <-received:
		require.Equal(t, "srv-1", ev.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a forwarded state-change event after Connect was attempted")
	}
}
