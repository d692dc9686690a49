package opcuaclient

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/require"

	"github.com/riverviewauto/daqagent/internal/config"
	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/sample"
)

func newTestNotification(handle uint32, v interface{}, status ua.StatusCode) *ua.MonitoredItemNotification {
	return &ua.MonitoredItemNotification{
		ClientHandle: handle,
		Value: &ua.DataValue{
			Status: status,
			Value:  ua.MustVariant(v),
		},
	}
}

func TestConnectionState_String(t *testing.T) {
	require.Equal(t, "Disconnected", Disconnected.String())
	require.Equal(t, "Connecting", Connecting.String())
	require.Equal(t, "Connected", Connected.String())
	require.Equal(t, "Reconnecting", Reconnecting.String())
	require.Equal(t, "Error", Error.String())
}

func TestNew_StartsDisconnected(t *testing.T) {
	q := ingressqueue.New(10)
	s := New(config.ServerConfig{ID: "srv-1", DisplayName: "Line 1", EndpointURL: "opc.tcp://example:4840"}, q, nil)
	require.Equal(t, Disconnected, s.State())
	require.Equal(t, "srv-1", s.ServerID())
	require.Equal(t, uint64(0), s.TotalReceived())
}

func TestSetState_InvokesCallbackOnlyOnChange(t *testing.T) {
	q := ingressqueue.New(10)
	var transitions []string
	cb := func(serverID string, old, next ConnectionState) {
		transitions = append(transitions, old.String()+"->"+next.String())
	}
	s := New(config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://example:4840"}, q, cb)

	s.setState(Connecting)
	s.setState(Connecting) // no-op, same state
	s.setState(Connected)

	require.Equal(t, []string{"Disconnected->Connecting", "Connecting->Connected"}, transitions)
}

func TestSubscribe_StoresDefsAndBrowsePathMetaWithoutConnecting(t *testing.T) {
	q := ingressqueue.New(10)
	s := New(config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://example:4840"}, q, nil)

	defs := []config.SubscriptionDef{
		{NodeID: "ns=2;s=Tank1.Level", DisplayName: "Tank 1 Level", BrowsePath: "/Plant/Tank1/Level", Enabled: true, SamplingIntervalMs: 500, PublishingIntervalMs: 1000},
		{NodeID: "ns=2;s=Tank2.Level", DisplayName: "Tank 2 Level", BrowsePath: "/Plant/Tank2/Level", Enabled: true, SamplingIntervalMs: 250, PublishingIntervalMs: 500},
	}
	require.NoError(t, s.Subscribe(context.Background(), defs))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.subs, 2)
	require.Equal(t, "Tank 1 Level", s.browsePathByNodeID["ns=2;s=Tank1.Level"].DisplayName)
	require.Equal(t, "/Plant/Tank2/Level", s.browsePathByNodeID["ns=2;s=Tank2.Level"].BrowsePath)
}

func TestMinPublishingInterval_PicksSmallest(t *testing.T) {
	defs := []config.SubscriptionDef{
		{PublishingIntervalMs: 1000},
		{PublishingIntervalMs: 250},
		{PublishingIntervalMs: 500},
	}
	require.Equal(t, 250*1_000_000, int(minPublishingInterval(defs)))
}

func TestMinPublishingInterval_EmptyDefsFallsBackToOneSecond(t *testing.T) {
	require.Equal(t, int(1_000_000_000), int(minPublishingInterval(nil)))
}

func TestDecodeVariant_MapsPrimitiveGoTypes(t *testing.T) {
	require.Equal(t, sample.KindBool, decodeVariant(true).Kind)
	require.Equal(t, sample.KindInt64, decodeVariant(int32(7)).Kind)
	require.Equal(t, int64(7), decodeVariant(int32(7)).Int64)
	require.Equal(t, sample.KindUint64, decodeVariant(uint16(9)).Kind)
	require.Equal(t, sample.KindFloat64, decodeVariant(float64(1.5)).Kind)
	require.Equal(t, sample.KindFloat32, decodeVariant(float32(1.5)).Kind)
	require.Equal(t, sample.KindString, decodeVariant("hello").Kind)
	require.Equal(t, sample.KindNull, decodeVariant(nil).Kind)

	id := uuid.New()
	got := decodeVariant(id)
	require.Equal(t, sample.KindUUID, got.Kind)
	require.Equal(t, id.String(), got.UUID)
}

func TestQualityFor_ClassifiesStatusCode(t *testing.T) {
	require.Equal(t, sample.QualityGood, qualityFor(0))
	require.Equal(t, sample.QualityBad, qualityFor(0x80000000))
	require.Equal(t, sample.QualityUncertain, qualityFor(0x40000000))
}

func TestOnDataChange_PublishesSampleWithResolvedBrowsePath(t *testing.T) {
	q := ingressqueue.New(10)
	s := New(config.ServerConfig{ID: "srv-1", DisplayName: "Line 1", EndpointURL: "opc.tcp://example:4840"}, q, nil)
	require.NoError(t, s.Subscribe(context.Background(), []config.SubscriptionDef{
		{NodeID: "ns=2;s=Tank1.Level", DisplayName: "Tank 1 Level", BrowsePath: "/Plant/Tank1/Level", Enabled: true},
	}))

	s.mu.Lock()
	s.nodeIDByHandle = map[uint32]string{1: "ns=2;s=Tank1.Level"}
	s.mu.Unlock()

	s.onDataChange(context.Background(), newTestNotification(1, int64(42), 0))

	got, ok := q.TryPop()
	require.True(t, ok)
	require.Equal(t, "srv-1", got.ServerID)
	require.Equal(t, "/Plant/Tank1/Level", got.BrowsePath)
	require.Equal(t, "Tank 1 Level", got.DisplayName)
	require.Equal(t, int64(42), got.Value.Int64)
	require.Equal(t, sample.QualityGood, got.Quality)
	require.Equal(t, uint64(1), s.TotalReceived())
}

func TestOnDataChange_UnknownHandleFallsBackToEmptyBrowsePath(t *testing.T) {
	q := ingressqueue.New(10)
	s := New(config.ServerConfig{ID: "srv-1", EndpointURL: "opc.tcp://example:4840"}, q, nil)

	s.onDataChange(context.Background(), newTestNotification(99, "orphaned", 0))

	got, ok := q.TryPop()
	require.True(t, ok)
	require.Equal(t, "", got.BrowsePath)
	require.Equal(t, "orphaned", got.Value.String)
}
