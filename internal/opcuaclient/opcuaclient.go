// Package opcuaclient owns the OPC UA session to a single endpoint and everything under
// it (spec.md §4.8): connect/reconnect with exponential backoff, keepalive-driven
// Reconnecting transitions, and re-subscription on reconnect. The background
// connect/reconnect loop is a direct generalization of the teacher's
// startDescriptionWatch/startInterrogateLoop pattern (ticker- and channel-driven
// background loop, select on ctx.Done(), logged failures that don't abort the loop),
// crossed with github.com/cenkalti/backoff/v4 (already a teacher dependency) for the
// exponential-backoff reconnect policy.
package opcuaclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/riverviewauto/daqagent/go/now"
	"github.com/riverviewauto/daqagent/go/skerr"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/config"
	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/sample"
)

// ConnectionState is the session's connection state machine.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// StateChangedFunc is invoked whenever the session's ConnectionState transitions.
type StateChangedFunc func(serverID string, old, next ConnectionState)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
)

// Session owns the OPC UA session to a single endpoint.
type Session struct {
	serverID    string
	serverName  string
	endpointURL string
	cfg         config.ServerConfig
	queue       *ingressqueue.Queue
	onStateChanged StateChangedFunc

	client *opcua.Client

	mu           sync.Mutex
	state        ConnectionState
	lastError    string
	subs         []config.SubscriptionDef
	browsePathByNodeID map[string]subscriptionMeta
	nodeIDByHandle     map[uint32]string

	totalReceived  uint64
	lastReceiveAt  atomic.Value // time.Time

	cancel context.CancelFunc
}

type subscriptionMeta struct {
	DisplayName string
	BrowsePath  string
}

// New returns a Session for the given server config, publishing received Samples into
// queue.
func New(cfg config.ServerConfig, queue *ingressqueue.Queue, onStateChanged StateChangedFunc) *Session {
	s := &Session{
		serverID:    cfg.ID,
		serverName:  cfg.DisplayName,
		endpointURL: cfg.EndpointURL,
		cfg:         cfg,
		queue:       queue,
		onStateChanged: onStateChanged,
		state:       Disconnected,
	}
	s.lastReceiveAt.Store(time.Time{})
	return s
}

// ServerID returns the id of the server this session talks to.
func (s *Session) ServerID() string { return s.serverID }

// State returns the session's current ConnectionState.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent error message recorded against this session, or "".
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// TotalReceived returns the cumulative count of notifications received.
func (s *Session) TotalReceived() uint64 {
	return atomic.LoadUint64(&s.totalReceived)
}

// LastReceiveTime returns the time of the most recently received notification.
func (s *Session) LastReceiveTime() time.Time {
	return s.lastReceiveAt.Load().(time.Time)
}

func (s *Session) setState(next ConnectionState) {
	s.mu.Lock()
	old := s.state
	s.state = next
	s.mu.Unlock()
	if old != next && s.onStateChanged != nil {
		s.onStateChanged(s.serverID, old, next)
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// Connect establishes the session and, if SubscriptionDefs have already been supplied
// via Subscribe, creates the corresponding monitored items. Connect launches a
// background goroutine that owns keepalive handling and reconnection; it returns once
// the initial connection attempt has completed (successfully or not).
func (s *Session) Connect(ctx context.Context) error {
	s.setState(Connecting)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	client, err := s.dial(runCtx)
	if err != nil {
		s.setError(err)
		s.setState(Error)
		cancel()
		return skerr.Wrapf(err, "opcuaclient: connecting to %s", s.endpointURL)
	}
	s.client = client
	s.setState(Connected)

	if err := s.establishSubscription(runCtx); err != nil {
		sklog.Warningf("opcuaclient[%s]: initial subscription failed: %v", s.serverID, err)
	}

	go s.watch(runCtx)
	return nil
}

func (s *Session) dial(ctx context.Context) (*opcua.Client, error) {
	opts := []opcua.Option{}
	if s.cfg.SessionTimeoutMs != nil {
		opts = append(opts, opcua.SessionTimeout(time.Duration(*s.cfg.SessionTimeoutMs)*time.Millisecond))
	}
	if s.cfg.KeepAliveIntervalMs != nil {
		opts = append(opts, opcua.KeepAliveInterval(time.Duration(*s.cfg.KeepAliveIntervalMs)*time.Millisecond))
	}

	client, err := opcua.NewClient(s.endpointURL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Disconnect tears down the subscription and session and transitions to Disconnected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if s.client != nil {
		err = s.client.Close(ctx)
	}
	s.setState(Disconnected)
	return err
}

// Subscribe replaces the stored subscription list atomically and, if currently
// Connected, (re)creates the monitored items against it. The publishing interval
// requested is the minimum publishing interval among the supplied definitions.
func (s *Session) Subscribe(ctx context.Context, defs []config.SubscriptionDef) error {
	s.mu.Lock()
	s.subs = append([]config.SubscriptionDef(nil), defs...)
	meta := make(map[string]subscriptionMeta, len(defs))
	for _, d := range defs {
		meta[d.NodeID] = subscriptionMeta{DisplayName: d.DisplayName, BrowsePath: d.BrowsePath}
	}
	s.browsePathByNodeID = meta
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.establishSubscription(ctx)
}

func minPublishingInterval(defs []config.SubscriptionDef) time.Duration {
	min := time.Duration(0)
	for _, d := range defs {
		iv := time.Duration(d.PublishingIntervalMs) * time.Millisecond
		if min == 0 || iv < min {
			min = iv
		}
	}
	if min == 0 {
		min = time.Second
	}
	return min
}

func (s *Session) establishSubscription(ctx context.Context) error {
	s.mu.Lock()
	defs := append([]config.SubscriptionDef(nil), s.subs...)
	s.mu.Unlock()

	if len(defs) == 0 {
		return nil
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := s.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: minPublishingInterval(defs),
	}, notifyCh)
	if err != nil {
		return skerr.Wrapf(err, "opcuaclient[%s]: creating subscription", s.serverID)
	}

	handleToNodeID := make(map[uint32]string, len(defs))
	var handle uint32 = 1
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		nodeID, err := ua.ParseNodeID(d.NodeID)
		if err != nil {
			sklog.Warningf("opcuaclient[%s]: skipping malformed node id %q: %v", s.serverID, d.NodeID, err)
			continue
		}
		miCreateRequest := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		miCreateRequest.RequestedParameters.SamplingInterval = float64(d.SamplingIntervalMs)
		miCreateRequest.RequestedParameters.QueueSize = d.QueueSize
		miCreateRequest.RequestedParameters.DiscardOldest = d.DiscardOldest
		if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, miCreateRequest); err != nil {
			sklog.Warningf("opcuaclient[%s]: monitoring %s: %v", s.serverID, d.NodeID, err)
			continue
		}
		handleToNodeID[handle] = d.NodeID
		handle++
	}

	s.mu.Lock()
	s.nodeIDByHandle = handleToNodeID
	s.mu.Unlock()

	go s.handleNotifications(ctx, sub, notifyCh)
	return nil
}

func (s *Session) handleNotifications(ctx context.Context, sub *opcua.Subscription, notifyCh chan *opcua.PublishNotificationData) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-notifyCh:
			if !ok {
				return
			}
			if msg.Error != nil {
				sklog.Warningf("opcuaclient[%s]: notification error: %v", s.serverID, msg.Error)
				continue
			}
			event, ok := msg.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range event.MonitoredItems {
				s.onDataChange(ctx, item)
			}
		}
	}
}

func (s *Session) onDataChange(ctx context.Context, item *ua.MonitoredItemNotification) {
	if item == nil || item.Value == nil {
		return
	}

	s.mu.Lock()
	nodeID := s.nodeIDByHandle[item.ClientHandle]
	meta := s.browsePathByNodeID[nodeID]
	s.mu.Unlock()

	browsePath := meta.BrowsePath
	displayName := meta.DisplayName
	if browsePath == "" {
		browsePath = nodeID
	}
	if displayName == "" {
		displayName = nodeID
	}

	sm := sample.Sample{
		ServerID:            s.serverID,
		ServerName:          s.serverName,
		ReceiveTimestampUtc: now.Now(ctx),
		NodeID:              nodeID,
		DisplayName:         displayName,
		BrowsePath:          browsePath,
		Value:               decodeVariant(item.Value.Value.Value()),
		StatusCode:          uint32(item.Value.Status),
		Quality:             qualityFor(uint32(item.Value.Status)),
	}
	if !item.Value.SourceTimestamp.IsZero() {
		t := item.Value.SourceTimestamp
		sm.SourceTimestamp = &t
	}
	if !item.Value.ServerTimestamp.IsZero() {
		t := item.Value.ServerTimestamp
		sm.ServerTimestamp = &t
	}

	s.queue.Publish(sm)
	atomic.AddUint64(&s.totalReceived, 1)
	s.lastReceiveAt.Store(now.Now(ctx))
}

func qualityFor(statusCode uint32) sample.Quality {
	switch {
	case statusCode == 0:
		return sample.QualityGood
	case statusCode&0x80000000 != 0:
		return sample.QualityBad
	default:
		return sample.QualityUncertain
	}
}

// decodeVariant maps an ua.Variant's Go value to a sample.Value. Unrecognized types are
// stringified rather than dropped.
func decodeVariant(v interface{}) sample.Value {
	switch t := v.(type) {
	case nil:
		return sample.NullValue()
	case bool:
		return sample.BoolValue(t)
	case int8:
		return sample.Int64Value(int64(t))
	case int16:
		return sample.Int64Value(int64(t))
	case int32:
		return sample.Int64Value(int64(t))
	case int64:
		return sample.Int64Value(t)
	case uint8:
		return sample.Uint64Value(uint64(t))
	case uint16:
		return sample.Uint64Value(uint64(t))
	case uint32:
		return sample.Uint64Value(uint64(t))
	case uint64:
		return sample.Uint64Value(t)
	case float32:
		return sample.Float32Value(t)
	case float64:
		return sample.Float64Value(t)
	case string:
		return sample.StringValue(t)
	case []byte:
		return sample.BytesValue(t)
	case time.Time:
		return sample.TimestampValue(t)
	case uuid.UUID:
		return sample.UUIDValue(t.String())
	default:
		return sample.StringValue(fmt.Sprintf("%v", v))
	}
}

// watch runs the keepalive/reconnect loop for the session until ctx is cancelled. On any
// keepalive-bad, closed-connection, or communication-error signal it transitions to
// Reconnecting and retries with exponential backoff (initial 5s, doubling, cap 60s,
// unbounded attempts) until cancellation.
func (s *Session) watch(ctx context.Context) {
	stateCh := s.client.SubscribeNotification(ctx, 16)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stateCh:
			if !ok {
				return
			}
			if isFatalState(msg) {
				s.reconnectLoop(ctx)
			}
		}
	}
}

func isFatalState(state opcua.ConnState) bool {
	switch state {
	case opcua.Closed, opcua.Disconnected:
		return true
	default:
		return false
	}
}

func (s *Session) reconnectLoop(ctx context.Context) {
	s.setState(Reconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0 // unbounded attempts until cancelled

	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		client, err := s.dial(ctx)
		if err != nil {
			sklog.Warningf("opcuaclient[%s]: reconnect attempt failed: %v", s.serverID, err)
			s.setError(err)
			return err
		}
		s.client = client
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		// Context was cancelled during the reconnect loop.
		return
	}

	s.setState(Connected)
	if err := s.establishSubscription(ctx); err != nil {
		sklog.Warningf("opcuaclient[%s]: re-subscription after reconnect failed: %v", s.serverID, err)
	}
}
