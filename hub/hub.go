// Package hub is the broadcast hub: it holds client connections organized by namespace, runs the
// keepalive and stale sweep loops, and replays recent emissions to new clients.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/topics"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrUnknownNamespace the namespace is not in the allowlist
var ErrUnknownNamespace = fmt.Errorf("unknown namespace")

// ErrHubStopped the hub is not running
var ErrHubStopped = fmt.Errorf("hub stopped")

// ErrFrameTooLarge the frame exceeds the configured max frame size
var ErrFrameTooLarge = fmt.Errorf("frame too large")

// ErrUnknownConnection the connection is not registered with the hub
var ErrUnknownConnection = fmt.Errorf("unknown connection")

// Authorizer decide whether a new client connection may proceed. Returning an error rejects the
// handshake with 403.
type Authorizer func(r *http.Request) error

// AllowAll an Authorizer accepting every connection
func AllowAll(_ *http.Request) error {
	return nil
}

// Stats hub counters snapshot
type Stats struct {
	// Running whether the hub is accepting connections and emissions
	Running bool `json:"running"`
	// Connections is the number of live connections
	Connections int `json:"connections"`
	// TotalConnections is the number of connections accepted since start
	TotalConnections uint64 `json:"total_connections"`
	// Emitted is the number of emissions accepted
	Emitted uint64 `json:"events_emitted"`
	// Delivered is the number of frames queued to clients
	Delivered uint64 `json:"frames_delivered"`
	// Dropped is the number of frames dropped on full client queues
	Dropped uint64 `json:"frames_dropped"`
	// StaleEvictions is the number of connections removed by the stale sweep
	StaleEvictions uint64 `json:"stale_evictions"`
	// HeartbeatTimeouts is the number of connections removed by the heartbeat watchdog
	HeartbeatTimeouts uint64 `json:"heartbeat_timeouts"`
	// HistorySize is the number of retained history entries
	HistorySize int `json:"history_size"`
	// LastSequence is the last emission sequence number
	LastSequence uint64 `json:"last_sequence"`
}

// BroadcastHub fans emissions out to connected clients by namespace
type BroadcastHub interface {
	// Emit deliver an event to every connected client joined to namespace, and retain it for
	// replay. Never blocks on slow clients.
	Emit(namespace, eventName string, payload interface{}) error

	// Connect register a new client connection delivering through sink.
	//
	// The connection joins the default namespace plus the requested ones. The handshake ack and
	// the history replay are queued on sink before Connect returns.
	Connect(transport string, namespaces []string, sink Sink) (ConnectionInfo, error)
	// Disconnect remove a client connection
	Disconnect(connID string, reason string) error
	// Touch record inbound activity on a connection
	Touch(connID string) error
	// HandleFrame process one frame received from a client
	HandleFrame(connID string, frame common.Frame) error

	// Sweep evict every connection idle longer than the stale threshold as of now
	Sweep(now time.Time) int
	// CheckHeartbeats send due heartbeats, and disconnect connections which did not ack the
	// outstanding one in time. Returns the number of connections disconnected.
	CheckHeartbeats(now time.Time) int

	// History snapshot the replay buffer, oldest first
	History() []HistoryEntry
	// Connections snapshot the live connections
	Connections() []ConnectionInfo
	// ConnectionCount number of live connections
	ConnectionCount() int
	// GetStats snapshot the counters
	GetStats() Stats
	// Config the effective hub config
	Config() common.HubConfig
	// SetDebug log every emission
	SetDebug(debug bool)

	// Start begin the stale sweep and heartbeat loops
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Stop disconnect every client and stop the background loops
	Stop() error
	// Reset disconnect every client, drop the history and zero the counters
	Reset()
}

// hubImpl implements BroadcastHub
type hubImpl struct {
	common.Component
	config common.HubConfig

	// lock guards everything below
	lock        sync.Mutex
	running     bool
	debug       bool
	sequence    uint64
	history     *historyRing
	connections map[string]*clientConnection
	stats       Stats

	sweepTimer     common.IntervalTimer
	heartbeatTimer common.IntervalTimer
}

// GetBroadcastHub define a new broadcast hub
func GetBroadcastHub(instance string, config common.HubConfig) (BroadcastHub, error) {
	if err := validateHubConfig(config); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "hub", "component": "broadcast-hub", "instance": instance,
	}
	// Replay must always fit into a fresh connection's queue
	if minBuffer := config.HistorySize + 16; config.SendBuffer < minBuffer {
		log.WithFields(logTags).Debugf(
			"Raising send buffer from %d to %d to fit history replay", config.SendBuffer, minBuffer,
		)
		config.SendBuffer = minBuffer
	}
	return &hubImpl{
		Component:   common.Component{LogTags: logTags},
		config:      config,
		history:     newHistoryRing(config.HistorySize),
		connections: make(map[string]*clientConnection),
	}, nil
}

func validateHubConfig(config common.HubConfig) error {
	if config.PingInterval < 1 || config.PongTimeout <= config.PingInterval {
		return fmt.Errorf("pong timeout must exceed ping interval")
	}
	if config.HeartbeatInterval < 1 || config.HeartbeatTimeout < 1 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if config.SweepInterval < 1 || config.StaleThreshold < 1 {
		return fmt.Errorf("sweep interval and stale threshold must be positive")
	}
	if config.MaxFrameSize < 1 || config.HistorySize < 0 {
		return fmt.Errorf("invalid max frame size or history size")
	}
	return nil
}

// seconds convert a config value in seconds
func seconds(value int) time.Duration {
	return time.Second * time.Duration(value)
}

// Config the effective hub config
func (h *hubImpl) Config() common.HubConfig {
	return h.config
}

// SetDebug log every emission
func (h *hubImpl) SetDebug(debug bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.debug = debug
}

// ===============================================================================
// Emission

// Emit deliver an event to every connected client joined to namespace
func (h *hubImpl) Emit(namespace, eventName string, payload interface{}) error {
	canonical, ok := topics.NormalizeNamespace(namespace)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.running {
		return ErrHubStopped
	}

	now := time.Now().UTC()
	frame := common.Frame{
		Type:      common.FrameEvent,
		Namespace: canonical,
		Event:     eventName,
		Data:      payload,
		Sequence:  h.sequence + 1,
		Timestamp: &now,
	}
	raw, err := common.EncodeFrame(frame)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to encode %s", frame)
		return err
	}
	if int64(len(raw)) > h.config.MaxFrameSize {
		log.WithFields(h.LogTags).Errorf(
			"Dropping %s: %d bytes exceeds max frame size", frame, len(raw),
		)
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}

	h.sequence++
	h.stats.Emitted++
	h.history.push(HistoryEntry{
		Sequence:  frame.Sequence,
		Namespace: canonical,
		EventName: eventName,
		Payload:   payload,
		Timestamp: now,
	})

	recipients := 0
	for _, conn := range h.connections {
		if conn.state != StateConnected || !conn.namespaces[canonical] {
			continue
		}
		h.deliver(conn, raw)
		recipients++
	}
	if h.debug {
		log.WithFields(h.LogTags).WithFields(log.Fields{
			"namespace": canonical, "event": eventName, "sequence": frame.Sequence,
			"recipients": recipients,
		}).Info("Emit")
	}
	return nil
}

// deliver queue a frame on one connection. Caller holds the lock.
func (h *hubImpl) deliver(conn *clientConnection, raw []byte) bool {
	if conn.sink.Deliver(raw) {
		h.stats.Delivered++
		return true
	}
	conn.dropped++
	h.stats.Dropped++
	log.WithFields(h.LogTags).WithField("connection", conn.id).Debug("Client queue full, frame dropped")
	return false
}

// sendFrame encode and queue a control frame on one connection. Caller holds the lock.
func (h *hubImpl) sendFrame(conn *clientConnection, frame common.Frame) bool {
	raw, err := common.EncodeFrame(frame)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to encode %s", frame)
		return false
	}
	return h.deliver(conn, raw)
}

// ===============================================================================
// Connection lifecycle

// Connect register a new client connection
func (h *hubImpl) Connect(
	transport string, namespaces []string, sink Sink,
) (ConnectionInfo, error) {
	if sink == nil {
		return ConnectionInfo{}, fmt.Errorf("connection sink is required")
	}
	now := time.Now().UTC()
	conn := &clientConnection{
		id:          uuid.NewString(),
		transport:   transport,
		state:       StateConnecting,
		connectedAt: now,
		namespaces:  map[string]bool{topics.DefaultNamespace: true},
		sink:        sink,
	}
	conn.touch(now)
	conn.lastHeartbeat = now
	for _, requested := range namespaces {
		canonical, ok := topics.NormalizeNamespace(requested)
		if !ok {
			log.WithFields(h.LogTags).Infof("Ignoring unknown namespace '%s' in handshake", requested)
			continue
		}
		conn.namespaces[canonical] = true
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.running {
		return ConnectionInfo{}, ErrHubStopped
	}

	conn.state = StateConnected
	h.connections[conn.id] = conn
	h.stats.TotalConnections++

	// Ack then replay. Both happen under the lock, so no live emission can overtake the replay.
	h.sendFrame(conn, common.Frame{
		Type:       common.FrameHandshake,
		ID:         conn.id,
		Timestamp:  &now,
		Namespaces: conn.joined(),
		Keepalive: &common.KeepaliveParams{
			PingInterval:      seconds(h.config.PingInterval),
			PongTimeout:       seconds(h.config.PongTimeout),
			HeartbeatInterval: seconds(h.config.HeartbeatInterval),
			HeartbeatTimeout:  seconds(h.config.HeartbeatTimeout),
		},
	})
	replayed := h.replay(conn)

	log.WithFields(h.LogTags).WithFields(log.Fields{
		"connection": conn.id, "transport": transport, "namespaces": conn.joined(),
		"replayed": replayed,
	}).Info("Client connected")
	return conn.info(), nil
}

// replay queue the retained history for the connection's namespaces. Caller holds the lock.
func (h *hubImpl) replay(conn *clientConnection) int {
	count := 0
	for _, entry := range h.history.snapshot() {
		if !conn.namespaces[entry.Namespace] {
			continue
		}
		timestamp := entry.Timestamp
		if h.sendFrame(conn, common.Frame{
			Type:      common.FrameEvent,
			Namespace: entry.Namespace,
			Event:     entry.EventName,
			Data:      entry.Payload,
			Sequence:  entry.Sequence,
			Timestamp: &timestamp,
			Replay:    true,
		}) {
			count++
		}
	}
	return count
}

// Disconnect remove a client connection
func (h *hubImpl) Disconnect(connID string, reason string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	conn, ok := h.connections[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	h.removeConnection(conn, reason)
	return nil
}

// removeConnection caller holds the lock
func (h *hubImpl) removeConnection(conn *clientConnection, reason string) {
	conn.state = StateDisconnected
	delete(h.connections, conn.id)
	conn.sink.Close()
	log.WithFields(h.LogTags).WithFields(log.Fields{
		"connection": conn.id, "transport": conn.transport, "reason": reason,
		"dropped_frames": conn.dropped,
	}).Info("Client disconnected")
}

// Touch record inbound activity on a connection
func (h *hubImpl) Touch(connID string) error {
	h.lock.Lock()
	conn, ok := h.connections[connID]
	h.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	conn.touch(time.Now())
	return nil
}

// HandleFrame process one frame received from a client
func (h *hubImpl) HandleFrame(connID string, frame common.Frame) error {
	if err := h.Touch(connID); err != nil {
		return err
	}
	logTags := h.ChildLogTags(log.Fields{"connection": connID})

	switch frame.Type {
	case common.FrameEmit, common.FrameEvent:
		return h.Emit(frame.Namespace, frame.Event, frame.Data)

	case common.FrameBatch:
		var firstErr error
		for _, oneFrame := range frame.Frames {
			if err := h.Emit(oneFrame.Namespace, oneFrame.Event, oneFrame.Data); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Batch entry %s rejected", oneFrame)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr

	case common.FrameJoin, common.FrameLeave:
		return h.changeNamespaces(connID, frame.Type == common.FrameJoin, frame.Namespaces)

	case common.FrameHeartbeatAck:
		h.lock.Lock()
		if conn, ok := h.connections[connID]; ok {
			conn.heartbeatSent = time.Time{}
		}
		h.lock.Unlock()
		return nil

	case common.FrameHeartbeat:
		// Client initiated heartbeat
		h.lock.Lock()
		defer h.lock.Unlock()
		if conn, ok := h.connections[connID]; ok {
			h.sendFrame(conn, common.Frame{Type: common.FrameHeartbeatAck, ID: frame.ID})
		}
		return nil

	case common.FrameError:
		log.WithFields(logTags).Errorf("Client reported error: %s", frame.Message)
		return nil

	default:
		err := fmt.Errorf("unsupported frame type '%s'", frame.Type)
		log.WithError(err).WithFields(logTags).Error("Rejecting frame")
		return err
	}
}

// changeNamespaces join or leave namespaces. The default namespace cannot be left.
func (h *hubImpl) changeNamespaces(connID string, join bool, namespaces []string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	conn, ok := h.connections[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	for _, requested := range namespaces {
		canonical, ok := topics.NormalizeNamespace(requested)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNamespace, requested)
		}
		if join {
			conn.namespaces[canonical] = true
		} else if canonical != topics.DefaultNamespace {
			delete(conn.namespaces, canonical)
		}
	}
	log.WithFields(h.LogTags).WithFields(log.Fields{
		"connection": connID, "namespaces": conn.joined(),
	}).Debug("Namespaces changed")
	return nil
}

// ===============================================================================
// Liveness

// Sweep evict every connection idle longer than the stale threshold
func (h *hubImpl) Sweep(now time.Time) int {
	threshold := seconds(h.config.StaleThreshold)
	h.lock.Lock()
	defer h.lock.Unlock()
	evicted := 0
	for _, conn := range h.connections {
		idle := now.Sub(conn.lastSeenAt())
		if idle <= threshold {
			continue
		}
		h.removeConnection(conn, fmt.Sprintf("stale, idle for %s", idle.Round(time.Millisecond)))
		evicted++
	}
	h.stats.StaleEvictions += uint64(evicted)
	if evicted > 0 {
		log.WithFields(h.LogTags).Infof("Stale sweep evicted %d connections", evicted)
	}
	return evicted
}

// CheckHeartbeats send due heartbeats and enforce the ack timeout
func (h *hubImpl) CheckHeartbeats(now time.Time) int {
	interval := seconds(h.config.HeartbeatInterval)
	timeout := seconds(h.config.HeartbeatTimeout)
	h.lock.Lock()
	defer h.lock.Unlock()
	timedOut := 0
	for _, conn := range h.connections {
		if !conn.heartbeatSent.IsZero() {
			if now.Sub(conn.heartbeatSent) > timeout {
				h.removeConnection(conn, "heartbeat not acknowledged")
				timedOut++
			}
			continue
		}
		if now.Sub(conn.lastHeartbeat) < interval {
			continue
		}
		heartbeatID := uuid.NewString()
		ts := now.UTC()
		if h.sendFrame(conn, common.Frame{
			Type: common.FrameHeartbeat, ID: heartbeatID, Timestamp: &ts,
		}) {
			conn.heartbeatSent = now
		}
		conn.lastHeartbeat = now
	}
	h.stats.HeartbeatTimeouts += uint64(timedOut)
	return timedOut
}

// ===============================================================================
// Queries

// History snapshot the replay buffer
func (h *hubImpl) History() []HistoryEntry {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.history.snapshot()
}

// Connections snapshot the live connections
func (h *hubImpl) Connections() []ConnectionInfo {
	h.lock.Lock()
	defer h.lock.Unlock()
	result := make([]ConnectionInfo, 0, len(h.connections))
	for _, conn := range h.connections {
		result = append(result, conn.info())
	}
	return result
}

// ConnectionCount number of live connections
func (h *hubImpl) ConnectionCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.connections)
}

// GetStats snapshot the counters
func (h *hubImpl) GetStats() Stats {
	h.lock.Lock()
	defer h.lock.Unlock()
	result := h.stats
	result.Running = h.running
	result.Connections = len(h.connections)
	result.HistorySize = h.history.len()
	result.LastSequence = h.sequence
	return result
}

// ===============================================================================
// Lifecycle

// Start begin the stale sweep and heartbeat loops
func (h *hubImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.running {
		return nil
	}

	sweepTimer, err := common.GetIntervalTimerInstance("stale-sweep", ctxt, wg)
	if err != nil {
		return err
	}
	heartbeatTimer, err := common.GetIntervalTimerInstance("heartbeat-watchdog", ctxt, wg)
	if err != nil {
		return err
	}
	if err := sweepTimer.Start(seconds(h.config.SweepInterval), func() error {
		h.Sweep(time.Now())
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to start stale sweep")
		return err
	}
	// Check at twice the rate of the shorter period so a missed ack is caught close to its deadline
	checkPeriod := seconds(h.config.HeartbeatTimeout)
	if interval := seconds(h.config.HeartbeatInterval); interval < checkPeriod {
		checkPeriod = interval
	}
	if err := heartbeatTimer.Start(checkPeriod/2, func() error {
		h.CheckHeartbeats(time.Now())
		return nil
	}, false); err != nil {
		_ = sweepTimer.Stop()
		log.WithError(err).WithFields(h.LogTags).Error("Unable to start heartbeat watchdog")
		return err
	}
	h.sweepTimer = sweepTimer
	h.heartbeatTimer = heartbeatTimer
	h.running = true
	log.WithFields(h.LogTags).Info("Hub started")
	return nil
}

// Stop disconnect every client and stop the background loops
func (h *hubImpl) Stop() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.running {
		return nil
	}
	h.running = false
	if h.sweepTimer != nil {
		_ = h.sweepTimer.Stop()
	}
	if h.heartbeatTimer != nil {
		_ = h.heartbeatTimer.Stop()
	}
	for _, conn := range h.connections {
		h.removeConnection(conn, "hub stopping")
	}
	log.WithFields(h.LogTags).Info("Hub stopped")
	return nil
}

// Reset disconnect every client, drop the history and zero the counters
func (h *hubImpl) Reset() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, conn := range h.connections {
		h.removeConnection(conn, "hub reset")
	}
	h.history.clear()
	h.sequence = 0
	h.stats = Stats{}
	h.debug = false
	log.WithFields(h.LogTags).Debug("Hub reset")
}
