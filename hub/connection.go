package hub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState lifecycle state of a client connection
type ConnectionState string

const (
	// StateConnecting the connection is being set up
	StateConnecting ConnectionState = "CONNECTING"
	// StateConnected the connection completed its handshake and receives emissions
	StateConnected ConnectionState = "CONNECTED"
	// StateDisconnected the connection is gone. Terminal.
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Transport names
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Sink the outbound half of one client transport
type Sink interface {
	// Deliver queue one encoded frame without blocking. Returns false if the frame was dropped.
	Deliver(frame []byte) bool
	// Close terminate the transport. Must not block and must be safe to call more than once.
	Close()
}

// ConnectionInfo snapshot of one client connection
type ConnectionInfo struct {
	ID          string          `json:"id"`
	Transport   string          `json:"transport"`
	State       ConnectionState `json:"state"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
	Namespaces  []string        `json:"namespaces"`
}

// clientConnection hub side state of one client. All fields except lastSeen are guarded by the
// hub lock.
type clientConnection struct {
	id          string
	transport   string
	state       ConnectionState
	connectedAt time.Time
	namespaces  map[string]bool
	sink        Sink
	// lastSeen is unix nanos, updated by the transport goroutines on any inbound activity
	lastSeen atomic.Int64
	// heartbeatSent is when the outstanding heartbeat went out, zero when none is outstanding
	heartbeatSent time.Time
	// lastHeartbeat is when the last heartbeat went out
	lastHeartbeat time.Time
	dropped       uint64
}

func (c *clientConnection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *clientConnection) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *clientConnection) joined() []string {
	result := make([]string, 0, len(c.namespaces))
	for ns := range c.namespaces {
		result = append(result, ns)
	}
	sort.Strings(result)
	return result
}

func (c *clientConnection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:          c.id,
		Transport:   c.transport,
		State:       c.state,
		ConnectedAt: c.connectedAt,
		LastSeenAt:  c.lastSeenAt(),
		Namespaces:  c.joined(),
	}
}

// queueSink a Sink backed by a bounded channel, shared by the websocket and long-poll transports
type queueSink struct {
	lock   sync.Mutex
	queue  chan []byte
	closed chan struct{}
	done   bool
}

func newQueueSink(size int) *queueSink {
	return &queueSink{queue: make(chan []byte, size), closed: make(chan struct{})}
}

// Deliver queue one frame without blocking
func (s *queueSink) Deliver(frame []byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.done {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// Close mark the sink closed. Queued frames stay readable.
func (s *queueSink) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.closed)
}

// isClosed whether Close was called
func (s *queueSink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
