// Package pool batches emissions from a producer process onto a small set of persistent
// connections to a remote broadcast hub.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/agentbus/client"
	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
)

// ErrPoolClosed the pool no longer accepts emissions
var ErrPoolClosed = fmt.Errorf("connection pool closed")

// Stats pool counters snapshot
type Stats struct {
	// EventsQueued is the number of emissions accepted
	EventsQueued uint64 `json:"events_queued"`
	// EventsSent is the number of emissions written to the hub
	EventsSent uint64 `json:"events_sent"`
	// EventsFailed is the number of emissions dropped after the retries ran out
	EventsFailed uint64 `json:"events_failed"`
	// EventsDropped is the number of emissions dropped on a full queue
	EventsDropped uint64 `json:"events_dropped"`
	// Batches is the number of batch frames written
	Batches uint64 `json:"batches"`
	// Reconnects is the number of connections opened
	Reconnects uint64 `json:"reconnects"`
	// Connected is the number of live connections
	Connected int `json:"connected"`
}

// ConnectionPool emits events to a remote hub
type ConnectionPool interface {
	// Emit queue one event. Never reports connection problems: undeliverable events are counted
	// and dropped. Returns ErrPoolClosed after Close.
	Emit(namespace, eventName string, payload interface{}) error
	// Flush wait until every queued event was sent or dropped
	Flush(ctxt context.Context) error
	// Close flush, then close every connection
	Close() error
	// GetStats snapshot the counters
	GetStats() Stats
}

// emission one queued event
type emission struct {
	namespace string
	eventName string
	payload   interface{}
}

// poolSlot one persistent connection, owned by one sender goroutine
type poolSlot struct {
	index int
	lock  sync.Mutex
	conn  client.Connection
}

// connectionPoolImpl implements ConnectionPool
type connectionPoolImpl struct {
	common.Component
	config common.PoolConfig
	dialer client.Dialer

	queue   chan emission
	pending atomic.Int64
	slots   []*poolSlot

	operationCtx context.Context
	stop         context.CancelFunc
	wg           sync.WaitGroup
	closed       atomic.Bool
	closeOnce    sync.Once

	queued     atomic.Uint64
	sent       atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	batches    atomic.Uint64
	reconnects atomic.Uint64
}

// GetConnectionPool define a new connection pool. The senders run until Close or until ctxt
// is cancelled.
func GetConnectionPool(
	ctxt context.Context, instance string, config common.PoolConfig, dialer client.Dialer,
) (ConnectionPool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if config.Connections < 1 || config.QueueSize < 1 || config.MaxBatch < 1 {
		return nil, fmt.Errorf("connections, queue size and max batch must be positive")
	}
	if config.CoalesceWindow < 1 || config.WriteTimeout < 1 {
		return nil, fmt.Errorf("coalesce window and write timeout must be positive")
	}
	logTags := log.Fields{
		"module": "pool", "component": "connection-pool", "instance": instance,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	pool := &connectionPoolImpl{
		Component:    common.Component{LogTags: logTags},
		config:       config,
		dialer:       dialer,
		queue:        make(chan emission, config.QueueSize),
		slots:        make([]*poolSlot, config.Connections),
		operationCtx: optCtxt,
		stop:         cancel,
	}
	for idx := range pool.slots {
		slot := &poolSlot{index: idx}
		pool.slots[idx] = slot
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			pool.senderLoop(slot)
		}()
	}
	return pool, nil
}

// Emit queue one event, waiting at most EnqueueTimeout for queue space
func (p *connectionPoolImpl) Emit(namespace, eventName string, payload interface{}) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	entry := emission{namespace: namespace, eventName: eventName, payload: payload}
	p.pending.Add(1)
	select {
	case p.queue <- entry:
		p.queued.Add(1)
		return nil
	default:
	}

	if p.config.EnqueueTimeout > 0 {
		timer := time.NewTimer(time.Millisecond * time.Duration(p.config.EnqueueTimeout))
		defer timer.Stop()
		select {
		case p.queue <- entry:
			p.queued.Add(1)
			return nil
		case <-timer.C:
		case <-p.operationCtx.Done():
		}
	}
	p.pending.Add(-1)
	p.dropped.Add(1)
	log.WithFields(p.LogTags).WithFields(log.Fields{
		"namespace": namespace, "event": eventName,
	}).Error("Emit queue full, event dropped")
	return nil
}

// senderLoop collect emissions into batches and write them
func (p *connectionPoolImpl) senderLoop(slot *poolSlot) {
	logTags := p.ChildLogTags(log.Fields{"slot": slot.index})
	defer log.WithFields(logTags).Debug("Sender exiting")
	window := time.Millisecond * time.Duration(p.config.CoalesceWindow)
	for {
		var first emission
		select {
		case <-p.operationCtx.Done():
			return
		case first = <-p.queue:
		}

		batch := []emission{first}
		timer := time.NewTimer(window)
	collect:
		for len(batch) < p.config.MaxBatch {
			select {
			case entry := <-p.queue:
				batch = append(batch, entry)
			case <-timer.C:
				break collect
			case <-p.operationCtx.Done():
				break collect
			}
		}
		timer.Stop()

		p.sendBatch(slot, batch, logTags)
		p.pending.Add(-int64(len(batch)))
	}
}

// sendBatch write one batch frame, reconnecting and retrying up to RetryAttempts times
func (p *connectionPoolImpl) sendBatch(slot *poolSlot, batch []emission, logTags log.Fields) {
	frames := make([]common.Frame, len(batch))
	for idx, entry := range batch {
		frames[idx] = common.Frame{
			Type:      common.FrameEmit,
			Namespace: entry.namespace,
			Event:     entry.eventName,
			Data:      entry.payload,
		}
	}
	frame := common.Frame{Type: common.FrameBatch, Frames: frames}
	writeTimeout := time.Millisecond * time.Duration(p.config.WriteTimeout)

	var lastErr error
	for attempt := 0; attempt <= p.config.RetryAttempts; attempt++ {
		conn, err := p.connection(slot)
		if err != nil {
			lastErr = err
			continue
		}
		ctxt, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = conn.Send(ctxt, frame)
		cancel()
		if err == nil {
			p.sent.Add(uint64(len(batch)))
			p.batches.Add(1)
			return
		}
		lastErr = err
		p.dropConnection(slot, conn)
	}
	p.failed.Add(uint64(len(batch)))
	log.WithError(lastErr).WithFields(logTags).Errorf(
		"Dropping batch of %d after %d attempts", len(batch), p.config.RetryAttempts+1,
	)
}

// connection the slot's live connection, dialing a new one when needed
func (p *connectionPoolImpl) connection(slot *poolSlot) (client.Connection, error) {
	slot.lock.Lock()
	conn := slot.conn
	slot.lock.Unlock()
	if conn != nil {
		select {
		case <-conn.Done():
		default:
			return conn, nil
		}
	}
	conn, err := p.dialer.Dial(p.operationCtx)
	if err != nil {
		return nil, err
	}
	p.reconnects.Add(1)
	slot.lock.Lock()
	slot.conn = conn
	slot.lock.Unlock()
	return conn, nil
}

func (p *connectionPoolImpl) dropConnection(slot *poolSlot, conn client.Connection) {
	slot.lock.Lock()
	defer slot.lock.Unlock()
	if slot.conn == conn {
		slot.conn = nil
	}
	_ = conn.Close()
}

// Flush wait until every queued event was sent or dropped
func (p *connectionPoolImpl) Flush(ctxt context.Context) error {
	ticker := time.NewTicker(time.Millisecond * 5)
	defer ticker.Stop()
	for p.pending.Load() > 0 {
		select {
		case <-ctxt.Done():
			return ctxt.Err()
		case <-p.operationCtx.Done():
			return ErrPoolClosed
		case <-ticker.C:
		}
	}
	return nil
}

// Close flush, then close every connection
func (p *connectionPoolImpl) Close() error {
	var flushErr error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// Enough for every queued batch to run through its retries once
		flushTimeout := time.Millisecond * time.Duration(
			p.config.CoalesceWindow+p.config.WriteTimeout*(p.config.RetryAttempts+1),
		) * 2
		ctxt, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := p.Flush(ctxt); err != nil {
			flushErr = err
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Closing with %d events unsent", p.pending.Load(),
			)
		}
		p.stop()
		p.wg.Wait()
		for _, slot := range p.slots {
			slot.lock.Lock()
			if slot.conn != nil {
				_ = slot.conn.Close()
				slot.conn = nil
			}
			slot.lock.Unlock()
		}
		log.WithFields(p.LogTags).Info("Connection pool closed")
	})
	if errors.Is(flushErr, ErrPoolClosed) {
		return nil
	}
	return flushErr
}

// GetStats snapshot the counters
func (p *connectionPoolImpl) GetStats() Stats {
	connected := 0
	for _, slot := range p.slots {
		slot.lock.Lock()
		if slot.conn != nil {
			select {
			case <-slot.conn.Done():
			default:
				connected++
			}
		}
		slot.lock.Unlock()
	}
	return Stats{
		EventsQueued:  p.queued.Load(),
		EventsSent:    p.sent.Load(),
		EventsFailed:  p.failed.Load(),
		EventsDropped: p.dropped.Load(),
		Batches:       p.batches.Load(),
		Reconnects:    p.reconnects.Load(),
		Connected:     connected,
	}
}
