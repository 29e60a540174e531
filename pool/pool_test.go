package pool

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/agentbus/client"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/hub"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// eventSink hub Sink keeping the event names
type eventSink struct {
	lock   sync.Mutex
	events []string
}

func (s *eventSink) Deliver(raw []byte) bool {
	frame, err := common.DecodeFrame(raw)
	if err != nil {
		return false
	}
	if frame.Type == common.FrameEvent {
		s.lock.Lock()
		s.events = append(s.events, frame.Event)
		s.lock.Unlock()
	}
	return true
}

func (s *eventSink) Close() {}

func (s *eventSink) get() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.events...)
}

func testPoolConfig() common.PoolConfig {
	return common.PoolConfig{
		HubHost:          "127.0.0.1",
		HubPort:          8765,
		Connections:      1,
		CoalesceWindow:   50,
		MaxBatch:         64,
		QueueSize:        128,
		EnqueueTimeout:   10,
		RetryAttempts:    1,
		HandshakeTimeout: 1,
		WriteTimeout:     500,
		Transports:       []string{"websocket"},
	}
}

func startHub(t *testing.T) (hub.BroadcastHub, *httptest.Server, func()) {
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	hubInst, err := hub.GetBroadcastHub("testing", common.HubConfig{
		PingInterval:      1,
		PongTimeout:       3,
		HeartbeatInterval: 45,
		HeartbeatTimeout:  20,
		SweepInterval:     90,
		StaleThreshold:    180,
		MaxFrameSize:      1024 * 1024,
		HistorySize:       100,
		SendBuffer:        256,
		WriteTimeout:      2,
		HandshakeTimeout:  2,
	})
	assert.Nil(t, err)
	assert.Nil(t, hubInst.Start(ctxt, &wg))
	wsTransport, err := hub.GetWebsocketTransport(hubInst, nil)
	assert.Nil(t, err)
	router := mux.NewRouter()
	router.Handle("/ws", wsTransport).Methods("GET")
	server := httptest.NewServer(router)
	return hubInst, server, func() {
		server.Close()
		assert.Nil(t, hubInst.Stop())
		cancel()
		wg.Wait()
	}
}

func testDialer(t *testing.T, address string) client.Dialer {
	dialer, err := client.GetDialer("testing", client.Config{
		Address:          address,
		Transports:       []string{client.TransportWebsocket},
		HandshakeTimeout: time.Millisecond * 500,
		WriteTimeout:     time.Millisecond * 500,
	})
	assert.Nil(t, err)
	return dialer
}

func TestPoolBatching(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	hubInst, server, stop := startHub(t)
	defer stop()
	observer := &eventSink{}
	observerInfo, err := hubInst.Connect(hub.TransportWebsocket, []string{"hook"}, observer)
	assert.Nil(err)

	uut, err := GetConnectionPool(
		context.Background(), "testing", testPoolConfig(),
		testDialer(t, strings.TrimPrefix(server.URL, "http://")),
	)
	assert.Nil(err)

	// Case 0: a burst is coalesced into few writes, in order
	expected := make([]string, 0)
	{
		for i := 0; i < 20; i++ {
			name := fmt.Sprintf("e%d", i)
			expected = append(expected, name)
			assert.Nil(uut.Emit("/hook", name, map[string]interface{}{"i": i}))
		}
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		assert.Nil(uut.Flush(ctxt))
		cancel()
		assert.Eventually(func() bool {
			return len(observer.get()) == 20
		}, time.Second*2, time.Millisecond*10)
		assert.Equal(expected, observer.get())

		stats := uut.GetStats()
		assert.Equal(uint64(20), stats.EventsQueued)
		assert.Equal(uint64(20), stats.EventsSent)
		assert.Less(stats.Batches, uint64(20))
		assert.Equal(1, stats.Connected)
	}

	// Case 1: hub drops the connection, the pool reconnects on the next batch
	{
		for _, conn := range hubInst.Connections() {
			if conn.ID != observerInfo.ID {
				assert.Nil(hubInst.Disconnect(conn.ID, "testing"))
			}
		}
		time.Sleep(time.Millisecond * 100)
		assert.Nil(uut.Emit("/hook", "after", nil))
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		assert.Nil(uut.Flush(ctxt))
		cancel()
		assert.Eventually(func() bool {
			events := observer.get()
			return len(events) == 21 && events[20] == "after"
		}, time.Second*2, time.Millisecond*10)
		assert.Equal(uint64(2), uut.GetStats().Reconnects)
	}

	// Case 2: closed pool rejects emissions
	{
		assert.Nil(uut.Close())
		assert.Equal(ErrPoolClosed, uut.Emit("/hook", "late", nil))
		assert.Equal(0, uut.GetStats().Connected)
	}
}

func TestPoolUnreachableHub(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := testPoolConfig()
	config.CoalesceWindow = 10
	uut, err := GetConnectionPool(context.Background(), "testing", config, testDialer(t, "127.0.0.1:1"))
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Emit never surfaces connection problems, failures are counted
	for i := 0; i < 3; i++ {
		assert.Nil(uut.Emit("/hook", "lost", nil))
	}
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	assert.Nil(uut.Flush(ctxt))
	stats := uut.GetStats()
	assert.Equal(uint64(3), stats.EventsFailed)
	assert.Equal(uint64(0), stats.EventsSent)
	assert.Equal(0, stats.Connected)
}

// blockingDialer never completes a dial until released
type blockingDialer struct {
	release chan struct{}
}

func (d *blockingDialer) Dial(ctxt context.Context) (client.Connection, error) {
	select {
	case <-d.release:
	case <-ctxt.Done():
	}
	return nil, fmt.Errorf("unreachable")
}

func TestPoolQueueOverflow(t *testing.T) {
	assert := assert.New(t)

	config := testPoolConfig()
	config.QueueSize = 2
	config.MaxBatch = 1
	config.RetryAttempts = 0
	dialer := &blockingDialer{release: make(chan struct{})}
	uut, err := GetConnectionPool(context.Background(), "testing", config, dialer)
	assert.Nil(err)

	// One in the sender, two queued, the rest dropped after the enqueue timeout
	for i := 0; i < 6; i++ {
		assert.Nil(uut.Emit("/hook", "burst", nil))
	}
	stats := uut.GetStats()
	assert.GreaterOrEqual(stats.EventsDropped, uint64(3))
	assert.Equal(uint64(6), stats.EventsQueued+stats.EventsDropped)

	close(dialer.release)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	assert.Nil(uut.Flush(ctxt))
	assert.Equal(stats.EventsQueued, uut.GetStats().EventsFailed)
	assert.Nil(uut.Close())
}
