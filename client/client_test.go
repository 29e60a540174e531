package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/hub"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func testHub(t *testing.T, withWebsocket bool) (hub.BroadcastHub, *httptest.Server, func()) {
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	uut, err := hub.GetBroadcastHub("testing", common.HubConfig{
		PingInterval:      1,
		PongTimeout:       3,
		HeartbeatInterval: 45,
		HeartbeatTimeout:  20,
		SweepInterval:     90,
		StaleThreshold:    180,
		MaxFrameSize:      1024 * 1024,
		HistorySize:       10,
		SendBuffer:        64,
		WriteTimeout:      2,
		HandshakeTimeout:  2,
	})
	assert.Nil(t, err)
	assert.Nil(t, uut.Start(ctxt, &wg))

	router := mux.NewRouter()
	if withWebsocket {
		wsTransport, err := hub.GetWebsocketTransport(uut, nil)
		assert.Nil(t, err)
		router.Handle("/ws", wsTransport).Methods("GET")
	}
	pollTransport, err := hub.GetPollingTransport(uut, nil)
	assert.Nil(t, err)
	pollTransport.Start()
	router.HandleFunc("/poll/handshake", pollTransport.Handshake).Methods("POST")
	router.HandleFunc("/poll/{sessionID}", pollTransport.Poll).Methods("GET")
	router.HandleFunc("/poll/{sessionID}", pollTransport.Send).Methods("POST")
	router.HandleFunc("/poll/{sessionID}", pollTransport.Close).Methods("DELETE")
	server := httptest.NewServer(router)

	return uut, server, func() {
		server.Close()
		pollTransport.Stop()
		assert.Nil(t, uut.Stop())
		cancel()
		wg.Wait()
	}
}

func testConfig(server *httptest.Server, transports ...string) Config {
	return Config{
		Address:          strings.TrimPrefix(server.URL, "http://"),
		Transports:       transports,
		HandshakeTimeout: time.Second * 2,
		WriteTimeout:     time.Second,
	}
}

func TestDialerConfig(t *testing.T) {
	assert := assert.New(t)

	// Case 0: bad configs
	{
		_, err := GetDialer("testing", Config{
			Transports: []string{"websocket"}, HandshakeTimeout: time.Second, WriteTimeout: time.Second,
		})
		assert.NotNil(err)
		_, err = GetDialer("testing", Config{
			Address: "127.0.0.1:1", Transports: []string{"carrier-pigeon"},
			HandshakeTimeout: time.Second, WriteTimeout: time.Second,
		})
		assert.NotNil(err)
		_, err = GetDialer("testing", Config{
			Address: "127.0.0.1:1", Transports: []string{"websocket"}, WriteTimeout: time.Second,
		})
		assert.NotNil(err)
	}

	// Case 1: nothing listening
	{
		uut, err := GetDialer("testing", Config{
			Address: "127.0.0.1:1", Transports: []string{"websocket", "polling"},
			HandshakeTimeout: time.Millisecond * 500, WriteTimeout: time.Second,
		})
		assert.Nil(err)
		_, err = uut.Dial(context.Background())
		assert.NotNil(err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	hubInst, server, stop := testHub(t, true)
	defer stop()

	for _, transport := range []string{TransportWebsocket, TransportPolling} {
		received := make(chan common.Frame, 10)
		replayed := make(chan common.Frame, 10)
		observerConfig := testConfig(server, transport)
		observerConfig.Namespaces = []string{"hook"}
		observerConfig.OnEvent = func(frame common.Frame) {
			if frame.Replay {
				replayed <- frame
				return
			}
			received <- frame
		}
		observerDialer, err := GetDialer("observer", observerConfig)
		assert.Nil(err)
		observer, err := observerDialer.Dial(context.Background())
		assert.Nil(err)
		assert.Equal(transport, observer.Transport())

		producerDialer, err := GetDialer("producer", testConfig(server, transport))
		assert.Nil(err)
		producer, err := producerDialer.Dial(context.Background())
		assert.Nil(err)
		assert.NotEqual(observer.ID(), producer.ID())

		// Case 0: emit through one client, observe on the other
		{
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(producer.Send(ctxt, common.Frame{
				Type: common.FrameEmit, Namespace: "/hook", Event: transport,
				Data: map[string]interface{}{"via": transport},
			}))
			cancel()
			select {
			case frame := <-received:
				assert.Equal(transport, frame.Event)
				assert.Equal("/hook", frame.Namespace)
			case <-time.After(time.Second * 3):
				assert.Failf("event not received", "transport %s", transport)
			}
		}

		// Case 1: events from earlier rounds arrive only as replay
		if transport == TransportPolling {
			select {
			case frame := <-replayed:
				assert.Equal(TransportWebsocket, frame.Event)
			case <-time.After(time.Second):
				assert.Failf("replay not received", "transport %s", transport)
			}
		}

		// Case 2: close
		{
			assert.Nil(producer.Close())
			assert.Nil(observer.Close())
			<-producer.Done()
			assert.Equal(ErrConnectionClosed, producer.Send(context.Background(), common.Frame{
				Type: common.FrameEmit, Namespace: "/hook", Event: "late",
			}))
			assert.Eventually(func() bool {
				return hubInst.ConnectionCount() == 0
			}, time.Second*2, time.Millisecond*10)
		}
	}
}

func TestClientTransportFallback(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	hubInst, server, stop := testHub(t, false)
	defer stop()

	uut, err := GetDialer("testing", testConfig(server, TransportWebsocket, TransportPolling))
	assert.Nil(err)

	// Case 0: websocket unavailable, falls back to long-poll
	conn, err := uut.Dial(context.Background())
	assert.Nil(err)
	assert.Equal(TransportPolling, conn.Transport())
	assert.Equal(1, hubInst.ConnectionCount())

	// Case 1: hub side disconnect ends the connection
	{
		assert.Nil(hubInst.Disconnect(conn.ID(), "testing"))
		select {
		case <-conn.Done():
		case <-time.After(time.Second * 3):
			assert.Fail("connection not closed")
		}
	}
}

func TestClientHeartbeatAck(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	hubInst, server, stop := testHub(t, true)
	defer stop()

	uut, err := GetDialer("testing", testConfig(server, TransportWebsocket))
	assert.Nil(err)
	conn, err := uut.Dial(context.Background())
	assert.Nil(err)
	defer conn.Close()

	// The heartbeat goes out, the client acks it, the watchdog keeps the connection
	base := time.Now()
	assert.Equal(0, hubInst.CheckHeartbeats(base.Add(time.Second*46)))
	time.Sleep(time.Millisecond * 200)
	assert.Equal(0, hubInst.CheckHeartbeats(base.Add(time.Second*70)))
	assert.Equal(1, hubInst.ConnectionCount())
}
