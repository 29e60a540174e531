package hub

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func newTransportTestServer(t *testing.T, uut BroadcastHub, authorize Authorizer) (
	*httptest.Server, *PollingTransport,
) {
	wsTransport, err := GetWebsocketTransport(uut, authorize)
	assert.Nil(t, err)
	pollTransport, err := GetPollingTransport(uut, authorize)
	assert.Nil(t, err)
	pollTransport.Start()

	router := mux.NewRouter()
	router.Handle("/ws", wsTransport).Methods("GET")
	router.HandleFunc("/poll/handshake", pollTransport.Handshake).Methods("POST")
	router.HandleFunc("/poll/{sessionID}", pollTransport.Poll).Methods("GET")
	router.HandleFunc("/poll/{sessionID}", pollTransport.Send).Methods("POST")
	router.HandleFunc("/poll/{sessionID}", pollTransport.Close).Methods("DELETE")
	return httptest.NewServer(router), pollTransport
}

func readFrame(t *testing.T, conn *websocket.Conn) common.Frame {
	assert.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*2)))
	_, msg, err := conn.ReadMessage()
	assert.Nil(t, err)
	frame, err := common.DecodeFrame(msg)
	assert.Nil(t, err)
	return frame
}

func TestWebsocketTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, stop := startTestHub(t, testHubConfig())
	defer stop()
	server, polling := newTransportTestServer(t, uut, nil)
	defer server.Close()
	defer polling.Stop()

	assert.Nil(uut.Emit("/hook", "before", nil))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
	observer, _, err := dialer.Dial(wsURL+"?namespace=hook", nil)
	assert.Nil(err)
	defer observer.Close()

	// Case 0: handshake then replay
	{
		ack := readFrame(t, observer)
		assert.Equal(common.FrameHandshake, ack.Type)
		assert.Equal([]string{"/", "/hook"}, ack.Namespaces)
		replayed := readFrame(t, observer)
		assert.Equal("before", replayed.Event)
		assert.True(replayed.Replay)
	}

	producer, _, err := dialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer producer.Close()
	assert.Equal(common.FrameHandshake, readFrame(t, producer).Type)

	// Case 1: emit from a client reaches the observer
	{
		raw, err := common.EncodeFrame(common.Frame{
			Type: common.FrameEmit, Namespace: "/hook", Event: "PreToolUse",
			Data: map[string]interface{}{"tool_name": "Read"},
		})
		assert.Nil(err)
		assert.Nil(producer.WriteMessage(websocket.TextMessage, raw))
		frame := readFrame(t, observer)
		assert.Equal(common.FrameEvent, frame.Type)
		assert.Equal("PreToolUse", frame.Event)
		assert.False(frame.Replay)
		assert.Equal("Read", frame.Data.(map[string]interface{})["tool_name"])
	}

	// Case 2: malformed frame gets an error reply, connection stays up
	{
		assert.Nil(producer.WriteMessage(websocket.TextMessage, []byte("{not json")))
		frame := readFrame(t, producer)
		assert.Equal(common.FrameError, frame.Type)
		assert.Equal(2, uut.ConnectionCount())
	}

	// Case 3: client close removes the connection
	{
		assert.Nil(producer.WriteMessage(
			websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		))
		assert.Eventually(func() bool {
			return uut.ConnectionCount() == 1
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 4: hub side disconnect closes the socket
	{
		connections := uut.Connections()
		assert.Len(connections, 1)
		assert.Nil(uut.Disconnect(connections[0].ID, "testing"))
		assert.Nil(observer.SetReadDeadline(time.Now().Add(time.Second * 2)))
		for {
			if _, _, err := observer.ReadMessage(); err != nil {
				assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
				break
			}
		}
	}
}

func TestWebsocketClientPingTouches(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, stop := startTestHub(t, testHubConfig())
	defer stop()
	server, polling := newTransportTestServer(t, uut, nil)
	defer server.Close()
	defer polling.Stop()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
	client, _, err := dialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer client.Close()
	assert.Equal(common.FrameHandshake, readFrame(t, client).Type)

	connections := uut.Connections()
	assert.Len(connections, 1)
	before := connections[0].LastSeenAt

	time.Sleep(time.Millisecond * 200)
	assert.Nil(client.WriteControl(
		websocket.PingMessage, []byte("keepalive"), time.Now().Add(time.Second),
	))

	// Case 0: inbound ping advances last seen
	assert.Eventually(func() bool {
		connections := uut.Connections()
		return len(connections) == 1 && connections[0].LastSeenAt.After(before)
	}, time.Second*2, time.Millisecond*10)

	// Case 1: the ping is answered with a pong carrying the same data
	{
		pong := make(chan string, 1)
		client.SetPongHandler(func(appData string) error {
			select {
			case pong <- appData:
			default:
			}
			return nil
		})
		go func() {
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()
		assert.Nil(client.WriteControl(
			websocket.PingMessage, []byte("again"), time.Now().Add(time.Second),
		))
		select {
		case appData := <-pong:
			assert.Contains([]string{"keepalive", "again"}, appData)
		case <-time.After(time.Second * 2):
			assert.False(true, "pong not received")
		}
	}
}

func TestTransportAuthorizer(t *testing.T) {
	assert := assert.New(t)

	uut, stop := startTestHub(t, testHubConfig())
	defer stop()
	server, polling := newTransportTestServer(t, uut, func(r *http.Request) error {
		if r.Header.Get("Authorization") != "letmein" {
			return fmt.Errorf("not allowed")
		}
		return nil
	})
	defer server.Close()
	defer polling.Stop()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	// Case 0: websocket rejected
	{
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
	}

	// Case 1: long-poll rejected
	{
		resp, err := http.Post(server.URL+"/poll/handshake", "application/json", nil)
		assert.Nil(err)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 2: accepted with credentials
	{
		header := http.Header{}
		header.Set("Authorization", "letmein")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		assert.Nil(err)
		assert.Equal(common.FrameHandshake, readFrame(t, conn).Type)
		_ = conn.Close()
	}
}

func pollFrames(t *testing.T, url string) (int, []common.Frame) {
	resp, err := http.Get(url)
	assert.Nil(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.Nil(t, err)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var frames []common.Frame
	assert.Nil(t, json.Unmarshal(body, &frames))
	return resp.StatusCode, frames
}

func TestPollingTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, stop := startTestHub(t, testHubConfig())
	defer stop()
	server, polling := newTransportTestServer(t, uut, nil)
	defer server.Close()
	defer polling.Stop()

	assert.Nil(uut.Emit("/system", "boot", nil))

	// Case 0: handshake
	var sessionID string
	{
		request, err := common.EncodeFrame(common.Frame{
			Type: common.FrameHandshake, Namespaces: []string{"system"},
		})
		assert.Nil(err)
		resp, err := http.Post(server.URL+"/poll/handshake", "application/json", bytes.NewReader(request))
		assert.Nil(err)
		body, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		ack, err := common.DecodeFrame(body)
		assert.Nil(err)
		assert.Equal(common.FrameHandshake, ack.Type)
		assert.Equal([]string{"/", "/system"}, ack.Namespaces)
		sessionID = ack.ID
		assert.Equal(1, polling.SessionCount())
	}

	sessionURL := server.URL + "/poll/" + sessionID

	// Case 1: first poll returns the replay
	{
		status, frames := pollFrames(t, sessionURL)
		assert.Equal(http.StatusOK, status)
		assert.Len(frames, 1)
		assert.Equal("boot", frames[0].Event)
		assert.True(frames[0].Replay)
	}

	// Case 2: send a batch, then poll it back
	{
		raw, err := json.Marshal([]common.Frame{
			{Type: common.FrameEmit, Namespace: "/system", Event: "one"},
			{Type: common.FrameEmit, Namespace: "/system", Event: "two"},
		})
		assert.Nil(err)
		resp, err := http.Post(sessionURL, "application/json", bytes.NewReader(raw))
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusNoContent, resp.StatusCode)

		status, frames := pollFrames(t, sessionURL)
		assert.Equal(http.StatusOK, status)
		assert.Equal([]string{"one", "two"}, eventNames(frames))
	}

	// Case 3: malformed send
	{
		resp, err := http.Post(sessionURL, "application/json", strings.NewReader("{bad"))
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	// Case 4: unknown session
	{
		status, _ := pollFrames(t, server.URL+"/poll/nobody")
		assert.Equal(http.StatusNotFound, status)
	}

	// Case 5: close the session
	{
		req, err := http.NewRequest(http.MethodDelete, sessionURL, nil)
		assert.Nil(err)
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusNoContent, resp.StatusCode)
		assert.Eventually(func() bool {
			return uut.ConnectionCount() == 0
		}, time.Second*2, time.Millisecond*10)
		status, _ := pollFrames(t, sessionURL)
		assert.Equal(http.StatusNotFound, status)
	}
}

func TestPollingSessionExpiry(t *testing.T) {
	assert := assert.New(t)

	config := testHubConfig()
	config.PingInterval = 1
	config.PongTimeout = 2
	uut, stop := startTestHub(t, config)
	defer stop()
	server, polling := newTransportTestServer(t, uut, nil)
	defer server.Close()
	defer polling.Stop()

	resp, err := http.Post(server.URL+"/poll/handshake", "application/json", nil)
	assert.Nil(err)
	_ = resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(1, uut.ConnectionCount())

	// Not polled within the pong timeout
	assert.Eventually(func() bool {
		return uut.ConnectionCount() == 0
	}, time.Second*5, time.Millisecond*50)
	assert.Equal(0, polling.SessionCount())
}
