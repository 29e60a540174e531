package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// websocketConnection implements Connection over websocket
type websocketConnection struct {
	common.Component
	id        string
	conn      *websocket.Conn
	config    Config
	pongWait  time.Duration
	writeLock sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func dialWebsocket(ctxt context.Context, config Config, logTags log.Fields) (Connection, error) {
	target := url.URL{Scheme: "ws", Host: config.Address, Path: "/ws"}
	query := target.Query()
	for _, namespace := range config.Namespaces {
		query.Add("namespace", namespace)
	}
	target.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctxt, target.String(), nil)
	if err != nil {
		return nil, err
	}

	// The hub answers with its handshake ack before anything else
	if deadline, ok := ctxt.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := expectHandshake(raw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	client := &websocketConnection{
		Component: common.Component{LogTags: common.Component{LogTags: logTags}.ChildLogTags(
			log.Fields{"connection": ack.ID, "transport": TransportWebsocket},
		)},
		id:     ack.ID,
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}
	if ack.Keepalive != nil && ack.Keepalive.PongTimeout > 0 {
		pongWait := ack.Keepalive.PongTimeout
		client.pongWait = pongWait
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			client.writeLock.Lock()
			defer client.writeLock.Unlock()
			return conn.WriteControl(
				websocket.PongMessage, []byte(appData), time.Now().Add(config.WriteTimeout),
			)
		})
	}
	go client.readLoop()
	return client, nil
}

func (c *websocketConnection) ID() string {
	return c.id
}

func (c *websocketConnection) Transport() string {
	return TransportWebsocket
}

func (c *websocketConnection) Done() <-chan struct{} {
	return c.done
}

// Send write one frame to the hub
func (c *websocketConnection) Send(ctxt context.Context, frame common.Frame) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	raw, err := common.EncodeFrame(frame)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.config.WriteTimeout)
	if ctxtDeadline, ok := ctxt.Deadline(); ok && ctxtDeadline.Before(deadline) {
		deadline = ctxtDeadline
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to send %s", frame)
		c.shutdown()
		return err
	}
	return nil
}

// Close close the connection
func (c *websocketConnection) Close() error {
	c.writeLock.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.config.WriteTimeout),
	)
	c.writeLock.Unlock()
	c.shutdown()
	return nil
}

func (c *websocketConnection) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
	})
}

// readLoop answer heartbeats and hand event frames to the handler
func (c *websocketConnection) readLoop() {
	defer c.shutdown()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).WithFields(c.LogTags).Error("Hub connection lost")
			} else {
				log.WithError(err).WithFields(c.LogTags).Debug("Hub connection closed")
			}
			return
		}
		if c.pongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		frame, err := common.DecodeFrame(raw)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Malformed frame from hub")
			continue
		}
		handleInbound(c, frame, c.config.OnEvent, c.LogTags)
	}
}

// handleInbound common processing of frames received from the hub
func handleInbound(conn Connection, frame common.Frame, onEvent FrameHandler, logTags log.Fields) {
	switch frame.Type {
	case common.FrameHeartbeat:
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := conn.Send(
			ctxt, common.Frame{Type: common.FrameHeartbeatAck, ID: frame.ID},
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to ack heartbeat")
		}
	case common.FrameEvent:
		if onEvent != nil {
			onEvent(frame)
		}
	case common.FrameError:
		log.WithFields(logTags).Errorf("Hub reported error: %s", frame.Message)
	}
}
