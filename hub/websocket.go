package hub

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// WebsocketTransport serves hub clients over websocket
type WebsocketTransport struct {
	common.Component
	hub       BroadcastHub
	authorize Authorizer
	upgrader  websocket.Upgrader
}

// GetWebsocketTransport define a websocket transport for the hub
func GetWebsocketTransport(hub BroadcastHub, authorize Authorizer) (*WebsocketTransport, error) {
	if authorize == nil {
		authorize = AllowAll
	}
	config := hub.Config()
	logTags := log.Fields{
		"module": "hub", "component": "transport", "instance": TransportWebsocket,
	}
	return &WebsocketTransport{
		Component: common.Component{LogTags: logTags},
		hub:       hub,
		authorize: authorize,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: seconds(config.HandshakeTimeout),
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Dashboards are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrade the request and run the connection until it closes
//
// Requested namespaces are given as repeated "namespace" query parameters.
func (t *WebsocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := t.authorize(r); err != nil {
		log.WithError(err).WithFields(t.LogTags).Info("Handshake rejected")
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(t.LogTags).Error("Websocket upgrade failed")
		return
	}

	config := t.hub.Config()
	sink := newQueueSink(config.SendBuffer)
	info, err := t.hub.Connect(TransportWebsocket, r.URL.Query()["namespace"], sink)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Unable to register connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(seconds(config.WriteTimeout)),
		)
		_ = conn.Close()
		return
	}

	go t.writePump(conn, sink, info.ID)
	t.readPump(conn, sink, info.ID)
}

// readPump process inbound frames. Exits when the connection fails or the peer goes silent for
// longer than the pong timeout.
func (t *WebsocketTransport) readPump(conn *websocket.Conn, sink *queueSink, connID string) {
	config := t.hub.Config()
	pongWait := seconds(config.PongTimeout)
	logTags := t.ChildLogTags(log.Fields{"connection": connID, "remote": conn.RemoteAddr().String()})
	defer func() {
		if err := t.hub.Disconnect(connID, "transport closed"); err != nil && !errors.Is(err, ErrUnknownConnection) {
			log.WithError(err).WithFields(logTags).Error("Disconnect failed")
		}
		_ = conn.Close()
	}()

	conn.SetReadLimit(config.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = t.hub.Touch(connID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Client pings count as activity too
	conn.SetPingHandler(func(appData string) error {
		_ = t.hub.Touch(connID)
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		err := conn.WriteControl(
			websocket.PongMessage, []byte(appData), time.Now().Add(seconds(config.WriteTimeout)),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				log.WithFields(logTags).Errorf("Inbound frame exceeds %d bytes", config.MaxFrameSize)
			case websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			):
				log.WithError(err).WithFields(logTags).Error("Websocket read failed")
			default:
				log.WithError(err).WithFields(logTags).Debug("Websocket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := common.DecodeFrame(message)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Malformed inbound frame")
			_ = t.hub.Touch(connID)
			replyError(sink, err)
			continue
		}
		if err := t.hub.HandleFrame(connID, frame); err != nil {
			if errors.Is(err, ErrUnknownConnection) {
				return
			}
			replyError(sink, err)
		}
	}
}

// writePump the single writer of the connection. Sends queued frames and transport pings.
func (t *WebsocketTransport) writePump(conn *websocket.Conn, sink *queueSink, connID string) {
	config := t.hub.Config()
	writeWait := seconds(config.WriteTimeout)
	logTags := t.ChildLogTags(log.Fields{"connection": connID})
	ticker := time.NewTicker(seconds(config.PingInterval))
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-sink.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(logTags).Error("Websocket write failed")
				return
			}

		case <-sink.closed:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(logTags).Error("Websocket ping failed")
				return
			}
		}
	}
}

// replyError queue an error frame back to the client
func replyError(sink Sink, err error) {
	raw, encodeErr := common.EncodeFrame(common.Frame{Type: common.FrameError, Message: err.Error()})
	if encodeErr != nil {
		return
	}
	sink.Deliver(raw)
}
