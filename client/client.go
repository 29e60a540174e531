// Package client connects producers to a remote broadcast hub, trying each configured transport
// in order.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrConnectionClosed the connection to the hub is gone
var ErrConnectionClosed = fmt.Errorf("hub connection closed")

// Transport names
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// FrameHandler called with each event frame received from the hub
type FrameHandler func(frame common.Frame)

// Config hub client parameters
type Config struct {
	// Address is the hub "host:port"
	Address string `validate:"required"`
	// Transports is the ordered transport fallback list
	Transports []string `validate:"required,min=1,dive,oneof=websocket polling"`
	// Namespaces are the namespaces to join in addition to the default one
	Namespaces []string
	// HandshakeTimeout bounds one connection attempt, across all transports
	HandshakeTimeout time.Duration `validate:"gt=0"`
	// WriteTimeout bounds one Send
	WriteTimeout time.Duration `validate:"gt=0"`
	// OnEvent optional handler of inbound event frames
	OnEvent FrameHandler `validate:"-"`
}

// Connection one established connection to the hub
type Connection interface {
	// ID the hub assigned connection ID
	ID() string
	// Transport the transport in use
	Transport() string
	// Send write one frame to the hub
	Send(ctxt context.Context, frame common.Frame) error
	// Done closed once the connection is lost or closed
	Done() <-chan struct{}
	// Close close the connection
	Close() error
}

// Dialer opens connections to the hub
type Dialer interface {
	// Dial connect with the first transport that completes its handshake
	Dial(ctxt context.Context) (Connection, error)
}

// dialerImpl implements Dialer
type dialerImpl struct {
	common.Component
	config Config
}

// GetDialer define a new hub dialer
func GetDialer(instance string, config Config) (Dialer, error) {
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "client", "component": "hub-dialer", "instance": instance,
	}
	return &dialerImpl{Component: common.Component{LogTags: logTags}, config: config}, nil
}

// Dial connect with the first transport that completes its handshake
func (d *dialerImpl) Dial(ctxt context.Context) (Connection, error) {
	dialCtxt, cancel := context.WithTimeout(ctxt, d.config.HandshakeTimeout)
	defer cancel()

	var lastErr error
	for _, transport := range d.config.Transports {
		var conn Connection
		var err error
		switch transport {
		case TransportWebsocket:
			conn, err = dialWebsocket(dialCtxt, d.config, d.LogTags)
		case TransportPolling:
			conn, err = dialPolling(dialCtxt, d.config, d.LogTags)
		}
		if err == nil {
			log.WithFields(d.LogTags).WithFields(log.Fields{
				"connection": conn.ID(), "transport": transport, "hub": d.config.Address,
			}).Info("Connected to hub")
			return conn, nil
		}
		log.WithError(err).WithFields(d.LogTags).Debugf(
			"Transport %s failed against %s", transport, d.config.Address,
		)
		lastErr = err
		if dialCtxt.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("unable to connect to hub %s: %w", d.config.Address, lastErr)
}

// expectHandshake check the first frame from the hub
func expectHandshake(raw []byte) (common.Frame, error) {
	ack, err := common.DecodeFrame(raw)
	if err != nil {
		return common.Frame{}, err
	}
	if ack.Type != common.FrameHandshake || ack.ID == "" {
		return common.Frame{}, fmt.Errorf("expected handshake, got %s", ack)
	}
	return ack, nil
}
