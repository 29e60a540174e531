package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/agentbus/client"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/hub"
	"github.com/apex/log"
)

// ErrNotConnected the forwarder has no live connection to the hub
var ErrNotConnected = fmt.Errorf("not connected to hub")

// Forwarder delivers relayed events to the broadcast hub
type Forwarder interface {
	// Forward deliver one event
	Forward(ctxt context.Context, namespace, eventName string, payload interface{}) error
	// IsConnected whether the hub is currently reachable
	IsConnected() bool
	// Start begin any background work
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Stop end any background work
	Stop() error
}

// ===============================================================================
// Co-located hub

// localForwarder calls into a hub in the same process
type localForwarder struct {
	hub hub.BroadcastHub
}

// GetLocalForwarder define a forwarder for a hub in the same process
func GetLocalForwarder(target hub.BroadcastHub) (Forwarder, error) {
	if target == nil {
		return nil, fmt.Errorf("hub is required")
	}
	return &localForwarder{hub: target}, nil
}

func (f *localForwarder) Forward(
	_ context.Context, namespace, eventName string, payload interface{},
) error {
	return f.hub.Emit(namespace, eventName, payload)
}

func (f *localForwarder) IsConnected() bool {
	return f.hub.GetStats().Running
}

func (f *localForwarder) Start(_ context.Context, _ *sync.WaitGroup) error {
	return nil
}

func (f *localForwarder) Stop() error {
	return nil
}

// ===============================================================================
// Remote hub

// remoteForwarder holds a managed client connection to a remote hub
type remoteForwarder struct {
	common.Component
	dialer    client.Dialer
	reconnect common.ReconnectConfig

	lock      sync.RWMutex
	conn      client.Connection
	stopLoop  context.CancelFunc
	loopEnded chan struct{}
}

// GetRemoteForwarder define a forwarder holding a connection to a remote hub
func GetRemoteForwarder(
	instance string, dialer client.Dialer, reconnect common.ReconnectConfig,
) (Forwarder, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if reconnect.InitialWait < 1 || reconnect.MaxWait < reconnect.InitialWait {
		return nil, fmt.Errorf("invalid reconnect config %+v", reconnect)
	}
	logTags := log.Fields{
		"module": "relay", "component": "remote-forwarder", "instance": instance,
	}
	return &remoteForwarder{
		Component: common.Component{LogTags: logTags},
		dialer:    dialer,
		reconnect: reconnect,
	}, nil
}

func (f *remoteForwarder) Forward(
	ctxt context.Context, namespace, eventName string, payload interface{},
) error {
	f.lock.RLock()
	conn := f.conn
	f.lock.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctxt, common.Frame{
		Type: common.FrameEmit, Namespace: namespace, Event: eventName, Data: payload,
	})
}

func (f *remoteForwarder) IsConnected() bool {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.conn != nil
}

// Start launch the connection supervisor
func (f *remoteForwarder) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.stopLoop != nil {
		return fmt.Errorf("already started")
	}
	loopCtxt, cancel := context.WithCancel(ctxt)
	f.stopLoop = cancel
	f.loopEnded = make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(f.loopEnded)
		f.supervise(loopCtxt)
	}()
	return nil
}

// Stop end the supervisor and close the connection
func (f *remoteForwarder) Stop() error {
	f.lock.Lock()
	stop := f.stopLoop
	ended := f.loopEnded
	f.stopLoop = nil
	f.lock.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	<-ended
	return nil
}

// supervise keep a connection up, reconnecting with bounded exponential backoff
func (f *remoteForwarder) supervise(ctxt context.Context) {
	backoff := common.NewBackoff(f.reconnect)
	defer log.WithFields(f.LogTags).Debug("Connection supervisor exiting")
	for ctxt.Err() == nil {
		conn, err := f.dialer.Dial(ctxt)
		if err != nil {
			wait, ok := backoff.Next()
			if !ok {
				log.WithError(err).WithFields(f.LogTags).Errorf(
					"Giving up on hub after %d attempts", backoff.Attempts(),
				)
				return
			}
			log.WithError(err).WithFields(f.LogTags).Infof(
				"Hub unreachable, retry #%d in %s", backoff.Attempts(), wait.Round(time.Millisecond),
			)
			select {
			case <-ctxt.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		backoff.Reset()
		f.setConnection(conn)
		select {
		case <-ctxt.Done():
			f.setConnection(nil)
			_ = conn.Close()
			return
		case <-conn.Done():
			f.setConnection(nil)
			log.WithFields(f.LogTags).WithField("connection", conn.ID()).Error("Lost hub connection")
		}
	}
}

func (f *remoteForwarder) setConnection(conn client.Connection) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.conn = conn
}
