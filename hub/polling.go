package hub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
)

// pollSession one long-poll client
type pollSession struct {
	id   string
	sink *queueSink
}

// PollingTransport serves hub clients which cannot hold a websocket, over HTTP long-poll.
//
// A session expires when it is not polled within the pong timeout.
type PollingTransport struct {
	common.Component
	hub       BroadcastHub
	authorize Authorizer
	sessions  *ttlcache.Cache[string, *pollSession]
	pollWait  time.Duration
}

// GetPollingTransport define a long-poll transport for the hub
func GetPollingTransport(hub BroadcastHub, authorize Authorizer) (*PollingTransport, error) {
	if authorize == nil {
		authorize = AllowAll
	}
	config := hub.Config()
	logTags := log.Fields{
		"module": "hub", "component": "transport", "instance": TransportPolling,
	}
	sessions := ttlcache.New[string, *pollSession](
		ttlcache.WithTTL[string, *pollSession](seconds(config.PongTimeout)),
	)
	transport := &PollingTransport{
		Component: common.Component{LogTags: logTags},
		hub:       hub,
		authorize: authorize,
		sessions:  sessions,
		pollWait:  seconds(config.PingInterval),
	}
	sessions.OnEviction(func(
		_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pollSession],
	) {
		cause := "session closed"
		if reason == ttlcache.EvictionReasonExpired {
			cause = "poll timeout"
		}
		item.Value().sink.Close()
		if err := hub.Disconnect(item.Key(), cause); err != nil && !errors.Is(err, ErrUnknownConnection) {
			log.WithError(err).WithFields(logTags).Error("Disconnect failed")
		}
	})
	return transport, nil
}

// Start run session expiry until Stop
func (t *PollingTransport) Start() {
	go t.sessions.Start()
}

// Stop end session expiry and close every session
func (t *PollingTransport) Stop() {
	t.sessions.Stop()
	t.sessions.DeleteAll()
}

// SessionCount number of open long-poll sessions
func (t *PollingTransport) SessionCount() int {
	return t.sessions.Len()
}

// Handshake open a session
//
// The optional body is a handshake frame listing the requested namespaces. The response is the
// handshake ack. Replayed history is returned by the first poll.
func (t *PollingTransport) Handshake(w http.ResponseWriter, r *http.Request) {
	if err := t.authorize(r); err != nil {
		log.WithError(err).WithFields(t.LogTags).Info("Handshake rejected")
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	config := t.hub.Config()

	namespaces := r.URL.Query()["namespace"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxFrameSize))
	if err != nil {
		writeBodyError(w, err)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		request, err := common.DecodeFrame(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		namespaces = append(namespaces, request.Namespaces...)
	}

	sink := newQueueSink(config.SendBuffer)
	info, err := t.hub.Connect(TransportPolling, namespaces, sink)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Unable to register connection")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	t.sessions.Set(info.ID, &pollSession{id: info.ID, sink: sink}, ttlcache.DefaultTTL)

	// The ack is always the first queued frame
	var ack []byte
	select {
	case ack = <-sink.queue:
	default:
		t.sessions.Delete(info.ID)
		http.Error(w, "handshake ack missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ack)
}

// Poll wait for queued frames and return them as a JSON array
func (t *PollingTransport) Poll(w http.ResponseWriter, r *http.Request) {
	session, ok := t.lookup(w, r)
	if !ok {
		return
	}
	_ = t.hub.Touch(session.id)

	frames := make([][]byte, 0)
	waitTimer := time.NewTimer(t.pollWait)
	defer waitTimer.Stop()
	select {
	case frame := <-session.sink.queue:
		frames = append(frames, frame)
	case <-session.sink.closed:
	case <-waitTimer.C:
	case <-r.Context().Done():
		return
	}
	// Drain whatever else is ready
	for draining := true; draining; {
		select {
		case frame := <-session.sink.queue:
			frames = append(frames, frame)
		default:
			draining = false
		}
	}

	if len(frames) == 0 && session.sink.isClosed() {
		t.sessions.Delete(session.id)
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(append([]byte("["), bytes.Join(frames, []byte(","))...), ']'))
}

// Send accept one frame, or a JSON array of frames, from the client
func (t *PollingTransport) Send(w http.ResponseWriter, r *http.Request) {
	session, ok := t.lookup(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.hub.Config().MaxFrameSize))
	if err != nil {
		writeBodyError(w, err)
		return
	}

	var frames []common.Frame
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		frame, err := common.DecodeFrame(trimmed)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frames = []common.Frame{frame}
	}

	for _, frame := range frames {
		if err := t.hub.HandleFrame(session.id, frame); err != nil {
			if errors.Is(err, ErrUnknownConnection) {
				t.sessions.Delete(session.id)
				http.Error(w, err.Error(), http.StatusGone)
				return
			}
			replyError(session.sink, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Close end a session
func (t *PollingTransport) Close(w http.ResponseWriter, r *http.Request) {
	session, ok := t.lookup(w, r)
	if !ok {
		return
	}
	t.sessions.Delete(session.id)
	w.WriteHeader(http.StatusNoContent)
}

// lookup find the session named by the request path, refreshing its expiry
func (t *PollingTransport) lookup(w http.ResponseWriter, r *http.Request) (*pollSession, bool) {
	sessionID, ok := mux.Vars(r)["sessionID"]
	if !ok {
		http.Error(w, "session ID missing", http.StatusBadRequest)
		return nil, false
	}
	item := t.sessions.Get(sessionID)
	if item == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false
	}
	return item.Value(), true
}

// writeBodyError reply to a failed body read
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, ErrFrameTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
