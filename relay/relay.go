// Package relay forwards events from the in-process bus to the broadcast hub.
package relay

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/agentbus/bus"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/topics"
	"github.com/apex/log"
)

// Stats relay counters snapshot
type Stats struct {
	// EventsRelayed is the number of events delivered to the hub
	EventsRelayed uint64 `json:"events_relayed"`
	// EventsFailed is the number of events dropped on a forwarding failure or a full queue
	EventsFailed uint64 `json:"events_failed"`
	// EventsFiltered is the number of events ignored while the relay was disabled
	EventsFiltered uint64 `json:"events_filtered"`
	// Connected whether the hub is reachable
	Connected bool `json:"connected"`
	// Enabled whether the relay is forwarding
	Enabled bool `json:"enabled"`
}

// Relay bridges the event bus to the broadcast hub
type Relay interface {
	// Enable resume forwarding
	Enable()
	// Disable stop forwarding. Matching events are counted as filtered.
	Disable()
	// IsEnabled whether the relay is forwarding
	IsEnabled() bool
	// SetDebug log every relay-forward
	SetDebug(debug bool)
	// Start subscribe to the bus and start forwarding
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Stop unsubscribe from the bus and stop forwarding
	Stop() error
	// GetStats snapshot the counters
	GetStats() Stats
}

// forwardRequest one event queued for the forwarding worker
type forwardRequest struct {
	route topics.Route
	event bus.Event
}

// relayImpl implements Relay
type relayImpl struct {
	common.Component
	config    common.RelayConfig
	eventBus  bus.EventBus
	forwarder Forwarder

	lock          sync.Mutex
	running       bool
	subscriptions []bus.Subscription
	worker        common.TaskProcessor
	// lastSequence last bus sequence handed to the worker. Only touched inside bus dispatch.
	lastSequence uint64

	enabled  atomic.Bool
	debug    atomic.Bool
	relayed  atomic.Uint64
	failed   atomic.Uint64
	filtered atomic.Uint64
}

// GetRelay define a new relay
func GetRelay(
	instance string, config common.RelayConfig, eventBus bus.EventBus, forwarder Forwarder,
) (Relay, error) {
	if eventBus == nil || forwarder == nil {
		return nil, fmt.Errorf("event bus and forwarder are required")
	}
	if len(config.TopicPrefixes) == 0 {
		return nil, fmt.Errorf("at least one topic prefix is required")
	}
	if config.WorkerQueue < 1 || config.WriteTimeout < 1 {
		return nil, fmt.Errorf("worker queue and write timeout must be positive")
	}
	logTags := log.Fields{
		"module": "relay", "component": "relay", "instance": instance,
	}
	relay := &relayImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		eventBus:  eventBus,
		forwarder: forwarder,
	}
	relay.enabled.Store(config.Enabled)
	relay.debug.Store(config.Debug)
	return relay, nil
}

func (r *relayImpl) Enable() {
	r.enabled.Store(true)
	log.WithFields(r.LogTags).Info("Relay enabled")
}

func (r *relayImpl) Disable() {
	r.enabled.Store(false)
	log.WithFields(r.LogTags).Info("Relay disabled")
}

func (r *relayImpl) IsEnabled() bool {
	return r.enabled.Load()
}

func (r *relayImpl) SetDebug(debug bool) {
	r.debug.Store(debug)
}

// Start subscribe to the bus and start forwarding
func (r *relayImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.running {
		return nil
	}

	worker, err := common.GetNewTaskProcessorInstance("relay-forward", r.config.WorkerQueue, ctxt)
	if err != nil {
		return err
	}
	if err := worker.AddToTaskExecutionMap(
		reflect.TypeOf(forwardRequest{}), r.processForwardRequest,
	); err != nil {
		return err
	}
	if err := r.forwarder.Start(ctxt, wg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start forwarder")
		return err
	}
	if err := worker.StartEventLoop(wg); err != nil {
		_ = r.forwarder.Stop()
		return err
	}

	subscriptions := make([]bus.Subscription, 0, len(r.config.TopicPrefixes))
	for _, prefix := range r.config.TopicPrefixes {
		sub, err := r.eventBus.Subscribe(prefix, r.onEvent)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to subscribe to '%s'", prefix)
			for _, registered := range subscriptions {
				_ = r.eventBus.Unsubscribe(registered)
			}
			_ = worker.StopEventLoop()
			_ = r.forwarder.Stop()
			return err
		}
		subscriptions = append(subscriptions, sub)
	}

	r.worker = worker
	r.subscriptions = subscriptions
	r.running = true
	log.WithFields(r.LogTags).Infof("Relay started on %v", r.config.TopicPrefixes)
	return nil
}

// Stop unsubscribe from the bus and stop forwarding
func (r *relayImpl) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.running {
		return nil
	}
	for _, sub := range r.subscriptions {
		if err := r.eventBus.Unsubscribe(sub); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
		}
	}
	r.subscriptions = nil
	_ = r.worker.StopEventLoop()
	r.running = false
	log.WithFields(r.LogTags).Info("Relay stopped")
	return r.forwarder.Stop()
}

// onEvent bus handler. Never blocks: the event is handed to the forwarding worker.
func (r *relayImpl) onEvent(evt bus.Event) error {
	// Overlapping prefixes deliver the same event more than once
	if evt.Sequence != 0 && evt.Sequence == r.lastSequence {
		return nil
	}
	r.lastSequence = evt.Sequence

	if !r.enabled.Load() {
		r.filtered.Add(1)
		return nil
	}
	request := forwardRequest{route: topics.MapTopic(evt.Topic), event: evt}

	r.lock.Lock()
	worker := r.worker
	r.lock.Unlock()
	if worker == nil {
		r.failed.Add(1)
		return nil
	}
	if err := worker.TrySubmit(request); err != nil {
		r.failed.Add(1)
		log.WithError(err).WithFields(r.LogTags).WithField("topic", evt.Topic).Error(
			"Dropping event, forwarding queue unavailable",
		)
	}
	return nil
}

// processForwardRequest runs on the forwarding worker
func (r *relayImpl) processForwardRequest(param interface{}) error {
	request, ok := param.(forwardRequest)
	if !ok {
		return fmt.Errorf("unexpected task param %T", param)
	}
	ctxt, cancel := context.WithTimeout(
		context.Background(), time.Millisecond*time.Duration(r.config.WriteTimeout),
	)
	defer cancel()

	logFields := log.Fields{
		"topic":     request.event.Topic,
		"sequence":  request.event.Sequence,
		"namespace": request.route.Namespace,
		"event":     request.route.EventName,
	}
	if err := r.forwarder.Forward(
		ctxt, request.route.Namespace, request.route.EventName, request.event.Payload,
	); err != nil {
		r.failed.Add(1)
		log.WithError(err).WithFields(r.LogTags).WithFields(logFields).Error("Relay-forward failed")
		return nil
	}
	r.relayed.Add(1)
	if r.debug.Load() {
		log.WithFields(r.LogTags).WithFields(logFields).Info("Relay-forward")
	}
	return nil
}

// GetStats snapshot the counters
func (r *relayImpl) GetStats() Stats {
	return Stats{
		EventsRelayed:  r.relayed.Load(),
		EventsFailed:   r.failed.Load(),
		EventsFiltered: r.filtered.Load(),
		Connected:      r.forwarder.IsConnected(),
		Enabled:        r.enabled.Load(),
	}
}
