// Package bus is the in-process publish / subscribe event bus every producer publishes through.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrUnknownSubscription the subscription is not registered with the bus
var ErrUnknownSubscription = fmt.Errorf("unknown subscription")

// Event one message in flight on the bus
type Event struct {
	// Topic is the dot-hierarchical topic, e.g. "hook.PreToolUse"
	Topic string `json:"topic"`
	// Payload is the event payload. Subscribers share it and must treat it as read-only.
	Payload map[string]interface{} `json:"payload"`
	// Sequence is the bus assigned sequence number, strictly increasing from 1
	Sequence uint64 `json:"sequence"`
	// Timestamp is when the bus accepted the event
	Timestamp time.Time `json:"timestamp"`
	// SourceID identifies the producer
	SourceID string `json:"source_id"`
}

// Handler processes one event. Errors and panics are contained by the bus.
type Handler func(evt Event) error

// Subscription handle of one bus registration
type Subscription struct {
	// ID is the subscription ID
	ID string `json:"id"`
	// Pattern is the topic pattern the subscription matches against
	Pattern string `json:"pattern"`
	// CreatedAt is when the subscription was registered
	CreatedAt time.Time `json:"created_at"`
}

// Stats bus counters snapshot
type Stats struct {
	// Published is the number of events sequenced and dispatched
	Published uint64 `json:"events_published"`
	// Filtered is the number of published events no subscription matched
	Filtered uint64 `json:"events_filtered"`
	// Dispatched is the number of successful handler invocations
	Dispatched uint64 `json:"events_dispatched"`
	// HandlerErrors is the number of handler invocations which failed or panicked
	HandlerErrors uint64 `json:"handler_errors"`
	// Dropped is the number of publishes made while the bus was disabled
	Dropped uint64 `json:"events_dropped"`
	// LastSequence is the last sequence number handed out
	LastSequence uint64 `json:"last_sequence"`
	// Subscriptions is the number of active subscriptions
	Subscriptions int `json:"subscriptions"`
	// Enabled whether the bus is enabled
	Enabled bool `json:"enabled"`
}

// EventBus in-process publish / subscribe hub
type EventBus interface {
	// Publish publish an event from the bus's own source ID.
	//
	// Returns false without side effects when the bus is disabled. Otherwise the event is given
	// the next sequence number and every matching handler is called in registration order before
	// Publish returns. Handlers must not call Publish themselves.
	Publish(topic string, payload map[string]interface{}) bool
	// PublishFrom same as Publish with an explicit source ID
	PublishFrom(sourceID, topic string, payload map[string]interface{}) bool
	// Subscribe register a handler for topics matching pattern
	Subscribe(pattern string, handler Handler) (Subscription, error)
	// Unsubscribe remove a registration
	Unsubscribe(sub Subscription) error
	// GetStats snapshot the counters
	GetStats() Stats
	// SetEnabled enable or disable dispatch
	SetEnabled(enabled bool)
	// IsEnabled whether dispatch is enabled
	IsEnabled() bool
	// SetDebug log every publish and dispatch
	SetDebug(debug bool)
	// Reset drop all subscriptions, zero the counters and restart the sequence.
	Reset()
}

// subscriptionEntry internal state of one subscription
type subscriptionEntry struct {
	Subscription
	matcher topicPattern
	handler Handler
}

// eventBusImpl implements EventBus
type eventBusImpl struct {
	common.Component
	instanceID string
	// publishLock serializes sequence assignment and dispatch, giving one global order
	publishLock sync.Mutex
	sequence    uint64
	// subLock protects the subscription table
	subLock       sync.RWMutex
	subscriptions []*subscriptionEntry

	lastSequence  atomic.Uint64
	enabled       atomic.Bool
	debug         atomic.Bool
	published     atomic.Uint64
	filtered      atomic.Uint64
	dispatched    atomic.Uint64
	handlerErrors atomic.Uint64
	dropped       atomic.Uint64
}

// GetEventBus define a new event bus
func GetEventBus(instance string, config common.BusConfig) (EventBus, error) {
	logTags := log.Fields{
		"module": "bus", "component": "event-bus", "instance": instance,
	}
	instanceID := instance
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	eventBus := &eventBusImpl{
		Component:     common.Component{LogTags: logTags},
		instanceID:    instanceID,
		subscriptions: make([]*subscriptionEntry, 0),
	}
	eventBus.enabled.Store(config.Enabled)
	eventBus.debug.Store(config.Debug)
	return eventBus, nil
}

// Publish publish an event from the bus's own source ID
func (b *eventBusImpl) Publish(topic string, payload map[string]interface{}) bool {
	return b.PublishFrom(b.instanceID, topic, payload)
}

// PublishFrom publish an event with an explicit source ID
func (b *eventBusImpl) PublishFrom(
	sourceID, topic string, payload map[string]interface{},
) bool {
	if !b.enabled.Load() {
		b.dropped.Add(1)
		if b.debug.Load() {
			log.WithFields(b.LogTags).WithField("topic", topic).Info("Bus disabled, publish ignored")
		}
		return false
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	b.publishLock.Lock()
	defer b.publishLock.Unlock()

	b.sequence++
	b.lastSequence.Store(b.sequence)
	evt := Event{
		Topic:     topic,
		Payload:   payload,
		Sequence:  b.sequence,
		Timestamp: time.Now().UTC(),
		SourceID:  sourceID,
	}
	b.published.Add(1)

	b.subLock.RLock()
	targets := make([]*subscriptionEntry, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.matcher.matches(topic) {
			targets = append(targets, sub)
		}
	}
	b.subLock.RUnlock()

	if b.debug.Load() {
		matched := make([]string, len(targets))
		for idx, sub := range targets {
			matched[idx] = sub.ID
		}
		log.WithFields(b.LogTags).WithFields(log.Fields{
			"topic": topic, "sequence": evt.Sequence, "source": sourceID, "matched": matched,
		}).Info("Publish")
	}

	if len(targets) == 0 {
		b.filtered.Add(1)
		return true
	}

	for _, sub := range targets {
		if err := b.dispatch(sub, evt); err != nil {
			b.handlerErrors.Add(1)
			log.WithError(err).WithFields(b.LogTags).WithFields(log.Fields{
				"topic": topic, "sequence": evt.Sequence, "subscription": sub.ID,
			}).Error("Subscriber failed")
			continue
		}
		b.dispatched.Add(1)
		if b.debug.Load() {
			log.WithFields(b.LogTags).WithFields(log.Fields{
				"topic": topic, "sequence": evt.Sequence, "subscription": sub.ID,
			}).Info("Dispatched")
		}
	}
	return true
}

// dispatch call one handler inside its own error boundary
func (b *eventBusImpl) dispatch(sub *subscriptionEntry, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
			log.WithFields(b.LogTags).Debugf("Subscriber %s panic stack\n%s", sub.ID, debug.Stack())
		}
	}()
	return sub.handler(evt)
}

// Subscribe register a handler for topics matching pattern
func (b *eventBusImpl) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("handler is required")
	}
	matcher, err := parsePattern(pattern)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to subscribe")
		return Subscription{}, err
	}
	entry := &subscriptionEntry{
		Subscription: Subscription{
			ID: uuid.NewString(), Pattern: pattern, CreatedAt: time.Now().UTC(),
		},
		matcher: matcher,
		handler: handler,
	}
	b.subLock.Lock()
	b.subscriptions = append(b.subscriptions, entry)
	b.subLock.Unlock()
	log.WithFields(b.LogTags).Debugf("Subscription %s registered on '%s'", entry.ID, pattern)
	return entry.Subscription, nil
}

// Unsubscribe remove a registration
func (b *eventBusImpl) Unsubscribe(sub Subscription) error {
	b.subLock.Lock()
	defer b.subLock.Unlock()
	for idx, entry := range b.subscriptions {
		if entry.ID == sub.ID {
			b.subscriptions = append(b.subscriptions[:idx:idx], b.subscriptions[idx+1:]...)
			log.WithFields(b.LogTags).Debugf("Subscription %s removed", sub.ID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSubscription, sub.ID)
}

// GetStats snapshot the counters
func (b *eventBusImpl) GetStats() Stats {
	b.subLock.RLock()
	subCount := len(b.subscriptions)
	b.subLock.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Filtered:      b.filtered.Load(),
		Dispatched:    b.dispatched.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Dropped:       b.dropped.Load(),
		LastSequence:  b.lastSequence.Load(),
		Subscriptions: subCount,
		Enabled:       b.enabled.Load(),
	}
}

// SetEnabled enable or disable dispatch
func (b *eventBusImpl) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
	log.WithFields(b.LogTags).Infof("Bus enabled=%v", enabled)
}

// IsEnabled whether dispatch is enabled
func (b *eventBusImpl) IsEnabled() bool {
	return b.enabled.Load()
}

// SetDebug log every publish and dispatch
func (b *eventBusImpl) SetDebug(debug bool) {
	b.debug.Store(debug)
}

// Reset drop all subscriptions, zero the counters and restart the sequence
func (b *eventBusImpl) Reset() {
	b.publishLock.Lock()
	defer b.publishLock.Unlock()
	b.subLock.Lock()
	defer b.subLock.Unlock()
	b.sequence = 0
	b.lastSequence.Store(0)
	b.subscriptions = make([]*subscriptionEntry, 0)
	b.published.Store(0)
	b.filtered.Store(0)
	b.dispatched.Store(0)
	b.handlerErrors.Store(0)
	b.dropped.Store(0)
	b.enabled.Store(true)
	b.debug.Store(false)
	log.WithFields(b.LogTags).Debug("Bus reset")
}
