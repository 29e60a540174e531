// Copyright 2022 The agentbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridge exchanges events between the event bus and NATS subjects.
package bridge

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alwitt/agentbus/bus"
	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
)

// MessageTransport the NATS operations used by the bridge. Satisfied by *nats.Conn.
type MessageTransport interface {
	// Subscribe register an async handler for a subject
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	// Publish send a message on a subject
	Publish(subject string, data []byte) error
}

// Stats bridge counters snapshot
type Stats struct {
	// Received is the number of NATS messages seen
	Received uint64 `json:"messages_received"`
	// Published is the number of NATS messages published onto the bus
	Published uint64 `json:"events_published"`
	// Rejected is the number of NATS messages which were not JSON objects
	Rejected uint64 `json:"messages_rejected"`
	// Mirrored is the number of bus events sent to NATS
	Mirrored uint64 `json:"events_mirrored"`
	// MirrorFailed is the number of bus events which could not be sent to NATS
	MirrorFailed uint64 `json:"mirror_failed"`
}

// Bridge moves events between NATS and the event bus
type Bridge interface {
	// Start subscribe to NATS, and to the bus when mirroring
	Start() error
	// Stop remove both subscriptions
	Stop() error
	// GetStats snapshot the counters
	GetStats() Stats
}

// natsBridgeImpl implements Bridge
type natsBridgeImpl struct {
	common.Component
	config    common.NATSConfig
	transport MessageTransport
	eventBus  bus.EventBus
	// sourceID marks bus events which came from NATS, so they are never mirrored back
	sourceID string

	lock     sync.Mutex
	running  bool
	natsSub  *nats.Subscription
	busSub   bus.Subscription
	mirrored bool

	received     atomic.Uint64
	published    atomic.Uint64
	rejected     atomic.Uint64
	mirrorCount  atomic.Uint64
	mirrorFailed atomic.Uint64
}

// GetBridge define a new NATS bridge
func GetBridge(
	instance string, config common.NATSConfig, transport MessageTransport, eventBus bus.EventBus,
) (Bridge, error) {
	if transport == nil || eventBus == nil {
		return nil, fmt.Errorf("NATS transport and event bus are required")
	}
	prefix := strings.Trim(config.SubjectPrefix, ".")
	if prefix == "" || strings.ContainsAny(prefix, "*> ") {
		return nil, fmt.Errorf("invalid subject prefix '%s'", config.SubjectPrefix)
	}
	config.SubjectPrefix = prefix
	logTags := log.Fields{
		"module": "bridge", "component": "nats-bridge", "instance": instance,
	}
	return &natsBridgeImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		transport: transport,
		eventBus:  eventBus,
		sourceID:  fmt.Sprintf("nats-bridge.%s", instance),
	}, nil
}

// Start subscribe to NATS, and to the bus when mirroring
func (b *natsBridgeImpl) Start() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.running {
		return nil
	}

	subject := b.config.SubjectPrefix + ".>"
	natsSub, err := b.transport.Subscribe(subject, b.onMessage)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to '%s'", subject)
		return err
	}

	if b.config.Mirror {
		busSub, err := b.eventBus.Subscribe("*", b.onEvent)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unable to subscribe to the bus")
			if natsSub != nil {
				_ = natsSub.Unsubscribe()
			}
			return err
		}
		b.busSub = busSub
		b.mirrored = true
	}
	b.natsSub = natsSub
	b.running = true
	log.WithFields(b.LogTags).Infof("Bridging '%s' onto the bus (mirror %v)", subject, b.config.Mirror)
	return nil
}

// Stop remove both subscriptions
func (b *natsBridgeImpl) Stop() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.running {
		return nil
	}
	var result error
	if b.natsSub != nil {
		if err := b.natsSub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("NATS unsubscribe failed")
			result = err
		}
		b.natsSub = nil
	}
	if b.mirrored {
		if err := b.eventBus.Unsubscribe(b.busSub); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Bus unsubscribe failed")
			result = err
		}
		b.mirrored = false
	}
	b.running = false
	log.WithFields(b.LogTags).Info("Bridge stopped")
	return result
}

// onMessage publish one NATS message onto the bus. The subject suffix is the topic.
func (b *natsBridgeImpl) onMessage(msg *nats.Msg) {
	b.received.Add(1)
	topic := strings.TrimPrefix(msg.Subject, b.config.SubjectPrefix+".")
	logTags := b.ChildLogTags(log.Fields{"subject": msg.Subject})
	if topic == "" || topic == msg.Subject {
		b.rejected.Add(1)
		log.WithFields(logTags).Error("Subject outside the bridged prefix")
		return
	}
	if !gjson.ValidBytes(msg.Data) || !gjson.ParseBytes(msg.Data).IsObject() {
		b.rejected.Add(1)
		log.WithFields(logTags).Error("Message is not a JSON object")
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		b.rejected.Add(1)
		log.WithError(err).WithFields(logTags).Error("Unable to decode message")
		return
	}
	if b.eventBus.PublishFrom(b.sourceID, topic, payload) {
		b.published.Add(1)
	}
}

// onEvent mirror one bus event to NATS
func (b *natsBridgeImpl) onEvent(evt bus.Event) error {
	if evt.SourceID == b.sourceID {
		return nil
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		b.mirrorFailed.Add(1)
		return err
	}
	subject := b.config.SubjectPrefix + "." + evt.Topic
	if err := b.transport.Publish(subject, data); err != nil {
		b.mirrorFailed.Add(1)
		return err
	}
	b.mirrorCount.Add(1)
	return nil
}

// GetStats snapshot the counters
func (b *natsBridgeImpl) GetStats() Stats {
	return Stats{
		Received:     b.received.Load(),
		Published:    b.published.Load(),
		Rejected:     b.rejected.Load(),
		Mirrored:     b.mirrorCount.Load(),
		MirrorFailed: b.mirrorFailed.Load(),
	}
}
