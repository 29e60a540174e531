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

package apis

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/alwitt/agentbus/bus"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/topics"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// IngestedEvent one hook envelope converted into a bus event
type IngestedEvent struct {
	// Topic is the normalized bus topic
	Topic string
	// Source is the producing session, empty when the envelope carries none
	Source string
	// Payload is the whole envelope
	Payload map[string]interface{}
}

// ParseHookEnvelope validate an envelope and derive its topic.
//
// The event name is the first non-empty string among config.TopicFields, else
// config.DefaultTopic. Names without an allowlisted namespace prefix are placed under
// config.Namespace.
func ParseHookEnvelope(raw []byte, config common.IngestConfig) (IngestedEvent, error) {
	if !gjson.ValidBytes(raw) {
		return IngestedEvent{}, fmt.Errorf("body is not valid JSON")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return IngestedEvent{}, fmt.Errorf("body is not a JSON object")
	}

	eventName := config.DefaultTopic
	for _, field := range config.TopicFields {
		value := parsed.Get(gjson.Escape(field))
		if value.Type == gjson.String && value.String() != "" {
			eventName = value.String()
			break
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return IngestedEvent{}, err
	}

	source := ""
	if sessionID := parsed.Get("session_id"); sessionID.Type == gjson.String {
		source = sessionID.String()
	}
	return IngestedEvent{
		Topic:   qualifyEventName(eventName, config.Namespace),
		Source:  source,
		Payload: payload,
	}, nil
}

// qualifyEventName keep names already under a known namespace, prefix the rest
func qualifyEventName(eventName, namespace string) string {
	if topics.HasNamespacePrefix(eventName) {
		return eventName
	}
	return topics.TopicFor("/"+namespace, eventName)
}

// APIRestIngestHandler REST handler for hook event ingestion
type APIRestIngestHandler struct {
	goutils.RestAPIHandler
	eventBus    bus.EventBus
	config      common.IngestConfig
	maxBodySize int64
	limiter     *rate.Limiter
}

// GetAPIRestIngestHandler define APIRestIngestHandler. Bodies larger than maxBodySize are
// rejected.
func GetAPIRestIngestHandler(
	eventBus bus.EventBus,
	ingestConfig common.IngestConfig,
	maxBodySize int64,
	httpConfig *common.HTTPConfig,
) (APIRestIngestHandler, error) {
	if eventBus == nil {
		return APIRestIngestHandler{}, fmt.Errorf("event bus is required")
	}
	if maxBodySize < 1 {
		return APIRestIngestHandler{}, fmt.Errorf("max body size must be positive")
	}
	if len(ingestConfig.TopicFields) == 0 || ingestConfig.DefaultTopic == "" {
		return APIRestIngestHandler{}, fmt.Errorf("topic fields and default topic are required")
	}
	if _, ok := topics.NormalizeNamespace(ingestConfig.Namespace); !ok {
		return APIRestIngestHandler{}, fmt.Errorf("unknown ingestion namespace '%s'", ingestConfig.Namespace)
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "ingest",
	}
	var limiter *rate.Limiter
	if ingestConfig.RateLimit > 0 {
		burst := ingestConfig.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ingestConfig.RateLimit), burst)
	}
	return APIRestIngestHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		eventBus:       eventBus,
		config:         ingestConfig,
		maxBodySize:    maxBodySize,
		limiter:        limiter,
	}, nil
}

// IngestEvent godoc
// @Summary Ingest a hook event
// @Description Publish one JSON hook envelope onto the event bus
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Agentbus-Request-ID header string false "User provided request ID to match against logs"
// @Param event body object true "Hook event envelope"
// @Success 204 "accepted"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/events [post]
func (h APIRestIngestHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if respCode == http.StatusNoContent {
			w.WriteHeader(respCode)
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			msg := "Event processing failed"
			log.WithFields(localLogTags).Errorf("%s: %v", msg, recovered)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, fmt.Sprintf("%v", recovered),
			)
		}
	}()

	if h.limiter != nil && !h.limiter.Allow() {
		msg := "Event rate limit exceeded"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusTooManyRequests
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusTooManyRequests, msg, msg)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := fmt.Sprintf("Event exceeds %d bytes", h.maxBodySize)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusRequestEntityTooLarge
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusRequestEntityTooLarge, msg, err.Error())
			return
		}
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event, err := ParseHookEnvelope(raw, h.config)
	if err != nil {
		msg := "Unable to parse hook event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if event.Source != "" {
		h.eventBus.PublishFrom(event.Source, event.Topic, event.Payload)
	} else {
		h.eventBus.Publish(event.Topic, event.Payload)
	}
	respCode = http.StatusNoContent
}

// IngestEventHandler Wrapper around IngestEvent
func (h APIRestIngestHandler) IngestEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IngestEvent(w, r)
	}
}
