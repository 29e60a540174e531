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
	"fmt"
	"net/http"

	"github.com/alwitt/agentbus/bus"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/hub"
	"github.com/alwitt/agentbus/relay"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// APIRestManagementHandler REST handler for stats and health checks
type APIRestManagementHandler struct {
	goutils.RestAPIHandler
	eventBus bus.EventBus
	relay    relay.Relay
	hub      hub.BroadcastHub
}

// GetAPIRestManagementHandler define APIRestManagementHandler. relay and hub may be nil
// when the process does not run them.
func GetAPIRestManagementHandler(
	eventBus bus.EventBus,
	eventRelay relay.Relay,
	broadcastHub hub.BroadcastHub,
	httpConfig *common.HTTPConfig,
) (APIRestManagementHandler, error) {
	if eventBus == nil {
		return APIRestManagementHandler{}, fmt.Errorf("event bus is required")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "management",
	}
	return APIRestManagementHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		eventBus:       eventBus,
		relay:          eventRelay,
		hub:            broadcastHub,
	}, nil
}

// =======================================================================
// Stats

// APIRestRespStats response for the stats snapshot
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Bus event bus counters
	Bus bus.Stats `json:"bus"`
	// Relay relay counters
	Relay *relay.Stats `json:"relay,omitempty"`
	// Hub broadcast hub counters
	Hub *hub.Stats `json:"hub,omitempty"`
}

// GetStats godoc
// @Summary Fetch runtime counters
// @Description Snapshot of the event bus, relay, and broadcast hub counters
// @tags Management
// @Produce json
// @Param Agentbus-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/stats [get]
func (h APIRestManagementHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Bus: h.eventBus.GetStats(),
	}
	if h.relay != nil {
		stats := h.relay.GetStats()
		resp.Relay = &stats
	}
	if h.hub != nil {
		stats := h.hub.GetStats()
		resp.Hub = &stats
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestManagementHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the process is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// ready whether the hub is running and the relay can reach its hub
func (h APIRestManagementHandler) ready() (bool, string) {
	if h.hub != nil && !h.hub.GetStats().Running {
		return false, "broadcast hub not running"
	}
	if h.relay != nil {
		stats := h.relay.GetStats()
		if stats.Enabled && !stats.Connected {
			return false, "relay not connected to hub"
		}
	}
	return true, ""
}

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the hub is running and the relay is connected
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if ready, reason := h.ready(); !ready {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, reason)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
