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

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/agentbus/apis"
	"github.com/alwitt/agentbus/bridge"
	"github.com/alwitt/agentbus/bus"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/core"
	"github.com/alwitt/agentbus/relay"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// RunRelay run a standalone relay: events arrive on the bus through the NATS bridge, and are
// forwarded to a remote hub. Stats and health checks are served over HTTP.
func RunRelay(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}
	if natsClient == nil {
		err := fmt.Errorf("standalone relay requires the NATS bridge")
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	eventBus, err := bus.GetEventBus(instance, config.Bus)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	// -------------------------------------------------------------------
	// Relay into the remote hub

	dialer, err := defineHubDialer(
		instance,
		config.Relay.HubHost,
		config.Relay.HubPort,
		config.Relay.Transports,
		config.Relay.HandshakeTimeout,
		time.Millisecond*time.Duration(config.Relay.WriteTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub dialer")
		return err
	}
	forwarder, err := relay.GetRemoteForwarder(instance, dialer, config.Relay.Reconnect)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define forwarder")
		return err
	}
	eventRelay, err := relay.GetRelay(instance, config.Relay, eventBus, forwarder)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return err
	}
	if err := eventRelay.Start(runTimeContext, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start relay")
		return err
	}
	defer func() {
		if err := eventRelay.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Relay stop failed")
		}
	}()

	// -------------------------------------------------------------------
	// NATS feeds the bus

	natsBridge, err := bridge.GetBridge(instance, config.NATS, natsClient.Conn(), eventBus)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS bridge")
		return err
	}
	if err := natsBridge.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start NATS bridge")
		return err
	}
	defer func() {
		if err := natsBridge.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("NATS bridge stop failed")
		}
	}()

	// -------------------------------------------------------------------
	// HTTP API

	mgmtHandler, err := apis.GetAPIRestManagementHandler(eventBus, eventRelay, nil, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management handler")
		return err
	}
	router := mux.NewRouter()
	_ = apis.RegisterHubRoutes(router, "/", apis.HubEndpoints{Management: mgmtHandler})

	httpSrv := defineHTTPServer(config.HTTP.Server, router, instance)
	return serveUntilDone(runTimeContext, httpSrv, logTags)
}
