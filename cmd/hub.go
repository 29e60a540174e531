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
	"github.com/alwitt/agentbus/hub"
	"github.com/alwitt/agentbus/relay"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// RunHubServer run the event bus, relay and broadcast hub in one process, serving ingestion,
// the hub transports, and the health checks. natsClient is nil when the NATS bridge is not
// enabled.
func RunHubServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub",
		"instance":  instance,
	}
	if config.Relay.Mode != "local" {
		err := fmt.Errorf("hub server requires relay mode 'local', got '%s'", config.Relay.Mode)
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	eventBus, err := bus.GetEventBus(instance, config.Bus)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	// -------------------------------------------------------------------
	// Broadcast hub and its transports

	broadcastHub, err := hub.GetBroadcastHub(instance, config.Hub)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}
	if err := broadcastHub.Start(runTimeContext, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast hub")
		return err
	}
	defer func() {
		if err := broadcastHub.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Broadcast hub stop failed")
		}
	}()

	wsTransport, err := hub.GetWebsocketTransport(broadcastHub, hub.AllowAll)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket transport")
		return err
	}
	pollTransport, err := hub.GetPollingTransport(broadcastHub, hub.AllowAll)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define long-poll transport")
		return err
	}
	pollTransport.Start()
	defer pollTransport.Stop()

	// -------------------------------------------------------------------
	// Relay from the bus into the co-located hub

	forwarder, err := relay.GetLocalForwarder(broadcastHub)
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
	// Optional NATS bridge

	if natsClient != nil {
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
	}

	// -------------------------------------------------------------------
	// HTTP API

	ingestHandler, err := apis.GetAPIRestIngestHandler(
		eventBus, config.Ingest, config.Hub.MaxFrameSize, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestion handler")
		return err
	}
	mgmtHandler, err := apis.GetAPIRestManagementHandler(
		eventBus, eventRelay, broadcastHub, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management handler")
		return err
	}

	router := mux.NewRouter()
	_ = apis.RegisterHubRoutes(router, "/", apis.HubEndpoints{
		Ingest:        &ingestHandler,
		IngestTimeout: time.Second * time.Duration(config.Ingest.RequestTimeout),
		Management:    mgmtHandler,
		Websocket:     wsTransport,
		Polling:       pollTransport,
	})

	httpSrv := defineHTTPServer(config.HTTP.Server, router, instance)
	return serveUntilDone(runTimeContext, httpSrv, logTags)
}
