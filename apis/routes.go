package apis

import (
	"net/http"
	"time"

	"github.com/alwitt/agentbus/hub"
	"github.com/gorilla/mux"
)

// HubEndpoints the handlers served by a hub process
type HubEndpoints struct {
	// Ingest hook event ingestion. Not served when nil.
	Ingest *APIRestIngestHandler
	// IngestTimeout bounds the processing of one ingestion request
	IngestTimeout time.Duration
	// Management stats and health checks
	Management APIRestManagementHandler
	// Websocket hub websocket transport. Not served when nil.
	Websocket *hub.WebsocketTransport
	// Polling hub long-poll transport. Not served when nil.
	Polling *hub.PollingTransport
}

// RegisterHubRoutes install the hub process routes under pathPrefix
func RegisterHubRoutes(router *mux.Router, pathPrefix string, endpoints HubEndpoints) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	if endpoints.Ingest != nil {
		var ingest http.HandlerFunc = endpoints.Ingest.IngestEventHandler()
		if endpoints.IngestTimeout > 0 {
			ingest = http.TimeoutHandler(
				ingest, endpoints.IngestTimeout, "event processing timed out",
			).ServeHTTP
		}
		_ = RegisterPathPrefix(mainRouter, "/api/events", MethodHandlers{
			"post": ingest,
		})
	}
	_ = RegisterPathPrefix(mainRouter, "/api/stats", MethodHandlers{
		"get": endpoints.Management.GetStatsHandler(),
	})

	if endpoints.Websocket != nil {
		_ = RegisterPathPrefix(mainRouter, "/ws", MethodHandlers{
			"get": endpoints.Websocket.ServeHTTP,
		})
	}
	if endpoints.Polling != nil {
		_ = RegisterPathPrefix(mainRouter, "/poll/handshake", MethodHandlers{
			"post": endpoints.Polling.Handshake,
		})
		_ = RegisterPathPrefix(mainRouter, "/poll/{sessionID}", MethodHandlers{
			"get":    endpoints.Polling.Poll,
			"post":   endpoints.Polling.Send,
			"delete": endpoints.Polling.Close,
		})
	}

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": endpoints.Management.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": endpoints.Management.ReadyHandler(),
	})
	return mainRouter
}
